package runtime

import (
	"time"
)

// DefaultWatchdogTimeout is used when Options.WatchdogTimeout is zero.
const DefaultWatchdogTimeout = 15 * time.Second

// watchdog keeps one timer per processing task. Every method is called
// with the scheduler mutex held. A timer that fires after being re-armed
// carries a stale generation and is ignored.
type watchdog struct {
	timeout time.Duration
	stopped bool
	expire  func(t *Task, gen uint64)
}

func newWatchdog(timeout time.Duration, disabled bool, expire func(*Task, uint64)) *watchdog {
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	return &watchdog{timeout: timeout, stopped: disabled, expire: expire}
}

func (w *watchdog) arm(t *Task) {
	if w.stopped {
		return
	}
	w.disarm(t)
	t.wdGen++
	gen := t.wdGen
	t.wdTimer = time.AfterFunc(w.timeout, func() { w.expire(t, gen) })
}

func (w *watchdog) kick(t *Task) {
	if t.wdTimer == nil {
		return
	}
	w.arm(t)
}

func (w *watchdog) disarm(t *Task) {
	if t.wdTimer != nil {
		t.wdTimer.Stop()
		t.wdTimer = nil
	}
}

// stop disarms the timers of the given tasks and disables arming for the
// rest of the watchdog's life.
func (w *watchdog) stop(tasks []*Task) {
	w.stopped = true
	for _, t := range tasks {
		w.disarm(t)
	}
}

func (w *watchdog) current(t *Task, gen uint64) bool {
	return !w.stopped && t.wdTimer != nil && t.wdGen == gen
}
