package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/instruflow/runtime"
)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced progress events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps a runtime.EventEmitter and coalesces task.progress
// events, which a long sequence generator emits once per value. Only the
// latest progress event of each task survives an interval. Any other event
// of a task first flushes that task's pending progress, so a task never
// reports progress after it finished.
type ThrottledEmitter struct {
	emit     runtime.EventEmitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]runtime.Event // task ID -> latest progress event
	counts  map[string]int           // task ID -> progress events coalesced
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a new ThrottledEmitter that wraps the given
// emitter and starts its flush ticker.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]runtime.Event),
		counts:   make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go te.run()
	return te
}

// Decorator returns a runtime.EventEmitterDecorator that installs a
// ThrottledEmitter in front of the scheduler's emitter. The emitter is
// published through te once the scheduler is built; close it when the
// scheduler is closed.
func Decorator(cfg ThrottleConfig, te **ThrottledEmitter) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		t := NewThrottledEmitter(next, cfg)
		if te != nil {
			*te = t
		}
		return t.Emit
	}
}

// Emit sends an event through the throttled emitter.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if e.Kind != runtime.EventTaskProgress {
		if e.TaskID != "" {
			te.flushTask(e.TaskID)
		}
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return
	}
	te.pending[e.TaskID] = e
	te.counts[e.TaskID]++
}

// Close flushes any pending progress events and stops the background
// ticker. It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends all pending progress events, each carrying the number of
// progress events it stands for.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}
	toFlush := te.pending
	counts := te.counts
	te.pending = make(map[string]runtime.Event)
	te.counts = make(map[string]int)
	te.mu.Unlock()

	for id, e := range toFlush {
		te.emit(e.WithPayload("coalesced", counts[id]))
	}
}

func (te *ThrottledEmitter) flushTask(taskID string) {
	te.mu.Lock()
	e, ok := te.pending[taskID]
	n := te.counts[taskID]
	delete(te.pending, taskID)
	delete(te.counts, taskID)
	te.mu.Unlock()

	if ok {
		te.emit(e.WithPayload("coalesced", n))
	}
}
