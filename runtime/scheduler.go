package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/instruflow/core"
)

// DefaultWorkers is the worker pool size used when Options.Workers is zero.
const DefaultWorkers = 8

// Options controls scheduler behavior.
type Options struct {
	// Workers bounds the number of jobs running at once (default: 8).
	Workers int

	// WatchdogTimeout is the time a task may stay processing without
	// progress before it is forced to fail (default: 15s).
	WatchdogTimeout time.Duration

	// DisableWatchdog starts the scheduler with the watchdog stopped.
	DisableWatchdog bool

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// Logger receives scheduler diagnostics. If nil, uses slog.Default().
	Logger *slog.Logger

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	EventBus EventPublisher
}

// DefaultOptions returns sensible default options.
func DefaultOptions() Options {
	return Options{
		Workers:         DefaultWorkers,
		WatchdogTimeout: DefaultWatchdogTimeout,
	}
}

// lane serializes the jobs sharing one key.
type lane struct {
	key     string
	queue   []*Task
	running bool
	ready   bool
	// stalled is set while the running job was abandoned by the watchdog
	// and has not returned yet. Queued tasks are supervised while it holds.
	stalled bool
}

// Scheduler runs jobs on a bounded pool of workers. Jobs with the same key
// run one at a time in submission order; different keys run concurrently.
// It is safe for concurrent use.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	emit   EventEmitter

	base       context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	lanes      map[string]*lane
	ready      []*lane
	active     int
	live       map[*Task]struct{}
	pending    int
	drained    chan struct{}
	failures   []error
	epoch      string
	epochOpen  bool
	epochStart time.Time
	closed     bool
	wd         *watchdog
}

// NewScheduler creates a scheduler. Zero option fields take their defaults.
func NewScheduler(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		opts:    opts,
		logger:  logger.With("component", "scheduler"),
		lanes:   make(map[string]*lane),
		live:    make(map[*Task]struct{}),
		drained: make(chan struct{}),
		epoch:   uuid.NewString(),
	}
	close(s.drained)
	s.base, s.baseCancel = context.WithCancel(context.Background())
	s.wd = newWatchdog(opts.WatchdogTimeout, opts.DisableWatchdog, s.expire)

	seq := newSeqGen()
	emit := func(e Event) {
		e.Seq = seq.Next()
		if opts.EventBus != nil {
			opts.EventBus.Publish(e)
		}
		if opts.EventHandler != nil {
			opts.EventHandler(e)
		}
	}
	if opts.EventEmitterDecorator != nil {
		emit = opts.EventEmitterDecorator(emit)
	}
	s.emit = emit
	return s
}

// Submit queues a job and returns its task. It never blocks on the job.
func (s *Scheduler) Submit(job Job) *Task {
	now := s.opts.Now()
	t := &Task{
		id:     uuid.NewString(),
		label:  job.Label,
		key:    job.Key,
		job:    job,
		done:   make(chan struct{}),
		queued: now,
		sched:  s,
	}
	if t.key == "" {
		t.key = "task/" + t.id
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.ctx, t.cancel = context.WithCancelCause(context.Background())
		t.cancel(core.ErrCancelled)
		t.err = &core.TaskError{TaskID: t.id, Module: t.label, Cause: fmt.Errorf("%w: scheduler closed", core.ErrCancelled)}
		t.state.Store(int32(TaskCancelled))
		close(t.done)
		return t
	}
	t.ctx, t.cancel = context.WithCancelCause(s.base)
	startEpoch := !s.epochOpen
	if startEpoch {
		s.epochOpen = true
		s.epochStart = now
	}
	t.epoch = s.epoch
	s.live[t] = struct{}{}
	s.pending++
	if s.pending == 1 {
		s.drained = make(chan struct{})
	}
	s.mu.Unlock()

	if startEpoch {
		s.emit(NewEvent(EventEpochStarted, t.epoch))
	}
	s.emit(NewEvent(EventTaskQueued, t.epoch).
		WithTask(t.id, t.label).
		WithPayload("key", t.key))

	s.mu.Lock()
	if t.State() == TaskIdle && !t.cancelRequested {
		l := s.lanes[t.key]
		if l == nil {
			l = &lane{key: t.key}
			s.lanes[t.key] = l
		}
		l.queue = append(l.queue, t)
		if l.stalled {
			s.wd.arm(t)
		}
		s.markReadyLocked(l)
		s.spawnLocked()
	}
	s.mu.Unlock()
	return t
}

func (s *Scheduler) markReadyLocked(l *lane) {
	if l.running || l.ready || len(l.queue) == 0 {
		return
	}
	l.ready = true
	s.ready = append(s.ready, l)
}

func (s *Scheduler) spawnLocked() {
	if s.active < s.opts.Workers && len(s.ready) > 0 {
		s.active++
		go s.worker()
	}
}

// nextLocked pops the next task to run, or returns nil when nothing is
// ready.
func (s *Scheduler) nextLocked() *Task {
	for len(s.ready) > 0 {
		l := s.ready[0]
		s.ready[0] = nil
		s.ready = s.ready[1:]
		l.ready = false
		if len(l.queue) == 0 {
			continue
		}
		t := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.running = true
		return t
	}
	return nil
}

func (s *Scheduler) worker() {
	for {
		s.mu.Lock()
		t := s.nextLocked()
		if t == nil {
			s.active--
			s.mu.Unlock()
			return
		}
		t.state.Store(int32(TaskProcessing))
		s.wd.arm(t)
		s.mu.Unlock()

		started := s.opts.Now()
		s.emit(NewEvent(EventTaskStarted, t.epoch).
			WithTask(t.id, t.label).
			WithElapsed(started.Sub(t.queued)))

		runErr := s.execute(t)
		elapsed := s.opts.Now().Sub(started)

		s.mu.Lock()
		abandoned := t.abandoned
		var (
			ev    Event
			state TaskState
			err   error
		)
		if !abandoned {
			s.wd.disarm(t)
			ev, state, err = s.outcomeLocked(t, runErr, elapsed)
		}
		s.mu.Unlock()

		if !abandoned {
			s.emit(ev)
		}

		s.mu.Lock()
		if !abandoned {
			s.finishLocked(t, state, err)
		}
		if l := s.lanes[t.key]; l != nil {
			l.running = false
			if abandoned && l.stalled {
				l.stalled = false
				for _, q := range l.queue {
					s.wd.disarm(q)
				}
			}
			if len(l.queue) == 0 {
				delete(s.lanes, t.key)
			} else {
				s.markReadyLocked(l)
			}
		}
		if abandoned {
			// The slot was handed to a replacement when the watchdog fired.
			if s.active >= s.opts.Workers || len(s.ready) == 0 {
				s.mu.Unlock()
				s.logger.Warn("abandoned task returned", "task", t.id, "module", t.label, "error", runErr)
				return
			}
			s.active++
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx := ContextWithEmitter(t.ctx, s.emit)
	ctx = ContextWithKick(ctx, func() { s.kick(t) })
	ctx = WithLogger(ctx, s.logger.With("module", t.label, "task", t.id))
	return t.job.Run(ctx)
}

// outcomeLocked decides how a task that returned from its job ends.
func (s *Scheduler) outcomeLocked(t *Task, runErr error, elapsed time.Duration) (Event, TaskState, error) {
	ev := NewEvent(EventTaskFinished, t.epoch).
		WithTask(t.id, t.label).
		WithElapsed(elapsed)
	switch {
	case t.cancelRequested:
		ev.Kind = EventTaskCancelled
		return ev, TaskCancelled, &core.TaskError{TaskID: t.id, Module: t.label, Cause: core.ErrCancelled}
	case runErr != nil:
		ev.Kind = EventTaskFailed
		ev = ev.WithPayload("error", runErr.Error())
		return ev, TaskError, &core.TaskError{TaskID: t.id, Module: t.label, Cause: fmt.Errorf("%w: %w", core.ErrTask, runErr)}
	default:
		return ev, TaskDone, nil
	}
}

// finishLocked moves a task to a terminal state exactly once.
func (s *Scheduler) finishLocked(t *Task, state TaskState, err error) {
	if t.State().Terminal() {
		return
	}
	t.err = err
	t.state.Store(int32(state))
	close(t.done)
	t.cancel(core.ErrCancelled)
	delete(s.live, t)
	if err != nil {
		s.failures = append(s.failures, err)
	}
	s.pending--
	if s.pending == 0 {
		close(s.drained)
	}
}

func (s *Scheduler) kick(t *Task) {
	s.mu.Lock()
	if t.State() != TaskProcessing || t.abandoned {
		s.mu.Unlock()
		return
	}
	s.wd.kick(t)
	s.mu.Unlock()
	s.emit(NewEvent(EventTaskProgress, t.epoch).WithTask(t.id, t.label))
}

// expire is the watchdog callback. It fails the task, cancels its context
// and hands its worker slot to a replacement. Tasks queued behind the
// abandoned run are supervised from then on, since the lane stays blocked
// until the stuck job returns.
func (s *Scheduler) expire(t *Task, gen uint64) {
	s.mu.Lock()
	if !s.wd.current(t, gen) || t.abandoned {
		s.mu.Unlock()
		return
	}
	switch t.State() {
	case TaskProcessing:
	case TaskIdle:
		s.expireBlocked(t)
		return
	default:
		s.mu.Unlock()
		return
	}
	timeout := s.wd.timeout
	t.wdTimer = nil
	t.abandoned = true
	t.cancel(core.ErrWatchdogTimeout)
	if l := s.lanes[t.key]; l != nil {
		l.stalled = true
		for _, q := range l.queue {
			s.wd.arm(q)
		}
	}
	s.mu.Unlock()

	s.logger.Error("watchdog expired", "task", t.id, "module", t.label, "timeout", timeout)
	s.emit(NewEvent(EventTaskTimeout, t.epoch).
		WithTask(t.id, t.label).
		WithElapsed(s.opts.Now().Sub(t.queued)).
		WithPayload("timeout", timeout.String()))

	s.mu.Lock()
	s.finishLocked(t, TaskError, &core.TaskError{
		TaskID: t.id,
		Module: t.label,
		Cause:  fmt.Errorf("%w: no progress for %s", core.ErrWatchdogTimeout, timeout),
	})
	s.active--
	s.spawnLocked()
	s.mu.Unlock()
}

// expireBlocked fails an idle task that waited a full timeout behind an
// abandoned run. It is called with s.mu held and releases it.
func (s *Scheduler) expireBlocked(t *Task) {
	l := s.lanes[t.key]
	if l == nil || !l.stalled || !removeTask(l, t) {
		s.mu.Unlock()
		return
	}
	timeout := s.wd.timeout
	t.wdTimer = nil
	t.abandoned = true
	s.mu.Unlock()

	s.logger.Error("watchdog expired behind stalled run", "task", t.id, "module", t.label, "timeout", timeout)
	s.emit(NewEvent(EventTaskTimeout, t.epoch).
		WithTask(t.id, t.label).
		WithElapsed(s.opts.Now().Sub(t.queued)).
		WithPayload("timeout", timeout.String()).
		WithPayload("blocked", true))

	s.mu.Lock()
	s.finishLocked(t, TaskError, &core.TaskError{
		TaskID: t.id,
		Module: t.label,
		Cause:  fmt.Errorf("%w: blocked behind a stalled run for %s", core.ErrWatchdogTimeout, timeout),
	})
	s.mu.Unlock()
}

func removeTask(l *lane, t *Task) bool {
	for i, q := range l.queue {
		if q == t {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) cancelTask(t *Task) {
	s.mu.Lock()
	ev, ok := s.cancelLocked(t)
	s.mu.Unlock()
	if ok {
		s.emit(ev)
	}
}

// cancelLocked cancels one task. It returns the event to emit when the task
// was settled immediately.
func (s *Scheduler) cancelLocked(t *Task) (Event, bool) {
	if t.State().Terminal() || t.cancelRequested {
		return Event{}, false
	}
	t.cancelRequested = true
	if t.State() == TaskProcessing {
		t.cancel(core.ErrCancelled)
		return Event{}, false
	}
	if l := s.lanes[t.key]; l != nil {
		removeTask(l, t)
		s.wd.disarm(t)
		if len(l.queue) == 0 && !l.running {
			delete(s.lanes, t.key)
		}
	}
	s.finishLocked(t, TaskCancelled, &core.TaskError{TaskID: t.id, Module: t.label, Cause: core.ErrCancelled})
	return NewEvent(EventTaskCancelled, t.epoch).WithTask(t.id, t.label), true
}

// CancelAll requests cancellation of every task that is not terminal and
// returns without waiting. Running jobs observe it through their context.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	var events []Event
	n := 0
	for t := range s.live {
		if t.State().Terminal() || t.cancelRequested {
			continue
		}
		n++
		if ev, ok := s.cancelLocked(t); ok {
			events = append(events, ev)
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		s.emit(ev)
	}
	if n > 0 {
		s.logger.Info("cancel requested", "tasks", n)
	}
	return n
}

// WaitAll blocks until every task issued since the previous WaitAll is
// terminal, including tasks those tasks issued while running. It returns the
// first failure in completion order and starts a new epoch.
func (s *Scheduler) WaitAll(ctx context.Context) error {
	for {
		s.mu.Lock()
		drained := s.drained
		s.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.mu.Lock()
		if s.pending > 0 {
			s.mu.Unlock()
			continue
		}
		failures := s.failures
		s.failures = nil
		epoch := s.epoch
		start := s.epochStart
		wasOpen := s.epochOpen
		s.epoch = uuid.NewString()
		s.epochOpen = false
		s.mu.Unlock()

		ev := NewEvent(EventWaitAllFinished, epoch).WithPayload("failures", len(failures))
		if wasOpen {
			ev = ev.WithElapsed(s.opts.Now().Sub(start))
		}
		if len(failures) > 0 {
			ev = ev.WithPayload("status", "failed").WithPayload("error", failures[0].Error())
			for _, err := range failures[1:] {
				s.logger.Warn("additional task failure", "epoch", epoch, "error", err)
			}
		} else {
			ev = ev.WithPayload("status", "completed")
		}
		s.emit(ev)

		if len(failures) > 0 {
			return failures[0]
		}
		return nil
	}
}

// StopWatchDog disarms every timer and disables the watchdog for the rest of
// the scheduler's life.
func (s *Scheduler) StopWatchDog() {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.live))
	for t := range s.live {
		tasks = append(tasks, t)
	}
	s.wd.stop(tasks)
	s.mu.Unlock()
	s.logger.Info("watchdog stopped")
}

// WatchdogEnabled reports whether new tasks are still supervised.
func (s *Scheduler) WatchdogEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.wd.stopped
}

// WatchdogTimeout returns the configured watchdog timeout.
func (s *Scheduler) WatchdogTimeout() time.Duration {
	return s.wd.timeout
}

// Pending returns the number of tasks that are not terminal yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close cancels every live task and rejects further submissions.
// Submitting after Close returns an already cancelled task.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	tasks := make([]*Task, 0, len(s.live))
	for t := range s.live {
		tasks = append(tasks, t)
	}
	s.wd.stop(tasks)
	s.mu.Unlock()

	s.CancelAll()
	s.baseCancel()
}
