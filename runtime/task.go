package runtime

import (
	"context"
	"sync/atomic"
	"time"
)

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskProcessing
	TaskDone
	TaskError
	TaskCancelled
)

// String returns the string representation of the TaskState.
func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskProcessing:
		return "processing"
	case TaskDone:
		return "done"
	case TaskError:
		return "error"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s TaskState) Terminal() bool {
	return s >= TaskDone
}

// Job is one unit of work handed to the Scheduler.
type Job struct {
	// Key groups jobs that must not overlap. Jobs sharing a key run one at
	// a time in submission order. An empty key gives the job its own lane.
	Key string

	// Label names the job in events and logs, usually the module name.
	Label string

	// Run does the work. It should return promptly once ctx is done.
	Run func(ctx context.Context) error
}

// Task is the handle of a submitted Job.
type Task struct {
	id    string
	label string
	key   string
	epoch string
	job   Job

	ctx    context.Context
	cancel context.CancelCauseFunc

	state  atomic.Int32
	err    error // written once, before done is closed
	done   chan struct{}
	queued time.Time

	// guarded by Scheduler.mu
	cancelRequested bool
	abandoned       bool
	wdGen           uint64
	wdTimer         *time.Timer

	sched *Scheduler
}

// ID returns the task identifier.
func (t *Task) ID() string { return t.id }

// Label returns the label of the job the task runs.
func (t *Task) Label() string { return t.label }

// Epoch returns the WaitAll epoch the task was issued in.
func (t *Task) Epoch() string { return t.epoch }

// State returns a snapshot of the task state. It never blocks.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Done returns a channel closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the error captured by the task, or nil while it is not
// terminal or when it succeeded.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task is terminal and returns its captured error.
// It returns ctx.Err() if ctx ends first.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests cancellation of the task. An idle task is cancelled at
// once; a running task sees its context cancelled and is marked cancelled
// when it returns.
func (t *Task) Cancel() {
	if t.sched == nil {
		return
	}
	t.sched.cancelTask(t)
}
