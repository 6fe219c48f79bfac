// Package runtime provides the task scheduler that executes module, proxy
// and logger work for an instruflow graph.
package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by the scheduler.
type EventKind string

const (
	// EventEpochStarted is emitted when the first task of an epoch is queued.
	EventEpochStarted EventKind = "epoch.started"

	// EventTaskQueued is emitted when a task is accepted by the scheduler.
	EventTaskQueued EventKind = "task.queued"

	// EventTaskStarted is emitted when a worker begins running a task.
	EventTaskStarted EventKind = "task.started"

	// EventTaskProgress is emitted when a running task kicks the watchdog.
	EventTaskProgress EventKind = "task.progress"

	// EventTaskFinished is emitted when a task completes successfully.
	EventTaskFinished EventKind = "task.finished"

	// EventTaskFailed is emitted when a task returns an error or panics.
	EventTaskFailed EventKind = "task.failed"

	// EventTaskCancelled is emitted when a task is cancelled.
	EventTaskCancelled EventKind = "task.cancelled"

	// EventTaskTimeout is emitted when the watchdog abandons a task.
	EventTaskTimeout EventKind = "task.timeout"

	// EventWaitAllFinished is emitted when WaitAll observes the end of an epoch.
	EventWaitAllFinished EventKind = "waitall.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured, streamable record of what the scheduler did.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// Epoch identifies the WaitAll epoch the task belongs to.
	Epoch string

	// TaskID is the task that produced this event (empty for epoch events).
	TaskID string

	// Module is the label of the job: the module, proxy or logger name.
	Module string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the task was queued, or since the
	// epoch started for epoch events.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per scheduler (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, epoch string) Event {
	return Event{
		Kind:    kind,
		Epoch:   epoch,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithTask sets the task information on the event.
func (e Event) WithTask(taskID, module string) Event {
	e.TaskID = taskID
	e.Module = module
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// ChainDecorators composes decorators. The first one is outermost: it sees
// each event before the others do.
func ChainDecorators(decorators ...EventEmitterDecorator) EventEmitterDecorator {
	return func(emit EventEmitter) EventEmitter {
		for i := len(decorators) - 1; i >= 0; i-- {
			if decorators[i] != nil {
				emit = decorators[i](emit)
			}
		}
		return emit
	}
}

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the scheduler
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
