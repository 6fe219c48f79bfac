package bus

import (
	"context"
	"time"

	"github.com/petal-labs/instruflow/runtime"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event runtime.Event) error

	// List returns the events of an epoch in Seq order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, epoch string, afterSeq uint64, limit int) ([]runtime.Event, error)

	// LatestSeq returns the highest Seq of an epoch (0 if no events).
	LatestSeq(ctx context.Context, epoch string) (uint64, error)

	// Epochs summarizes the stored epochs, most recent first.
	Epochs(ctx context.Context) ([]EpochSummary, error)
}

// EpochSummary describes the events stored for one WaitAll epoch.
type EpochSummary struct {
	Epoch    string
	Events   int
	Failures int // task.failed and task.timeout events
	First    time.Time
	Last     time.Time
}

// isFailure reports whether an event counts as a task failure in summaries.
func isFailure(kind runtime.EventKind) bool {
	return kind == runtime.EventTaskFailed || kind == runtime.EventTaskTimeout
}
