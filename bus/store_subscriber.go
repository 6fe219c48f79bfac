package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/instruflow/runtime"
)

// StoreSubscriber writes events to an EventStore. Its Handle method is a
// runtime.EventHandler.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event. Failures are logged, never returned.
func (s *StoreSubscriber) Handle(event runtime.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"epoch", event.Epoch,
			"kind", event.Kind,
			"task_id", event.TaskID,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Pump forwards the events of sub to the store until the subscription is
// closed. It is meant to run on its own goroutine.
func (s *StoreSubscriber) Pump(sub Subscription) {
	for event := range sub.Events() {
		s.Handle(event)
	}
}
