// Package bus distributes scheduler events to subscribers and persists them
// for later inspection. Subscriptions are keyed by WaitAll epoch, so an
// observer can follow everything one run of the dataflow did.
package bus

import "github.com/petal-labs/instruflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for one epoch.
	// Returns a Subscription that must be closed when done.
	Subscribe(epoch string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}

var _ runtime.EventPublisher = EventBus(nil)
