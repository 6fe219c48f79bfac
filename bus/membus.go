package bus

import (
	"sync"

	"github.com/petal-labs/instruflow/runtime"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus. A slow subscriber loses events rather
// than blocking the scheduler.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // epoch -> subscribers
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to the subscribers of its epoch and to every
// global subscriber. Events published after Close are dropped.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs[event.Epoch] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for one epoch.
func (b *MemBus) Subscribe(epoch string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, epoch, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[epoch] = append(b.subs[epoch], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives every event.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// remove detaches sub so that the bus stops tracking it.
func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		b.globalSubs = without(b.globalSubs, sub)
		return
	}
	rest := without(b.subs[sub.epoch], sub)
	if len(rest) == 0 {
		delete(b.subs, sub.epoch)
	} else {
		b.subs[sub.epoch] = rest
	}
}

func without(subs []*memSub, sub *memSub) []*memSub {
	out := subs[:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	epoch  string
	global bool
	ch     chan runtime.Event

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func newMemSub(b *MemBus, epoch string, bufSize int) *memSub {
	return &memSub{
		bus:   b,
		epoch: epoch,
		ch:    make(chan runtime.Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan runtime.Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.close()
	s.bus.remove(s)
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped++
	}
}

// Dropped returns the number of events the subscription lost because its
// buffer was full.
func (s *memSub) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
