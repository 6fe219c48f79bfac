package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/petal-labs/instruflow/runtime"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]runtime.Event // epoch -> events in append order
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]runtime.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event runtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.Epoch] = append(s.events[event.Epoch], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, epoch string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	s.mu.RLock()
	all := append([]runtime.Event(nil), s.events[epoch]...)
	s.mu.RUnlock()

	// Handlers may run concurrently, so append order is not Seq order.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	var result []runtime.Event
	for _, e := range all {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, epoch string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[epoch] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemEventStore) Epochs(_ context.Context) ([]EpochSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EpochSummary, 0, len(s.events))
	for epoch, events := range s.events {
		sum := EpochSummary{Epoch: epoch, Events: len(events)}
		for i, e := range events {
			if i == 0 || e.Time.Before(sum.First) {
				sum.First = e.Time
			}
			if e.Time.After(sum.Last) {
				sum.Last = e.Time
			}
			if isFailure(e.Kind) {
				sum.Failures++
			}
		}
		out = append(out, sum)
	}
	sortEpochs(out)
	return out, nil
}

// sortEpochs orders summaries most recent first, by epoch ID on ties.
func sortEpochs(out []EpochSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Last.Equal(out[j].Last) {
			return out[i].Last.After(out[j].Last)
		}
		return out[i].Epoch < out[j].Epoch
	})
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
