package loggers

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
)

// DefaultCapacity is the default number of items a memory logger keeps.
const DefaultCapacity = 100

func positive(v any) error {
	if n, _ := v.(int64); n < 1 {
		return fmt.Errorf("%v is not positive", v)
	}
	return nil
}

// MemorySink keeps the last records in a ring. A capacity change applies
// from the next record on; the oldest records are dropped first.
type MemorySink struct {
	mu      sync.Mutex
	records []graph.Record
	total   int
}

// Log implements graph.Sink.
func (m *MemorySink) Log(_ context.Context, rec graph.Record, params core.Values) error {
	capacity := int(params.Int("capacity"))
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	rec.Item.Value = core.CopyValue(rec.Item.Value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if over := len(m.records) - capacity; over > 0 {
		m.records = append(m.records[:0:0], m.records[over:]...)
	}
	m.total++
	return nil
}

// Records returns the kept records, oldest first.
func (m *MemorySink) Records() []graph.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]graph.Record(nil), m.records...)
}

// Values returns the values of the kept records, oldest first.
func (m *MemorySink) Values() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.records))
	for i, r := range m.records {
		out[i] = r.Item.Value
	}
	return out
}

// Last returns the most recent record.
func (m *MemorySink) Last() (graph.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return graph.Record{}, false
	}
	return m.records[len(m.records)-1], true
}

// Total returns the number of records seen, including dropped ones.
func (m *MemorySink) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Clear drops every kept record.
func (m *MemorySink) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}
