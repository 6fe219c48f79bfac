package modules

import (
	"slices"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
)

// seqFollower tracks the sequence a consumer is inside of. Items outside
// any sequence of the followed source are ignored.
type seqFollower struct {
	mu     sync.Mutex
	active bool
}

// step classifies the item popped from port. ok is false when the item must
// be ignored; the end flag closes the sequence.
func (f *seqFollower) step(rc *graph.RunContext, port string) (mark core.SeqMark, ok bool) {
	mark, ok = rc.Seq(port)
	if !ok {
		rc.Logger().Debug("data outside any sequence ignored", "port", port)
		return mark, false
	}
	switch {
	case mark.Start:
		if f.active {
			rc.Logger().Warn("sequence restarted before its end, partial data dropped", "port", port)
		}
		f.active = true
	case !f.active:
		rc.Logger().Debug("data of a sequence whose start was missed ignored", "port", port)
		return mark, false
	}
	if mark.End {
		f.active = false
	}
	return mark, true
}

// outAttr is the attribute of a value closing a sequence: the input
// attribute without the mark of the sequence just closed.
func outAttr(rc *graph.RunContext, port string, item core.DataItem) core.Attribute {
	src, _ := rc.SeqSource(port)
	return item.Attr.Without(src)
}

// SeqMax emits the maximum of every sequence it receives.
type SeqMax struct {
	seqFollower
	max int64
}

// Process implements graph.Processor.
func (m *SeqMax) Process(rc *graph.RunContext) error {
	item, ok := rc.Input("inPortA")
	if !ok {
		return nil
	}
	v := item.Value.(int64)

	m.mu.Lock()
	mark, ok := m.step(rc, "inPortA")
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if mark.Start || v > m.max {
		m.max = v
	}
	result := m.max
	m.mu.Unlock()

	if !mark.End {
		return nil
	}
	return rc.EmitAttr("outPortA", result, outAttr(rc, "inPortA", item))
}

// Reset drops a partial sequence.
func (m *SeqMax) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
	m.max = 0
}

// SeqAccu accumulates every sequence it receives and emits it as a vector
// when the sequence ends.
type SeqAccu struct {
	seqFollower
	buf []int64
}

// Process implements graph.Processor.
func (a *SeqAccu) Process(rc *graph.RunContext) error {
	item, ok := rc.Input("inPortA")
	if !ok {
		return nil
	}
	v := item.Value.(int64)

	a.mu.Lock()
	mark, ok := a.step(rc, "inPortA")
	if !ok {
		a.mu.Unlock()
		return nil
	}
	if mark.Start {
		a.buf = a.buf[:0]
	}
	a.buf = append(a.buf, v)
	var out []int64
	if mark.End {
		out = slices.Clone(a.buf)
		a.buf = a.buf[:0]
	}
	a.mu.Unlock()

	if out == nil {
		return nil
	}
	rc.Logger().Debug("sequence accumulated", "size", len(out))
	return rc.EmitAttr("outPortA", out, outAttr(rc, "inPortA", item))
}

// Reset drops a partial sequence.
func (a *SeqAccu) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.buf = nil
}
