package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/instruflow/core"
)

// PortSpec declares one port of a module class.
type PortSpec struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Type        core.DataType `json:"-"`
}

// SeqFlags mark the boundaries of a sequence on an emitted value.
type SeqFlags uint8

const (
	SeqStart SeqFlags = 1 << iota
	SeqEnd
)

// InPort receives items for its module. Items queue in arrival order until
// the module is dispatched.
type InPort struct {
	module      *Module
	name        string
	description string
	typ         core.DataType

	queue []core.DataItem // guarded by module.mu

	held      int      // guarded by graph.mu
	seqSource *OutPort // guarded by graph.mu
}

// Name returns the port name.
func (p *InPort) Name() string { return p.name }

// Description returns the port description.
func (p *InPort) Description() string { return p.description }

// Type returns the declared port type.
func (p *InPort) Type() core.DataType { return p.typ }

// Module returns the module owning the port.
func (p *InPort) Module() *Module { return p.module }

// TargetID implements Target.
func (p *InPort) TargetID() string { return p.module.name + ":" + p.name }

// TargetType implements Target.
func (p *InPort) TargetType() core.DataType { return p.typ }

func (p *InPort) owningGraph() *Graph { return p.module.g }

// Source returns the endpoint bound to the port, if any.
func (p *InPort) Source() (Source, bool) {
	g := p.module.g
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sourceOf[p]
	return s, ok
}

// SeqSource returns the out-port whose sequences this port follows.
func (p *InPort) SeqSource() (*OutPort, bool) {
	g := p.module.g
	g.mu.RLock()
	defer g.mu.RUnlock()
	return p.seqSource, p.seqSource != nil
}

// Pending returns the number of queued items.
func (p *InPort) Pending() int {
	p.module.mu.Lock()
	defer p.module.mu.Unlock()
	return len(p.queue)
}

func (p *InPort) deliver(ctx context.Context, item core.DataItem) error {
	conv, err := item.As(p.typ)
	if err != nil {
		return fmt.Errorf("in-port %s: %w", p.TargetID(), err)
	}
	m := p.module
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	p.queue = append(p.queue, conv)
	m.mu.Unlock()
	m.tryDispatch()
	return nil
}

// OutPort publishes the values produced by its module.
type OutPort struct {
	module      *Module
	name        string
	description string
	typ         core.DataType

	mu      sync.Mutex
	last    core.DataItem
	hasLast bool
	seqOpen bool
}

// Name returns the port name.
func (p *OutPort) Name() string { return p.name }

// Description returns the port description.
func (p *OutPort) Description() string { return p.description }

// Type returns the declared port type.
func (p *OutPort) Type() core.DataType { return p.typ }

// Module returns the module owning the port.
func (p *OutPort) Module() *Module { return p.module }

// SourceID implements Source.
func (p *OutPort) SourceID() string { return p.module.name + ":" + p.name }

// SourceType implements Source.
func (p *OutPort) SourceType() core.DataType { return p.typ }

func (p *OutPort) owningGraph() *Graph { return p.module.g }

// Last returns the last value the port emitted.
func (p *OutPort) Last() (core.DataItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

// Value returns the last emitted value, or nil when nothing was emitted.
func (p *OutPort) Value() any {
	item, ok := p.Last()
	if !ok {
		return nil
	}
	return item.Value
}

// SeqOpen reports whether a sequence is in progress on the port.
func (p *OutPort) SeqOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seqOpen
}

// Targets returns the endpoints bound to the port.
func (p *OutPort) Targets() []Target {
	g := p.module.g
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Target(nil), g.targetsOf[p]...)
}

// Loggers returns the data loggers bound to the port.
func (p *OutPort) Loggers() []*Logger {
	var out []*Logger
	for _, t := range p.Targets() {
		if l, ok := t.(*Logger); ok {
			out = append(out, l)
		}
	}
	return out
}

// emit converts v to the port type, updates the sequence state and pushes
// the item to every bound target.
func (p *OutPort) emit(ctx context.Context, v any, attr core.Attribute, flags SeqFlags) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	conv, err := core.Convert(v, p.typ)
	if err != nil {
		return fmt.Errorf("out-port %s: %w", p.SourceID(), err)
	}

	p.mu.Lock()
	start, end := flags&SeqStart != 0, flags&SeqEnd != 0
	switch {
	case start && p.seqOpen:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s already has an open sequence", core.ErrSequence, p.SourceID())
	case end && !start && !p.seqOpen:
		p.mu.Unlock()
		return fmt.Errorf("%w: %s has no open sequence to end", core.ErrSequence, p.SourceID())
	}
	if start {
		p.seqOpen = true
	}
	if p.seqOpen {
		attr = attr.With(core.SeqMark{Source: p.SourceID(), Start: start, End: end})
	}
	if end {
		p.seqOpen = false
	}
	item := core.DataItem{Type: core.TypeOf(conv), Value: conv, Attr: attr}
	if p.typ.Defined() {
		item.Type = p.typ
	}
	p.last = item
	p.hasLast = true
	p.mu.Unlock()

	return p.module.g.propagate(ctx, p, item)
}

// closeSeq abandons an open sequence.
func (p *OutPort) closeSeq() {
	p.mu.Lock()
	p.seqOpen = false
	p.mu.Unlock()
}
