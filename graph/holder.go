package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/petal-labs/instruflow/core"
)

type heldEdge struct {
	src Source
	dst Target
}

// Holder detaches targets from an out-port so that data reaches them only
// on demand. Held in-ports still count as connected: their module waits
// for the held data before it runs.
type Holder struct {
	g   *Graph
	out *OutPort

	// guarded by graph.mu
	edges    []heldEdge
	released bool
}

// Hold detaches in from out, or every target of out when in is nil.
func (g *Graph) Hold(out *OutPort, in *InPort) (*Holder, error) {
	if err := g.checkOwned(out); err != nil {
		return nil, err
	}
	if in != nil {
		if err := g.checkOwned(in); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	h := &Holder{g: g, out: out}
	if in != nil {
		if g.sourceOf[in] != Source(out) {
			return nil, fmt.Errorf("%w: %s is not bound to %s", core.ErrNotFound, in.TargetID(), out.SourceID())
		}
		h.edges = append(h.edges, heldEdge{src: out, dst: in})
	} else {
		for _, t := range g.targetsOf[out] {
			h.edges = append(h.edges, heldEdge{src: out, dst: t})
		}
	}
	for _, e := range h.edges {
		g.unbindLocked(e.dst)
		if ip, ok := e.dst.(*InPort); ok {
			ip.held++
		}
	}
	g.holders[h] = struct{}{}
	g.logger.Debug("holder created", "source", out.SourceID(), "targets", len(h.edges))
	return h, nil
}

// Targets returns the IDs of the held targets.
func (h *Holder) Targets() []string {
	h.g.mu.RLock()
	defer h.g.mu.RUnlock()
	out := make([]string, 0, len(h.edges))
	for _, e := range h.edges {
		out = append(out, e.dst.TargetID())
	}
	return out
}

// TrigTargets delivers the last value of the held out-port once to every
// held target. It fails with ErrNoData when the port never emitted.
func (h *Holder) TrigTargets(ctx context.Context) error {
	h.g.mu.RLock()
	if h.released {
		h.g.mu.RUnlock()
		return fmt.Errorf("%w: holder on %s was released", core.ErrNotFound, h.out.SourceID())
	}
	edges := append([]heldEdge(nil), h.edges...)
	h.g.mu.RUnlock()

	item, ok := h.out.Last()
	if !ok {
		return fmt.Errorf("%w: %s has not emitted", core.ErrNoData, h.out.SourceID())
	}
	var errs []error
	for _, e := range edges {
		if err := e.dst.deliver(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release restores the held bindings whose targets are still unbound and
// alive. Releasing twice is a no-op.
func (h *Holder) Release() {
	g := h.g
	g.mu.Lock()
	if h.released {
		g.mu.Unlock()
		return
	}
	h.released = true
	edges := h.edges
	h.edges = nil
	delete(g.holders, h)
	restored := 0
	var touched []*Module
	for _, e := range edges {
		ip, isPort := e.dst.(*InPort)
		if isPort && ip.held > 0 {
			ip.held--
		}
		if !g.aliveLocked(e.src) || !g.aliveTargetLocked(e.dst) {
			continue
		}
		if _, bound := g.sourceOf[e.dst]; bound {
			continue
		}
		g.sourceOf[e.dst] = e.src
		g.targetsOf[e.src] = append(g.targetsOf[e.src], e.dst)
		restored++
		if isPort {
			touched = append(touched, ip.module)
		}
	}
	g.mu.Unlock()
	g.logger.Debug("holder released", "source", h.out.SourceID(), "restored", restored)
	for _, m := range touched {
		m.tryDispatch()
	}
}

// aliveLocked reports whether a source still belongs to the live graph.
func (g *Graph) aliveLocked(s Source) bool {
	switch v := s.(type) {
	case *OutPort:
		return g.modules[v.module.name] == v.module
	case *Proxy:
		return !v.removed
	case *ParameterGetter:
		_, ok := g.getters[paramKey{owner: v.owner, param: v.param}]
		return ok
	}
	return true
}

func (g *Graph) aliveTargetLocked(t Target) bool {
	switch v := t.(type) {
	case *InPort:
		return g.modules[v.module.name] == v.module
	case *Proxy:
		return !v.removed
	case *Logger:
		return !v.removed
	case *ParameterSetter:
		_, ok := g.setters[paramKey{owner: v.owner, param: v.param}]
		return ok
	case *ParameterGetter:
		_, ok := g.getters[paramKey{owner: v.owner, param: v.param}]
		return ok
	}
	return true
}
