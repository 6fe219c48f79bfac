package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/instruflow/core"
)

// Breaker temporarily removes bindings and puts them back on Release.
// A breaker that was used and never released is reported by Leaks.
type Breaker struct {
	g *Graph

	// guarded by graph.mu
	edges    []heldEdge
	released bool
}

// NewBreaker creates an inactive breaker.
func (g *Graph) NewBreaker() *Breaker {
	return &Breaker{g: g}
}

// BreakAllTargets removes every binding leaving src.
func (b *Breaker) BreakAllTargets(src Source) error {
	g := b.g
	if err := g.checkOwned(src); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range append([]Target(nil), g.targetsOf[src]...) {
		b.edges = append(b.edges, heldEdge{src: src, dst: t})
		g.unbindLocked(t)
	}
	b.activateLocked()
	return nil
}

// BreakSource removes the binding feeding dst. Breaking an unbound target
// fails with ErrNotFound.
func (b *Breaker) BreakSource(dst Target) error {
	g := b.g
	if err := g.checkOwned(dst); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	src, ok := g.sourceOf[dst]
	if !ok {
		return fmt.Errorf("%w: %s has no source", core.ErrNotFound, dst.TargetID())
	}
	b.edges = append(b.edges, heldEdge{src: src, dst: dst})
	g.unbindLocked(dst)
	b.activateLocked()
	return nil
}

func (b *Breaker) activateLocked() {
	b.released = false
	b.g.breakers[b] = struct{}{}
}

// Active reports whether the breaker holds broken bindings.
func (b *Breaker) Active() bool {
	b.g.mu.RLock()
	defer b.g.mu.RUnlock()
	return len(b.edges) > 0
}

// Release restores every broken binding whose target is still unbound and
// alive.
func (b *Breaker) Release() {
	g := b.g
	g.mu.Lock()
	edges := b.edges
	b.edges = nil
	b.released = true
	delete(g.breakers, b)
	var touched []*Module
	for _, e := range edges {
		if !g.aliveLocked(e.src) || !g.aliveTargetLocked(e.dst) {
			continue
		}
		if _, bound := g.sourceOf[e.dst]; bound {
			continue
		}
		g.sourceOf[e.dst] = e.src
		g.targetsOf[e.src] = append(g.targetsOf[e.src], e.dst)
		if ip, ok := e.dst.(*InPort); ok {
			touched = append(touched, ip.module)
		}
	}
	g.mu.Unlock()
	for _, m := range touched {
		m.tryDispatch()
	}
}

// Leaks describes every breaker still holding broken bindings.
func (g *Graph) Leaks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for b := range g.breakers {
		if len(b.edges) == 0 {
			continue
		}
		ids := make([]string, 0, len(b.edges))
		for _, e := range b.edges {
			ids = append(ids, e.src.SourceID()+" -> "+e.dst.TargetID())
		}
		out = append(out, "breaker holding "+strings.Join(ids, ", "))
	}
	sort.Strings(out)
	return out
}

// ReleaseHolders releases every live holder.
func (g *Graph) ReleaseHolders() {
	g.mu.RLock()
	holders := make([]*Holder, 0, len(g.holders))
	for h := range g.holders {
		holders = append(holders, h)
	}
	g.mu.RUnlock()
	for _, h := range holders {
		h.Release()
	}
}
