package graph

import (
	"fmt"
	"slices"

	"github.com/petal-labs/instruflow/core"
)

// Bind connects src to dst. A previous source of dst is replaced.
func (g *Graph) Bind(src Source, dst Target) error {
	return g.bind(src, dst, false)
}

// BindOnce connects src to dst and fails with ErrAlreadyBound when dst
// already has a source.
func (g *Graph) BindOnce(src Source, dst Target) error {
	return g.bind(src, dst, true)
}

// BindVia connects src to dst through proxy: src feeds the proxy and the
// proxy feeds dst.
func (g *Graph) BindVia(src Source, dst Target, proxy *Proxy) error {
	if proxy == nil {
		return g.Bind(src, dst)
	}
	if err := g.checkOwned(src, dst, proxy); err != nil {
		return err
	}
	if a, ok := proxy.tr.(TypeAdapter); ok && !a.Adapts(src.SourceType(), dst.TargetType()) {
		return fmt.Errorf("%w: proxy %s cannot convert %s to %s",
			core.ErrBindingType, proxy.name, src.SourceType(), dst.TargetType())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.sourceOf[proxy]; ok && cur != src {
		return fmt.Errorf("%w: proxy %s is already fed by %s", core.ErrAlreadyBound, proxy.name, cur.SourceID())
	}
	if _, ok := proxy.tr.(TypeAdapter); !ok && !g.sourceTypeLocked(src).Compatible(dst.TargetType()) {
		return fmt.Errorf("%w: %s (%s) to %s (%s)",
			core.ErrBindingType, src.SourceID(), g.sourceTypeLocked(src), dst.TargetID(), dst.TargetType())
	}
	g.linkLocked(src, proxy)
	g.linkLocked(proxy, dst)
	g.logger.Debug("bound via proxy", "source", src.SourceID(), "proxy", proxy.name, "target", dst.TargetID())
	return nil
}

func (g *Graph) bind(src Source, dst Target, once bool) error {
	if err := g.checkOwned(src, dst); err != nil {
		return err
	}
	if p, ok := dst.(*Proxy); ok && Source(p) == src {
		return fmt.Errorf("%w: proxy %s cannot feed itself", core.ErrBindingType, p.name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkTypesLocked(src, dst); err != nil {
		return err
	}
	if cur, ok := g.sourceOf[dst]; ok {
		if cur == src {
			return nil
		}
		if once {
			return fmt.Errorf("%w: %s is fed by %s", core.ErrAlreadyBound, dst.TargetID(), cur.SourceID())
		}
	}
	g.linkLocked(src, dst)
	g.logger.Debug("bound", "source", src.SourceID(), "target", dst.TargetID())
	return nil
}

func (g *Graph) checkTypesLocked(src Source, dst Target) error {
	if p, ok := dst.(*Proxy); ok {
		if a, ok := p.tr.(TypeAdapter); ok {
			if in := g.sourceTypeLocked(src); !a.Adapts(in, core.TypeUndefined) {
				return fmt.Errorf("%w: proxy %s does not accept %s", core.ErrBindingType, p.name, in)
			}
			return nil
		}
	}
	if p, ok := src.(*Proxy); ok {
		if a, ok := p.tr.(TypeAdapter); ok {
			in := core.TypeUndefined
			if up, bound := g.sourceOf[p]; bound {
				in = g.sourceTypeLocked(up)
			}
			if !a.Adapts(in, dst.TargetType()) {
				return fmt.Errorf("%w: proxy %s cannot produce %s", core.ErrBindingType, p.name, dst.TargetType())
			}
			return nil
		}
	}
	if !g.sourceTypeLocked(src).Compatible(dst.TargetType()) {
		return fmt.Errorf("%w: %s (%s) to %s (%s)",
			core.ErrBindingType, src.SourceID(), g.sourceTypeLocked(src), dst.TargetID(), dst.TargetType())
	}
	return nil
}

// sourceTypeLocked resolves the type of pass-through proxies from their
// upstream source.
func (g *Graph) sourceTypeLocked(src Source) core.DataType {
	for depth := 0; depth < 16; depth++ {
		p, ok := src.(*Proxy)
		if !ok {
			return src.SourceType()
		}
		if _, adapter := p.tr.(TypeAdapter); adapter {
			return core.TypeUndefined
		}
		up, bound := g.sourceOf[p]
		if !bound {
			return core.TypeUndefined
		}
		src = up
	}
	return core.TypeUndefined
}

// linkLocked records src -> dst, replacing the previous source of dst.
func (g *Graph) linkLocked(src Source, dst Target) {
	g.unbindLocked(dst)
	g.sourceOf[dst] = src
	g.targetsOf[src] = append(g.targetsOf[src], dst)
}

// Unbind removes the source of dst. Unbinding an unbound target is a no-op.
func (g *Graph) Unbind(dst Target) error {
	if err := g.checkOwned(dst); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unbindLocked(dst)
	return nil
}

func (g *Graph) unbindLocked(dst Target) {
	src, ok := g.sourceOf[dst]
	if !ok {
		return
	}
	delete(g.sourceOf, dst)
	targets := slices.DeleteFunc(g.targetsOf[src], func(t Target) bool { return t == dst })
	if len(targets) == 0 {
		delete(g.targetsOf, src)
	} else {
		g.targetsOf[src] = targets
	}
}

// SeqBind makes in follow the sequences emitted by out. A previous sequence
// binding of in is replaced.
func (g *Graph) SeqBind(out *OutPort, in *InPort) error {
	if err := g.checkOwned(out, in); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	in.seqSource = out
	g.logger.Debug("sequence bound", "source", out.SourceID(), "target", in.TargetID())
	return nil
}

// SeqUnbind removes the sequence binding of in.
func (g *Graph) SeqUnbind(in *InPort) error {
	if err := g.checkOwned(in); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	in.seqSource = nil
	return nil
}

type owned interface {
	owningGraph() *Graph
}

// checkOwned rejects endpoints of another graph or of removed entities.
func (g *Graph) checkOwned(endpoints ...owned) error {
	for _, e := range endpoints {
		if e == nil {
			return fmt.Errorf("%w: nil endpoint", core.ErrNotFound)
		}
		if e.owningGraph() != g {
			return fmt.Errorf("%w: endpoint belongs to another engine", core.ErrNotFound)
		}
		if err := g.checkAlive(e); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) checkAlive(e owned) error {
	var m *Module
	switch v := e.(type) {
	case *InPort:
		m = v.module
	case *OutPort:
		m = v.module
	case *Proxy:
		g.mu.RLock()
		defer g.mu.RUnlock()
		if v.removed {
			return fmt.Errorf("%w: proxy %q was removed", core.ErrNotFound, v.name)
		}
		return nil
	case *Logger:
		g.mu.RLock()
		defer g.mu.RUnlock()
		if v.removed {
			return fmt.Errorf("%w: logger %q was removed", core.ErrNotFound, v.name)
		}
		return nil
	case *ParameterGetter:
		return g.checkAlive(v.owner)
	case *ParameterSetter:
		return g.checkAlive(v.owner)
	case *Module:
		m = v
	}
	if m != nil && m.Destroyed() {
		return fmt.Errorf("%w: module %q was destroyed", core.ErrNotFound, m.name)
	}
	return nil
}
