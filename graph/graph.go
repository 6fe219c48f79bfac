// Package graph holds the live dataflow graph: modules and their ports,
// data proxies, data loggers, parameter adapters and the bindings between
// them.
//
// Data is pushed. When a module out-port emits, the item is delivered to
// every bound target. In-ports queue items; a module whose connected
// in-ports all have data is dispatched as a job on the Dispatcher.
//
// Structural changes (bind, unbind, hold, break, add, remove) take the graph
// write lock. Deliveries snapshot the targets under the read lock and never
// hold it while running user code.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/runtime"
)

// Dispatcher runs jobs on behalf of the graph. *runtime.Scheduler
// satisfies it.
type Dispatcher interface {
	Submit(job runtime.Job) *runtime.Task
}

// Graph is the set of live entities and bindings of one engine.
type Graph struct {
	dispatch Dispatcher
	logger   *slog.Logger

	mu          sync.RWMutex
	modules     map[string]*Module
	moduleOrder []string
	proxies     map[string]*Proxy
	loggers     map[string]*Logger
	sourceOf    map[Target]Source
	targetsOf   map[Source][]Target
	getters     map[paramKey]*ParameterGetter
	setters     map[paramKey]*ParameterSetter
	holders     map[*Holder]struct{}
	breakers    map[*Breaker]struct{}
}

// NewGraph creates an empty graph whose jobs go to d.
func NewGraph(d Dispatcher, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		dispatch:  d,
		logger:    logger.With("component", "graph"),
		modules:   make(map[string]*Module),
		proxies:   make(map[string]*Proxy),
		loggers:   make(map[string]*Logger),
		sourceOf:  make(map[Target]Source),
		targetsOf: make(map[Source][]Target),
		getters:   make(map[paramKey]*ParameterGetter),
		setters:   make(map[paramKey]*ParameterSetter),
		holders:   make(map[*Holder]struct{}),
		breakers:  make(map[*Breaker]struct{}),
	}
}

// Module returns the named module.
func (g *Graph) Module(name string) (*Module, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: module %q", core.ErrNotFound, name)
	}
	return m, nil
}

// Modules returns the live modules in creation order.
func (g *Graph) Modules() []*Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Module, 0, len(g.moduleOrder))
	for _, name := range g.moduleOrder {
		out = append(out, g.modules[name])
	}
	return out
}

// Proxy returns the named proxy.
func (g *Graph) Proxy(name string) (*Proxy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.proxies[name]
	if !ok {
		return nil, fmt.Errorf("%w: proxy %q", core.ErrNotFound, name)
	}
	return p, nil
}

// Proxies returns the live proxies sorted by name.
func (g *Graph) Proxies() []*Proxy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Proxy, 0, len(g.proxies))
	for _, p := range g.proxies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Logger returns the named data logger.
func (g *Graph) Logger(name string) (*Logger, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.loggers[name]
	if !ok {
		return nil, fmt.Errorf("%w: logger %q", core.ErrNotFound, name)
	}
	return l, nil
}

// Loggers returns the live data loggers sorted by name.
func (g *Graph) Loggers() []*Logger {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Logger, 0, len(g.loggers))
	for _, l := range g.loggers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// propagate delivers item to every target currently bound to src. Errors
// from targets are joined and returned to the emitting run. Items emitted
// by a cancelled run are discarded.
func (g *Graph) propagate(ctx context.Context, src Source, item core.DataItem) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	g.mu.RLock()
	targets := slices.Clone(g.targetsOf[src])
	g.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		if err := t.deliver(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("%s -> %s: %w", src.SourceID(), t.TargetID(), err))
		}
	}
	return errors.Join(errs...)
}

// submit hands a job to the dispatcher.
func (g *Graph) submit(job runtime.Job) *runtime.Task {
	return g.dispatch.Submit(job)
}

// RemoveModule unbinds every endpoint of m, drops its parameter adapters and
// runs its destroy hooks.
func (g *Graph) RemoveModule(m *Module) error {
	g.mu.Lock()
	if cur, ok := g.modules[m.name]; !ok || cur != m {
		g.mu.Unlock()
		return fmt.Errorf("%w: module %q", core.ErrNotFound, m.name)
	}
	for _, in := range m.inPorts {
		g.detachLocked(in)
		in.seqSource = nil
		in.held = 0
	}
	for _, out := range m.outPorts {
		g.detachLocked(out)
		for _, other := range g.modules {
			for _, in := range other.inPorts {
				if in.seqSource == out {
					in.seqSource = nil
				}
			}
		}
	}
	g.dropAdaptersLocked(m)
	delete(g.modules, m.name)
	g.moduleOrder = slices.DeleteFunc(g.moduleOrder, func(n string) bool { return n == m.name })
	m.mu.Lock()
	m.destroyed = true
	for _, in := range m.inPorts {
		in.queue = nil
	}
	m.mu.Unlock()
	hooks := m.onDestroy
	m.onDestroy = nil
	g.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	g.logger.Debug("module removed", "module", m.name)
	return nil
}

// RemoveProxy unbinds and forgets a proxy.
func (g *Graph) RemoveProxy(p *Proxy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.proxies[p.name]; !ok || cur != p {
		return fmt.Errorf("%w: proxy %q", core.ErrNotFound, p.name)
	}
	g.detachLocked(p)
	g.dropAdaptersLocked(p)
	delete(g.proxies, p.name)
	p.removed = true
	return nil
}

// RemoveLogger unbinds a data logger and closes its sink.
func (g *Graph) RemoveLogger(l *Logger) error {
	g.mu.Lock()
	if cur, ok := g.loggers[l.name]; !ok || cur != l {
		g.mu.Unlock()
		return fmt.Errorf("%w: logger %q", core.ErrNotFound, l.name)
	}
	g.detachLocked(l)
	g.dropAdaptersLocked(l)
	delete(g.loggers, l.name)
	l.removed = true
	g.mu.Unlock()
	return l.close()
}

// detachLocked removes every edge touching e, which may be a Source, a
// Target or both.
func (g *Graph) detachLocked(e any) {
	if t, ok := e.(Target); ok {
		g.unbindLocked(t)
	}
	if s, ok := e.(Source); ok {
		for _, t := range g.targetsOf[s] {
			delete(g.sourceOf, t)
		}
		delete(g.targetsOf, s)
	}
}

func (g *Graph) dropAdaptersLocked(owner ParamOwner) {
	for key, getter := range g.getters {
		if key.owner == owner {
			g.detachLocked(getter)
			delete(g.getters, key)
		}
	}
	for key, setter := range g.setters {
		if key.owner == owner {
			g.detachLocked(setter)
			delete(g.setters, key)
		}
	}
}

// ResetWorkflow removes every binding and sequence binding. Outstanding
// holders and breakers are released, and their edges are dropped along with
// every other binding.
func (g *Graph) ResetWorkflow() {
	g.mu.Lock()
	g.sourceOf = make(map[Target]Source)
	g.targetsOf = make(map[Source][]Target)
	for _, m := range g.modules {
		for _, in := range m.inPorts {
			in.seqSource = nil
			in.held = 0
		}
	}
	for h := range g.holders {
		h.edges = nil
		h.released = true
	}
	for b := range g.breakers {
		b.edges = nil
		b.released = true
	}
	g.holders = make(map[*Holder]struct{})
	g.breakers = make(map[*Breaker]struct{})
	g.mu.Unlock()
	g.logger.Info("workflow bindings reset")
}

// ClearModules resets the workflow then removes every module, proxy and
// data logger. Logger close errors are joined.
func (g *Graph) ClearModules() error {
	g.ResetWorkflow()

	var errs []error
	for _, m := range g.Modules() {
		if err := g.RemoveModule(m); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range g.Proxies() {
		if err := g.RemoveProxy(p); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range g.Loggers() {
		if err := g.RemoveLogger(l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset drops every queued in-port item and pending setter value, closes
// open out-port sequences and resets modules implementing Resetter. It is
// called after a global cancellation.
func (g *Graph) Reset() {
	for _, m := range g.Modules() {
		m.reset()
	}
}

// Edge is one binding, named by endpoint IDs.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Edges returns every binding sorted by target then source.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	out := make([]Edge, 0, len(g.sourceOf))
	for t, s := range g.sourceOf {
		out = append(out, Edge{Source: s.SourceID(), Target: t.TargetID()})
	}
	g.mu.RUnlock()
	sortEdges(out)
	return out
}

// SeqEdges returns every sequence binding as out-port to in-port edges.
func (g *Graph) SeqEdges() []Edge {
	g.mu.RLock()
	var out []Edge
	for _, m := range g.modules {
		for _, in := range m.inPorts {
			if in.seqSource != nil {
				out = append(out, Edge{Source: in.seqSource.SourceID(), Target: in.TargetID()})
			}
		}
	}
	g.mu.RUnlock()
	sortEdges(out)
	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Source < edges[j].Source
	})
}
