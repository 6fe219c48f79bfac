package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/runtime"
)

// ModuleSpec describes a module instance: its class, ports and parameters.
type ModuleSpec struct {
	Class       string
	Description string
	// Path is the factory selection path that created the module.
	Path    []string
	Inputs  []PortSpec
	Outputs []PortSpec
	Params  []core.ParamSpec
}

// Processor is the behavior of a module. Process runs once per dispatch,
// on a scheduler worker; runs of one module never overlap.
type Processor interface {
	Process(rc *RunContext) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(rc *RunContext) error

// Process implements Processor.
func (f ProcessorFunc) Process(rc *RunContext) error { return f(rc) }

// Resetter is implemented by processors holding state that a global
// cancellation must clear, such as a partial sequence buffer.
type Resetter interface {
	Reset()
}

// Module is one processing node of the graph.
type Module struct {
	g      *Graph
	name   string
	spec   ModuleSpec
	proc   Processor
	params *core.ParamSet

	inPorts  []*InPort
	outPorts []*OutPort

	mu        sync.Mutex
	destroyed bool
	onDestroy []func() // guarded by graph.mu
}

// AddModule creates a module named name in the graph.
func (g *Graph) AddModule(name string, spec ModuleSpec, proc Processor) (*Module, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, fmt.Errorf("module %q: nil processor", name)
	}
	params, err := core.NewParamSet(spec.Params...)
	if err != nil {
		return nil, fmt.Errorf("module %q: %w", name, err)
	}

	m := &Module{g: g, name: name, spec: spec, proc: proc, params: params}
	seen := make(map[string]bool)
	for _, ps := range spec.Inputs {
		if seen["in:"+ps.Name] {
			return nil, fmt.Errorf("%w: module %q in-port %q", core.ErrDuplicateName, name, ps.Name)
		}
		seen["in:"+ps.Name] = true
		m.inPorts = append(m.inPorts, &InPort{module: m, name: ps.Name, description: ps.Description, typ: ps.Type})
	}
	for _, ps := range spec.Outputs {
		if seen["out:"+ps.Name] {
			return nil, fmt.Errorf("%w: module %q out-port %q", core.ErrDuplicateName, name, ps.Name)
		}
		seen["out:"+ps.Name] = true
		m.outPorts = append(m.outPorts, &OutPort{module: m, name: ps.Name, description: ps.Description, typ: ps.Type})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.modules[name]; dup {
		return nil, fmt.Errorf("%w: module %q", core.ErrDuplicateName, name)
	}
	g.modules[name] = m
	g.moduleOrder = append(g.moduleOrder, name)
	g.logger.Debug("module added", "module", name, "class", spec.Class)
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Class returns the class name of the module.
func (m *Module) Class() string { return m.spec.Class }

// Description returns the module description.
func (m *Module) Description() string { return m.spec.Description }

// Path returns the factory selection path that created the module.
func (m *Module) Path() []string { return append([]string(nil), m.spec.Path...) }

// Params returns the module parameter set.
func (m *Module) Params() *core.ParamSet { return m.params }

// Processor returns the module behavior.
func (m *Module) Processor() Processor { return m.proc }

func (m *Module) ownerRef() string { return m.name }

func (m *Module) owningGraph() *Graph { return m.g }

// InPorts returns the in-ports in declaration order.
func (m *Module) InPorts() []*InPort { return append([]*InPort(nil), m.inPorts...) }

// OutPorts returns the out-ports in declaration order.
func (m *Module) OutPorts() []*OutPort { return append([]*OutPort(nil), m.outPorts...) }

// InPort returns the named in-port.
func (m *Module) InPort(name string) (*InPort, error) {
	for _, p := range m.inPorts {
		if p.name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: in-port %q on module %q", core.ErrNotFound, name, m.name)
}

// OutPort returns the named out-port.
func (m *Module) OutPort(name string) (*OutPort, error) {
	for _, p := range m.outPorts {
		if p.name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: out-port %q on module %q", core.ErrNotFound, name, m.name)
}

// Param returns the current value of a parameter.
func (m *Module) Param(name string) (any, error) {
	return m.params.Get(name)
}

// SetParam sets a parameter value.
func (m *Module) SetParam(name string, v any) error {
	return m.params.Set(name, v)
}

// OnDestroy registers fn to run when the module is removed from the graph.
// Hooks run in reverse registration order.
func (m *Module) OnDestroy(fn func()) {
	m.g.mu.Lock()
	defer m.g.mu.Unlock()
	m.onDestroy = append(m.onDestroy, fn)
}

// Destroy removes the module from its graph.
func (m *Module) Destroy() error {
	return m.g.RemoveModule(m)
}

// Destroyed reports whether the module was removed.
func (m *Module) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// RunNaked issues a run with no input data. Generators emit from their
// parameters; other modules see NoData and usually do nothing.
func (m *Module) RunNaked() (*runtime.Task, error) {
	seqSources := m.g.seqSourcesOf(m)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, fmt.Errorf("%w: module %q was destroyed", core.ErrNotFound, m.name)
	}
	return m.submitLocked(nil, seqSources), nil
}

// dispatchState is the structural snapshot tryDispatch decides on.
type dispatchState struct {
	connected  []*InPort
	setters    []*ParameterSetter
	seqSources map[string]string
}

func (g *Graph) dispatchStateOf(m *Module) dispatchState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := dispatchState{seqSources: make(map[string]string)}
	for _, in := range m.inPorts {
		if _, bound := g.sourceOf[in]; bound || in.held > 0 {
			st.connected = append(st.connected, in)
		}
		if in.seqSource != nil {
			st.seqSources[in.name] = in.seqSource.SourceID()
		}
	}
	for key, s := range g.setters {
		if key.owner != ParamOwner(m) {
			continue
		}
		if _, bound := g.sourceOf[s]; bound {
			st.setters = append(st.setters, s)
		}
	}
	return st
}

func (g *Graph) seqSourcesOf(m *Module) map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]string)
	for _, in := range m.inPorts {
		if in.seqSource != nil {
			out[in.name] = in.seqSource.SourceID()
		}
	}
	return out
}

// hasConnectedInputs reports whether data reaches the module through its
// in-ports, in which case bound setters wait for the next dispatch.
func (g *Graph) hasConnectedInputs(m *Module) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, in := range m.inPorts {
		if _, bound := g.sourceOf[in]; bound || in.held > 0 {
			return true
		}
	}
	return false
}

// tryDispatch submits one run per complete set of inputs.
func (m *Module) tryDispatch() {
	st := m.g.dispatchStateOf(m)
	if len(st.connected) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.destroyed && m.readyLocked(st) {
		inputs := make(map[string]core.DataItem, len(st.connected))
		for _, in := range st.connected {
			inputs[in.name] = in.queue[0]
			in.queue[0] = core.DataItem{}
			in.queue = in.queue[1:]
		}
		for _, s := range st.setters {
			if err := m.params.Set(s.param, s.value); err != nil {
				m.g.logger.Warn("setter value rejected", "setter", s.TargetID(), "error", err)
			}
			s.fresh = false
			s.value = nil
		}
		m.submitLocked(inputs, st.seqSources)
	}
}

func (m *Module) readyLocked(st dispatchState) bool {
	for _, in := range st.connected {
		if len(in.queue) == 0 {
			return false
		}
	}
	for _, s := range st.setters {
		if !s.fresh {
			return false
		}
	}
	return true
}

// submitLocked snapshots the parameters and queues one run. It is called
// with m.mu held so that runs are queued in the order their inputs were
// popped.
func (m *Module) submitLocked(inputs map[string]core.DataItem, seqSources map[string]string) *runtime.Task {
	params := m.params.Snapshot()
	return m.g.submit(runtime.Job{
		Key:   "module/" + m.name,
		Label: m.name,
		Run: func(ctx context.Context) error {
			rc := newRunContext(ctx, m, params, inputs, seqSources)
			return m.proc.Process(rc)
		},
	})
}

// reset drops queued data and pending setter values, closes open sequences
// and resets the processor.
func (m *Module) reset() {
	m.g.mu.RLock()
	var setters []*ParameterSetter
	for key, s := range m.g.setters {
		if key.owner == ParamOwner(m) {
			setters = append(setters, s)
		}
	}
	m.g.mu.RUnlock()

	m.mu.Lock()
	for _, in := range m.inPorts {
		in.queue = nil
	}
	for _, s := range setters {
		s.fresh = false
		s.value = nil
	}
	m.mu.Unlock()

	for _, out := range m.outPorts {
		out.closeSeq()
	}
	if r, ok := m.proc.(Resetter); ok {
		r.Reset()
	}
}
