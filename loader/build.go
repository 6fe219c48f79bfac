package loader

import (
	"errors"
	"fmt"
	"sort"

	"github.com/petal-labs/instruflow"
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

// Build instantiates def on e: modules, proxies and loggers first, then
// their parameters, then bindings and sequence bindings. It stops at the
// first failing step; entities created so far stay in the engine.
func Build(e *instruflow.Engine, def *graph.Definition) error {
	for i, md := range def.Modules {
		m, err := e.CreateModule(md.Factory, md.Name)
		if err != nil {
			return fmt.Errorf("modules[%d] %q: %w", i, md.Name, err)
		}
		if err := setParams(m.Params(), md.Params); err != nil {
			return fmt.Errorf("module %q: %w", md.Name, err)
		}
	}
	for i, pd := range def.Proxies {
		p, err := e.NewDataProxy(pd.Class, pd.Name)
		if err != nil {
			return fmt.Errorf("proxies[%d] %q: %w", i, pd.Name, err)
		}
		if err := setParams(p.Params(), pd.Params); err != nil {
			return fmt.Errorf("proxy %q: %w", pd.Name, err)
		}
	}
	for i, ld := range def.Loggers {
		l, err := e.NewDataLogger(ld.Class, ld.Name)
		if err != nil {
			return fmt.Errorf("loggers[%d] %q: %w", i, ld.Name, err)
		}
		if err := setParams(l.Params(), ld.Params); err != nil {
			return fmt.Errorf("logger %q: %w", ld.Name, err)
		}
	}

	g := e.Graph()
	for i, b := range def.Bindings {
		if err := bind(e, g, b); err != nil {
			return fmt.Errorf("bindings[%d] %s -> %s: %w", i, b.Source, b.Target, err)
		}
	}
	for i, sb := range def.SeqBindings {
		if err := seqBind(e, g, sb); err != nil {
			return fmt.Errorf("seq_bindings[%d] %s -> %s: %w", i, sb.Source, sb.Target, err)
		}
	}
	e.Logger().Info("workflow built",
		"id", def.ID,
		"modules", len(def.Modules),
		"bindings", len(def.Bindings),
		"seq_bindings", len(def.SeqBindings))
	return nil
}

// setParams sets values in name order so that errors are stable.
func setParams(params *core.ParamSet, values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if err := params.Set(name, values[name]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func bind(e *instruflow.Engine, g *graph.Graph, b graph.BindingDef) error {
	src, err := g.ResolveSource(b.Source)
	if err != nil {
		return err
	}
	dst, err := g.ResolveTarget(b.Target)
	if err != nil {
		return err
	}
	if b.Via == "" {
		return e.Bind(src, dst)
	}
	proxy, err := g.Proxy(b.Via)
	if err != nil {
		return err
	}
	return e.BindVia(src, dst, proxy)
}

func seqBind(e *instruflow.Engine, g *graph.Graph, sb graph.SeqBindingDef) error {
	src, err := g.ResolveSource(sb.Source)
	if err != nil {
		return err
	}
	out, ok := src.(*graph.OutPort)
	if !ok {
		return fmt.Errorf("%w: sequence source %s is not an out-port", core.ErrSequence, sb.Source)
	}
	dst, err := g.ResolveTarget(sb.Target)
	if err != nil {
		return err
	}
	in, ok := dst.(*graph.InPort)
	if !ok {
		return fmt.Errorf("%w: sequence target %s is not an in-port", core.ErrSequence, sb.Target)
	}
	return e.SeqBind(out, in)
}

// Start issues a naked run of every named module, or of def.Run when names
// is empty. It returns the issued tasks in order.
func Start(e *instruflow.Engine, def *graph.Definition, names ...string) ([]*runtime.Task, error) {
	if len(names) == 0 {
		names = def.Run
	}
	tasks := make([]*runtime.Task, 0, len(names))
	for _, name := range names {
		t, err := e.RunModuleByName(name)
		if err != nil {
			return tasks, fmt.Errorf("run %q: %w", name, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
