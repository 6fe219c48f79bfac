package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/runtime"
)

// Transformer is the behavior of a data proxy.
type Transformer interface {
	Apply(ctx context.Context, item core.DataItem, params core.Values) (core.DataItem, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(ctx context.Context, item core.DataItem, params core.Values) (core.DataItem, error)

// Apply implements Transformer.
func (f TransformerFunc) Apply(ctx context.Context, item core.DataItem, params core.Values) (core.DataItem, error) {
	return f(ctx, item, params)
}

// TypeAdapter is implemented by transformers that change the data type.
// Adapts reports whether items of type in can be turned into items a
// target of type out accepts; undefined stands for "not known yet".
type TypeAdapter interface {
	Adapts(in, out core.DataType) bool
}

// Decoupler is implemented by transformers whose forwarding must not run on
// the emitting task. Their output is forwarded by a job of their own.
type Decoupler interface {
	Decoupled() bool
}

// ProxyClass describes a kind of data proxy.
type ProxyClass struct {
	Name        string
	Description string
	Params      []core.ParamSpec
	New         func() Transformer
}

// Proxy sits on a binding and transforms the items flowing through it. It
// is both a Target (of the upstream source) and a Source (of its targets).
type Proxy struct {
	g      *Graph
	class  ProxyClass
	tr     Transformer
	params *core.ParamSet

	removed bool // guarded by graph.mu

	mu      sync.Mutex
	name    string // written with both graph.mu and mu held
	last    core.DataItem
	hasLast bool
}

// AddProxy creates a proxy of the given class.
func (g *Graph) AddProxy(name string, class ProxyClass) (*Proxy, error) {
	if err := core.ValidateName(name); err != nil {
		return nil, err
	}
	if class.New == nil {
		return nil, fmt.Errorf("proxy class %q has no constructor", class.Name)
	}
	params, err := core.NewParamSet(class.Params...)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: %w", name, err)
	}
	p := &Proxy{g: g, name: name, class: class, tr: class.New(), params: params}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, dup := g.proxies[name]; dup {
		return nil, fmt.Errorf("%w: proxy %q", core.ErrDuplicateName, name)
	}
	g.proxies[name] = p
	return p, nil
}

// Name returns the proxy name.
func (p *Proxy) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// SetName renames the proxy.
func (p *Proxy) SetName(name string) error {
	if err := core.ValidateName(name); err != nil {
		return err
	}
	g := p.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if name == p.name {
		return nil
	}
	if _, dup := g.proxies[name]; dup {
		return fmt.Errorf("%w: proxy %q", core.ErrDuplicateName, name)
	}
	if g.proxies[p.name] == p {
		delete(g.proxies, p.name)
		g.proxies[name] = p
	}
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	return nil
}

// Class returns the proxy class.
func (p *Proxy) Class() ProxyClass { return p.class }

// Params returns the proxy parameter set.
func (p *Proxy) Params() *core.ParamSet { return p.params }

// Transformer returns the proxy behavior.
func (p *Proxy) Transformer() Transformer { return p.tr }

func (p *Proxy) ownerRef() string { return proxyPrefix + p.Name() }

func (p *Proxy) owningGraph() *Graph { return p.g }

// TargetID implements Target.
func (p *Proxy) TargetID() string { return proxyPrefix + p.Name() }

// SourceID implements Source.
func (p *Proxy) SourceID() string { return proxyPrefix + p.Name() }

// TargetType implements Target. Proxies accept anything; adapters check
// types at bind time.
func (p *Proxy) TargetType() core.DataType { return core.TypeUndefined }

// SourceType implements Source. Adapters produce whatever their target
// needs; pass-through proxies keep their upstream type.
func (p *Proxy) SourceType() core.DataType {
	if _, ok := p.tr.(TypeAdapter); ok {
		return core.TypeUndefined
	}
	p.g.mu.RLock()
	defer p.g.mu.RUnlock()
	return p.g.sourceTypeLocked(p)
}

// Last returns the last item forwarded by the proxy.
func (p *Proxy) Last() (core.DataItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.hasLast
}

func (p *Proxy) deliver(ctx context.Context, item core.DataItem) error {
	if d, ok := p.tr.(Decoupler); ok && d.Decoupled() {
		name := p.Name()
		p.g.submit(runtime.Job{
			Key:   proxyPrefix + name,
			Label: name,
			Run: func(ctx context.Context) error {
				return p.forward(ctx, item)
			},
		})
		return nil
	}
	return p.forward(ctx, item)
}

func (p *Proxy) forward(ctx context.Context, item core.DataItem) error {
	out, err := p.tr.Apply(ctx, item, p.params.Snapshot())
	if err != nil {
		return fmt.Errorf("proxy %s: %w", p.Name(), err)
	}
	if !out.Type.Defined() {
		out.Type = core.TypeOf(out.Value)
	}
	p.mu.Lock()
	p.last = out
	p.hasLast = true
	p.mu.Unlock()
	return p.g.propagate(ctx, p, out)
}
