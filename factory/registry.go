package factory

import (
	"fmt"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
)

// Registry holds the root factories of an engine.
type Registry struct {
	mu    sync.RWMutex
	roots map[string]*Factory
	order []string // preserves registration order
}

// NewRegistry creates a registry holding roots.
func NewRegistry(roots ...*Factory) *Registry {
	r := &Registry{roots: make(map[string]*Factory)}
	for _, f := range roots {
		r.Register(f)
	}
	return r
}

// Register adds a root factory. A root with the same name is replaced.
func (r *Registry) Register(f *Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roots[f.name]; !exists {
		r.order = append(r.order, f.name)
	}
	r.roots[f.name] = f
}

// Get returns a root factory by name.
func (r *Registry) Get(name string) (*Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.roots[name]
	if !ok {
		return nil, fmt.Errorf("%w: root factory %q", core.ErrNotFound, name)
	}
	return f, nil
}

// Roots returns the root factories in registration order.
func (r *Registry) Roots() []*Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Factory, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.roots[name])
	}
	return out
}

// Len returns the number of root factories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roots)
}

// Resolve follows a selection path whose first element names the root.
func (r *Registry) Resolve(path []string) (*Factory, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty factory path", core.ErrSelection)
	}
	root, err := r.Get(path[0])
	if err != nil {
		return nil, err
	}
	return root.SelectPath(path[1:]...)
}

// ModuleSpec returns the module declaration of the leaf at path.
func (r *Registry) ModuleSpec(path []string) (graph.ModuleSpec, error) {
	f, err := r.Resolve(path)
	if err != nil {
		return graph.ModuleSpec{}, err
	}
	return f.ModuleSpec()
}
