// Package factory provides the selection trees that create modules.
//
// A factory is either a branch, offering a fixed list of selector values or
// a free selector accepting any value, or a leaf that creates modules of one
// class. Selecting a value on a branch returns the child factory; creating
// is only possible on a leaf, and only while its capacity allows.
package factory

import (
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
)

// Leaf describes the modules a leaf factory creates.
type Leaf struct {
	// Spec is the module declaration. Its Path is filled at creation.
	Spec graph.ModuleSpec
	// New builds the behavior of one module. path is the selection path
	// that reached the leaf, starting with the root factory name.
	New func(path []string) graph.Processor
	// Capacity bounds the live modules of the leaf. 0 means unlimited.
	Capacity int
}

// Factory is one node of a selection tree.
type Factory struct {
	name        string
	description string
	parent      *Factory

	// branch
	selectDescription string
	choices           []string
	build             func(value string) *Factory // free selector

	leaf *Leaf

	mu       sync.Mutex
	children map[string]*Factory
	order    []string
	live     int // modules alive, leaves only
}

// NewBranch creates a branch offering one child per selector value, in the
// given order. Each child is selected by its name.
func NewBranch(name, description, selectDescription string, children ...*Factory) *Factory {
	f := &Factory{
		name:              name,
		description:       description,
		selectDescription: selectDescription,
		children:          make(map[string]*Factory, len(children)),
	}
	for _, c := range children {
		c.parent = f
		f.choices = append(f.choices, c.name)
		f.children[c.name] = c
		f.order = append(f.order, c.name)
	}
	return f
}

// NewFree creates a branch whose selector accepts any value. build makes
// the child for a value the first time it is selected; later selections of
// the same value return the same child.
func NewFree(name, description, selectDescription string, build func(value string) *Factory) *Factory {
	return &Factory{
		name:              name,
		description:       description,
		selectDescription: selectDescription,
		build:             build,
		children:          make(map[string]*Factory),
	}
}

// NewLeaf creates a leaf factory.
func NewLeaf(name, description string, leaf Leaf) *Factory {
	return &Factory{name: name, description: description, leaf: &leaf}
}

// Name returns the factory name, which is also its selector value under
// its parent.
func (f *Factory) Name() string { return f.name }

// Description returns the factory description.
func (f *Factory) Description() string { return f.description }

// Parent returns the parent factory, nil for a root.
func (f *Factory) Parent() *Factory { return f.parent }

// IsLeaf reports whether the factory creates modules.
func (f *Factory) IsLeaf() bool { return f.leaf != nil }

// IsFree reports whether the selector accepts any value.
func (f *Factory) IsFree() bool { return f.build != nil }

// SelectDescription describes what the selector chooses.
func (f *Factory) SelectDescription() string { return f.selectDescription }

// SelectValueList returns the valid selector values. A free selector lists
// the values selected so far.
func (f *Factory) SelectValueList() []string {
	if f.IsFree() {
		f.mu.Lock()
		defer f.mu.Unlock()
		return slices.Clone(f.order)
	}
	return slices.Clone(f.choices)
}

// Select returns the child factory for value.
func (f *Factory) Select(value string) (*Factory, error) {
	if f.IsLeaf() {
		return nil, fmt.Errorf("%w: %s is a leaf, nothing to select", core.ErrSelection, f.name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.children[value]; ok {
		return c, nil
	}
	if !f.IsFree() {
		return nil, fmt.Errorf("%w: %q not in %v (%s)", core.ErrSelection, value, f.choices, f.name)
	}
	if value == "" {
		return nil, fmt.Errorf("%w: empty value for free selector of %s", core.ErrSelection, f.name)
	}
	c := f.build(value)
	if c == nil {
		return nil, fmt.Errorf("%w: %q rejected by %s", core.ErrSelection, value, f.name)
	}
	c.name = value
	c.parent = f
	f.children[value] = c
	f.order = append(f.order, value)
	return c, nil
}

// SelectPath follows several selections from f.
func (f *Factory) SelectPath(values ...string) (*Factory, error) {
	cur := f
	for _, v := range values {
		next, err := cur.Select(v)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Children returns the children selected or declared so far.
func (f *Factory) Children() []*Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Factory, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.children[name])
	}
	return out
}

// Path returns the selection path from the root: the root name followed by
// every selector value.
func (f *Factory) Path() []string {
	var path []string
	for cur := f; cur != nil; cur = cur.parent {
		path = append(path, cur.name)
	}
	slices.Reverse(path)
	return path
}

// CountRemain returns how many more modules the factory can create. An
// unlimited leaf counts 1; a branch sums its children. A free selector adds
// 1 for the values not selected yet, so it never reports 0.
func (f *Factory) CountRemain() int {
	if f.IsLeaf() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.leaf.Capacity == 0 {
			return 1
		}
		return max(f.leaf.Capacity-f.live, 0)
	}
	total := 0
	for _, c := range f.Children() {
		total += c.CountRemain()
	}
	if f.IsFree() {
		total++
	}
	return total
}

// ModuleSpec returns the declaration of the modules the leaf creates.
func (f *Factory) ModuleSpec() (graph.ModuleSpec, error) {
	if !f.IsLeaf() {
		return graph.ModuleSpec{}, fmt.Errorf("%w: %s", core.ErrNotLeaf, f.name)
	}
	spec := f.leaf.Spec
	spec.Path = f.Path()
	return spec, nil
}

// Create adds a module made by the leaf to g. An empty name is replaced by
// the class name followed by the first free number.
func (f *Factory) Create(g *graph.Graph, name string) (*graph.Module, error) {
	if !f.IsLeaf() {
		return nil, fmt.Errorf("%w: %s (select among %v)", core.ErrNotLeaf, f.name, f.SelectValueList())
	}
	spec, _ := f.ModuleSpec()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaf.Capacity > 0 && f.live >= f.leaf.Capacity {
		return nil, fmt.Errorf("%w: %s already has %d module(s)", core.ErrResourceExhausted, f.name, f.live)
	}
	if name == "" {
		name = generateName(g, spec.Class)
	}
	m, err := g.AddModule(name, spec, f.leaf.New(spec.Path))
	if err != nil {
		return nil, err
	}
	f.live++
	m.OnDestroy(func() {
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
	})
	return m, nil
}

func generateName(g *graph.Graph, class string) string {
	for n := 1; ; n++ {
		name := class + strconv.Itoa(n)
		if _, err := g.Module(name); err != nil {
			return name
		}
	}
}

// Walk visits f and its descendants depth first. Free selectors are only
// expanded into the values selected so far. fn returning false skips the
// children of the visited factory.
func (f *Factory) Walk(fn func(f *Factory, depth int) bool) {
	f.walk(fn, 0)
}

func (f *Factory) walk(fn func(*Factory, int) bool, depth int) {
	if !fn(f, depth) {
		return
	}
	for _, c := range f.Children() {
		c.walk(fn, depth+1)
	}
}

// Leaves returns every leaf reachable from f.
func (f *Factory) Leaves() []*Factory {
	var out []*Factory
	f.Walk(func(c *Factory, _ int) bool {
		if c.IsLeaf() {
			out = append(out, c)
		}
		return true
	})
	return out
}
