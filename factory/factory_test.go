package factory

import (
	"errors"
	"slices"
	"testing"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.DisableWatchdog = true
	s := runtime.NewScheduler(opts)
	t.Cleanup(s.Close)
	return graph.NewGraph(s, nil)
}

func noop(path []string) graph.Processor {
	return graph.ProcessorFunc(func(*graph.RunContext) error { return nil })
}

func testTree() *Factory {
	return NewBranch("Root", "test root", "kind",
		NewLeaf("plain", "unlimited leaf", Leaf{
			Spec: graph.ModuleSpec{Class: "Plain", Outputs: []graph.PortSpec{{Name: "data", Type: core.TypeInt64}}},
			New:  noop,
		}),
		NewFree("device", "devices by address", "address", func(addr string) *Factory {
			if addr == "bad" {
				return nil
			}
			return NewLeaf(addr, "device "+addr, Leaf{
				Spec:     graph.ModuleSpec{Class: "Device"},
				New:      noop,
				Capacity: 1,
			})
		}),
	)
}

func TestFactory_Select(t *testing.T) {
	root := testTree()

	if got := root.SelectValueList(); !slices.Equal(got, []string{"plain", "device"}) {
		t.Errorf("SelectValueList() = %v", got)
	}
	if root.SelectDescription() != "kind" {
		t.Errorf("SelectDescription() = %q", root.SelectDescription())
	}

	tests := []struct {
		name    string
		path    []string
		wantErr error
		leaf    bool
	}{
		{"leaf", []string{"plain"}, nil, true},
		{"free branch", []string{"device"}, nil, false},
		{"free value", []string{"device", "0x10"}, nil, true},
		{"unknown value", []string{"nope"}, core.ErrSelection, false},
		{"select on leaf", []string{"plain", "x"}, core.ErrSelection, false},
		{"empty free value", []string{"device", ""}, core.ErrSelection, false},
		{"rejected free value", []string{"device", "bad"}, core.ErrSelection, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := root.SelectPath(tt.path...)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("SelectPath(%v) error = %v, want %v", tt.path, err, tt.wantErr)
			}
			if err == nil && f.IsLeaf() != tt.leaf {
				t.Errorf("IsLeaf() = %v, want %v", f.IsLeaf(), tt.leaf)
			}
		})
	}

	dev, _ := root.Select("device")
	if !dev.IsFree() {
		t.Error("IsFree() = false for free selector")
	}
	if got := dev.SelectValueList(); !slices.Equal(got, []string{"0x10"}) {
		t.Errorf("free SelectValueList() = %v, want selected values", got)
	}
	again, _ := dev.Select("0x10")
	first, _ := root.SelectPath("device", "0x10")
	if again != first {
		t.Error("free selector built a second child for the same value")
	}
	if got := first.Path(); !slices.Equal(got, []string{"Root", "device", "0x10"}) {
		t.Errorf("Path() = %v", got)
	}
}

func TestFactory_Create(t *testing.T) {
	g := newTestGraph(t)
	root := testTree()

	if _, err := root.Create(g, "x"); !errors.Is(err, core.ErrNotLeaf) {
		t.Errorf("Create() on branch error = %v, want ErrNotLeaf", err)
	}

	plain, _ := root.Select("plain")
	m, err := plain.Create(g, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if m.Name() != "Plain1" {
		t.Errorf("generated name = %q, want Plain1", m.Name())
	}
	if !slices.Equal(m.Path(), []string{"Root", "plain"}) {
		t.Errorf("module Path() = %v", m.Path())
	}
	m2, _ := plain.Create(g, "")
	if m2.Name() != "Plain2" {
		t.Errorf("second generated name = %q, want Plain2", m2.Name())
	}

	if _, err := plain.Create(g, "named"); err != nil {
		t.Fatalf("Create(named) error = %v", err)
	}
	if _, err := plain.Create(g, "named"); !errors.Is(err, core.ErrDuplicateName) {
		t.Errorf("Create() duplicate error = %v, want ErrDuplicateName", err)
	}
	if _, err := plain.Create(g, "sp ace"); !errors.Is(err, core.ErrInvalidName) {
		t.Errorf("Create() invalid name error = %v, want ErrInvalidName", err)
	}
	if plain.CountRemain() != 1 {
		t.Errorf("unlimited CountRemain() = %d, want 1", plain.CountRemain())
	}
}

func TestFactory_Capacity(t *testing.T) {
	g := newTestGraph(t)
	root := testTree()
	dev, err := root.SelectPath("device", "0x20")
	if err != nil {
		t.Fatal(err)
	}

	if got := dev.CountRemain(); got != 1 {
		t.Fatalf("CountRemain() = %d, want 1", got)
	}
	m, err := dev.Create(g, "meter")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := dev.CountRemain(); got != 0 {
		t.Errorf("CountRemain() after create = %d, want 0", got)
	}
	if _, err := dev.Create(g, "meter2"); !errors.Is(err, core.ErrResourceExhausted) {
		t.Errorf("Create() on exhausted leaf error = %v, want ErrResourceExhausted", err)
	}

	if err := m.Destroy(); err != nil {
		t.Fatal(err)
	}
	if got := dev.CountRemain(); got != 1 {
		t.Errorf("CountRemain() after destroy = %d, want 1", got)
	}
}

func TestFactory_CountRemainFreeSelector(t *testing.T) {
	g := newTestGraph(t)
	root := testTree()
	free, err := root.Select("device")
	if err != nil {
		t.Fatal(err)
	}
	if got := free.CountRemain(); got != 1 {
		t.Fatalf("fresh free selector CountRemain() = %d, want 1", got)
	}

	dev, err := free.Select("0x20")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Create(g, "meter"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := dev.CountRemain(); got != 0 {
		t.Errorf("exhausted leaf CountRemain() = %d, want 0", got)
	}
	if got := free.CountRemain(); got != 1 {
		t.Errorf("free selector CountRemain() after create = %d, want 1", got)
	}
}

func TestFactory_Walk(t *testing.T) {
	root := testTree()
	root.SelectPath("device", "a")

	var visited []string
	root.Walk(func(f *Factory, depth int) bool {
		visited = append(visited, f.Name())
		return true
	})
	want := []string{"Root", "plain", "device", "a"}
	if !slices.Equal(visited, want) {
		t.Errorf("Walk() = %v, want %v", visited, want)
	}
	if got := len(root.Leaves()); got != 2 {
		t.Errorf("Leaves() = %d, want 2", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testTree())
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	if _, err := r.Get("missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	spec, err := r.ModuleSpec([]string{"Root", "plain"})
	if err != nil {
		t.Fatalf("ModuleSpec() error = %v", err)
	}
	if spec.Class != "Plain" || !slices.Equal(spec.Path, []string{"Root", "plain"}) {
		t.Errorf("ModuleSpec() = %+v", spec)
	}
	if _, err := r.ModuleSpec([]string{"Root"}); !errors.Is(err, core.ErrNotLeaf) {
		t.Errorf("ModuleSpec(branch) error = %v, want ErrNotLeaf", err)
	}
	if _, err := r.Resolve(nil); !errors.Is(err, core.ErrSelection) {
		t.Errorf("Resolve(nil) error = %v, want ErrSelection", err)
	}
}
