package proxies

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

func newTestGraph(t *testing.T) (*graph.Graph, *runtime.Scheduler) {
	t.Helper()
	opts := runtime.DefaultOptions()
	opts.DisableWatchdog = true
	s := runtime.NewScheduler(opts)
	t.Cleanup(s.Close)
	return graph.NewGraph(s, nil), s
}

func waitAll(t *testing.T, s *runtime.Scheduler) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.WaitAll(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("WaitAll() did not return in time")
	}
	return err
}

// emitter adds a module emitting each value it is given on "data".
func emitter(t *testing.T, g *graph.Graph, typ core.DataType) (*graph.Module, func(v any)) {
	t.Helper()
	var mu sync.Mutex
	var next any
	m, err := g.AddModule("src", graph.ModuleSpec{
		Class:   "src",
		Outputs: []graph.PortSpec{{Name: "data", Type: typ}},
	}, graph.ProcessorFunc(func(rc *graph.RunContext) error {
		mu.Lock()
		v := next
		mu.Unlock()
		return rc.Emit("data", v)
	}))
	if err != nil {
		t.Fatal(err)
	}
	return m, func(v any) {
		t.Helper()
		mu.Lock()
		next = v
		mu.Unlock()
		if _, err := m.RunNaked(); err != nil {
			t.Fatal(err)
		}
	}
}

type sink struct {
	mu    sync.Mutex
	items []any
}

func (s *sink) Process(rc *graph.RunContext) error {
	item, ok := rc.Input("in")
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.items = append(s.items, item.Value)
	s.mu.Unlock()
	return nil
}

func (s *sink) values() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

func addSink(t *testing.T, g *graph.Graph, name string, typ core.DataType) (*graph.InPort, *sink) {
	t.Helper()
	s := &sink{}
	m, err := g.AddModule(name, graph.ModuleSpec{
		Class:  "sink",
		Inputs: []graph.PortSpec{{Name: "in", Type: typ}},
	}, s)
	if err != nil {
		t.Fatal(err)
	}
	in, _ := m.InPort("in")
	return in, s
}

func addProxy(t *testing.T, g *graph.Graph, class string) *graph.Proxy {
	t.Helper()
	c, ok := Class(class)
	if !ok {
		t.Fatalf("Class(%q) not found", class)
	}
	p, err := g.AddProxy("p"+class, c)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestClasses(t *testing.T) {
	var names []string
	for _, c := range Classes() {
		names = append(names, c.Name)
		if c.New == nil || c.Description == "" {
			t.Errorf("class %s is incomplete", c.Name)
		}
	}
	want := []string{LinearConverterClass, SimpleNumConverterClass, DataBufferClass, DelayerClass}
	if !slices.Equal(names, want) {
		t.Errorf("Classes() = %v, want %v", names, want)
	}
	if _, ok := Class("Nope"); ok {
		t.Error("Class(Nope) found")
	}
}

func TestLinearConverter_Apply(t *testing.T) {
	tr := linearConverter{}
	params := core.Values{"scale": 2.0, "offset": -1.0}
	tests := []struct {
		name    string
		in      any
		want    any
		wantErr error
	}{
		{"int", int64(3), 5.0, nil},
		{"float", float32(0.25), -0.5, nil},
		{"vector", []int32{1, 2}, []float64{1, 3}, nil},
		{"string", "x", nil, core.ErrBindingType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Apply(context.Background(), core.NewItem(tt.in, core.Attribute{}), params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if v, ok := tt.want.([]float64); ok {
				if !slices.Equal(got.Value.([]float64), v) {
					t.Errorf("Apply() = %v, want %v", got.Value, v)
				}
				return
			}
			if got.Value != tt.want {
				t.Errorf("Apply() = %v, want %v", got.Value, tt.want)
			}
		})
	}
}

func TestLinearConverter_CastsToEachTarget(t *testing.T) {
	g, s := newTestGraph(t)
	src, emit := emitter(t, g, core.TypeDblFloat)
	out, _ := src.OutPort("data")
	p := addProxy(t, g, LinearConverterClass)
	p.Params().Set("scale", 2.0)
	p.Params().Set("offset", 0.5)
	intIn, ints := addSink(t, g, "ints", core.TypeInt32)
	dblIn, dbls := addSink(t, g, "dbls", core.TypeDblFloat)

	if err := g.BindVia(out, intIn, p); err != nil {
		t.Fatalf("BindVia() error = %v", err)
	}
	if err := g.Bind(p, dblIn); err != nil {
		t.Fatalf("Bind(proxy, dbls) error = %v", err)
	}
	strIn, _ := addSink(t, g, "strs", core.TypeString)
	if err := g.Bind(p, strIn); !errors.Is(err, core.ErrBindingType) {
		t.Errorf("Bind(proxy, string port) error = %v, want ErrBindingType", err)
	}

	emit(1.0)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if got := ints.values(); !slices.Equal(got, []any{int32(3)}) {
		t.Errorf("int target = %v, want [3]", got)
	}
	if got := dbls.values(); !slices.Equal(got, []any{2.5}) {
		t.Errorf("dblFloat target = %v, want [2.5]", got)
	}
}

func TestSimpleNumConverter(t *testing.T) {
	g, s := newTestGraph(t)
	src, emit := emitter(t, g, core.TypeFloat)
	out, _ := src.OutPort("data")
	p := addProxy(t, g, SimpleNumConverterClass)
	in, got := addSink(t, g, "ints", core.TypeUInt32)

	strIn, _ := addSink(t, g, "strs", core.TypeString)
	if err := g.BindVia(out, strIn, p); !errors.Is(err, core.ErrBindingType) {
		t.Errorf("BindVia() to string port error = %v, want ErrBindingType", err)
	}
	if err := g.BindVia(out, in, p); err != nil {
		t.Fatalf("BindVia() error = %v", err)
	}
	emit(float32(6.5))
	emit(float32(1.4))
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if want := []any{uint32(7), uint32(1)}; !slices.Equal(got.values(), want) {
		t.Errorf("target = %v, want %v", got.values(), want)
	}

	if _, err := (numConverter{}).Apply(context.Background(), core.NewItem("x", core.Attribute{}), nil); !errors.Is(err, core.ErrBindingType) {
		t.Errorf("Apply(string) error = %v, want ErrBindingType", err)
	}
}

func TestDataBuffer(t *testing.T) {
	g, s := newTestGraph(t)
	src, emit := emitter(t, g, core.VectorOf(core.KindInt64))
	out, _ := src.OutPort("data")
	p := addProxy(t, g, DataBufferClass)
	in, got := addSink(t, g, "sink", core.VectorOf(core.KindInt64))
	if err := g.BindVia(out, in, p); err != nil {
		t.Fatal(err)
	}

	data := []int64{1, 2, 3}
	emit(data)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	vals := got.values()
	if len(vals) != 1 {
		t.Fatalf("target received %d items, want 1", len(vals))
	}
	buf := vals[0].([]int64)
	if !slices.Equal(buf, data) {
		t.Errorf("target = %v, want %v", buf, data)
	}
	data[0] = 99
	if buf[0] != 1 {
		t.Error("buffered value shares memory with the emitted one")
	}
	if _, ok := p.Transformer().(graph.Decoupler); !ok {
		t.Error("DataBuffer is not decoupled")
	}
}

func TestDelayer(t *testing.T) {
	g, s := newTestGraph(t)
	src, emit := emitter(t, g, core.TypeInt64)
	out, _ := src.OutPort("data")
	p := addProxy(t, g, DelayerClass)
	in, got := addSink(t, g, "sink", core.TypeInt64)
	if err := g.BindVia(out, in, p); err != nil {
		t.Fatal(err)
	}
	if err := p.Params().Set("duration", int64(-5)); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("Set(duration, -5) error = %v, want ErrInvalidParameter", err)
	}

	p.Params().Set("duration", int64(30))
	start := time.Now()
	emit(int64(4))
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("forwarded after %v, want at least 30ms", elapsed)
	}
	if !slices.Equal(got.values(), []any{int64(4)}) {
		t.Errorf("target = %v, want [4]", got.values())
	}

	p.Params().Set("duration", int64(60_000))
	emit(int64(5))
	time.Sleep(10 * time.Millisecond)
	s.CancelAll()
	if err := waitAll(t, s); !errors.Is(err, core.ErrCancelled) {
		t.Errorf("WaitAll() after cancel error = %v, want ErrCancelled", err)
	}
	if len(got.values()) != 1 {
		t.Errorf("cancelled delay still forwarded: %v", got.values())
	}
}
