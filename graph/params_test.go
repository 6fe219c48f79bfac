package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/petal-labs/instruflow/core"
)

func TestParameterSetter_AppliesImmediately(t *testing.T) {
	g, s := newTestGraph(t)
	gen := addGen(t, g, "gen", core.TypeDblFloat)
	target, err := g.AddModule("target", ModuleSpec{
		Class:  "target",
		Params: []core.ParamSpec{{Name: "gain", Kind: core.ParamFloat, Default: 1.0}},
	}, ProcessorFunc(func(*RunContext) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	setter, err := g.ParameterSetter(target, "gain")
	if err != nil {
		t.Fatalf("ParameterSetter() error = %v", err)
	}
	again, _ := g.ParameterSetter(target, "gain")
	if again != setter {
		t.Error("ParameterSetter() returned a new setter for the same parameter")
	}
	if err := g.Bind(mustOut(t, gen, "data"), setter); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	gen.SetParam("value", 2.5)
	run(t, gen)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if v, _ := target.Param("gain"); v != 2.5 {
		t.Errorf("gain = %v, want 2.5", v)
	}
}

func TestParameterSetter_HeldForNextDispatch(t *testing.T) {
	g, s := newTestGraph(t)
	data := addGen(t, g, "data", core.TypeInt64)
	knob := addGen(t, g, "knob", core.TypeInt64)

	var mu sync.Mutex
	var seen []int64
	m, err := g.AddModule("m", ModuleSpec{
		Class:  "m",
		Inputs: []PortSpec{{Name: "in", Type: core.TypeInt64}},
		Params: []core.ParamSpec{{Name: "k", Kind: core.ParamInt, Default: int64(0)}},
	}, ProcessorFunc(func(rc *RunContext) error {
		if rc.NoData() {
			return nil
		}
		mu.Lock()
		seen = append(seen, rc.Params().Int("k"))
		mu.Unlock()
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	g.Bind(mustOut(t, data, "data"), mustIn(t, m, "in"))
	setter, err := g.ParameterSetter(m, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Bind(mustOut(t, knob, "data"), setter); err != nil {
		t.Fatal(err)
	}

	run(t, data)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 0 {
		t.Fatalf("module ran before its setter delivered: %v", seen)
	}
	if v, _ := m.Param("k"); v != int64(0) {
		t.Errorf("k = %v before dispatch, want 0", v)
	}

	knob.SetParam("value", 4.0)
	run(t, knob)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != 4 {
		t.Errorf("seen = %v, want [4]", seen)
	}
}

func TestParameterSetter_RejectsBadValue(t *testing.T) {
	g, s := newTestGraph(t)
	gen := addGen(t, g, "gen", core.TypeDblFloat)
	target, err := g.AddModule("target", ModuleSpec{
		Class:  "target",
		Params: []core.ParamSpec{{Name: "delay", Kind: core.ParamFloat, Default: 0.0, Validate: core.NonNegative}},
	}, ProcessorFunc(func(*RunContext) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	setter, _ := g.ParameterSetter(target, "delay")
	g.Bind(mustOut(t, gen, "data"), setter)

	gen.SetParam("value", -1.0)
	run(t, gen)
	if err := waitAll(t, s); !errors.Is(err, core.ErrInvalidParameter) {
		t.Errorf("WaitAll() error = %v, want ErrInvalidParameter", err)
	}
}

func TestParameterGetter(t *testing.T) {
	g, s := newTestGraph(t)
	trig := addGen(t, g, "trig", core.TypeInt64)
	owner, err := g.AddModule("owner", ModuleSpec{
		Class:  "owner",
		Params: []core.ParamSpec{{Name: "label", Kind: core.ParamString, Default: "x"}},
	}, ProcessorFunc(func(*RunContext) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	sink, c := addCollector(t, g, "sink", core.TypeUndefined)

	getter, err := g.ParameterGetter(owner, "label")
	if err != nil {
		t.Fatalf("ParameterGetter() error = %v", err)
	}
	if _, err := g.ParameterGetter(owner, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("ParameterGetter(missing) error = %v, want ErrNotFound", err)
	}
	if err := g.Bind(mustOut(t, trig, "data"), getter); err != nil {
		t.Fatal(err)
	}
	if err := g.Bind(getter, mustIn(t, sink, "in")); err != nil {
		t.Fatal(err)
	}

	owner.SetParam("label", "hello")
	run(t, trig)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if got := c.values(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("values = %v, want [hello]", got)
	}

	owner.SetParam("label", "direct")
	if err := getter.Trigger(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if last, ok := getter.Last(); !ok || last.Value != "direct" {
		t.Errorf("Last() = %v, want direct", last.Value)
	}
}

func TestProxy_BindVia(t *testing.T) {
	g, s := newTestGraph(t)
	gen := addGen(t, g, "gen", core.TypeInt64)
	sink, c := addCollector(t, g, "sink", core.TypeInt64)

	double := ProxyClass{Name: "double", New: func() Transformer {
		return TransformerFunc(func(_ context.Context, item core.DataItem, _ core.Values) (core.DataItem, error) {
			item.Value = item.Value.(int64) * 2
			return item, nil
		})
	}}
	p, err := g.AddProxy("x2", double)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.AddProxy("x2", double); !errors.Is(err, core.ErrDuplicateName) {
		t.Errorf("AddProxy() duplicate error = %v, want ErrDuplicateName", err)
	}
	if err := g.BindVia(mustOut(t, gen, "data"), mustIn(t, sink, "in"), p); err != nil {
		t.Fatalf("BindVia() error = %v", err)
	}
	if got := p.SourceType(); got != core.TypeInt64 {
		t.Errorf("SourceType() = %v, want int64", got)
	}

	gen.SetParam("value", 21.0)
	run(t, gen)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if got := c.values(); len(got) != 1 || got[0] != int64(42) {
		t.Errorf("values = %v, want [42]", got)
	}

	if err := p.SetName("times2"); err != nil {
		t.Fatalf("SetName() error = %v", err)
	}
	if _, err := g.ResolveSource("proxy/times2"); err != nil {
		t.Errorf("ResolveSource() after rename error = %v", err)
	}
	if err := p.SetName("bad name"); !errors.Is(err, core.ErrInvalidName) {
		t.Errorf("SetName() error = %v, want ErrInvalidName", err)
	}
}

type numericAdapter struct{ passThrough }

func (numericAdapter) Adapts(in, out core.DataType) bool {
	ok := func(t core.DataType) bool { return !t.Defined() || (t.Kind.Numeric() && !t.Vector) }
	return ok(in) && ok(out)
}

func (numericAdapter) Decoupled() bool { return true }

func TestProxy_AdapterAndDecoupled(t *testing.T) {
	g, s := newTestGraph(t)
	gen := addGen(t, g, "gen", core.TypeInt32)
	sink, c := addCollector(t, g, "sink", core.TypeDblFloat)
	str, _ := addCollector(t, g, "str", core.TypeString)

	p, err := g.AddProxy("conv", ProxyClass{Name: "numeric", New: func() Transformer { return numericAdapter{} }})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.BindVia(mustOut(t, gen, "data"), mustIn(t, sink, "in"), p); err != nil {
		t.Fatalf("BindVia() int32 -> dblFloat error = %v", err)
	}
	if err := g.Bind(p, mustIn(t, str, "in")); !errors.Is(err, core.ErrBindingType) {
		t.Errorf("Bind(numeric proxy -> string) error = %v, want ErrBindingType", err)
	}

	gen.SetParam("value", 3.0)
	run(t, gen)
	if err := waitAll(t, s); err != nil {
		t.Fatal(err)
	}
	if got := c.values(); len(got) != 1 || got[0] != float64(3) {
		t.Errorf("values = %v, want [3]", got)
	}
}

func TestLogger(t *testing.T) {
	g, s := newTestGraph(t)
	gen := addGen(t, g, "gen", core.TypeInt64)

	var mu sync.Mutex
	var recs []Record
	closed := false
	class := LoggerClass{Name: "rec", New: func() Sink {
		return &closingSink{
			log: func(rec Record) error {
				mu.Lock()
				recs = append(recs, rec)
				mu.Unlock()
				return errors.New("disk full")
			},
			close: func() { closed = true },
		}
	}}
	l, err := g.AddLogger("rec", class)
	if err != nil {
		t.Fatal(err)
	}
	out := mustOut(t, gen, "data")
	if err := g.Bind(out, l); err != nil {
		t.Fatal(err)
	}
	if src, ok := l.Source(); !ok || src.SourceID() != "gen:data" {
		t.Errorf("Source() = %v, want gen:data", src)
	}
	if got := out.Loggers(); len(got) != 1 || got[0] != l {
		t.Errorf("Loggers() = %v", got)
	}

	run(t, gen)
	if err := waitAll(t, s); err != nil {
		t.Fatalf("WaitAll() error = %v, sink failures must not fail runs", err)
	}
	if len(recs) != 1 || recs[0].Source != "gen:data" || recs[0].Logger != "rec" {
		t.Errorf("records = %+v", recs)
	}

	if err := g.RemoveLogger(l); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Error("sink not closed on removal")
	}
	if len(out.Targets()) != 0 {
		t.Error("logger still bound after removal")
	}
}

type closingSink struct {
	log   func(Record) error
	close func()
}

func (s *closingSink) Log(_ context.Context, rec Record, _ core.Values) error { return s.log(rec) }

func (s *closingSink) Close() error {
	s.close()
	return nil
}
