package modules

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
)

func msec(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

func stateless(fn graph.ProcessorFunc) func([]string) graph.Processor {
	return func([]string) graph.Processor { return fn }
}

// DemoRootFactory builds the demo tree. Every demo class sits under the
// single "branch" selector.
func DemoRootFactory() *factory.Factory {
	return factory.NewBranch(DemoRootFactoryName, "Demo modules", "branch",
		factory.NewBranch("branch", "Demo branch", "leaf",
			factory.NewLeaf("leaf", "Module without ports", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModule",
					Description: "Log one message at each level on every run",
				},
				New: stateless(runDemoModule),
			}),
			factory.NewLeaf("leafA", "Sum of an integer and a rounded float", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleA",
					Description: "Emit inPortA + round(inPortB)",
					Inputs: []graph.PortSpec{
						{Name: "inPortA", Description: "integer operand", Type: core.TypeInt32},
						{Name: "inPortB", Description: "float operand", Type: core.TypeFloat},
					},
					Outputs: []graph.PortSpec{{Name: "outPortA", Description: "sum", Type: core.TypeInt32}},
				},
				New: stateless(runModuleA),
			}),
			factory.NewLeaf("leafB", "Run counter", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleB",
					Description: "Emit the number of runs so far on outPortA, with no type constraint",
					Outputs:     []graph.PortSpec{{Name: "outPortA", Description: "run counter"}},
				},
				New: func([]string) graph.Processor { return &Counter{} },
			}),
			factory.NewLeaf("leafForwarder", "Forward data unchanged", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleForwarder",
					Description: "Forward any data with its attribute",
					Inputs:      []graph.PortSpec{{Name: "inPortA", Description: "data to forward"}},
					Outputs:     []graph.PortSpec{{Name: "outPortA", Description: "forwarded data"}},
				},
				New: stateless(runForwarder),
			}),
			factory.NewLeaf("leafSeqMax", "Maximum of a sequence", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleSeqMax",
					Description: "Emit the maximum of each sequence received on inPortA",
					Inputs:      []graph.PortSpec{{Name: "inPortA", Description: "data sequence", Type: core.TypeInt64}},
					Outputs:     []graph.PortSpec{{Name: "outPortA", Description: "sequence maximum", Type: core.TypeInt64}},
				},
				New: func([]string) graph.Processor { return &SeqMax{} },
			}),
			factory.NewLeaf("leafSeqAccu", "Accumulate a sequence", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleSeqAccu",
					Description: "Emit each sequence received on inPortA as a vector",
					Inputs:      []graph.PortSpec{{Name: "inPortA", Description: "data sequence", Type: core.TypeInt64}},
					Outputs:     []graph.PortSpec{{Name: "outPortA", Description: "data sequence as a vector", Type: core.VectorOf(core.KindInt64)}},
				},
				New: func([]string) graph.Processor { return &SeqAccu{} },
			}),
			factory.NewLeaf("leafDataSeq", "Self-framed data sequence", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleDataSeq",
					Description: "Emit start..start+count-1 as one sequence on each run",
					Outputs:     []graph.PortSpec{{Name: "data", Description: "sequence values", Type: core.TypeInt64}},
					Params: []core.ParamSpec{
						{Name: "start", Description: "first value", Kind: core.ParamInt, Default: int64(0)},
						{Name: "count", Description: "number of values", Kind: core.ParamInt, Default: int64(3), Validate: positive},
					},
				},
				New: stateless(runDataSeq),
			}),
			factory.NewLeaf("leafTwoInputs", "Two synchronized inputs", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleTwoInputs",
					Description: "Forward portA and portB once both are present",
					Inputs: []graph.PortSpec{
						{Name: "portA", Type: core.TypeDblFloat},
						{Name: "portB", Type: core.TypeDblFloat},
					},
					Outputs: []graph.PortSpec{
						{Name: "portA", Type: core.TypeDblFloat},
						{Name: "portB", Type: core.TypeDblFloat},
					},
				},
				New: stateless(runTwoInputs),
			}),
			factory.NewLeaf("leafParam", "Parameter demo", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleParam",
					Description: "Carry one parameter of each kind",
					Params: []core.ParamSpec{
						{Name: "intParam", Description: "integer parameter", Kind: core.ParamInt, Default: int64(0)},
						{Name: "floatParam", Description: "float parameter", Kind: core.ParamFloat, Default: 0.0},
						{Name: "strParam", Description: "string parameter", Kind: core.ParamString, Default: ""},
					},
				},
				New: stateless(runParamDemo),
			}),
			factory.NewLeaf("freezer", "Never-ending run", factory.Leaf{
				Spec: graph.ModuleSpec{
					Class:       "DemoModuleFreezer",
					Description: "Block until cancelled, without reporting progress",
					Inputs:      []graph.PortSpec{{Name: "trig", Description: "start freezing"}},
				},
				New: stateless(runFreezer),
			}),
		),
	)
}

func positive(v any) error {
	if n, _ := v.(int64); n < 1 {
		return fmt.Errorf("%v is not positive", v)
	}
	return nil
}

func runModuleA(rc *graph.RunContext) error {
	if rc.NoData() {
		return nil
	}
	var a int32
	var b float32
	if item, ok := rc.Input("inPortA"); ok {
		a = item.Value.(int32)
	}
	if item, ok := rc.Input("inPortB"); ok {
		b = item.Value.(float32)
	}
	return rc.Emit("outPortA", int64(a)+int64(math.Round(float64(b))))
}

func runDemoModule(rc *graph.RunContext) error {
	log := rc.Logger()
	log.Debug("demo module run (debug)")
	log.Info("demo module run (info)")
	log.Warn("demo module run (warn)")
	log.Error("demo module run (error)")
	return nil
}

// Counter emits how many times it ran.
type Counter struct {
	mu sync.Mutex
	n  int64
}

// Process implements graph.Processor.
func (c *Counter) Process(rc *graph.RunContext) error {
	c.mu.Lock()
	c.n++
	n := c.n
	c.mu.Unlock()
	return rc.Emit("outPortA", n)
}

// Reset restarts the count.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}

func runForwarder(rc *graph.RunContext) error {
	item, ok := rc.Input("inPortA")
	if !ok {
		return nil
	}
	return rc.EmitAttr("outPortA", item.Value, item.Attr)
}

func runTwoInputs(rc *graph.RunContext) error {
	for _, port := range []string{"portA", "portB"} {
		if item, ok := rc.Input(port); ok {
			if err := rc.EmitAttr(port, item.Value, item.Attr); err != nil {
				return err
			}
		}
	}
	return nil
}

func runDataSeq(rc *graph.RunContext) error {
	p := rc.Params()
	start, count := p.Int("start"), p.Int("count")
	for i := int64(0); i < count; i++ {
		var flags graph.SeqFlags
		if i == 0 {
			flags |= graph.SeqStart
		}
		if i == count-1 {
			flags |= graph.SeqEnd
		}
		if err := rc.EmitSeq("data", start+i, rc.Attr(), flags); err != nil {
			rc.CloseSeq("data")
			return err
		}
	}
	return nil
}

func runParamDemo(rc *graph.RunContext) error {
	p := rc.Params()
	rc.Logger().Info("parameter values",
		"intParam", p.Int("intParam"),
		"floatParam", p.Float("floatParam"),
		"strParam", p.String("strParam"))
	return nil
}

func runFreezer(rc *graph.RunContext) error {
	<-rc.Context().Done()
	return fmt.Errorf("%w: freezer released: %w", core.ErrCancelled, context.Cause(rc.Context()))
}
