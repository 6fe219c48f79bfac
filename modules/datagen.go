// Package modules holds the built-in module classes and the factory trees
// that create them.
package modules

import (
	"fmt"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
)

// Root factory names.
const (
	DataGenFactoryName    = "DataGenFactory"
	DemoRootFactoryName   = "DemoRootFactory"
	DemoDeviceFactoryName = "DemoDeviceFactory"
	ControlFactoryName    = "ControlFactory"
)

// RootFactories returns fresh instances of every built-in root factory.
func RootFactories() []*factory.Factory {
	return []*factory.Factory{DataGenFactory(), DemoRootFactory(), DemoDeviceFactory(), ControlFactory()}
}

var boolFlag = core.OneOf(int64(0), int64(1))

// DataGenFactory builds the data generator tree: one leaf per data type,
// one vector leaf per data type, plus the sequence generator.
func DataGenFactory() *factory.Factory {
	return factory.NewBranch(DataGenFactoryName, "Data generators", "data type",
		dataGenLeaf("int32", core.TypeInt32, core.ParamInt, int64(0)),
		dataGenLeaf("int64", core.TypeInt64, core.ParamInt, int64(0)),
		dataGenLeaf("float", core.TypeFloat, core.ParamFloat, 0.0),
		dataGenLeaf("dblFloat", core.TypeDblFloat, core.ParamFloat, 0.0),
		dataGenLeaf("str", core.TypeString, core.ParamString, ""),
		vectGenLeaf("int32Vect", core.KindInt32, core.ParamInt, int64(0)),
		vectGenLeaf("int64Vect", core.KindInt64, core.ParamInt, int64(0)),
		vectGenLeaf("floatVect", core.KindFloat, core.ParamFloat, 0.0),
		vectGenLeaf("dblFloatVect", core.KindDblFloat, core.ParamFloat, 0.0),
		vectGenLeaf("strVect", core.KindString, core.ParamString, ""),
		factory.NewLeaf("seq", "Integer sequence generator", factory.Leaf{
			Spec: graph.ModuleSpec{
				Class:       "SeqGen",
				Description: "Generate the sequence 0..seqSize-1 on each trigger",
				Inputs:      []graph.PortSpec{{Name: "trig", Description: "Launch the sequence generation"}},
				Outputs:     []graph.PortSpec{{Name: "data", Description: "Sequence values from 0", Type: core.TypeInt64}},
				Params: []core.ParamSpec{
					{
						Name:        "seqSize",
						Description: "Size of the sequence. 0: endless until cancelled. 1: a single value, outside any sequence",
						Kind:        core.ParamInt, Default: int64(0), Validate: core.NonNegative,
					},
					{
						Name:        "delay",
						Description: "Pause between two values, in milliseconds",
						Kind:        core.ParamInt, Default: int64(0), Validate: core.NonNegative,
					},
				},
			},
			New: func([]string) graph.Processor { return graph.ProcessorFunc(runSeqGen) },
		}),
	)
}

func dataGenLeaf(name string, typ core.DataType, kind core.ParamKind, def any) *factory.Factory {
	return factory.NewLeaf(name, fmt.Sprintf("Generate %s data", typ), factory.Leaf{
		Spec: graph.ModuleSpec{
			Class:       "DataGen" + capitalize(name),
			Description: fmt.Sprintf("Emit the value parameter as %s on each trigger", typ),
			Inputs:      []graph.PortSpec{{Name: "trig", Description: "Trigger the emission"}},
			Outputs:     []graph.PortSpec{{Name: "data", Description: "Generated value", Type: typ}},
			Params: []core.ParamSpec{
				{Name: "value", Description: "Value to emit", Kind: kind, Default: def},
				{Name: "seqStart", Description: "1: the next value starts a sequence", Kind: core.ParamInt, Default: int64(0), OneShot: true, Validate: boolFlag},
				{Name: "seqEnd", Description: "1: the next value ends a sequence", Kind: core.ParamInt, Default: int64(0), OneShot: true, Validate: boolFlag},
			},
		},
		New: func([]string) graph.Processor { return graph.ProcessorFunc(runDataGen) },
	})
}

// vectGenLeaf creates a leaf whose modules emit every value set since their
// previous run, as one vector.
func vectGenLeaf(name string, kind core.Kind, pkind core.ParamKind, def any) *factory.Factory {
	typ := core.VectorOf(kind)
	return factory.NewLeaf(name, fmt.Sprintf("Generate %s data", typ), factory.Leaf{
		Spec: graph.ModuleSpec{
			Class:       "DataGen" + capitalize(name),
			Description: fmt.Sprintf("Emit the values stacked on the value parameter as %s on each trigger", typ),
			Inputs:      []graph.PortSpec{{Name: "trig", Description: "Trigger the emission"}},
			Outputs:     []graph.PortSpec{{Name: "data", Description: "Stacked values", Type: typ}},
			Params: []core.ParamSpec{
				{Name: "value", Description: "Value appended to the next vector. Every value set is stacked", Kind: pkind, Default: def, Stacked: true},
				{Name: "seqStart", Description: "1: the next vector starts a sequence", Kind: core.ParamInt, Default: int64(0), OneShot: true, Validate: boolFlag},
				{Name: "seqEnd", Description: "1: the next vector ends a sequence", Kind: core.ParamInt, Default: int64(0), OneShot: true, Validate: boolFlag},
			},
		},
		New: func([]string) graph.Processor {
			return graph.ProcessorFunc(func(rc *graph.RunContext) error {
				v, err := stack(kind, rc.Params().Stack("value"))
				if err != nil {
					return err
				}
				rc.Logger().Debug("vector generated", "size", len(rc.Params().Stack("value")))
				return rc.EmitSeq("data", v, rc.Attr(), seqFlags(rc.Params()))
			})
		},
	})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// runDataGen emits the value parameter, framed by the one-shot sequence
// flags, carrying the trigger attribute.
func runDataGen(rc *graph.RunContext) error {
	p := rc.Params()
	return rc.EmitSeq("data", p["value"], rc.Attr(), seqFlags(p))
}

func seqFlags(p core.Values) graph.SeqFlags {
	var flags graph.SeqFlags
	if p.Int("seqStart") == 1 {
		flags |= graph.SeqStart
	}
	if p.Int("seqEnd") == 1 {
		flags |= graph.SeqEnd
	}
	return flags
}

func runSeqGen(rc *graph.RunContext) (err error) {
	p := rc.Params()
	size, delay := p.Int("seqSize"), p.Int("delay")
	attr := rc.Attr()

	if size == 1 {
		return rc.EmitAttr("data", int64(0), attr)
	}

	defer func() {
		if err != nil {
			rc.CloseSeq("data")
		}
	}()
	for i := int64(0); size == 0 || i < size; i++ {
		if i > 0 && delay > 0 {
			if err := rc.Sleep(msec(delay)); err != nil {
				return err
			}
		}
		var flags graph.SeqFlags
		if i == 0 {
			flags |= graph.SeqStart
		}
		if i == size-1 {
			flags |= graph.SeqEnd
		}
		if err := rc.EmitSeq("data", i, attr, flags); err != nil {
			return err
		}
		if err := rc.Context().Err(); err != nil {
			return fmt.Errorf("%w: sequence interrupted at %d", core.ErrCancelled, i)
		}
	}
	return nil
}
