package modules

import (
	"fmt"
	"reflect"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
)

// elementKinds are the selector values of the typed control leaves.
var elementKinds = []struct {
	name string
	kind core.Kind
}{
	{"int32", core.KindInt32},
	{"uint32", core.KindUInt32},
	{"int64", core.KindInt64},
	{"uint64", core.KindUInt64},
	{"float", core.KindFloat},
	{"dblFloat", core.KindDblFloat},
	{"str", core.KindString},
}

// ControlFactory builds the tree of the modules that manage the dataflow.
// Data shaping modules turn arrays into sequences and back:
// dataShaping -> unstack|accu -> element type.
func ControlFactory() *factory.Factory {
	return factory.NewBranch(ControlFactoryName, "Modules that help manage the dataflow", "management type",
		factory.NewBranch("dataShaping", "Modules that manipulate the data", "operation",
			factory.NewBranch("unstack", "Transform an array into a data sequence", "element type",
				typedLeaves(unstackLeaf)...),
			factory.NewBranch("accu", "Accumulate a data sequence into an array", "element type",
				typedLeaves(accuLeaf)...),
		),
	)
}

func typedLeaves(leaf func(name string, kind core.Kind) *factory.Factory) []*factory.Factory {
	out := make([]*factory.Factory, 0, len(elementKinds))
	for _, ek := range elementKinds {
		out = append(out, leaf(ek.name, ek.kind))
	}
	return out
}

func unstackLeaf(name string, kind core.Kind) *factory.Factory {
	return factory.NewLeaf(name, fmt.Sprintf("Unstack %s arrays", core.DataType{Kind: kind}), factory.Leaf{
		Spec: graph.ModuleSpec{
			Class:       "UnstackArray" + capitalize(name),
			Description: "Send the elements of each input array as one sequence",
			Inputs:      []graph.PortSpec{{Name: "array", Description: "Array to be unstacked", Type: core.VectorOf(kind)}},
			Outputs:     []graph.PortSpec{{Name: "elements", Description: "The array elements, as a sequence", Type: core.DataType{Kind: kind}}},
		},
		New: stateless(runUnstack),
	})
}

func accuLeaf(name string, kind core.Kind) *factory.Factory {
	return factory.NewLeaf(name, fmt.Sprintf("Accumulate %s sequences", core.DataType{Kind: kind}), factory.Leaf{
		Spec: graph.ModuleSpec{
			Class:       "SeqAccumulator" + capitalize(name),
			Description: "Stack the elements of each input sequence and send them as an array",
			Inputs:      []graph.PortSpec{{Name: "elements", Description: "Sequence data to be accumulated", Type: core.DataType{Kind: kind}}},
			Outputs:     []graph.PortSpec{{Name: "array", Description: "The elements of one sequence", Type: core.VectorOf(kind)}},
		},
		New: func([]string) graph.Processor { return &SeqAccumulator{kind: kind} },
	})
}

// runUnstack emits the elements of the input array framed as a sequence,
// nested in the sequences the array belongs to.
func runUnstack(rc *graph.RunContext) (err error) {
	item, ok := rc.Input("array")
	if !ok {
		rc.Logger().Info("no input data")
		return nil
	}
	elems, err := elements(item.Value)
	if err != nil {
		return err
	}
	if len(elems) == 0 {
		rc.Logger().Debug("empty array, nothing to unstack")
		return nil
	}

	defer func() {
		if err != nil {
			rc.CloseSeq("elements")
		}
	}()
	last := len(elems) - 1
	for i, v := range elems {
		var flags graph.SeqFlags
		if i == 0 {
			flags |= graph.SeqStart
		}
		if i == last {
			flags |= graph.SeqEnd
		}
		if err := rc.EmitSeq("elements", v, item.Attr, flags); err != nil {
			return err
		}
	}
	return nil
}

// SeqAccumulator stacks the elements of every sequence it receives and
// emits them as one array when the sequence ends. An element outside any
// sequence is emitted as a one-element array.
type SeqAccumulator struct {
	seqFollower
	kind core.Kind
	buf  []any
}

// Process implements graph.Processor.
func (a *SeqAccumulator) Process(rc *graph.RunContext) error {
	item, ok := rc.Input("elements")
	if !ok {
		rc.Logger().Info("no input data")
		return nil
	}
	if _, inSeq := rc.Seq("elements"); !inSeq {
		arr, err := stack(a.kind, []any{item.Value})
		if err != nil {
			return err
		}
		return rc.EmitAttr("array", arr, item.Attr)
	}

	a.mu.Lock()
	mark, ok := a.step(rc, "elements")
	if !ok {
		a.mu.Unlock()
		return nil
	}
	if mark.Start {
		a.buf = nil
	}
	a.buf = append(a.buf, item.Value)
	var done []any
	if mark.End {
		done, a.buf = a.buf, nil
	}
	a.mu.Unlock()

	if done == nil {
		return nil
	}
	arr, err := stack(a.kind, done)
	if err != nil {
		return err
	}
	rc.Logger().Debug("sequence accumulated", "size", len(done))
	return rc.EmitAttr("array", arr, outAttr(rc, "elements", item))
}

// Reset drops a partial sequence.
func (a *SeqAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	a.buf = nil
}

var kindZero = map[core.Kind]any{
	core.KindInt32:    int32(0),
	core.KindUInt32:   uint32(0),
	core.KindInt64:    int64(0),
	core.KindUInt64:   uint64(0),
	core.KindFloat:    float32(0),
	core.KindDblFloat: float64(0),
	core.KindString:   "",
}

// stack converts vals to the given kind and returns them as a typed slice,
// such as []int32 for KindInt32.
func stack(kind core.Kind, vals []any) (any, error) {
	zero, ok := kindZero[kind]
	if !ok {
		return nil, fmt.Errorf("%w: cannot stack %s values", core.ErrBindingType, kind)
	}
	out := reflect.MakeSlice(reflect.SliceOf(reflect.TypeOf(zero)), 0, len(vals))
	for i, v := range vals {
		c, err := core.Convert(v, core.DataType{Kind: kind})
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = reflect.Append(out, reflect.ValueOf(c))
	}
	return out.Interface(), nil
}

// elements returns the elements of a typed slice.
func elements(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%w: %T is not an array", core.ErrBindingType, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}
