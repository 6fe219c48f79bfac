// Package proxies provides the built-in data proxy classes: transforms that
// sit on a binding between a source and its target.
package proxies

import (
	"context"
	"fmt"
	"time"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/graph"
	"github.com/petal-labs/instruflow/runtime"
)

// Class names.
const (
	LinearConverterClass    = "LinearConverter"
	SimpleNumConverterClass = "SimpleNumConverter"
	DataBufferClass         = "DataBuffer"
	DelayerClass            = "Delayer"
)

// Classes returns every built-in proxy class in registration order.
func Classes() []graph.ProxyClass {
	return []graph.ProxyClass{
		{
			Name:        LinearConverterClass,
			Description: "Apply value*scale+offset to numeric data, cast to the target type",
			Params: []core.ParamSpec{
				{Name: "scale", Description: "Multiplier", Kind: core.ParamFloat, Default: 1.0},
				{Name: "offset", Description: "Added after scaling", Kind: core.ParamFloat, Default: 0.0},
			},
			New: func() graph.Transformer { return linearConverter{} },
		},
		{
			Name:        SimpleNumConverterClass,
			Description: "Cast numeric data to the target type",
			New:         func() graph.Transformer { return numConverter{} },
		},
		{
			Name:        DataBufferClass,
			Description: "Copy data and forward it from a task of its own, so that the emitter does not wait for the targets",
			New:         func() graph.Transformer { return dataBuffer{} },
		},
		{
			Name:        DelayerClass,
			Description: "Wait before forwarding data",
			Params: []core.ParamSpec{
				{Name: "duration", Description: "Delay in milliseconds", Kind: core.ParamInt, Default: int64(0), Validate: core.NonNegative},
			},
			New: func() graph.Transformer { return delayer{} },
		},
	}
}

// Class returns the named built-in class.
func Class(name string) (graph.ProxyClass, bool) {
	for _, c := range Classes() {
		if c.Name == name {
			return c, true
		}
	}
	return graph.ProxyClass{}, false
}

// numericAdapter accepts numeric data, or data of a type not known yet, and
// produces numbers any numeric target converts on delivery.
type numericAdapter struct{}

func (numericAdapter) Adapts(in, out core.DataType) bool {
	numeric := func(t core.DataType) bool { return !t.Defined() || t.Kind.Numeric() }
	return numeric(in) && numeric(out)
}

type numConverter struct{ numericAdapter }

func (numConverter) Apply(_ context.Context, item core.DataItem, _ core.Values) (core.DataItem, error) {
	if t := core.TypeOf(item.Value); !t.Kind.Numeric() {
		return core.DataItem{}, fmt.Errorf("%w: %s is not numeric", core.ErrBindingType, t)
	}
	return core.DataItem{Value: item.Value, Attr: item.Attr}, nil
}

type linearConverter struct{ numericAdapter }

func (linearConverter) Apply(_ context.Context, item core.DataItem, params core.Values) (core.DataItem, error) {
	scale, offset := params.Float("scale"), params.Float("offset")
	t := core.TypeOf(item.Value)
	if !t.Kind.Numeric() {
		return core.DataItem{}, fmt.Errorf("%w: %s is not numeric", core.ErrBindingType, t)
	}

	if !t.Vector {
		f, err := core.AsFloat64(item.Value)
		if err != nil {
			return core.DataItem{}, err
		}
		return core.DataItem{Value: f*scale + offset, Attr: item.Attr}, nil
	}
	v, err := core.Convert(item.Value, core.VectorOf(core.KindDblFloat))
	if err != nil {
		return core.DataItem{}, err
	}
	in := v.([]float64)
	res := make([]float64, len(in))
	for i, f := range in {
		res[i] = f*scale + offset
	}
	return core.DataItem{Value: res, Attr: item.Attr}, nil
}

type dataBuffer struct{}

func (dataBuffer) Decoupled() bool { return true }

func (dataBuffer) Apply(_ context.Context, item core.DataItem, _ core.Values) (core.DataItem, error) {
	item.Value = core.CopyValue(item.Value)
	return item, nil
}

type delayer struct{}

func (delayer) Apply(ctx context.Context, item core.DataItem, params core.Values) (core.DataItem, error) {
	d := time.Duration(params.Int("duration")) * time.Millisecond
	if d <= 0 {
		return item, nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return core.DataItem{}, fmt.Errorf("%w: delay interrupted: %w", core.ErrCancelled, context.Cause(ctx))
	}
	// The wait is deliberate, not a stall.
	runtime.KickFromContext(ctx)()
	return item, nil
}
