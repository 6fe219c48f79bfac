package modules

import (
	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/factory"
	"github.com/petal-labs/instruflow/graph"
)

// DemoDeviceFactory builds a free selector standing for an instrument bus:
// any address can be selected, and each address serves a single meter
// module at a time.
func DemoDeviceFactory() *factory.Factory {
	return factory.NewFree(DemoDeviceFactoryName, "Simulated instruments", "address", func(addr string) *factory.Factory {
		return factory.NewLeaf(addr, "Simulated meter at "+addr, factory.Leaf{
			Spec: graph.ModuleSpec{
				Class:       "SimulatedMeter",
				Description: "Emit reading*gain on each trigger",
				Inputs:      []graph.PortSpec{{Name: "trig", Description: "Trigger a measurement"}},
				Outputs:     []graph.PortSpec{{Name: "reading", Description: "Measured value", Type: core.TypeDblFloat}},
				Params: []core.ParamSpec{
					{Name: "reading", Description: "Raw value the meter returns", Kind: core.ParamFloat, Default: 0.0},
					{Name: "gain", Description: "Gain applied to the raw value", Kind: core.ParamFloat, Default: 1.0},
				},
			},
			New:      newSimulatedMeter,
			Capacity: 1,
		})
	})
}

// SimulatedMeter stands for an instrument reached at a bus address.
type SimulatedMeter struct {
	address string
}

func newSimulatedMeter(path []string) graph.Processor {
	return &SimulatedMeter{address: path[len(path)-1]}
}

// Address returns the bus address of the meter.
func (s *SimulatedMeter) Address() string { return s.address }

// Process implements graph.Processor.
func (s *SimulatedMeter) Process(rc *graph.RunContext) error {
	p := rc.Params()
	v := p.Float("reading") * p.Float("gain")
	rc.Logger().Debug("meter read", "address", s.address, "value", v)
	return rc.Emit("reading", v)
}
