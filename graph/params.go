package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/instruflow/core"
)

type paramKey struct {
	owner ParamOwner
	param string
}

// ParameterGetter exposes a parameter as a data source. Every item it
// receives triggers the emission of the parameter's current value, carrying
// the trigger's attribute.
type ParameterGetter struct {
	owner ParamOwner
	param string
	typ   core.DataType

	mu      sync.Mutex
	last    core.DataItem
	hasLast bool
}

// ParameterSetter exposes a parameter as a data target. Items it receives
// become the parameter value. For a module fed through its in-ports the
// value is held until the module's next dispatch, so that it applies to the
// run consuming the matching inputs.
type ParameterSetter struct {
	owner ParamOwner
	param string
	typ   core.DataType

	// guarded by the owning module's mu
	fresh bool
	value any
}

// ParameterGetter returns the getter of owner's parameter, creating it on
// first use.
func (g *Graph) ParameterGetter(owner ParamOwner, param string) (*ParameterGetter, error) {
	spec, err := g.paramSpec(owner, param)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := paramKey{owner: owner, param: param}
	if pg, ok := g.getters[key]; ok {
		return pg, nil
	}
	pg := &ParameterGetter{owner: owner, param: param, typ: spec.Kind.DataType()}
	g.getters[key] = pg
	return pg, nil
}

// ParameterSetter returns the setter of owner's parameter, creating it on
// first use.
func (g *Graph) ParameterSetter(owner ParamOwner, param string) (*ParameterSetter, error) {
	spec, err := g.paramSpec(owner, param)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := paramKey{owner: owner, param: param}
	if ps, ok := g.setters[key]; ok {
		return ps, nil
	}
	ps := &ParameterSetter{owner: owner, param: param, typ: spec.Kind.DataType()}
	g.setters[key] = ps
	return ps, nil
}

func (g *Graph) paramSpec(owner ParamOwner, param string) (core.ParamSpec, error) {
	if owner == nil {
		return core.ParamSpec{}, fmt.Errorf("%w: nil parameter owner", core.ErrNotFound)
	}
	if err := g.checkOwned(owner); err != nil {
		return core.ParamSpec{}, err
	}
	spec, ok := owner.Params().Spec(param)
	if !ok {
		return core.ParamSpec{}, fmt.Errorf("%w: parameter %q on %s", core.ErrNotFound, param, owner.ownerRef())
	}
	return spec, nil
}

// Owner returns the entity carrying the parameter.
func (pg *ParameterGetter) Owner() ParamOwner { return pg.owner }

// Param returns the parameter name.
func (pg *ParameterGetter) Param() string { return pg.param }

// SourceID implements Source.
func (pg *ParameterGetter) SourceID() string {
	return getterPrefix + pg.owner.ownerRef() + "/" + pg.param
}

// TargetID implements Target; the getter is triggered through it.
func (pg *ParameterGetter) TargetID() string { return pg.SourceID() }

// SourceType implements Source.
func (pg *ParameterGetter) SourceType() core.DataType { return pg.typ }

// TargetType implements Target. Any item triggers the getter.
func (pg *ParameterGetter) TargetType() core.DataType { return core.TypeUndefined }

func (pg *ParameterGetter) owningGraph() *Graph { return pg.owner.owningGraph() }

// Last returns the last value emitted.
func (pg *ParameterGetter) Last() (core.DataItem, bool) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.last, pg.hasLast
}

// Trigger emits the current parameter value outside of any sequence.
func (pg *ParameterGetter) Trigger(ctx context.Context) error {
	return pg.deliver(ctx, core.DataItem{})
}

func (pg *ParameterGetter) deliver(ctx context.Context, trigger core.DataItem) error {
	v, err := pg.owner.Params().Get(pg.param)
	if err != nil {
		return err
	}
	item := core.DataItem{Type: pg.typ, Value: v, Attr: trigger.Attr}
	pg.mu.Lock()
	pg.last = item
	pg.hasLast = true
	pg.mu.Unlock()
	return pg.owningGraph().propagate(ctx, pg, item)
}

// Owner returns the entity carrying the parameter.
func (ps *ParameterSetter) Owner() ParamOwner { return ps.owner }

// Param returns the parameter name.
func (ps *ParameterSetter) Param() string { return ps.param }

// TargetID implements Target.
func (ps *ParameterSetter) TargetID() string {
	return setterPrefix + ps.owner.ownerRef() + "/" + ps.param
}

// TargetType implements Target.
func (ps *ParameterSetter) TargetType() core.DataType { return ps.typ }

func (ps *ParameterSetter) owningGraph() *Graph { return ps.owner.owningGraph() }

func (ps *ParameterSetter) deliver(ctx context.Context, item core.DataItem) error {
	m, isModule := ps.owner.(*Module)
	if !isModule || !m.g.hasConnectedInputs(m) {
		if err := ps.owner.Params().Set(ps.param, item.Value); err != nil {
			return fmt.Errorf("setter %s: %w", ps.TargetID(), err)
		}
		return nil
	}

	if err := m.params.Check(ps.param, item.Value); err != nil {
		return fmt.Errorf("setter %s: %w", ps.TargetID(), err)
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	ps.fresh = true
	ps.value = item.Value
	m.mu.Unlock()
	m.tryDispatch()
	return nil
}
