package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/instruflow/core"
	"github.com/petal-labs/instruflow/runtime"
)

// RunContext is what a Processor sees during one run: the popped inputs,
// the parameter snapshot and the means to emit on its out-ports.
type RunContext struct {
	ctx        context.Context
	module     *Module
	params     core.Values
	inputs     map[string]core.DataItem
	seqSources map[string]string
	attr       core.Attribute
}

func newRunContext(ctx context.Context, m *Module, params core.Values, inputs map[string]core.DataItem, seqSources map[string]string) *RunContext {
	rc := &RunContext{
		ctx:        ctx,
		module:     m,
		params:     params,
		inputs:     inputs,
		seqSources: seqSources,
	}
	for _, in := range m.inPorts {
		if item, ok := inputs[in.name]; ok {
			rc.attr = rc.attr.Merge(item.Attr)
		}
	}
	return rc
}

// Context returns the run context. It is cancelled by CancelAll and by the
// watchdog.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Logger returns the logger of the running task.
func (rc *RunContext) Logger() *slog.Logger { return runtime.LoggerFromContext(rc.ctx) }

// Module returns the running module.
func (rc *RunContext) Module() *Module { return rc.module }

// Params returns the parameter snapshot taken when the run was queued.
func (rc *RunContext) Params() core.Values { return rc.params }

// NoData reports whether the run was issued without input data.
func (rc *RunContext) NoData() bool { return rc.inputs == nil }

// Input returns the item popped from the named in-port.
func (rc *RunContext) Input(port string) (core.DataItem, bool) {
	item, ok := rc.inputs[port]
	return item, ok
}

// Attr returns the merged attribute of every input item.
func (rc *RunContext) Attr() core.Attribute { return rc.attr }

// SeqSource returns the reference of the sequence source the in-port
// follows, captured when the run was queued.
func (rc *RunContext) SeqSource(port string) (string, bool) {
	src, ok := rc.seqSources[port]
	return src, ok
}

// Seq returns the sequence mark the in-port's sequence source left on the
// popped item. ok is false when the port has no sequence binding or the
// item is outside any sequence of that source.
func (rc *RunContext) Seq(port string) (core.SeqMark, bool) {
	src, ok := rc.seqSources[port]
	if !ok {
		return core.SeqMark{}, false
	}
	item, ok := rc.inputs[port]
	if !ok {
		return core.SeqMark{}, false
	}
	return item.Attr.Mark(src)
}

// Emit publishes v on the named out-port, carrying the merged input
// attribute.
func (rc *RunContext) Emit(port string, v any) error {
	return rc.EmitSeq(port, v, rc.attr, 0)
}

// EmitAttr publishes v on the named out-port with an explicit attribute.
func (rc *RunContext) EmitAttr(port string, v any, attr core.Attribute) error {
	return rc.EmitSeq(port, v, attr, 0)
}

// EmitSeq publishes v with sequence flags. SeqStart opens a sequence on the
// port, SeqEnd closes it; both on one value make a one-element sequence.
func (rc *RunContext) EmitSeq(port string, v any, attr core.Attribute, flags SeqFlags) error {
	out, err := rc.module.OutPort(port)
	if err != nil {
		return err
	}
	if err := out.emit(rc.ctx, v, attr, flags); err != nil {
		return err
	}
	rc.Kick()
	return nil
}

// Kick reports progress to the watchdog.
func (rc *RunContext) Kick() {
	runtime.KickFromContext(rc.ctx)()
}

// Sleep waits for d or until the run is cancelled.
func (rc *RunContext) Sleep(d time.Duration) error {
	if d <= 0 {
		return rc.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-rc.ctx.Done():
		return fmt.Errorf("%w: %w", core.ErrCancelled, context.Cause(rc.ctx))
	}
}

// CloseSeq abandons the sequence open on the named out-port, if any. A
// generator interrupted mid-sequence calls it so that its next run can
// start a new one.
func (rc *RunContext) CloseSeq(port string) {
	if out, err := rc.module.OutPort(port); err == nil {
		out.closeSeq()
	}
}
