package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/instruflow/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// Task events carry the task span when one is active, otherwise the span
// of their epoch. Events with no active span pass through unchanged.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.TaskID != "" {
			setSpan(&e, tracing.ActiveTaskSpanContext(e.TaskID))
		}
		if e.TraceID == "" && e.Epoch != "" {
			setSpan(&e, tracing.ActiveEpochSpanContext(e.Epoch))
		}
		emit(e)
	}
}

// Decorator returns EnrichEmitter as a runtime.EventEmitterDecorator.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}

func setSpan(e *runtime.Event, sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}
	e.TraceID = sc.TraceID().String()
	e.SpanID = sc.SpanID().String()
}
