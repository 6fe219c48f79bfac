// Package otel provides OpenTelemetry integration for instruflow scheduler
// events: one span per WaitAll epoch with a child span per task, plus task
// and epoch metrics.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/instruflow/runtime"
)

// TracingHandler translates scheduler events into OpenTelemetry spans. An
// epoch span starts at epoch.started and ends at waitall.finished. A task
// span starts at task.started and ends at the task's terminal event.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	epochSpans map[string]trace.Span      // epoch -> span
	epochCtxs  map[string]context.Context // epoch -> context (for child spans)
	taskSpans  map[string]trace.Span      // task ID -> span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from scheduler events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		epochSpans: make(map[string]trace.Span),
		epochCtxs:  make(map[string]context.Context),
		taskSpans:  make(map[string]trace.Span),
	}
}

// Handle processes a scheduler event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventEpochStarted:
		h.handleEpochStarted(e)
	case runtime.EventTaskStarted:
		h.handleTaskStarted(e)
	case runtime.EventTaskProgress:
		h.handleTaskProgress(e)
	case runtime.EventTaskFinished:
		h.endTask(e, codes.Ok, "")
	case runtime.EventTaskFailed:
		h.endTask(e, codes.Error, payloadString(e, "error", "task failed"))
	case runtime.EventTaskCancelled:
		h.endTask(e, codes.Error, payloadString(e, "error", "task cancelled"))
	case runtime.EventTaskTimeout:
		h.endTask(e, codes.Error, "watchdog timeout after "+payloadString(e, "timeout", "?"))
	case runtime.EventWaitAllFinished:
		h.handleWaitAllFinished(e)
	}
}

func (h *TracingHandler) handleEpochStarted(e runtime.Event) {
	ctx, span := h.tracer.Start(context.Background(), "epoch:"+e.Epoch,
		trace.WithAttributes(attribute.String("instruflow.epoch", e.Epoch)),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.epochSpans[e.Epoch] = span
	h.epochCtxs[e.Epoch] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleTaskStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.epochCtxs[e.Epoch]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "task:"+e.Module,
		trace.WithAttributes(
			attribute.String("instruflow.epoch", e.Epoch),
			attribute.String("instruflow.task_id", e.TaskID),
			attribute.String("instruflow.module", e.Module),
			attribute.Int64("instruflow.queue_wait_ms", e.Elapsed.Milliseconds()),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.taskSpans[e.TaskID] = span
	h.mu.Unlock()
}

// handleTaskProgress records a watchdog kick as a span event.
func (h *TracingHandler) handleTaskProgress(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.taskSpans[e.TaskID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var attrs []attribute.KeyValue
	if n, ok := e.Payload["coalesced"].(int); ok {
		attrs = append(attrs, attribute.Int("instruflow.coalesced", n))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// endTask ends the task span. A task cancelled while still queued never
// had a span and is ignored.
func (h *TracingHandler) endTask(e runtime.Event, code codes.Code, msg string) {
	h.mu.Lock()
	span, ok := h.taskSpans[e.TaskID]
	delete(h.taskSpans, e.TaskID)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("instruflow.duration", e.Elapsed.String()),
		attribute.String("instruflow.outcome", string(e.Kind)),
	)
	if code == codes.Error {
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	}
	span.SetStatus(code, msg)
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleWaitAllFinished(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.epochSpans[e.Epoch]
	delete(h.epochSpans, e.Epoch)
	delete(h.epochCtxs, e.Epoch)
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e, "status", "")
	attrs := []attribute.KeyValue{
		attribute.String("instruflow.duration", e.Elapsed.String()),
		attribute.String("instruflow.status", status),
	}
	if n, ok := e.Payload["failures"].(int); ok {
		attrs = append(attrs, attribute.Int("instruflow.failures", n))
	}
	span.SetAttributes(attrs...)

	if status == "failed" {
		span.SetStatus(codes.Error, payloadString(e, "error", "epoch failed"))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveTaskSpanContext returns the SpanContext of the running task, or an
// empty SpanContext.
func (h *TracingHandler) ActiveTaskSpanContext(taskID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.taskSpans[taskID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveEpochSpanContext returns the SpanContext of an open epoch, or an
// empty SpanContext.
func (h *TracingHandler) ActiveEpochSpanContext(epoch string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.epochSpans[epoch]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e runtime.Event, key, fallback string) string {
	if s, ok := e.Payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
