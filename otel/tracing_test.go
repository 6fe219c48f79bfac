package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	instruotel "github.com/petal-labs/instruflow/otel"
	"github.com/petal-labs/instruflow/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func ev(kind runtime.EventKind, epoch, taskID, module string, at time.Time) runtime.Event {
	e := runtime.NewEvent(kind, epoch).WithTask(taskID, module)
	e.Time = at
	return e
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func attr(s *tracetest.SpanStub, key string) (string, bool) {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value.Emit(), true
		}
	}
	return "", false
}

func TestTracingHandler_EpochAndTaskSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := instruotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(ev(runtime.EventEpochStarted, "ep1", "", "", now))
	if !h.ActiveEpochSpanContext("ep1").IsValid() {
		t.Fatal("expected valid epoch span context after epoch.started")
	}

	started := ev(runtime.EventTaskStarted, "ep1", "t1", "gen", now.Add(time.Millisecond))
	started.Elapsed = 3 * time.Millisecond
	h.Handle(started)
	if !h.ActiveTaskSpanContext("t1").IsValid() {
		t.Fatal("expected valid task span context after task.started")
	}
	h.Handle(ev(runtime.EventTaskProgress, "ep1", "t1", "gen", now.Add(2*time.Millisecond)).WithPayload("coalesced", 4))
	finished := ev(runtime.EventTaskFinished, "ep1", "t1", "gen", now.Add(5*time.Millisecond))
	finished.Elapsed = 5 * time.Millisecond
	h.Handle(finished)

	if h.ActiveTaskSpanContext("t1").IsValid() {
		t.Error("task span still active after task.finished")
	}

	done := ev(runtime.EventWaitAllFinished, "ep1", "", "", now.Add(10*time.Millisecond)).
		WithPayload("status", "completed").
		WithPayload("failures", 0)
	h.Handle(done)

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	task := findSpan(spans, "task:gen")
	epoch := findSpan(spans, "epoch:ep1")
	if task == nil || epoch == nil {
		t.Fatalf("spans = %v %v", spans[0].Name, spans[1].Name)
	}
	if task.Parent.SpanID() != epoch.SpanContext.SpanID() {
		t.Error("task span is not a child of the epoch span")
	}
	if task.Status.Code != otelcodes.Ok {
		t.Errorf("task status = %v, want Ok", task.Status.Code)
	}
	if v, _ := attr(task, "instruflow.queue_wait_ms"); v != "3" {
		t.Errorf("queue wait = %q, want 3", v)
	}
	if v, _ := attr(task, "instruflow.module"); v != "gen" {
		t.Errorf("module = %q, want gen", v)
	}
	if len(task.Events) != 1 || task.Events[0].Name != string(runtime.EventTaskProgress) {
		t.Errorf("task events = %v, want one progress event", task.Events)
	}
	if v, _ := attr(epoch, "instruflow.status"); v != "completed" {
		t.Errorf("epoch status attribute = %q", v)
	}
	if !epoch.EndTime.Equal(now.Add(10 * time.Millisecond)) {
		t.Errorf("epoch end = %v", epoch.EndTime)
	}
}

func TestTracingHandler_TaskOutcomes(t *testing.T) {
	tests := []struct {
		kind    runtime.EventKind
		payload map[string]any
		wantMsg string
	}{
		{runtime.EventTaskFailed, map[string]any{"error": "boom"}, "boom"},
		{runtime.EventTaskCancelled, nil, "task cancelled"},
		{runtime.EventTaskTimeout, map[string]any{"timeout": "2s"}, "watchdog timeout after 2s"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			exporter, tp := newTestTracer()
			h := instruotel.NewTracingHandler(tp.Tracer("test"))
			now := time.Now()

			h.Handle(ev(runtime.EventTaskStarted, "ep", "t", "m", now))
			end := ev(tt.kind, "ep", "t", "m", now.Add(time.Millisecond))
			for k, v := range tt.payload {
				end = end.WithPayload(k, v)
			}
			h.Handle(end)

			spans := exporter.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			s := spans[0]
			if s.Status.Code != otelcodes.Error || s.Status.Description != tt.wantMsg {
				t.Errorf("status = %v %q, want Error %q", s.Status.Code, s.Status.Description, tt.wantMsg)
			}
			if len(s.Events) != 1 || s.Events[0].Name != "exception" {
				t.Errorf("events = %v, want a recorded error", s.Events)
			}
		})
	}
}

func TestTracingHandler_FailedEpoch(t *testing.T) {
	exporter, tp := newTestTracer()
	h := instruotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(ev(runtime.EventEpochStarted, "ep", "", "", now))
	h.Handle(ev(runtime.EventWaitAllFinished, "ep", "", "", now).
		WithPayload("status", "failed").
		WithPayload("error", "task gen failed"))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != otelcodes.Error {
		t.Fatalf("spans = %+v, want one failed epoch span", spans)
	}
	if spans[0].Status.Description != "task gen failed" {
		t.Errorf("description = %q", spans[0].Status.Description)
	}
}

func TestTracingHandler_UnmatchedEvents(t *testing.T) {
	exporter, tp := newTestTracer()
	h := instruotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	// A task cancelled while queued and an epoch end without start.
	h.Handle(ev(runtime.EventTaskCancelled, "ep", "t", "m", now))
	h.Handle(ev(runtime.EventTaskProgress, "ep", "t", "m", now))
	h.Handle(ev(runtime.EventWaitAllFinished, "ep", "", "", now))

	// A task started outside any epoch span gets a root span.
	h.Handle(ev(runtime.EventTaskStarted, "other", "t2", "m", now))
	h.Handle(ev(runtime.EventTaskFinished, "other", "t2", "m", now))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Parent.IsValid() {
		t.Error("orphan task span has a parent")
	}
}
