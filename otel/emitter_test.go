package otel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	instruotel "github.com/petal-labs/instruflow/otel"
	"github.com/petal-labs/instruflow/runtime"
)

func TestEnrichEmitter(t *testing.T) {
	_, tp := newTestTracer()
	h := instruotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	var got []runtime.Event
	emit := instruotel.EnrichEmitter(func(e runtime.Event) { got = append(got, e) }, h)

	emit(ev(runtime.EventTaskQueued, "ep", "t1", "gen", now))
	if got[0].TraceID != "" || got[0].SpanID != "" {
		t.Errorf("event without active spans got trace %q/%q", got[0].TraceID, got[0].SpanID)
	}

	h.Handle(ev(runtime.EventEpochStarted, "ep", "", "", now))
	epochSC := h.ActiveEpochSpanContext("ep")
	emit(ev(runtime.EventTaskQueued, "ep", "t1", "gen", now))
	if got[1].SpanID != epochSC.SpanID().String() {
		t.Errorf("queued event span = %q, want epoch span %q", got[1].SpanID, epochSC.SpanID())
	}

	h.Handle(ev(runtime.EventTaskStarted, "ep", "t1", "gen", now))
	taskSC := h.ActiveTaskSpanContext("t1")
	emit(ev(runtime.EventTaskProgress, "ep", "t1", "gen", now))
	if got[2].SpanID != taskSC.SpanID().String() {
		t.Errorf("progress event span = %q, want task span %q", got[2].SpanID, taskSC.SpanID())
	}
	if got[2].TraceID != epochSC.TraceID().String() {
		t.Error("task span is not in the epoch trace")
	}
}

func TestDecorator_WithScheduler(t *testing.T) {
	exporter, tp := newTestTracer()
	h := instruotel.NewTracingHandler(tp.Tracer("test"))

	var (
		mu     sync.Mutex
		events []runtime.Event
	)
	s := runtime.NewScheduler(runtime.Options{
		Workers:         1,
		DisableWatchdog: true,
		EventHandler: runtime.MultiEventHandler(h.Handle, func(e runtime.Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}),
		EventEmitterDecorator: instruotel.Decorator(h),
	})
	defer s.Close()

	s.Submit(runtime.Job{Key: "module/gen", Label: "gen", Run: func(context.Context) error { return nil }})
	s.Submit(runtime.Job{Key: "module/bad", Label: "bad", Run: func(context.Context) error { return errors.New("boom") }})
	if err := s.WaitAll(context.Background()); err == nil {
		t.Fatal("WaitAll() succeeded with a failing task")
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want epoch and two tasks", len(spans))
	}
	if findSpan(spans, "task:bad") == nil || findSpan(spans, "task:gen") == nil {
		t.Error("missing task spans")
	}
	mu.Lock()
	defer mu.Unlock()
	for _, e := range events {
		if e.Kind == runtime.EventTaskFinished && e.TraceID == "" {
			t.Error("task.finished event has no trace ID")
		}
	}
}
