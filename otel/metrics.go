package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/instruflow/runtime"
)

// MetricsHandler translates scheduler events into OpenTelemetry metrics.
type MetricsHandler struct {
	taskCompletions metric.Int64Counter
	taskProgress    metric.Int64Counter
	taskDuration    metric.Float64Histogram
	queueWait       metric.Float64Histogram
	epochDuration   metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler whose instruments live on the
// given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	completions, err := meter.Int64Counter("instruflow.task.completions",
		metric.WithDescription("Number of tasks reaching a terminal state, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	progress, err := meter.Int64Counter("instruflow.task.progress",
		metric.WithDescription("Number of watchdog kicks by running tasks"),
	)
	if err != nil {
		return nil, err
	}

	taskDur, err := meter.Float64Histogram("instruflow.task.duration",
		metric.WithDescription("Time from queueing to the terminal state of a task in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	wait, err := meter.Float64Histogram("instruflow.task.queue_wait",
		metric.WithDescription("Time a task waited in its lane before starting in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	epochDur, err := meter.Float64Histogram("instruflow.epoch.duration",
		metric.WithDescription("Duration of a WaitAll epoch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		taskCompletions: completions,
		taskProgress:    progress,
		taskDuration:    taskDur,
		queueWait:       wait,
		epochDuration:   epochDur,
	}, nil
}

// Handle processes a scheduler event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventTaskStarted:
		h.queueWait.Record(ctx, e.Elapsed.Seconds(), moduleAttrs(e))
	case runtime.EventTaskProgress:
		n := int64(1)
		if c, ok := e.Payload["coalesced"].(int); ok && c > 0 {
			n = int64(c)
		}
		h.taskProgress.Add(ctx, n, moduleAttrs(e))
	case runtime.EventTaskFinished, runtime.EventTaskFailed, runtime.EventTaskCancelled, runtime.EventTaskTimeout:
		attrs := metric.WithAttributes(
			attribute.String("module", e.Module),
			attribute.String("outcome", string(e.Kind)),
		)
		h.taskCompletions.Add(ctx, 1, attrs)
		h.taskDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case runtime.EventWaitAllFinished:
		h.epochDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("status", payloadString(e, "status", "")),
		))
	}
}

func moduleAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("module", e.Module))
}
