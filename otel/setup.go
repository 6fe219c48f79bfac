package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/instruflow/runtime"
)

// InstrumentationName names the tracer and meter of the engine.
const InstrumentationName = "github.com/petal-labs/instruflow"

// Config selects where telemetry goes.
type Config struct {
	// Endpoint is an OTLP/HTTP collector, as host:port or as a URL.
	Endpoint string
	// Insecure disables TLS for a host:port endpoint.
	Insecure    bool
	ServiceName string

	// SpanExporter replaces the OTLP exporter when set.
	SpanExporter sdktrace.SpanExporter
	// MetricReader collects metrics. Without one metrics are recorded and
	// dropped.
	MetricReader sdkmetric.Reader
}

// Providers owns the SDK providers and the event handlers built on them.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracing        *TracingHandler
	Metrics        *MetricsHandler
}

// Setup builds tracer and meter providers and the handlers that feed them.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "instruflow"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	exporter := cfg.SpanExporter
	if exporter == nil {
		var err error
		if exporter, err = newOTLPExporter(ctx, cfg); err != nil {
			return nil, err
		}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	metrics, err := NewMetricsHandler(mp.Meter(InstrumentationName))
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracing:        NewTracingHandler(tp.Tracer(InstrumentationName)),
		Metrics:        metrics,
	}, nil
}

func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("otel: endpoint is required")
	}
	var opts []otlptracehttp.Option
	if strings.Contains(cfg.Endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otel: trace exporter: %w", err)
	}
	return exp, nil
}

// Handle feeds an event to both the tracing and the metrics handler.
func (p *Providers) Handle(e runtime.Event) {
	p.Tracing.Handle(e)
	p.Metrics.Handle(e)
}

// Decorator stamps emitted events with their span IDs.
func (p *Providers) Decorator() runtime.EventEmitterDecorator {
	return Decorator(p.Tracing)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.TracerProvider.Shutdown(ctx), p.MeterProvider.Shutdown(ctx))
}
