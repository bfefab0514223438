package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// ServiceVersion is reported on the trace resource.
const ServiceVersion = "1.0.0"

// TracerConfig selects where spans go and how many are kept.
type TracerConfig struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string
	Environment string
	// SampleRatio applies to root spans only; a sampled parent is always
	// followed so a session's request spans stay together.
	SampleRatio float64
}

func (c TracerConfig) sampler() trace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case c.SampleRatio <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(c.SampleRatio))
	}
}

// InitTracer installs the global tracer provider and propagators and returns
// the shutdown function that flushes pending spans. With no endpoint it
// installs nothing and returns a no-op shutdown.
func InitTracer(ctx context.Context, cfg TracerConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(cfg.sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
