// Package otel installs the process-wide OpenTelemetry tracer provider and
// propagators used by the gin instrumentation.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporters
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config selects the trace exporter
type Config struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter" validate:"omitempty,oneof=none stdout"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// Setup installs a tracer provider when cfg.Enabled. Extra processors are
// registered alongside the exporter. The returned func flushes and stops
// everything Setup started; it is safe to call when tracing is disabled.
func Setup(_ context.Context, cfg Config, extra ...trace.SpanProcessor) (func(context.Context) error, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	otel.SetTextMapPropagator(newPropagator())
	if !cfg.Enabled {
		return shutdown, nil
	}

	tracerProvider, err := newTracerProvider(cfg, extra...)
	if err != nil {
		return shutdown, err
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)
	return shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTracerProvider(cfg Config, extra ...trace.SpanProcessor) (*trace.TracerProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "ratewarden"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	switch cfg.Exporter {
	case "", ExporterNone:
	case ExporterStdout:
		traceExporter, err := stdouttrace.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(traceExporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	for _, p := range extra {
		opts = append(opts, trace.WithSpanProcessor(p))
	}
	return trace.NewTracerProvider(opts...), nil
}
