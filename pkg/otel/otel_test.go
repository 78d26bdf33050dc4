package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup(t *testing.T) {
	ctx := context.Background()
	prev := otel.GetTracerProvider()

	t.Run("disabled keeps the global provider", func(t *testing.T) {
		shutdown, err := Setup(ctx, Config{})
		require.NoError(t, err)
		assert.Same(t, prev, otel.GetTracerProvider())
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("enabled records spans", func(t *testing.T) {
		rec := tracetest.NewSpanRecorder()
		shutdown, err := Setup(ctx, Config{Enabled: true, Exporter: ExporterNone, SampleRatio: 1}, rec)
		require.NoError(t, err)

		_, span := otel.Tracer("test").Start(ctx, "check")
		assert.True(t, span.SpanContext().HasTraceID())
		span.End()

		require.Len(t, rec.Ended(), 1)
		assert.Equal(t, "check", rec.Ended()[0].Name())
		assert.NoError(t, shutdown(ctx))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := Setup(ctx, Config{Enabled: true, Exporter: "jaeger", SampleRatio: 1})
		assert.Error(t, err)
	})
}
