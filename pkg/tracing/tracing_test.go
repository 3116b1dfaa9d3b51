package tracing

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"spool/internal/config"
)

func withPropagator(t *testing.T) trace.Tracer {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
	return sdktrace.NewTracerProvider().Tracer("test")
}

func TestHeaderMapRoundTrip(t *testing.T) {
	tracer := withPropagator(t)
	ctx, span := tracer.Start(context.Background(), "write")
	defer span.End()

	headers := InjectHeaders(ctx)
	require.Contains(t, headers, "traceparent")

	extracted := ExtractHeaders(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
}

func TestKafkaHeaderRoundTrip(t *testing.T) {
	tracer := withPropagator(t)
	ctx, span := tracer.Start(context.Background(), "write")
	defer span.End()

	headers := InjectTraceContext(ctx, []kafka.Header{{Key: "x-other", Value: []byte("1")}})
	require.Len(t, headers, 2)

	extracted := ExtractTraceContext(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())

	m := HeadersToMap(headers)
	assert.Equal(t, "1", m["x-other"])
	assert.Len(t, MapToHeaders(m), 2)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(context.Background(), config.TracingConfig{Enabled: false}, "spool-test", "node-1")
	require.NoError(t, err)
	assert.False(t, tp.Enabled())
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewSampler(t *testing.T) {
	for _, typ := range []string{"", "always", "always_off", "traceidratio", "parentbased_always_on", "parentbased_traceidratio"} {
		s, err := newSampler(config.SamplerConfig{Type: typ, Param: 0.5})
		require.NoError(t, err, typ)
		assert.NotNil(t, s, typ)
	}

	_, err := newSampler(config.SamplerConfig{Type: "sometimes"})
	assert.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "ingest", firstNonEmpty("", "ingest", "spool"))
	assert.Equal(t, "", firstNonEmpty())
}

func TestExtractHeadersEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ExtractHeaders(ctx, nil))
}
