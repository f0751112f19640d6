package queue

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMain(m *testing.M) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	os.Exit(m.Run())
}

func tracedContext() (context.Context, trace.SpanContext) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b, 0x0c, 0x0d, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(context.Background(), sc), sc
}

func TestInjectTraceWithoutSpan(t *testing.T) {
	t.Parallel()

	assert.Nil(t, InjectTrace(context.Background()))
}

func TestTraceRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, sc := tracedContext()
	attrs := InjectTrace(ctx)
	require.Contains(t, attrs, "traceparent")
	assert.Contains(t, attrs["traceparent"], sc.TraceID().String())

	got := trace.SpanContextFromContext(ExtractTrace(context.Background(), Message{Attributes: attrs}))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestExtractTraceWithoutAttributes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, ctx, ExtractTrace(ctx, Message{Value: []byte("x")}))
}
