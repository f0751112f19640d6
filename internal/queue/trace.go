package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTrace returns the trace context carried by ctx as message
// attributes, or nil when there is nothing to propagate.
func InjectTrace(ctx context.Context) map[string]string {
	attrs := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// ExtractTrace returns ctx with the remote trace context from msg attached.
func ExtractTrace(ctx context.Context, msg Message) context.Context {
	if len(msg.Attributes) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Attributes))
}
