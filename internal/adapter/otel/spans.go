package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentplane"

// StartLifecycleSpan starts a span for a lifecycle operation on an instance
// (deploy, start, stop, restart, delete).
func StartLifecycleSpan(ctx context.Context, op, agentID, instanceID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("agent.id", agentID)}
	if instanceID != "" {
		attrs = append(attrs, attribute.String("instance.id", instanceID))
	}
	return otel.Tracer(tracerName).Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
}

// StartBackendSpan starts a span for a single execution backend call.
func StartBackendSpan(ctx context.Context, kind, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "backend."+op,
		trace.WithAttributes(attribute.String("backend.kind", kind)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
