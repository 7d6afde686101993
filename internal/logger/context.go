package logger

import "context"

type (
	requestIDKey  struct{}
	instanceIDKey struct{}
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithInstanceID tags ctx with the agent instance an operation acts on.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, id)
}

// InstanceID extracts the agent instance ID from the context.
func InstanceID(ctx context.Context) string {
	id, _ := ctx.Value(instanceIDKey{}).(string)
	return id
}
