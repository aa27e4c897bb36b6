package trace

import "context"

type traceIDKey struct{}

// WithTraceID attaches the trace id to the context so tools running under
// the executor can record spans of their own.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFrom returns the trace id carried by the context, or empty.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
