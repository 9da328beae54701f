package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

// requestIDKey carries the per-request identifier set by the HTTP layer.
const requestIDKey ctxKey = "request_id"

// FromContext returns the base logger enriched with any request-scoped
// fields found in ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return base.With("request_id", id)
	}
	return base
}

// WithRequestID stores a request identifier for FromContext to pick up.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}
