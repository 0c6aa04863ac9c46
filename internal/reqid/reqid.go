// Package reqid carries the per-request correlation ID through contexts so
// that handlers and the services they call log under the same ID.
package reqid

import (
	"context"
	"log/slog"
)

type key struct{}

// With returns a copy of ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key{}, id)
}

// From extracts the request ID from ctx.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	s, ok := ctx.Value(key{}).(string)
	return s, ok && s != ""
}

// Logger annotates l with the request ID from ctx, when there is one.
func Logger(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id, ok := From(ctx); ok {
		return l.With("request_id", id)
	}
	return l
}
