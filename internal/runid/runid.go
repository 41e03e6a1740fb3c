// Package runid provides run ID propagation via context.
package runid

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithRunID returns a context carrying the given run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the run ID from context. Returns "" when absent.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// New generates a run ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRunID(ctx, id), id
}

// Logger returns base annotated with the context's run ID, if any.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if id := FromContext(ctx); id != "" {
		return base.With().Str("run_id", id).Logger()
	}
	return base
}
