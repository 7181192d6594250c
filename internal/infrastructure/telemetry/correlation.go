package telemetry

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationKey struct{}

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation ID stored in ctx, or the
// empty string when none has been attached.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns ctx guaranteed to carry a correlation ID,
// generating a fresh one when absent. Generated IDs are 32 lowercase hex
// characters so they interleave cleanly with IDs minted by upstream
// producers.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationIDFrom(ctx); id != "" {
		return ctx, id
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return WithCorrelationID(ctx, id), id
}

// CorrelationField returns the correlation_id log field for ctx, or a
// no-op field when the context carries none.
func CorrelationField(ctx context.Context) zap.Field {
	if id := CorrelationIDFrom(ctx); id != "" {
		return zap.String("correlation_id", id)
	}
	return zap.Skip()
}
