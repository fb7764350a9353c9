package contracts

import (
	"context"
	"strings"
)

type correlationKey struct{}

// WithCorrelationID tags ctx with the transport request id used in logs.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return "n/a"
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return "n/a"
}
