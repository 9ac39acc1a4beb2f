package domain

import "context"

type ctxKey int

const correlationKey ctxKey = iota

// CorrelationHeader is the wire header for correlation IDs, on both the
// inbound surface and outgoing upstream calls.
const CorrelationHeader = "X-Correlation-ID"

// WithCorrelationID stores the request's correlation ID in the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation ID carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}
