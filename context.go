package authcore

import (
	"context"

	"github.com/brandshop/authcore/internal/reqctx"
)

// WithClientIP attaches the caller's address to ctx. The engine keys login
// lockout on it and the audit recorder stores it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return reqctx.WithClientIP(ctx, ip)
}

// WithUserAgent attaches the HTTP User-Agent for audit records.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return reqctx.WithUserAgent(ctx, userAgent)
}

// WithCorrelationID pins the id the dispatcher logs for this request.
// Without it Dispatch generates one.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return reqctx.WithCorrelationID(ctx, id)
}

// CorrelationID returns the id attached to ctx, if any.
func CorrelationID(ctx context.Context) string {
	return reqctx.CorrelationID(ctx)
}

func clientIPFromContext(ctx context.Context) string {
	return reqctx.ClientIP(ctx)
}
