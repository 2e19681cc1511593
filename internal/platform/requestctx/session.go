// Package requestctx carries request-scoped identity through context.
package requestctx

import (
	"context"
	"strings"
)

// sessionIDContextKey is the context key for the live user session.
type sessionIDContextKey struct{}

// WithSessionID stores the id of the live user session in context. Blank ids
// are stored as absent so callers never persist a meaningless session.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDContextKey{}, strings.TrimSpace(sessionID))
}

// SessionIDFromContext returns the session identifier stored in context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(sessionIDContextKey{}).(string)
	return value
}
