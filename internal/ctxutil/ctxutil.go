// Package ctxutil holds the context keys shared between server and mcp.
// The server's auth middleware writes claims, the MCP tool handlers read
// them; routing both through this package keeps those two out of each
// other's import graphs.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kagami/internal/auth"
)

type contextKey string

const (
	keyClaims   contextKey = "claims"
	keyTenantID contextKey = "tenant_id"
)

// WithClaims stores the authenticated owner's claims and tenant on ctx.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	return context.WithValue(ctx, keyTenantID, claims.TenantID)
}

// ClaimsFromContext returns the stored claims, nil on unauthenticated
// contexts.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(keyClaims).(*auth.Claims)
	return claims
}

// TenantIDFromContext returns the stored tenant id, uuid.Nil when absent.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(keyTenantID).(uuid.UUID)
	return id
}
