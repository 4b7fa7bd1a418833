package auth

import (
	"context"
	"slices"

	"github.com/mailverify/mailverify/internal/model"
)

type principalKey struct{}

// WithPrincipal returns a context carrying the authenticated caller.
func WithPrincipal(ctx context.Context, p *model.AuthContext) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the authenticated caller, or nil outside the auth
// middleware.
func FromContext(ctx context.Context) *model.AuthContext {
	p, _ := ctx.Value(principalKey{}).(*model.AuthContext)
	return p
}

// UserID returns the caller's user ID, or "".
func UserID(ctx context.Context) string {
	if p := FromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}

// KeyID returns the ID of the key that authenticated the request, or "".
func KeyID(ctx context.Context) string {
	if p := FromContext(ctx); p != nil {
		return p.KeyID
	}
	return ""
}

// Allows reports whether the caller holds scope. Admin holds every scope.
func Allows(p *model.AuthContext, scope string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Scopes, model.ScopeAdmin) || slices.Contains(p.Scopes, scope)
}
