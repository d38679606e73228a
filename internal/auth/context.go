// ABOUTME: Authenticated caller identity carried through request handlers
// ABOUTME: Provides WithPrincipal/FromContext and the per-user scoping check

package auth

import (
	"context"
)

// Principal is the verified caller of an API request.
type Principal struct {
	ID   string
	Role string
}

// IsService reports whether the principal may act for any user.
func (p *Principal) IsService() bool {
	return p.Role == RoleService
}

// CanActFor reports whether the principal may read or change userID's tools.
func (p *Principal) CanActFor(userID string) bool {
	if p == nil {
		return false
	}
	return p.IsService() || (userID != "" && p.ID == userID)
}

// principalKey is the key type for storing a Principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with p attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
