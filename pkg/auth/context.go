package auth

import (
	"context"
	"errors"
)

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// IsAdmin reports whether the context carries an admin principal. Anonymous
// callers are never admins.
func IsAdmin(ctx context.Context) bool {
	p, err := GetPrincipal(ctx)
	if err != nil {
		return false
	}
	return p.HasRole(RoleAdmin)
}
