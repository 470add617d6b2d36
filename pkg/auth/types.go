// Package auth resolves bearer credentials into request principals: opaque
// API keys looked up against a key store, and signed service tokens for
// trusted ecosystem peers.
package auth

import "time"

// Role names recognized across the API surface.
const (
	// RoleAdmin principals receive verbose error detail and may manage keys.
	RoleAdmin = "admin"
	// RoleService marks trusted ecosystem services (registry, router, verify).
	RoleService = "service"
	// RoleViewer is a read-mostly integration role.
	RoleViewer = "viewer"
)

// Principal is any authenticated caller: a human operator, a service
// account, or a trusted downstream system.
type Principal interface {
	GetID() string
	GetName() string
	GetRoles() []string
	// HasRole reports whether the principal carries the role. Admins
	// implicitly carry every role.
	HasRole(role string) bool
}

// BasePrincipal is the standard Principal implementation, built from an API
// key record or a verified token's claims.
type BasePrincipal struct {
	ID    string
	Name  string
	Roles []string
}

func (b *BasePrincipal) GetID() string      { return b.ID }
func (b *BasePrincipal) GetName() string    { return b.Name }
func (b *BasePrincipal) GetRoles() []string { return b.Roles }

func (b *BasePrincipal) HasRole(role string) bool {
	for _, r := range b.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// APIKey is an opaque bearer credential. Only the SHA-256 digest of the
// token is retained; the plaintext is shown once, at issue time.
type APIKey struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt zero means the key never expires.
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}
