// Package auth abstracts the external identity provider. The core never
// consults ambient state for "the current user" — an Identity is passed
// explicitly into every operation that acts on someone's behalf.
package auth

import "fmt"

// Identity is the signed-in user as seen by the rest of the client. User
// IDs are opaque stable strings issued by the provider.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
}

// Valid reports whether the identity can act (has a user ID).
func (id Identity) Valid() bool { return id.UserID != "" }

// Provider emits the current signed-in identity or none.
type Provider interface {
	Current() (Identity, bool)
}

// Static is a fixed identity provider, used by the CLI client where the
// identity comes from the config file.
type Static struct {
	id Identity
}

// NewStatic creates a provider for one fixed identity.
func NewStatic(id Identity) (*Static, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("identity has no user ID")
	}
	return &Static{id: id}, nil
}

// Current returns the fixed identity.
func (s *Static) Current() (Identity, bool) { return s.id, true }
