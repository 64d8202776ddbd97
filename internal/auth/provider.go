package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned for any credential that does not resolve to
// an identity. Callers must not leak why.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the unified identity representation for all auth methods.
type Identity struct {
	Subject string // user id (token) or key id (api key)
	Name    string
	OrgID   string
	Method  string // "jwt" or "apikey"
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}
