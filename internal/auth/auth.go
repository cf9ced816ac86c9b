// Package auth authenticates gateway connections. The gateway only needs a
// token-to-identity lookup; deployments plug in whatever backs it.
package auth

import (
	"context"
	"errors"
	"sync"
)

// ErrInvalidToken is returned for unknown, empty, or revoked tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated owner of a connection.
type Identity struct {
	UserID string
	OrgID  string
}

// Verifier resolves a bearer token to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier authenticates against a fixed token table, typically loaded
// from configuration. Safe for concurrent use.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// Compile-time interface assertion.
var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier creates a verifier over the given token table. The map is
// copied; later mutation of the argument has no effect.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	cp := make(map[string]Identity, len(tokens))
	for token, id := range tokens {
		cp[token] = id
	}
	return &StaticVerifier{tokens: cp}
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// Revoke removes a token from the table.
func (v *StaticVerifier) Revoke(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.tokens, token)
}
