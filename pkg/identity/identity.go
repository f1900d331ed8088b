// Package identity resolves principals to the role/attribute sets used
// for ABAC checks in policy evaluation and override authorization.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/provenact/provenact/pkg/contracts"
)

// Source resolves a principal id (or bearer token) to its identity.
type Source interface {
	Resolve(ctx context.Context, principal string) (contracts.Principal, error)
}

// StaticSource is a fixed in-memory directory, used for tests and
// single-node deployments.
type StaticSource struct {
	mu         sync.RWMutex
	principals map[string]contracts.Principal
}

// NewStaticSource builds a source from a fixed directory.
func NewStaticSource(principals ...contracts.Principal) *StaticSource {
	m := make(map[string]contracts.Principal, len(principals))
	for _, p := range principals {
		m[p.ID] = p
	}
	return &StaticSource{principals: m}
}

// Add registers or replaces a principal.
func (s *StaticSource) Add(p contracts.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.ID] = p
}

// Resolve looks up the principal by id.
func (s *StaticSource) Resolve(_ context.Context, principal string) (contracts.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[principal]
	if !ok {
		return contracts.Principal{}, fmt.Errorf("identity: unknown principal %q", principal)
	}
	return p, nil
}

// tokenClaims carries roles and attributes inside a signed token.
type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string          `json:"roles,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// TokenSource resolves HMAC-signed JWTs into principals. The subject
// claim becomes the principal id.
type TokenSource struct {
	key []byte
}

// NewTokenSource creates a TokenSource with the given HMAC key.
func NewTokenSource(key []byte) *TokenSource {
	return &TokenSource{key: key}
}

// Resolve parses and validates the token, rejecting unexpected signing
// methods and expired tokens.
func (s *TokenSource) Resolve(_ context.Context, token string) (contracts.Principal, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return contracts.Principal{}, fmt.Errorf("identity: token invalid: %w", err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return contracts.Principal{}, fmt.Errorf("identity: token rejected")
	}
	return contracts.Principal{ID: claims.Subject, Roles: claims.Roles, Attrs: claims.Attrs}, nil
}

// MintToken issues a signed token for a principal, used by tests and the
// CLI to produce credentials consumable by Resolve.
func (s *TokenSource) MintToken(p contracts.Principal) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: p.ID},
		Roles:            p.Roles,
		Attrs:            p.Attrs,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}
