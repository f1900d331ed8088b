// Package policy evaluates action contexts against versioned, signed
// CEL rule bundles. Bundles are immutable snapshots compiled once and
// swapped behind an atomic pointer, so evaluation never takes a lock.
// Evaluation is fail-closed: timeouts, expression errors, and missing
// rules all resolve to deny.
package policy

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/provenact/provenact/pkg/canonicalize"
)

// RuleEffect is the outcome a rule contributes when it matches.
type RuleEffect string

const (
	RuleAllow RuleEffect = "allow"
	RuleDeny  RuleEffect = "deny"
)

// Match constrains which action contexts a rule applies to. Every
// non-zero field must match for the rule to fire; the number of
// constrained fields is the rule's specificity.
type Match struct {
	// Kinds lists action kinds this rule covers. Empty means any kind.
	Kinds []string `json:"kinds,omitempty" yaml:"kinds,omitempty"`
	// Purposes lists acceptable purpose strings. Empty means any,
	// including the empty purpose.
	Purposes []string `json:"purposes,omitempty" yaml:"purposes,omitempty"`
	// Roles requires the proposer to carry at least one listed role.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	// MaxCostMs bounds the cost estimate the rule covers. Zero means
	// unbounded.
	MaxCostMs float64 `json:"max_cost_ms,omitempty" yaml:"max_cost_ms,omitempty"`
	// When is an optional CEL expression over the action context
	// (kind, purpose, cost_ms, roles, attrs).
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// Specificity counts constrained match fields. Most-specific rule wins;
// ties resolve per the configured tie break.
func (m Match) Specificity() int {
	n := 0
	if len(m.Kinds) > 0 {
		n++
	}
	if len(m.Purposes) > 0 {
		n++
	}
	if len(m.Roles) > 0 {
		n++
	}
	if m.MaxCostMs > 0 {
		n++
	}
	if m.When != "" {
		n++
	}
	return n
}

// Rule is a single access-control rule inside a bundle.
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Match       Match      `json:"match" yaml:"match"`
	Effect      RuleEffect `json:"effect" yaml:"effect"`
	// Overridable marks a deny that the override workflow may lift.
	Overridable bool `json:"overridable,omitempty" yaml:"overridable,omitempty"`
	Enabled     bool `json:"enabled" yaml:"enabled"`
}

// Bundle is a versioned, signed set of rules. Immutable after signing;
// any change produces a new version.
type Bundle struct {
	Name      string    `json:"name" yaml:"name"`
	Version   string    `json:"version" yaml:"version"`
	Rules     []Rule    `json:"rules" yaml:"rules"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Signature string    `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// Hash returns the canonical content hash over name, version, and rules.
// The signature is excluded: it covers this hash.
func (b *Bundle) Hash() (string, error) {
	content := struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Rules   []Rule `json:"rules"`
	}{b.Name, b.Version, b.Rules}
	return canonicalize.CanonicalHash(content)
}

// SemVer parses the bundle version.
func (b *Bundle) SemVer() (*semver.Version, error) {
	v, err := semver.NewVersion(b.Version)
	if err != nil {
		return nil, fmt.Errorf("policy: bundle %s has invalid version %q: %w", b.Name, b.Version, err)
	}
	return v, nil
}

// bundleClaims binds the bundle content hash into a JWS.
type bundleClaims struct {
	jwt.RegisteredClaims
	BundleName    string `json:"bundle_name"`
	BundleVersion string `json:"bundle_version"`
	BundleHash    string `json:"bundle_hash"`
}

// Signer signs and verifies bundle signatures with an HMAC key.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer from a shared HMAC key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes the JWS over the bundle's canonical hash and stores it
// on the bundle.
func (s *Signer) Sign(b *Bundle) error {
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	claims := bundleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "provenact/policy",
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		BundleName:    b.Name,
		BundleVersion: b.Version,
		BundleHash:    hash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return fmt.Errorf("policy: bundle signing failed: %w", err)
	}
	b.Signature = signed
	return nil
}

// Verify checks the bundle signature and that it covers the current
// content hash. Tampered rules change the hash and fail verification.
func (s *Signer) Verify(b *Bundle) error {
	if b.Signature == "" {
		return fmt.Errorf("policy: bundle %s@%s is unsigned", b.Name, b.Version)
	}
	claims := &bundleClaims{}
	token, err := jwt.ParseWithClaims(b.Signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return fmt.Errorf("policy: bundle signature invalid: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("policy: bundle signature rejected")
	}
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	if claims.BundleHash != hash {
		return fmt.Errorf("policy: bundle %s@%s content does not match signed hash", b.Name, b.Version)
	}
	if claims.BundleVersion != b.Version {
		return fmt.Errorf("policy: bundle version mismatch: signed %q, declared %q", claims.BundleVersion, b.Version)
	}
	return nil
}
