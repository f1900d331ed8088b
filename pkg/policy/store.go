package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/provenact/provenact/pkg/contracts"
)

// Store holds compiled bundle snapshots by version. The current snapshot
// sits behind an atomic pointer; loading a newer version is a
// copy-on-write swap and readers never lock.
type Store struct {
	mu       sync.Mutex
	byVer    map[string]*Snapshot
	current  atomic.Pointer[Snapshot]
	signer   *Signer
	tieBreak TieBreak

	// EvalTimeout caps a single evaluation; expiry fails closed.
	EvalTimeout time.Duration
}

// NewStore creates a Store. signer may be nil only in tests/dev mode;
// with a signer every loaded bundle must verify.
func NewStore(signer *Signer, tieBreak TieBreak) *Store {
	if tieBreak == "" {
		tieBreak = TieBreakDeny
	}
	return &Store{
		byVer:       make(map[string]*Snapshot),
		signer:      signer,
		tieBreak:    tieBreak,
		EvalTimeout: 2 * time.Second,
	}
}

// Load verifies, compiles, and registers a bundle. The current snapshot
// advances only when the new version is higher, so replaying an old
// bundle can never roll the active policy back.
func (s *Store) Load(b *Bundle) (*Snapshot, error) {
	if s.signer != nil {
		if err := s.signer.Verify(b); err != nil {
			return nil, err
		}
	}
	ver, err := b.SemVer()
	if err != nil {
		return nil, err
	}
	snap, err := Compile(b)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byVer[b.Version]; exists {
		return nil, fmt.Errorf("policy: bundle version %s already loaded (bundles are immutable)", b.Version)
	}
	s.byVer[b.Version] = snap

	cur := s.current.Load()
	if cur == nil {
		s.current.Store(snap)
	} else if curVer, err := semver.NewVersion(cur.Version); err == nil && ver.GreaterThan(curVer) {
		s.current.Store(snap)
	}
	return snap, nil
}

// Current returns the active snapshot, or nil when nothing is loaded.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Pin resolves a version or semver constraint ("1.2.3", "^1.2", ">=2")
// to the highest loaded snapshot satisfying it.
func (s *Store) Pin(constraint string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap, ok := s.byVer[constraint]; ok {
		return snap, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("policy: invalid bundle pin %q: %w", constraint, err)
	}

	versions := make([]*semver.Version, 0, len(s.byVer))
	for v := range s.byVer {
		if sv, err := semver.NewVersion(v); err == nil {
			versions = append(versions, sv)
		}
	}
	sort.Sort(sort.Reverse(semver.Collection(versions)))
	for _, v := range versions {
		if c.Check(v) {
			return s.byVer[v.Original()], nil
		}
	}
	return nil, fmt.Errorf("policy: no loaded bundle satisfies pin %q", constraint)
}

// Evaluate resolves the pinned (or current) snapshot and evaluates the
// context under the store's timeout. Every failure path — no bundle,
// unresolvable pin, deadline expiry — returns deny, never an allow.
func (s *Store) Evaluate(ctx context.Context, ac ActionContext) contracts.PolicyDecision {
	snap := s.Current()
	if ac.PinnedBundle != "" {
		pinned, err := s.Pin(ac.PinnedBundle)
		if err != nil {
			return contracts.PolicyDecision{
				Effect:      contracts.EffectDeny,
				Reasons:     []string{string(contracts.ReasonPinUnresolved) + ": " + err.Error()},
				EvaluatedAt: time.Now().UTC(),
			}
		}
		snap = pinned
	}
	if snap == nil {
		return contracts.PolicyDecision{
			Effect:      contracts.EffectDeny,
			Reasons:     []string{string(contracts.ReasonNoBundle) + ": no policy bundle loaded (default deny)"},
			EvaluatedAt: time.Now().UTC(),
		}
	}

	evalCtx := ctx
	if s.EvalTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, s.EvalTimeout)
		defer cancel()
	}
	return snap.Evaluate(evalCtx, ac, s.tieBreak)
}

// Versions lists loaded bundle versions.
func (s *Store) Versions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byVer))
	for v := range s.byVer {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
