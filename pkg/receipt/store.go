// Package receipt builds and persists provenance receipts. A receipt
// seals the canonical hashes of an action's inputs, the policy decision
// that gated it, and the execution outcome into a per-case hash chain.
// Receipts are write-once; corrections supersede, they never mutate.
package receipt

import (
	"context"
	"sort"
	"sync"

	"github.com/provenact/provenact/pkg/contracts"
)

// Store persists sealed receipts. Put enforces write-once semantics:
// a second receipt for the same run id fails with ErrReceiptExists.
type Store interface {
	Put(ctx context.Context, r *contracts.ProvenanceReceipt) error
	Get(ctx context.Context, runID string) (*contracts.ProvenanceReceipt, error)
	GetByAction(ctx context.Context, actionID string) (*contracts.ProvenanceReceipt, error)
	// ListCase returns the case's receipts ordered by chain sequence.
	ListCase(ctx context.Context, caseID string) ([]*contracts.ProvenanceReceipt, error)
	// Head returns the latest receipt of a case chain, or nil for an
	// empty chain.
	Head(ctx context.Context, caseID string) (*contracts.ProvenanceReceipt, error)
}

// MemoryStore is the in-process Store used by tests and single-node
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	byRun    map[string]*contracts.ProvenanceReceipt
	byAction map[string]*contracts.ProvenanceReceipt
	byCase   map[string][]*contracts.ProvenanceReceipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRun:    make(map[string]*contracts.ProvenanceReceipt),
		byAction: make(map[string]*contracts.ProvenanceReceipt),
		byCase:   make(map[string][]*contracts.ProvenanceReceipt),
	}
}

func (s *MemoryStore) Put(_ context.Context, r *contracts.ProvenanceReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byRun[r.RunID]; ok {
		return contracts.ErrReceiptExists
	}
	cp := *r
	s.byRun[r.RunID] = &cp
	// Later receipts for the same action (supersessions, re-decisions)
	// shadow earlier ones in the action index; the chain keeps both.
	s.byAction[r.ActionID] = &cp
	s.byCase[r.CaseID] = append(s.byCase[r.CaseID], &cp)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, runID string) (*contracts.ProvenanceReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byRun[runID]
	if !ok {
		return nil, contracts.ErrUnknownAction
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetByAction(_ context.Context, actionID string) (*contracts.ProvenanceReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byAction[actionID]
	if !ok {
		return nil, contracts.ErrUnknownAction
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListCase(_ context.Context, caseID string) ([]*contracts.ProvenanceReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.byCase[caseID]
	out := make([]*contracts.ProvenanceReceipt, 0, len(chain))
	for _, r := range chain {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) Head(_ context.Context, caseID string) (*contracts.ProvenanceReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.byCase[caseID]
	if len(chain) == 0 {
		return nil, nil
	}
	head := chain[0]
	for _, r := range chain[1:] {
		if r.Seq > head.Seq {
			head = r
		}
	}
	cp := *head
	return &cp, nil
}
