package override

import (
	"context"
	"errors"
	"sync"

	"github.com/provenact/provenact/pkg/contracts"
)

// Store errors.
var (
	ErrRequestExists   = errors.New("override request already stored")
	ErrVersionConflict = errors.New("override request version conflict")
)

// Store persists override requests, which may pend for hours across
// process restarts. Update is compare-and-swap on Version so two
// reviewers racing from different processes cannot both win.
type Store interface {
	Put(ctx context.Context, req *contracts.OverrideRequest) error
	Update(ctx context.Context, req *contracts.OverrideRequest, expectedVersion uint64) error
	Get(ctx context.Context, id string) (*contracts.OverrideRequest, error)
	// GetByAction returns the most recent request for an action, or
	// ErrUnknownAction when none exists.
	GetByAction(ctx context.Context, actionID string) (*contracts.OverrideRequest, error)
	ListPending(ctx context.Context) ([]*contracts.OverrideRequest, error)
}

// MemoryStore is the ephemeral Store used by tests and single-shot runs.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*contracts.OverrideRequest
	byAction map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*contracts.OverrideRequest),
		byAction: make(map[string]string),
	}
}

func (s *MemoryStore) Put(_ context.Context, req *contracts.OverrideRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return ErrRequestExists
	}
	s.requests[req.ID] = snapshot(req)
	s.byAction[req.ActionID] = req.ID
	return nil
}

func (s *MemoryStore) Update(_ context.Context, req *contracts.OverrideRequest, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[req.ID]
	if !ok {
		return contracts.ErrUnknownAction
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.requests[req.ID] = snapshot(req)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.OverrideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, contracts.ErrUnknownAction
	}
	return snapshot(req), nil
}

func (s *MemoryStore) GetByAction(_ context.Context, actionID string) (*contracts.OverrideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byAction[actionID]
	if !ok {
		return nil, contracts.ErrUnknownAction
	}
	return snapshot(s.requests[id]), nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]*contracts.OverrideRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.OverrideRequest
	for _, req := range s.requests {
		if !req.Status.Terminal() {
			out = append(out, snapshot(req))
		}
	}
	return out, nil
}
