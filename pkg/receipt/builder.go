package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provenact/provenact/pkg/canonicalize"
	"github.com/provenact/provenact/pkg/contracts"
)

// actionParams is the canonicalized parameter envelope hashed into
// ParamsHash. Inputs (the payload) and parameters hash separately so a
// replay can tell which of the two diverged.
type actionParams struct {
	Kind         string                    `json:"kind"`
	Purpose      string                    `json:"purpose"`
	Features     contracts.PlanFeatures    `json:"features"`
	Budget       contracts.ExecutionBudget `json:"budget"`
	PinnedBundle string                    `json:"pinned_bundle,omitempty"`
}

// chainHead tracks the tail of one case chain. Seal assigns Seq and
// PrevReceiptHash under this lock so concurrent seals for the same case
// serialize instead of forking the chain.
type chainHead struct {
	mu   sync.Mutex
	seq  uint64
	hash string
}

// Builder seals receipts into per-case hash chains backed by a Store.
type Builder struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	heads map[string]*chainHead
}

func NewBuilder(store Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:  store,
		clock:  time.Now,
		logger: logger.With("component", "receipt-builder"),
		heads:  make(map[string]*chainHead),
	}
}

// WithClock overrides the seal timestamp source. Test hook.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Seal builds, hashes, and persists the receipt for one action run.
// Result may be nil for decision-only receipts (denied or pending
// actions that never executed). Any canonicalization failure aborts
// with a SealError before the store is touched.
func (b *Builder) Seal(ctx context.Context, action contracts.Action, decision contracts.PolicyDecision, estimate contracts.CostEstimate, result *contracts.ExecutionResult) (*contracts.ProvenanceReceipt, error) {
	return b.seal(ctx, action, decision, estimate, result, "")
}

// Supersede seals a correcting receipt that references the receipt it
// replaces. The old receipt stays in the chain untouched.
func (b *Builder) Supersede(ctx context.Context, old *contracts.ProvenanceReceipt, action contracts.Action, decision contracts.PolicyDecision, estimate contracts.CostEstimate, result *contracts.ExecutionResult) (*contracts.ProvenanceReceipt, error) {
	if old == nil || old.RunID == "" {
		return nil, fmt.Errorf("supersede: no prior receipt")
	}
	return b.seal(ctx, action, decision, estimate, result, old.RunID)
}

func (b *Builder) seal(ctx context.Context, action contracts.Action, decision contracts.PolicyDecision, estimate contracts.CostEstimate, result *contracts.ExecutionResult, supersedes string) (*contracts.ProvenanceReceipt, error) {
	actionHash, err := canonicalize.CanonicalHash(action)
	if err != nil {
		return nil, &contracts.SealError{Stage: "action", Err: err}
	}
	inputsHash, err := hashInputs(action)
	if err != nil {
		return nil, &contracts.SealError{Stage: "inputs", Err: err}
	}
	paramsHash, err := canonicalize.CanonicalHash(actionParams{
		Kind:         action.Kind,
		Purpose:      action.Purpose,
		Features:     action.Features,
		Budget:       action.RequestedBudget,
		PinnedBundle: action.PinnedBundle,
	})
	if err != nil {
		return nil, &contracts.SealError{Stage: "params", Err: err}
	}

	head := b.head(action.CaseID)
	head.mu.Lock()
	defer head.mu.Unlock()

	if head.hash == "" {
		if err := b.restoreHead(ctx, action.CaseID, head); err != nil {
			return nil, &contracts.SealError{Stage: "chain", Err: err}
		}
	}

	r := &contracts.ProvenanceReceipt{
		RunID:           uuid.NewString(),
		CaseID:          action.CaseID,
		ActionID:        action.ID,
		ActionHash:      actionHash,
		InputsHash:      inputsHash,
		ParamsHash:      paramsHash,
		Decision:        decision,
		Estimate:        estimate,
		Result:          result,
		Seq:             head.seq + 1,
		PrevReceiptHash: head.hash,
		Supersedes:      supersedes,
		// Round(0) drops the monotonic reading so the sealed time
		// round-trips through JSON byte-identically.
		SealedAt: b.clock().UTC().Round(0),
	}

	// The receipt hash covers everything but itself.
	r.ReceiptHash, err = canonicalize.CanonicalHash(withoutOwnHash(r))
	if err != nil {
		return nil, &contracts.SealError{Stage: "receipt", Err: err}
	}

	if err := b.store.Put(ctx, r); err != nil {
		return nil, err
	}
	head.seq = r.Seq
	head.hash = r.ReceiptHash

	b.logger.Info("receipt sealed",
		"run_id", r.RunID,
		"case_id", r.CaseID,
		"action_id", r.ActionID,
		"seq", r.Seq,
		"effect", decision.Effect)
	return r, nil
}

// VerifyChain recomputes every receipt hash in a case chain and checks
// each prev_receipt_hash link. It reports the first broken receipt.
func (b *Builder) VerifyChain(ctx context.Context, caseID string) error {
	chain, err := b.store.ListCase(ctx, caseID)
	if err != nil {
		return err
	}
	prev := contracts.GenesisPrevHash
	for _, r := range chain {
		recomputed, err := canonicalize.CanonicalHash(withoutOwnHash(r))
		if err != nil {
			return &contracts.SealError{Stage: "verify", Err: err}
		}
		if recomputed != r.ReceiptHash {
			return fmt.Errorf("receipt %s: hash mismatch at seq %d", r.RunID, r.Seq)
		}
		if r.PrevReceiptHash != prev {
			return fmt.Errorf("receipt %s: broken chain link at seq %d", r.RunID, r.Seq)
		}
		prev = r.ReceiptHash
	}
	return nil
}

func (b *Builder) head(caseID string) *chainHead {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.heads[caseID]
	if !ok {
		h = &chainHead{}
		b.heads[caseID] = h
	}
	return h
}

// restoreHead rebuilds in-memory chain state from the store after a
// restart. Called under the chain-head lock.
func (b *Builder) restoreHead(ctx context.Context, caseID string, head *chainHead) error {
	stored, err := b.store.Head(ctx, caseID)
	if err != nil {
		return err
	}
	if stored == nil {
		head.seq = 0
		head.hash = contracts.GenesisPrevHash
		return nil
	}
	head.seq = stored.Seq
	head.hash = stored.ReceiptHash
	return nil
}

func hashInputs(action contracts.Action) (string, error) {
	if len(action.Payload) == 0 {
		return canonicalize.HashBytes(nil), nil
	}
	b, err := canonicalize.JCS(action.Payload)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

func withoutOwnHash(r *contracts.ProvenanceReceipt) *contracts.ProvenanceReceipt {
	cp := *r
	cp.ReceiptHash = ""
	return &cp
}
