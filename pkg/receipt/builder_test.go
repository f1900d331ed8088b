package receipt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/canonicalize"
	"github.com/provenact/provenact/pkg/contracts"
)

func testAction(id, caseID string) contracts.Action {
	return contracts.Action{
		ID:      id,
		CaseID:  caseID,
		Kind:    "traverse",
		Payload: json.RawMessage(`{"start":"n1","depth":2}`),
		Features: contracts.PlanFeatures{
			NodeEst: 5000, EdgeEst: 20000, Radius: 1, HasIndex: true,
		},
		Proposer:        contracts.Principal{ID: "svc-a", Roles: []string{"analyst"}},
		Purpose:         "fraud-review",
		RequestedBudget: contracts.ExecutionBudget{MaxMs: 3000},
		SubmittedAt:     time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
}

func allowDecision() contracts.PolicyDecision {
	return contracts.PolicyDecision{
		Effect:        contracts.EffectAllow,
		RuleIDs:       []string{"allow-analyst"},
		BundleVersion: "1.2.0",
		BundleHash:    "abc",
		EvaluatedAt:   time.Date(2026, 2, 1, 10, 0, 1, 0, time.UTC),
	}
}

func TestSeal_ChainsPerCase(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), nil)
	ctx := context.Background()

	r1, err := b.Seal(ctx, testAction("a1", "case-1"), allowDecision(), contracts.CostEstimate{Ms: 2001.5, Reason: contracts.EstimateReasonOK}, nil)
	require.NoError(t, err)
	r2, err := b.Seal(ctx, testAction("a2", "case-1"), allowDecision(), contracts.CostEstimate{Ms: 10}, nil)
	require.NoError(t, err)
	other, err := b.Seal(ctx, testAction("a3", "case-2"), allowDecision(), contracts.CostEstimate{Ms: 10}, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), r1.Seq)
	assert.Equal(t, contracts.GenesisPrevHash, r1.PrevReceiptHash)
	assert.Equal(t, uint64(2), r2.Seq)
	assert.Equal(t, r1.ReceiptHash, r2.PrevReceiptHash)

	// Cases chain independently.
	assert.Equal(t, uint64(1), other.Seq)
	assert.Equal(t, contracts.GenesisPrevHash, other.PrevReceiptHash)
}

func TestSeal_ReceiptHashCoversEverythingButItself(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), nil)
	r, err := b.Seal(context.Background(), testAction("a1", "c"), allowDecision(), contracts.CostEstimate{Ms: 5}, nil)
	require.NoError(t, err)

	recomputed, err := canonicalize.CanonicalHash(withoutOwnHash(r))
	require.NoError(t, err)
	assert.Equal(t, r.ReceiptHash, recomputed)
	assert.NotEmpty(t, r.ActionHash)
	assert.NotEmpty(t, r.InputsHash)
	assert.NotEmpty(t, r.ParamsHash)
	assert.NotEqual(t, r.InputsHash, r.ParamsHash)
}

func TestSeal_InputsAndParamsHashIndependently(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), nil)
	ctx := context.Background()

	base := testAction("a1", "c1")
	r1, err := b.Seal(ctx, base, allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	changedPayload := testAction("a2", "c2")
	changedPayload.Payload = json.RawMessage(`{"start":"n9","depth":2}`)
	r2, err := b.Seal(ctx, changedPayload, allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	changedBudget := testAction("a3", "c3")
	changedBudget.RequestedBudget.MaxMs = 9999
	r3, err := b.Seal(ctx, changedBudget, allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, r1.InputsHash, r2.InputsHash)
	assert.Equal(t, r1.ParamsHash, r2.ParamsHash)

	assert.Equal(t, r1.InputsHash, r3.InputsHash)
	assert.NotEqual(t, r1.ParamsHash, r3.ParamsHash)
}

func TestSeal_KeyOrderInsensitivePayloadHash(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), nil)
	ctx := context.Background()

	a1 := testAction("a1", "c1")
	a1.Payload = json.RawMessage(`{"depth":2,"start":"n1"}`)
	a2 := testAction("a2", "c2")
	a2.Payload = json.RawMessage(`{"start":"n1","depth":2}`)

	r1, err := b.Seal(ctx, a1, allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)
	r2, err := b.Seal(ctx, a2, allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)
	assert.Equal(t, r1.InputsHash, r2.InputsHash)
}

func TestSeal_DecisionOnlyReceipt(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), nil)
	deny := allowDecision()
	deny.Effect = contracts.EffectDeny
	deny.Reasons = []string{"no matching allow rule"}

	r, err := b.Seal(context.Background(), testAction("a1", "c"), deny, contracts.CostEstimate{Ms: 3602.7, Reason: contracts.EstimateReasonNoIndex}, nil)
	require.NoError(t, err)
	assert.Nil(t, r.Result)
	assert.Equal(t, contracts.EffectDeny, r.Decision.Effect)
}

func TestSeal_MalformedPayloadAbortsBeforeStore(t *testing.T) {
	store := NewMemoryStore()
	b := NewBuilder(store, nil)
	a := testAction("a1", "c")
	a.Payload = json.RawMessage(`{not json`)

	_, err := b.Seal(context.Background(), a, allowDecision(), contracts.CostEstimate{}, nil)
	var sealErr *contracts.SealError
	require.ErrorAs(t, err, &sealErr)

	chain, err := store.ListCase(context.Background(), "c")
	require.NoError(t, err)
	assert.Empty(t, chain, "a failed seal must not reach the store")
}

func TestSupersede(t *testing.T) {
	b := NewBuilder(NewMemoryStore(), nil)
	ctx := context.Background()

	orig, err := b.Seal(ctx, testAction("a1", "c"), allowDecision(), contracts.CostEstimate{Ms: 5}, nil)
	require.NoError(t, err)

	corrected, err := b.Supersede(ctx, orig, testAction("a1", "c"), allowDecision(), contracts.CostEstimate{Ms: 7}, nil)
	require.NoError(t, err)

	assert.Equal(t, orig.RunID, corrected.Supersedes)
	assert.Equal(t, orig.Seq+1, corrected.Seq)
	assert.Equal(t, orig.ReceiptHash, corrected.PrevReceiptHash)

	_, err = b.Supersede(ctx, nil, testAction("a1", "c"), allowDecision(), contracts.CostEstimate{}, nil)
	assert.Error(t, err)
}

func TestVerifyChain(t *testing.T) {
	store := NewMemoryStore()
	b := NewBuilder(store, nil)
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := b.Seal(ctx, testAction(id, "c"), allowDecision(), contracts.CostEstimate{Ms: 5}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, b.VerifyChain(ctx, "c"))
	require.NoError(t, b.VerifyChain(ctx, "empty-case"))
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	store := NewMemoryStore()
	b := NewBuilder(store, nil)
	ctx := context.Background()

	r, err := b.Seal(ctx, testAction("a1", "c"), allowDecision(), contracts.CostEstimate{Ms: 5}, nil)
	require.NoError(t, err)

	// Reach into the store and flip a sealed field.
	store.mu.Lock()
	store.byRun[r.RunID].Estimate.Ms = 999
	store.mu.Unlock()

	assert.Error(t, b.VerifyChain(ctx, "c"))
}

func TestBuilder_RestoresChainAfterRestart(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	b1 := NewBuilder(store, nil)
	r1, err := b1.Seal(ctx, testAction("a1", "c"), allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	// Fresh builder over the same store continues the chain.
	b2 := NewBuilder(store, nil)
	r2, err := b2.Seal(ctx, testAction("a2", "c"), allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	assert.Equal(t, r1.Seq+1, r2.Seq)
	assert.Equal(t, r1.ReceiptHash, r2.PrevReceiptHash)
	require.NoError(t, b2.VerifyChain(ctx, "c"))
}

func TestSeal_ConcurrentSameCase(t *testing.T) {
	store := NewMemoryStore()
	b := NewBuilder(store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.Seal(ctx, testAction("", "c"), allowDecision(), contracts.CostEstimate{}, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.NoError(t, b.VerifyChain(ctx, "c"))
	chain, err := store.ListCase(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, chain, 20)
	assert.Equal(t, uint64(20), chain[len(chain)-1].Seq)
}

func TestMemoryStore_WriteOnce(t *testing.T) {
	store := NewMemoryStore()
	r := &contracts.ProvenanceReceipt{RunID: "r1", CaseID: "c", ActionID: "a1"}
	require.NoError(t, store.Put(context.Background(), r))
	assert.ErrorIs(t, store.Put(context.Background(), r), contracts.ErrReceiptExists)
}
