package receipt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/contracts"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	b := NewBuilder(s, nil)
	ctx := context.Background()

	sealed, err := b.Seal(ctx, testAction("a1", "case-1"), allowDecision(), contracts.CostEstimate{Ms: 2001.5, Reason: contracts.EstimateReasonOK}, nil)
	require.NoError(t, err)

	got, err := s.Get(ctx, sealed.RunID)
	require.NoError(t, err)
	assert.Equal(t, sealed, got)

	byAction, err := s.GetByAction(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, sealed.RunID, byAction.RunID)
}

func TestSQLiteStore_ChainPersistsAcrossBuilders(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	b1 := NewBuilder(s, nil)
	r1, err := b1.Seal(ctx, testAction("a1", "case-1"), allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	b2 := NewBuilder(s, nil)
	r2, err := b2.Seal(ctx, testAction("a2", "case-1"), allowDecision(), contracts.CostEstimate{}, nil)
	require.NoError(t, err)

	assert.Equal(t, r1.ReceiptHash, r2.PrevReceiptHash)
	require.NoError(t, b2.VerifyChain(ctx, "case-1"))

	chain, err := s.ListCase(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, uint64(1), chain[0].Seq)
	assert.Equal(t, uint64(2), chain[1].Seq)
}

func TestSQLiteStore_WriteOnce(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	r := &contracts.ProvenanceReceipt{RunID: "r1", CaseID: "c", ActionID: "a1", Seq: 1, PrevReceiptHash: contracts.GenesisPrevHash, ReceiptHash: "h"}
	require.NoError(t, s.Put(ctx, r))
	assert.ErrorIs(t, s.Put(ctx, r), contracts.ErrReceiptExists)

	// A different run id at a taken (case, seq) slot is a chain fork.
	fork := &contracts.ProvenanceReceipt{RunID: "r2", CaseID: "c", ActionID: "a2", Seq: 1, PrevReceiptHash: contracts.GenesisPrevHash, ReceiptHash: "h2"}
	assert.ErrorIs(t, s.Put(ctx, fork), contracts.ErrReceiptExists)
}

func TestSQLiteStore_MissingLookups(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, contracts.ErrUnknownAction)

	head, err := s.Head(ctx, "empty-case")
	require.NoError(t, err)
	assert.Nil(t, head)
}
