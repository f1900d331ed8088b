package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/contracts"
)

func TestStaticSource_Resolve(t *testing.T) {
	src := NewStaticSource(contracts.Principal{
		ID:    "alice",
		Roles: []string{"analyst"},
		Attrs: map[string]string{"team": "data"},
	})

	p, err := src.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, p.HasRole("analyst"))
	assert.Equal(t, "data", p.Attrs["team"])

	_, err = src.Resolve(context.Background(), "mallory")
	require.Error(t, err)
}

func TestTokenSource_RoundTrip(t *testing.T) {
	src := NewTokenSource([]byte("secret"))

	token, err := src.MintToken(contracts.Principal{ID: "bob", Roles: []string{"approver"}})
	require.NoError(t, err)

	p, err := src.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.ID)
	assert.True(t, p.HasRole("approver"))
}

func TestTokenSource_RejectsWrongKey(t *testing.T) {
	minter := NewTokenSource([]byte("key-a"))
	verifier := NewTokenSource([]byte("key-b"))

	token, err := minter.MintToken(contracts.Principal{ID: "bob"})
	require.NoError(t, err)

	_, err = verifier.Resolve(context.Background(), token)
	require.Error(t, err)
}

func TestTokenSource_RejectsGarbage(t *testing.T) {
	src := NewTokenSource([]byte("secret"))
	_, err := src.Resolve(context.Background(), "not-a-token")
	require.Error(t, err)
}
