package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/contracts"
)

func signedBundle(t *testing.T, s *Signer, version string, rules ...Rule) *Bundle {
	t.Helper()
	b := &Bundle{Name: "test", Version: version, Rules: rules}
	require.NoError(t, s.Sign(b))
	return b
}

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner([]byte("test-key"))
	b := signedBundle(t, s, "1.0.0", Rule{ID: "r1", Effect: RuleAllow, Enabled: true})

	require.NoError(t, s.Verify(b))
}

func TestSigner_DetectsTampering(t *testing.T) {
	s := NewSigner([]byte("test-key"))
	b := signedBundle(t, s, "1.0.0", Rule{ID: "r1", Effect: RuleDeny, Enabled: true})

	b.Rules[0].Effect = RuleAllow

	err := s.Verify(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match signed hash")
}

func TestSigner_RejectsUnsigned(t *testing.T) {
	s := NewSigner([]byte("test-key"))
	err := s.Verify(&Bundle{Name: "x", Version: "1.0.0"})
	require.Error(t, err)
}

func TestSigner_RejectsWrongKey(t *testing.T) {
	signer := NewSigner([]byte("key-a"))
	verifier := NewSigner([]byte("key-b"))
	b := signedBundle(t, signer, "1.0.0")

	require.Error(t, verifier.Verify(b))
}

func TestStore_LoadAdvancesCurrentForward(t *testing.T) {
	s := NewSigner([]byte("k"))
	store := NewStore(s, TieBreakDeny)

	_, err := store.Load(signedBundle(t, s, "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", store.Current().Version)

	_, err = store.Load(signedBundle(t, s, "2.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", store.Current().Version)

	// Loading an older version registers it but never rolls back the
	// active snapshot.
	_, err = store.Load(signedBundle(t, s, "1.5.0"))
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", store.Current().Version)
}

func TestStore_BundlesAreImmutable(t *testing.T) {
	s := NewSigner([]byte("k"))
	store := NewStore(s, TieBreakDeny)

	_, err := store.Load(signedBundle(t, s, "1.0.0"))
	require.NoError(t, err)

	_, err = store.Load(signedBundle(t, s, "1.0.0", Rule{ID: "sneaky", Effect: RuleAllow, Enabled: true}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already loaded")
}

func TestStore_Pin(t *testing.T) {
	s := NewSigner([]byte("k"))
	store := NewStore(s, TieBreakDeny)
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		_, err := store.Load(signedBundle(t, s, v))
		require.NoError(t, err)
	}

	snap, err := store.Pin("1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", snap.Version)

	snap, err = store.Pin("^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", snap.Version)

	_, err = store.Pin(">=3.0")
	require.Error(t, err)
}

func TestStore_EvaluateDeniesWithoutBundle(t *testing.T) {
	store := NewStore(nil, TieBreakDeny)

	d := store.Evaluate(context.Background(), ActionContext{Kind: "read"})
	assert.Equal(t, contracts.EffectDeny, d.Effect)
	require.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Reasons[0], string(contracts.ReasonNoBundle))
}

func TestStore_EvaluateDeniesOnBadPin(t *testing.T) {
	s := NewSigner([]byte("k"))
	store := NewStore(s, TieBreakDeny)
	_, err := store.Load(signedBundle(t, s, "1.0.0", Rule{ID: "allow", Effect: RuleAllow, Enabled: true}))
	require.NoError(t, err)

	d := store.Evaluate(context.Background(), ActionContext{Kind: "read", PinnedBundle: "9.9.9"})
	assert.Equal(t, contracts.EffectDeny, d.Effect)
	require.NotEmpty(t, d.Reasons)
	assert.Contains(t, d.Reasons[0], string(contracts.ReasonPinUnresolved))
}

func TestStore_RejectsBadSignatureOnLoad(t *testing.T) {
	s := NewSigner([]byte("k"))
	store := NewStore(s, TieBreakDeny)

	_, err := store.Load(&Bundle{Name: "unsigned", Version: "1.0.0"})
	require.Error(t, err)
}

func TestLoader_LoadsDirectory(t *testing.T) {
	s := NewSigner([]byte("k"))
	store := NewStore(s, TieBreakDeny)

	dir := t.TempDir()
	b := signedBundle(t, s, "3.0.0", Rule{ID: "allow-read", Match: Match{Kinds: []string{"read"}}, Effect: RuleAllow, Enabled: true})
	data, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0o600))

	loader := NewLoader(dir, store, nil)
	require.NoError(t, loader.LoadAll())

	d := store.Evaluate(context.Background(), ActionContext{Kind: "read"})
	assert.Equal(t, contracts.EffectAllow, d.Effect)
	assert.Equal(t, "3.0.0", d.BundleVersion)
}
