package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/contracts"
)

func compileBundle(t *testing.T, rules ...Rule) *Snapshot {
	t.Helper()
	snap, err := Compile(&Bundle{Name: "test", Version: "1.0.0", Rules: rules})
	require.NoError(t, err)
	return snap
}

func TestEvaluate_DefaultDeny(t *testing.T) {
	snap := compileBundle(t)

	d := snap.Evaluate(context.Background(), ActionContext{Kind: "read"}, TieBreakDeny)

	assert.Equal(t, contracts.EffectDeny, d.Effect)
	assert.Contains(t, d.Reasons[0], "default deny")
}

func TestEvaluate_MostSpecificWins(t *testing.T) {
	snap := compileBundle(t,
		Rule{ID: "allow-all-reads", Match: Match{Kinds: []string{"read"}}, Effect: RuleAllow, Enabled: true},
		Rule{ID: "deny-read-no-purpose", Match: Match{Kinds: []string{"read"}, Purposes: []string{""}}, Effect: RuleDeny, Enabled: true},
	)

	// Empty purpose matches the more specific deny rule.
	d := snap.Evaluate(context.Background(), ActionContext{Kind: "read", Purpose: ""}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect)
	assert.Equal(t, []string{"deny-read-no-purpose"}, d.RuleIDs)

	// A stated purpose only matches the broader allow rule.
	d = snap.Evaluate(context.Background(), ActionContext{Kind: "read", Purpose: "audit"}, TieBreakDeny)
	assert.Equal(t, contracts.EffectAllow, d.Effect)
	assert.Equal(t, []string{"allow-all-reads"}, d.RuleIDs)
}

func TestEvaluate_TieBreak(t *testing.T) {
	rules := []Rule{
		{ID: "allow", Match: Match{Kinds: []string{"read"}}, Effect: RuleAllow, Enabled: true},
		{ID: "deny", Match: Match{Kinds: []string{"read"}}, Effect: RuleDeny, Enabled: true},
	}

	snap := compileBundle(t, rules...)

	d := snap.Evaluate(context.Background(), ActionContext{Kind: "read"}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect, "deny-wins is the safe default")

	d = snap.Evaluate(context.Background(), ActionContext{Kind: "read"}, TieBreakAllow)
	assert.Equal(t, contracts.EffectAllow, d.Effect)
}

func TestEvaluate_CELWhenExpression(t *testing.T) {
	snap := compileBundle(t,
		Rule{
			ID:     "deny-expensive-exports",
			Match:  Match{Kinds: []string{"export"}, When: `cost_ms > 1000.0 && !("admin" in roles)`},
			Effect: RuleDeny,
			Enabled: true,
		},
		Rule{ID: "allow-exports", Match: Match{Kinds: []string{"export"}}, Effect: RuleAllow, Enabled: true},
	)

	d := snap.Evaluate(context.Background(), ActionContext{
		Kind:     "export",
		CostMs:   5000,
		Proposer: contracts.Principal{ID: "alice", Roles: []string{"analyst"}},
	}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect)

	d = snap.Evaluate(context.Background(), ActionContext{
		Kind:     "export",
		CostMs:   5000,
		Proposer: contracts.Principal{ID: "bob", Roles: []string{"admin"}},
	}, TieBreakDeny)
	assert.Equal(t, contracts.EffectAllow, d.Effect)
}

func TestEvaluate_RoleAndCostConstraints(t *testing.T) {
	snap := compileBundle(t,
		Rule{
			ID:      "allow-cheap-analyst-reads",
			Match:   Match{Kinds: []string{"read"}, Roles: []string{"analyst"}, MaxCostMs: 100},
			Effect:  RuleAllow,
			Enabled: true,
		},
	)

	ctx := context.Background()
	analyst := contracts.Principal{ID: "a", Roles: []string{"analyst"}}

	d := snap.Evaluate(ctx, ActionContext{Kind: "read", CostMs: 50, Proposer: analyst}, TieBreakDeny)
	assert.Equal(t, contracts.EffectAllow, d.Effect)

	// Over the cost bound the rule no longer matches: default deny.
	d = snap.Evaluate(ctx, ActionContext{Kind: "read", CostMs: 500, Proposer: analyst}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect)

	// Wrong role: default deny.
	d = snap.Evaluate(ctx, ActionContext{Kind: "read", CostMs: 50, Proposer: contracts.Principal{ID: "b"}}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect)
}

func TestEvaluate_FailClosedOnExpiredContext(t *testing.T) {
	snap := compileBundle(t,
		Rule{ID: "allow-everything", Effect: RuleAllow, Enabled: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The evaluator is unreachable from the caller's point of view: the
	// decision must be deny, never allow.
	for i := 0; i < 100; i++ {
		d := snap.Evaluate(ctx, ActionContext{Kind: "read"}, TieBreakDeny)
		require.Equal(t, contracts.EffectDeny, d.Effect)
		require.Contains(t, d.Reasons[0], string(contracts.ReasonEvalTimeout))
	}
}

func TestEvaluate_DisabledRulesIgnored(t *testing.T) {
	snap := compileBundle(t,
		Rule{ID: "allow", Match: Match{Kinds: []string{"read"}}, Effect: RuleAllow, Enabled: false},
	)

	d := snap.Evaluate(context.Background(), ActionContext{Kind: "read"}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect)
}

func TestEvaluate_OverridableDeny(t *testing.T) {
	snap := compileBundle(t,
		Rule{
			ID:          "deny-export-no-purpose",
			Match:       Match{Kinds: []string{"export"}, Purposes: []string{""}},
			Effect:      RuleDeny,
			Overridable: true,
			Enabled:     true,
		},
	)

	d := snap.Evaluate(context.Background(), ActionContext{Kind: "export"}, TieBreakDeny)
	assert.Equal(t, contracts.EffectDeny, d.Effect)
	assert.True(t, d.Overridable)
}

func TestCompile_RejectsBadCEL(t *testing.T) {
	_, err := Compile(&Bundle{Name: "bad", Version: "1.0.0", Rules: []Rule{
		{ID: "broken", Match: Match{When: "this is not cel ((("}, Effect: RuleDeny, Enabled: true},
	}})
	require.Error(t, err)
}

func TestEvaluate_DecisionRecordsBundleIdentity(t *testing.T) {
	b := &Bundle{Name: "prod", Version: "2.1.0", Rules: []Rule{
		{ID: "allow", Effect: RuleAllow, Enabled: true},
	}}
	snap, err := Compile(b)
	require.NoError(t, err)
	hash, err := b.Hash()
	require.NoError(t, err)

	d := snap.Evaluate(context.Background(), ActionContext{Kind: "read"}, TieBreakDeny)
	assert.Equal(t, "2.1.0", d.BundleVersion)
	assert.Equal(t, hash, d.BundleHash)
	assert.WithinDuration(t, time.Now(), d.EvaluatedAt, 5*time.Second)
}
