package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/provenact/provenact/pkg/contracts"
)

// TieBreak resolves conflicts between equally specific allow and deny
// rules.
type TieBreak string

const (
	// TieBreakDeny is the safe default: a tie resolves to deny.
	TieBreakDeny TieBreak = "deny-wins"
	// TieBreakAllow is available for permissive deployments.
	TieBreakAllow TieBreak = "allow-wins"
)

// ActionContext is the evaluation input: everything a rule may
// constrain.
type ActionContext struct {
	Kind     string              `json:"kind"`
	Purpose  string              `json:"purpose"`
	CostMs   float64             `json:"cost_ms"`
	Proposer contracts.Principal `json:"proposer"`
	// PinnedBundle optionally selects a bundle version or semver
	// constraint instead of the current snapshot.
	PinnedBundle string `json:"pinned_bundle,omitempty"`
}

// compiledRule pairs a rule with its pre-compiled CEL program.
type compiledRule struct {
	rule        Rule
	specificity int
	prg         cel.Program // nil when the rule has no When expression
}

// Snapshot is an immutable, compiled bundle ready for lock-free
// evaluation. Built once per bundle load.
type Snapshot struct {
	Name    string
	Version string
	Hash    string
	rules   []compiledRule
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("cost_ms", cel.DoubleType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.StringType)),
	)
}

// Compile verifies nothing; it pre-compiles every enabled rule's When
// expression with a cost limit so evaluation stays O(active rules) with
// near-constant per-rule cost.
func Compile(b *Bundle) (*Snapshot, error) {
	hash, err := b.Hash()
	if err != nil {
		return nil, err
	}
	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	snap := &Snapshot{Name: b.Name, Version: b.Version, Hash: hash}
	for _, r := range b.Rules {
		if !r.Enabled {
			continue
		}
		cr := compiledRule{rule: r, specificity: r.Match.Specificity()}
		if r.Match.When != "" {
			ast, issues := env.Compile(r.Match.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy: rule %s: compile: %w", r.ID, issues.Err())
			}
			prg, err := env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %s: program: %w", r.ID, err)
			}
			cr.prg = prg
		}
		snap.rules = append(snap.rules, cr)
	}
	return snap, nil
}

// Evaluate resolves the action context against this snapshot.
// Default-deny: with no matching rule the decision is deny. The method
// never returns allow on error; a cancelled or expired context yields a
// fail-closed deny tagged POLICY_EVAL_TIMEOUT.
func (s *Snapshot) Evaluate(ctx context.Context, ac ActionContext, tieBreak TieBreak) contracts.PolicyDecision {
	now := time.Now().UTC()
	base := contracts.PolicyDecision{
		Effect:        contracts.EffectDeny,
		BundleVersion: s.Version,
		BundleHash:    s.Hash,
		EvaluatedAt:   now,
	}

	if err := ctx.Err(); err != nil {
		base.Reasons = []string{string(contracts.ReasonEvalTimeout) + ": " + err.Error()}
		return base
	}

	input := map[string]any{
		"kind":    ac.Kind,
		"purpose": ac.Purpose,
		"cost_ms": ac.CostMs,
		"roles":   rolesOrEmpty(ac.Proposer.Roles),
		"attrs":   attrsOrEmpty(ac.Proposer.Attrs),
	}

	var winner *compiledRule
	var winnerErr string
	for i := range s.rules {
		cr := &s.rules[i]
		matched, err := cr.matches(ctx, ac, input)
		if err != nil {
			// A rule that cannot be evaluated contributes a deny at its
			// own specificity. Fail closed, never skip.
			denied := *cr
			denied.rule.Effect = RuleDeny
			if winner == nil || betterThan(&denied, winner, tieBreak) {
				winner = &denied
				winnerErr = fmt.Sprintf("rule %s evaluation error: %v", cr.rule.ID, err)
			}
			continue
		}
		if !matched {
			continue
		}
		if winner == nil || betterThan(cr, winner, tieBreak) {
			winner = cr
			winnerErr = ""
		}
	}

	if winner == nil {
		base.Reasons = []string{"no matching rule (default deny)"}
		return base
	}

	base.RuleIDs = []string{winner.rule.ID}
	switch {
	case winnerErr != "":
		base.Reasons = []string{winnerErr}
	case winner.rule.Effect == RuleAllow:
		base.Effect = contracts.EffectAllow
		base.Reasons = []string{fmt.Sprintf("allowed by rule %s", winner.rule.ID)}
	default:
		base.Overridable = winner.rule.Overridable
		base.Reasons = []string{fmt.Sprintf("denied by rule %s", winner.rule.ID)}
		if winner.rule.Description != "" {
			base.Reasons = append(base.Reasons, winner.rule.Description)
		}
	}
	return base
}

// betterThan reports whether a should displace b as the winning rule.
// Higher specificity wins; equal specificity falls to the tie break.
func betterThan(a, b *compiledRule, tieBreak TieBreak) bool {
	if a.specificity != b.specificity {
		return a.specificity > b.specificity
	}
	if a.rule.Effect == b.rule.Effect {
		return false // first match is stable
	}
	if tieBreak == TieBreakAllow {
		return a.rule.Effect == RuleAllow
	}
	return a.rule.Effect == RuleDeny
}

func (cr *compiledRule) matches(ctx context.Context, ac ActionContext, input map[string]any) (bool, error) {
	m := cr.rule.Match
	if len(m.Kinds) > 0 && !containsString(m.Kinds, ac.Kind) {
		return false, nil
	}
	if len(m.Purposes) > 0 && !containsString(m.Purposes, ac.Purpose) {
		return false, nil
	}
	if len(m.Roles) > 0 {
		found := false
		for _, r := range m.Roles {
			if ac.Proposer.HasRole(r) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	if m.MaxCostMs > 0 && ac.CostMs > m.MaxCostMs {
		return false, nil
	}
	if cr.prg != nil {
		out, _, err := cr.prg.ContextEval(ctx, input)
		if err != nil {
			return false, err
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("when expression returned %T, want bool", out.Value())
		}
		return b, nil
	}
	return true, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func rolesOrEmpty(roles []string) []string {
	if roles == nil {
		return []string{}
	}
	return roles
}

func attrsOrEmpty(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}
