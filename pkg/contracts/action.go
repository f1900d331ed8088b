// Package contracts defines the shared data contracts of the execution
// engine: actions, budgets, decisions, receipts, overrides, and replay
// reports. Every other package depends on this one; it depends on nothing
// but the standard library so that contract types stay import-cycle free.
package contracts

import (
	"encoding/json"
	"time"
)

// Principal identifies the proposer of an action together with the
// role/attribute set used for ABAC evaluation.
type Principal struct {
	ID    string            `json:"id"`
	Roles []string          `json:"roles,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PlanFeatures are the structural attributes of an action used by the
// cost estimator. Absent and zero features are assumed worst case by
// the estimator; raw documents go through estimator.ParseFeatures.
type PlanFeatures struct {
	NodeEst  float64        `json:"node_est"`
	EdgeEst  float64        `json:"edge_est"`
	Radius   float64        `json:"radius"`
	HasIndex bool           `json:"has_index"`
	Custom   map[string]any `json:"custom,omitempty"`
}

// Action is a proposed, identifiable operation submitted for policy-gated
// execution. Immutable once submitted; the orchestrator rejects attempts
// to resubmit a different payload under an existing id.
type Action struct {
	ID       string          `json:"id"`
	CaseID   string          `json:"case_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Features PlanFeatures    `json:"features"`
	Proposer Principal       `json:"proposer"`
	Purpose  string          `json:"purpose"`

	// RequestedBudget caps the execution; the governor never exceeds it.
	RequestedBudget ExecutionBudget `json:"requested_budget"`

	// PinnedBundle optionally pins policy evaluation to a bundle version
	// or semver constraint. Empty means "current snapshot".
	PinnedBundle string `json:"pinned_bundle,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
}

// CostEstimate is the deterministic output of the cost estimator.
type CostEstimate struct {
	Ms     float64 `json:"ms"`
	Reason string  `json:"reason"`
}

// Estimate reasons.
const (
	EstimateReasonOK      = "ok"
	EstimateReasonNoIndex = "no-index"
)

// DecisionEffect is the outcome of a policy evaluation.
type DecisionEffect string

const (
	EffectAllow           DecisionEffect = "allow"
	EffectDeny            DecisionEffect = "deny"
	EffectPendingOverride DecisionEffect = "pending_override"
)

// PolicyDecision tags the exact rule set and rules that produced an
// allow/deny, so every decision is explainable after the fact.
type PolicyDecision struct {
	Effect        DecisionEffect `json:"effect"`
	Reasons       []string       `json:"reasons,omitempty"`
	RuleIDs       []string       `json:"rule_ids,omitempty"`
	BundleVersion string         `json:"bundle_version"`
	BundleHash    string         `json:"bundle_hash"`
	EvaluatedAt   time.Time      `json:"evaluated_at"`

	// Overridable marks a deny that may proceed via the override workflow.
	Overridable bool `json:"overridable,omitempty"`
	// OverrideID records the approved override that converted a deny into
	// an allow, if any.
	OverrideID string `json:"override_id,omitempty"`
}

// Allowed reports whether execution may proceed on this decision.
func (d PolicyDecision) Allowed() bool { return d.Effect == EffectAllow }
