package contracts

import "time"

// ActionState is the orchestrator-owned lifecycle state of an action.
type ActionState string

const (
	StateProposed        ActionState = "PROPOSED"
	StateEstimated       ActionState = "ESTIMATED"
	StatePolicyEvaluated ActionState = "POLICY_EVALUATED"
	StateDenied          ActionState = "DENIED"
	StatePendingOverride ActionState = "PENDING_OVERRIDE"
	StateApproved        ActionState = "APPROVED"
	StateExecuting       ActionState = "EXECUTING"
	StateCompleted       ActionState = "COMPLETED"
	StateBudgetExceeded  ActionState = "BUDGET_EXCEEDED"
	StateErrored         ActionState = "ERRORED"
	StateSealed          ActionState = "SEALED"
)

var actionTransitions = map[ActionState][]ActionState{
	StateProposed:        {StateEstimated, StateDenied},
	StateEstimated:       {StatePolicyEvaluated, StateDenied},
	StatePolicyEvaluated: {StateDenied, StatePendingOverride, StateApproved},
	StatePendingOverride: {StateApproved, StateDenied},
	StateApproved:        {StateExecuting},
	StateExecuting:       {StateCompleted, StateBudgetExceeded, StateErrored},
	StateCompleted:       {StateSealed},
	StateBudgetExceeded:  {StateSealed},
	StateErrored:         {StateSealed},
	StateDenied:          {StateSealed},
}

// CanTransition reports whether from→to is a legal state machine edge.
func CanTransition(from, to ActionState) bool {
	for _, next := range actionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether an action state admits no further work.
// Sealed is the only fully terminal state; Denied still permits sealing
// a decision-only receipt.
func (s ActionState) Terminal() bool {
	return s == StateSealed
}

// StateChange is emitted on the orchestrator event stream whenever an
// action advances.
type StateChange struct {
	ActionID string      `json:"action_id"`
	From     ActionState `json:"from"`
	To       ActionState `json:"to"`
	Reason   ReasonCode  `json:"reason,omitempty"`
	At       time.Time   `json:"at"`
}
