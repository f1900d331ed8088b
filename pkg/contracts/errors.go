package contracts

import (
	"errors"
	"fmt"
)

// ReasonCode is the machine-readable terminal reason attached to every
// decision, result, and state change. Codes are stable and safe to match
// on; the human-readable text beside them is not.
type ReasonCode string

const (
	ReasonOK             ReasonCode = "OK"
	ReasonPolicyDenied   ReasonCode = "POLICY_DENIED"
	ReasonEvalTimeout    ReasonCode = "POLICY_EVAL_TIMEOUT"
	ReasonNoBundle       ReasonCode = "NO_POLICY_BUNDLE"
	ReasonPinUnresolved  ReasonCode = "POLICY_PIN_UNRESOLVED"
	ReasonInvalidFeature ReasonCode = "INVALID_FEATURE"
	ReasonBudgetTime     ReasonCode = "BUDGET_TIME_EXCEEDED"
	ReasonBudgetRows     ReasonCode = "BUDGET_ROWS_EXCEEDED"
	ReasonBudgetMemory   ReasonCode = "BUDGET_MEMORY_EXCEEDED"
	ReasonOperationError ReasonCode = "OPERATION_ERROR"
	ReasonCanonFailed    ReasonCode = "CANONICALIZATION_FAILED"
	ReasonNonDeterminism ReasonCode = "NON_DETERMINISM_DETECTED"
	ReasonOverridden     ReasonCode = "OVERRIDE_APPROVED"
	ReasonCancelled      ReasonCode = "CANCELLED"
)

// BudgetReason maps a breached dimension to its reason code.
func BudgetReason(d BudgetDimension) ReasonCode {
	switch d {
	case DimensionRows:
		return ReasonBudgetRows
	case DimensionMemory:
		return ReasonBudgetMemory
	default:
		return ReasonBudgetTime
	}
}

// InvalidFeatureError rejects malformed PlanFeatures before estimation.
// Callers treat it as an automatic deny, not a retryable condition.
type InvalidFeatureError struct {
	Field  string
	Detail string
}

func (e *InvalidFeatureError) Error() string {
	return fmt.Sprintf("invalid plan feature %q: %s", e.Field, e.Detail)
}

// DuplicateVoteError rejects a second vote from the same approver with
// no state mutation.
type DuplicateVoteError struct {
	RequestID string
	Approver  string
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("approver %q already voted on override %q", e.Approver, e.RequestID)
}

// NotAuthorizedError rejects a vote from a principal lacking the
// approver role, with no state mutation.
type NotAuthorizedError struct {
	Principal string
	Required  string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("principal %q is not authorized (requires %q)", e.Principal, e.Required)
}

// SealError marks a canonicalization or hashing failure while building a
// receipt. When raised pre-execution the action aborts before any side
// effect.
type SealError struct {
	Stage string
	Err   error
}

func (e *SealError) Error() string {
	return fmt.Sprintf("receipt seal failed at %s: %v", e.Stage, e.Err)
}

func (e *SealError) Unwrap() error { return e.Err }

// Sentinel errors shared across packages.
var (
	// ErrUnknownAction is returned for lookups of unsubmitted action ids.
	ErrUnknownAction = errors.New("unknown action id")
	// ErrReceiptExists guards write-once receipt semantics.
	ErrReceiptExists = errors.New("receipt already sealed for run id")
	// ErrStaleVersion is returned by stores when an optimistic write
	// lost a concurrent race; callers re-read and retry.
	ErrStaleVersion = errors.New("stale version")
	// ErrOverrideTerminal rejects votes on resolved override requests.
	ErrOverrideTerminal = errors.New("override request already resolved")
)
