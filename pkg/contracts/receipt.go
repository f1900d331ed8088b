package contracts

import "time"

// ProvenanceReceipt seals an action's inputs, decision, and outcome into
// an immutable, hash-chained record. Receipts are write-once: a later
// correction produces a new receipt whose Supersedes field references the
// old one. PrevReceiptHash is a weak lookup reference into the same
// case's chain, never an ownership edge.
type ProvenanceReceipt struct {
	RunID    string `json:"run_id"`
	CaseID   string `json:"case_id"`
	ActionID string `json:"action_id"`

	ActionHash string `json:"action_hash"`
	InputsHash string `json:"inputs_hash"`
	ParamsHash string `json:"params_hash"`

	Decision PolicyDecision   `json:"decision"`
	Estimate CostEstimate     `json:"estimate"`
	Result   *ExecutionResult `json:"result,omitempty"`

	// Seq is the position of this receipt in its case chain, assigned
	// under the chain-head lock at seal time.
	Seq             uint64 `json:"seq"`
	PrevReceiptHash string `json:"prev_receipt_hash"`
	ReceiptHash     string `json:"receipt_hash"`

	Supersedes string    `json:"supersedes,omitempty"`
	SealedAt   time.Time `json:"sealed_at"`
}

// GenesisPrevHash marks the first receipt of a case chain.
const GenesisPrevHash = "genesis"
