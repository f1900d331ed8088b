package contracts

import (
	"fmt"
	"time"
)

// BudgetDimension names the ceiling that was breached.
type BudgetDimension string

const (
	DimensionTime   BudgetDimension = "time"
	DimensionRows   BudgetDimension = "rows"
	DimensionMemory BudgetDimension = "memory"
)

// ExecutionBudget defines hard ceilings for a single execution. A zero
// field means "no ceiling on that dimension"; breaches are first-class
// outcomes, never silent overruns.
type ExecutionBudget struct {
	MaxMs          int64 `json:"max_ms"`
	MaxRows        int64 `json:"max_rows"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`
}

// TimeLimit returns the wall-clock ceiling as a Duration.
func (b ExecutionBudget) TimeLimit() time.Duration {
	return time.Duration(b.MaxMs) * time.Millisecond
}

// GracePeriod is the window the governor grants a cancelled execution
// before abandoning it: twice the time ceiling.
func (b ExecutionBudget) GracePeriod() time.Duration {
	return 2 * b.TimeLimit()
}

// BudgetError is a typed budget violation carrying the breached
// dimension and the observed consumption.
type BudgetError struct {
	Dimension BudgetDimension `json:"dimension"`
	Limit     int64           `json:"limit"`
	Consumed  int64           `json:"consumed"`
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (limit=%d, consumed=%d)", e.Dimension, e.Limit, e.Consumed)
}

// ExecStatus classifies the terminal outcome of an execution.
type ExecStatus string

const (
	ExecSuccess        ExecStatus = "success"
	ExecBudgetExceeded ExecStatus = "budget_exceeded"
	ExecError          ExecStatus = "error"
)

// ExecutionResult is produced by the resource governor. OutputHash is a
// content-addressed reference into the output archive; raw output never
// appears here.
type ExecutionResult struct {
	ActionID   string     `json:"action_id"`
	Status     ExecStatus `json:"status"`
	OutputHash string     `json:"output_hash,omitempty"`
	Rows       int64      `json:"rows"`
	Ms         int64      `json:"ms"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	// Breach is set when Status is budget_exceeded.
	Breach *BudgetError `json:"breach,omitempty"`
	// ReasonCode carries the machine-readable terminal reason.
	ReasonCode ReasonCode `json:"reason_code"`
	// ErrMsg is the human-readable failure text for status error.
	ErrMsg string `json:"err_msg,omitempty"`

	// Seed is the deterministic seed injected for deterministic kinds,
	// recorded so replay can reproduce the run.
	Seed int64 `json:"seed,omitempty"`
	// LogicalEpoch is the frozen logical clock origin for deterministic
	// kinds (unix nanos).
	LogicalEpoch int64 `json:"logical_epoch,omitempty"`
}
