package contracts

import "time"

// ReplayVerdict is the overall outcome of a replay verification.
type ReplayVerdict string

const (
	ReplayPass ReplayVerdict = "pass"
	ReplayFail ReplayVerdict = "fail"
	// ReplayInconclusive marks infrastructure trouble (timeouts), kept
	// distinct from fail to avoid false nondeterminism reports.
	ReplayInconclusive ReplayVerdict = "inconclusive"
)

// Tolerance bounds acceptable numeric drift for tolerance-based action
// kinds. Both bounds are checked; a deviation within either passes.
type Tolerance struct {
	Relative float64 `json:"relative" yaml:"relative"`
	Absolute float64 `json:"absolute" yaml:"absolute"`
}

// EnvironmentResult is the outcome of re-executing a receipt on one
// target environment.
type EnvironmentResult struct {
	Name       string        `json:"name"`
	Arch       string        `json:"arch"`
	OutputHash string        `json:"output_hash,omitempty"`
	Status     ExecStatus    `json:"status"`
	Verdict    ReplayVerdict `json:"verdict"`
	Ms         int64         `json:"ms"`
}

// Deviation records one field that drifted beyond tolerance.
type Deviation struct {
	Environment string  `json:"environment"`
	Field       string  `json:"field"`
	Expected    float64 `json:"expected"`
	Actual      float64 `json:"actual"`
	Magnitude   float64 `json:"magnitude"`
}

// ReplayReport is the off-critical-path output of the replay verifier.
type ReplayReport struct {
	ManifestID   string              `json:"manifest_id"`
	RunID        string              `json:"run_id"`
	ActionKind   string              `json:"action_kind"`
	Environments []EnvironmentResult `json:"environments"`
	Deviations   []Deviation         `json:"deviations,omitempty"`
	Tolerance    *Tolerance          `json:"tolerance,omitempty"`
	Verdict      ReplayVerdict       `json:"verdict"`

	// NonDeterminism is set when a deterministic-flagged kind diverged.
	NonDeterminism bool      `json:"non_determinism"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
