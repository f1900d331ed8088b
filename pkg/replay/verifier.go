// Package replay re-executes sealed receipts under recorded seeds and
// verifies that outcomes reproduce. Deterministic action kinds must
// reproduce byte-identical outputs on every environment; other kinds
// may drift within a per-kind numeric tolerance. Replay runs off the
// critical path and never blocks live execution.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/provenact/provenact/pkg/archive"
	"github.com/provenact/provenact/pkg/contracts"
)

// Environment describes one replay target. In a single-node deployment
// every environment executes locally; the name still partitions the
// report the way a multi-arch fleet would.
type Environment struct {
	Name string `json:"name" yaml:"name"`
	Arch string `json:"arch" yaml:"arch"`
}

// LocalEnvironment is the default single-target environment set.
func LocalEnvironment() []Environment {
	return []Environment{{Name: "local", Arch: runtime.GOARCH}}
}

// Executor re-runs an action. The governor satisfies this.
type Executor interface {
	Execute(ctx context.Context, action contracts.Action, budget contracts.ExecutionBudget) (*contracts.ExecutionResult, error)
	Deterministic(kind string) bool
}

// Tolerances maps action kinds to their accepted numeric drift.
// Deterministic kinds ignore tolerances entirely.
type Tolerances struct {
	Default contracts.Tolerance            `yaml:"default"`
	Kinds   map[string]contracts.Tolerance `yaml:"kinds"`
}

// For returns the tolerance for a kind, falling back to the default.
func (t Tolerances) For(kind string) contracts.Tolerance {
	if tol, ok := t.Kinds[kind]; ok {
		return tol
	}
	return t.Default
}

// LoadTolerances reads a tolerance table from a YAML file.
func LoadTolerances(path string) (Tolerances, error) {
	var t Tolerances
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read tolerances: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tolerances: %w", err)
	}
	return t, nil
}

// Verifier replays receipts and produces ReplayReports.
type Verifier struct {
	executor   Executor
	outputs    archive.Store
	tolerances Tolerances
	clock      func() time.Time
	logger     *slog.Logger

	// EnvTimeout bounds one environment's re-execution. Exceeding it
	// yields inconclusive, not fail.
	EnvTimeout time.Duration
}

func NewVerifier(executor Executor, outputs archive.Store, tolerances Tolerances, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		executor:   executor,
		outputs:    outputs,
		tolerances: tolerances,
		clock:      time.Now,
		logger:     logger.With("component", "replay"),
		EnvTimeout: 30 * time.Second,
	}
}

// WithClock overrides the report timestamp source. Test hook.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Replay re-executes the receipt's action on every environment and
// compares outputs against the sealed OutputHash.
//
// Verdict precedence: any out-of-tolerance deviation makes the report
// fail; otherwise any environment timeout or infrastructure error makes
// it inconclusive; otherwise it passes.
func (v *Verifier) Replay(ctx context.Context, receipt *contracts.ProvenanceReceipt, action contracts.Action, envs []Environment) (*contracts.ReplayReport, error) {
	if receipt == nil || receipt.Result == nil {
		return nil, fmt.Errorf("replay: receipt has no execution result")
	}
	if receipt.Result.Status != contracts.ExecSuccess {
		return nil, fmt.Errorf("replay: only successful runs are replayable, run %s is %s", receipt.RunID, receipt.Result.Status)
	}
	if len(envs) == 0 {
		envs = LocalEnvironment()
	}

	deterministic := v.executor.Deterministic(action.Kind)
	report := &contracts.ReplayReport{
		ManifestID: uuid.NewString(),
		RunID:      receipt.RunID,
		ActionKind: action.Kind,
		Verdict:    contracts.ReplayPass,
		StartedAt:  v.clock().UTC(),
	}
	if !deterministic {
		tol := v.tolerances.For(action.Kind)
		report.Tolerance = &tol
	}

	expected, err := v.outputs.Get(ctx, receipt.Result.OutputHash)
	if err != nil {
		return nil, fmt.Errorf("replay: fetch sealed output: %w", err)
	}

	inconclusive := false
	for _, env := range envs {
		envResult, devs, envErr := v.replayOne(ctx, env, action, receipt, expected, deterministic)
		report.Environments = append(report.Environments, envResult)
		report.Deviations = append(report.Deviations, devs...)
		if envErr != nil {
			inconclusive = true
			v.logger.Warn("replay environment inconclusive",
				"run_id", receipt.RunID,
				"environment", env.Name,
				"error", envErr)
		}
		if envResult.Verdict == contracts.ReplayFail && deterministic {
			report.NonDeterminism = true
		}
	}

	for _, er := range report.Environments {
		if er.Verdict == contracts.ReplayFail {
			report.Verdict = contracts.ReplayFail
		}
	}
	if report.Verdict == contracts.ReplayPass && inconclusive {
		report.Verdict = contracts.ReplayInconclusive
	}
	report.FinishedAt = v.clock().UTC()

	v.logger.Info("replay finished",
		"run_id", receipt.RunID,
		"manifest_id", report.ManifestID,
		"verdict", report.Verdict,
		"deviations", len(report.Deviations))
	return report, nil
}

func (v *Verifier) replayOne(ctx context.Context, env Environment, action contracts.Action, receipt *contracts.ProvenanceReceipt, expected []byte, deterministic bool) (contracts.EnvironmentResult, []contracts.Deviation, error) {
	er := contracts.EnvironmentResult{Name: env.Name, Arch: env.Arch, Verdict: contracts.ReplayInconclusive}

	runCtx, cancel := context.WithTimeout(ctx, v.EnvTimeout)
	defer cancel()

	result, err := v.executor.Execute(runCtx, action, action.RequestedBudget)
	if err != nil {
		return er, nil, err
	}
	er.Status = result.Status
	er.Ms = result.Ms
	er.OutputHash = result.OutputHash

	// A timed-out or cancelled re-execution says nothing about
	// determinism.
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) || result.ReasonCode == contracts.ReasonCancelled {
		return er, nil, fmt.Errorf("environment %s: replay timed out", env.Name)
	}
	if result.Status != contracts.ExecSuccess {
		return er, nil, fmt.Errorf("environment %s: replay execution %s: %s", env.Name, result.Status, result.ErrMsg)
	}

	if deterministic {
		if result.Seed != receipt.Result.Seed {
			er.Verdict = contracts.ReplayFail
			return er, nil, nil
		}
		if result.OutputHash == receipt.Result.OutputHash {
			er.Verdict = contracts.ReplayPass
		} else {
			er.Verdict = contracts.ReplayFail
		}
		return er, nil, nil
	}

	actual, err := v.outputs.Get(ctx, result.OutputHash)
	if err != nil {
		return er, nil, fmt.Errorf("environment %s: fetch replay output: %w", env.Name, err)
	}
	devs, err := compareOutputs(env.Name, expected, actual, v.tolerances.For(action.Kind))
	if err != nil {
		er.Verdict = contracts.ReplayFail
		return er, []contracts.Deviation{shapeDeviation(env.Name, "")}, nil
	}
	if len(devs) == 0 {
		er.Verdict = contracts.ReplayPass
	} else {
		er.Verdict = contracts.ReplayFail
	}
	return er, devs, nil
}
