package replay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenact/provenact/pkg/archive"
	"github.com/provenact/provenact/pkg/contracts"
)

// stubExecutor replays with a fixed output per call, in call order.
type stubExecutor struct {
	outputs       [][]byte
	seed          int64
	ms            int64
	deterministic bool
	status        contracts.ExecStatus
	store         archive.Store
	delay         time.Duration

	calls int
}

func (s *stubExecutor) Execute(ctx context.Context, action contracts.Action, _ contracts.ExecutionBudget) (*contracts.ExecutionResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return &contracts.ExecutionResult{
				ActionID:   action.ID,
				Status:     contracts.ExecError,
				ReasonCode: contracts.ReasonCancelled,
			}, nil
		}
	}
	out := s.outputs[s.calls%len(s.outputs)]
	s.calls++

	status := s.status
	if status == "" {
		status = contracts.ExecSuccess
	}
	res := &contracts.ExecutionResult{
		ActionID:   action.ID,
		Status:     status,
		Ms:         s.ms,
		Seed:       s.seed,
		ReasonCode: contracts.ReasonOK,
	}
	if status == contracts.ExecSuccess {
		hash, err := s.store.Put(context.Background(), out)
		if err != nil {
			return nil, err
		}
		res.OutputHash = hash
	}
	return res, nil
}

func (s *stubExecutor) Deterministic(string) bool { return s.deterministic }

func sealedReceipt(t *testing.T, store archive.Store, output []byte, seed int64) *contracts.ProvenanceReceipt {
	t.Helper()
	hash, err := store.Put(context.Background(), output)
	require.NoError(t, err)
	return &contracts.ProvenanceReceipt{
		RunID:    "run-1",
		CaseID:   "case-1",
		ActionID: "a1",
		Result: &contracts.ExecutionResult{
			ActionID:   "a1",
			Status:     contracts.ExecSuccess,
			OutputHash: hash,
			Seed:       seed,
			ReasonCode: contracts.ReasonOK,
		},
	}
}

func TestReplay_DeterministicPass(t *testing.T) {
	store := archive.NewMemoryStore()
	output := []byte(`{"rows":[1,2,3]}`)
	exec := &stubExecutor{outputs: [][]byte{output}, seed: 42, deterministic: true, store: store}
	receipt := sealedReceipt(t, store, output, 42)

	v := NewVerifier(exec, store, Tolerances{}, nil)
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "traverse"}, nil)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReplayPass, report.Verdict)
	assert.False(t, report.NonDeterminism)
	assert.Nil(t, report.Tolerance, "deterministic kinds carry no tolerance")
	require.Len(t, report.Environments, 1)
	assert.Equal(t, "local", report.Environments[0].Name)
}

func TestReplay_DeterministicDivergenceFlagsNonDeterminism(t *testing.T) {
	store := archive.NewMemoryStore()
	exec := &stubExecutor{outputs: [][]byte{[]byte(`{"rows":[1,2,4]}`)}, seed: 42, deterministic: true, store: store}
	receipt := sealedReceipt(t, store, []byte(`{"rows":[1,2,3]}`), 42)

	v := NewVerifier(exec, store, Tolerances{}, nil)
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "traverse"}, nil)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReplayFail, report.Verdict)
	assert.True(t, report.NonDeterminism)
}

func TestReplay_SeedMismatchFails(t *testing.T) {
	store := archive.NewMemoryStore()
	output := []byte(`{"ok":true}`)
	exec := &stubExecutor{outputs: [][]byte{output}, seed: 7, deterministic: true, store: store}
	receipt := sealedReceipt(t, store, output, 42)

	v := NewVerifier(exec, store, Tolerances{}, nil)
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "traverse"}, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReplayFail, report.Verdict)
}

func TestReplay_WithinTolerancePasses(t *testing.T) {
	store := archive.NewMemoryStore()
	exec := &stubExecutor{outputs: [][]byte{[]byte(`{"score":101.5}`)}, store: store}
	receipt := sealedReceipt(t, store, []byte(`{"score":100}`), 0)

	tols := Tolerances{Kinds: map[string]contracts.Tolerance{"score": {Relative: 0.05}}}
	v := NewVerifier(exec, store, tols, nil)
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "score"}, nil)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReplayPass, report.Verdict)
	assert.Empty(t, report.Deviations)
	require.NotNil(t, report.Tolerance)
	assert.Equal(t, 0.05, report.Tolerance.Relative)
}

func TestReplay_BeyondToleranceFails(t *testing.T) {
	store := archive.NewMemoryStore()
	exec := &stubExecutor{outputs: [][]byte{[]byte(`{"score":120}`)}, store: store}
	receipt := sealedReceipt(t, store, []byte(`{"score":100}`), 0)

	tols := Tolerances{Kinds: map[string]contracts.Tolerance{"score": {Relative: 0.05}}}
	v := NewVerifier(exec, store, tols, nil)
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "score"}, nil)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReplayFail, report.Verdict)
	assert.False(t, report.NonDeterminism, "tolerance drift is not nondeterminism")
	require.Len(t, report.Deviations, 1)
	d := report.Deviations[0]
	assert.Equal(t, "score", d.Field)
	assert.Equal(t, 100.0, d.Expected)
	assert.Equal(t, 120.0, d.Actual)
	assert.InDelta(t, 0.2, d.Magnitude, 1e-9)
}

func TestReplay_TimeoutIsInconclusiveNotFail(t *testing.T) {
	store := archive.NewMemoryStore()
	output := []byte(`{"ok":true}`)
	exec := &stubExecutor{outputs: [][]byte{output}, store: store, delay: time.Second}
	receipt := sealedReceipt(t, store, output, 0)

	v := NewVerifier(exec, store, Tolerances{}, nil)
	v.EnvTimeout = 20 * time.Millisecond
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "score"}, nil)
	require.NoError(t, err)

	assert.Equal(t, contracts.ReplayInconclusive, report.Verdict)
	assert.False(t, report.NonDeterminism)
}

func TestReplay_RejectsNonSuccessReceipts(t *testing.T) {
	store := archive.NewMemoryStore()
	v := NewVerifier(&stubExecutor{store: store}, store, Tolerances{}, nil)

	_, err := v.Replay(context.Background(), &contracts.ProvenanceReceipt{RunID: "r"}, contracts.Action{}, nil)
	assert.Error(t, err)

	breached := &contracts.ProvenanceReceipt{
		RunID:  "r",
		Result: &contracts.ExecutionResult{Status: contracts.ExecBudgetExceeded},
	}
	_, err = v.Replay(context.Background(), breached, contracts.Action{}, nil)
	assert.Error(t, err)
}

func TestReplay_MultipleEnvironments(t *testing.T) {
	store := archive.NewMemoryStore()
	output := []byte(`{"ok":true}`)
	exec := &stubExecutor{outputs: [][]byte{output}, seed: 1, deterministic: true, store: store}
	receipt := sealedReceipt(t, store, output, 1)

	envs := []Environment{{Name: "x86", Arch: "amd64"}, {Name: "arm", Arch: "arm64"}}
	v := NewVerifier(exec, store, Tolerances{}, nil)
	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "traverse"}, envs)
	require.NoError(t, err)

	require.Len(t, report.Environments, 2)
	assert.Equal(t, contracts.ReplayPass, report.Verdict)
	assert.Equal(t, 2, exec.calls)
}

func TestTolerances_ForFallsBackToDefault(t *testing.T) {
	tols := Tolerances{
		Default: contracts.Tolerance{Relative: 0.01},
		Kinds:   map[string]contracts.Tolerance{"score": {Absolute: 3}},
	}
	assert.Equal(t, 3.0, tols.For("score").Absolute)
	assert.Equal(t, 0.01, tols.For("anything-else").Relative)
}

func TestLoadTolerances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tolerances.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  relative: 0.01
kinds:
  score:
    relative: 0.05
    absolute: 2
`), 0o600))

	tols, err := LoadTolerances(path)
	require.NoError(t, err)
	assert.Equal(t, 0.01, tols.Default.Relative)
	assert.Equal(t, 0.05, tols.Kinds["score"].Relative)
	assert.Equal(t, 2.0, tols.Kinds["score"].Absolute)

	_, err = LoadTolerances(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestReplayReport_Golden(t *testing.T) {
	store := archive.NewMemoryStore()
	exec := &stubExecutor{outputs: [][]byte{[]byte(`{"score":120}`)}, ms: 7, store: store}
	receipt := sealedReceipt(t, store, []byte(`{"score":100}`), 0)

	fixed := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	tols := Tolerances{Kinds: map[string]contracts.Tolerance{"score": {Relative: 0.05}}}
	v := NewVerifier(exec, store, tols, nil).WithClock(func() time.Time { return fixed })

	report, err := v.Replay(context.Background(), receipt, contracts.Action{ID: "a1", Kind: "score"},
		[]Environment{{Name: "x86", Arch: "amd64"}})
	require.NoError(t, err)

	// The manifest id is random; pin it before snapshotting.
	report.ManifestID = "manifest-fixed"
	data, err := json.MarshalIndent(report, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithNameSuffix(".golden"))
	g.Assert(t, "tolerance_fail_report", data)
}
