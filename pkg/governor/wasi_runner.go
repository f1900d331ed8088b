package governor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/provenact/provenact/pkg/archive"
	"github.com/provenact/provenact/pkg/contracts"
)

// WasiRunner executes wasm action payloads inside a wazero WASI
// sandbox: no filesystem, no network, memory capped by the action
// budget's page allowance. The payload is an archive reference to the
// wasm module; the action's canonical inputs arrive on stdin.
type WasiRunner struct {
	runtime wazero.Runtime
	modules archive.Store
}

// NewWasiRunner creates a sandbox runner fetching wasm modules from the
// given archive. memoryLimitBytes caps linear memory for every module.
func NewWasiRunner(ctx context.Context, modules archive.Store, memoryLimitBytes int64) (*WasiRunner, error) {
	rCfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / 65536) // 64KB per wasm page
		if pages == 0 {
			pages = 1
		}
		rCfg = rCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("governor: instantiate WASI: %w", err)
	}
	return &WasiRunner{runtime: r, modules: modules}, nil
}

// Run implements Runner.
func (w *WasiRunner) Run(ctx context.Context, inv *Invocation) (Output, error) {
	moduleRef := strings.TrimSpace(string(inv.Action.Payload))
	moduleRef = strings.Trim(moduleRef, `"`)
	wasmBytes, err := w.modules.Get(ctx, moduleRef)
	if err != nil {
		return Output{}, fmt.Errorf("governor: load wasm module %s: %w", moduleRef, err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(inv.Action.Payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("action-" + inv.Action.ID)
	if inv.Det != nil {
		// Deterministic kinds get a seeded PRNG source and a frozen
		// walltime; unseeded randomness and wall-clock reads are cut off
		// at the WASI boundary.
		modCfg = modCfg.
			WithRandSource(inv.Det.Rand()).
			WithWalltime(func() (int64, int32) {
				t := inv.Det.Now()
				return t.Unix(), int32(t.Nanosecond())
			}, 1).
			WithNanotime(func() int64 { return inv.Det.Now().UnixNano() }, 1)
	}

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return Output{}, fmt.Errorf("governor: compile wasm: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		if isMemoryError(err) {
			return Output{}, &contracts.BudgetError{
				Dimension: contracts.DimensionMemory,
				Limit:     inv.Action.RequestedBudget.MaxMemoryBytes,
				Consumed:  inv.Usage.Memory(),
			}
		}
		return Output{}, fmt.Errorf("governor: wasm execution failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	inv.Usage.AddMemory(int64(stdout.Len() + stderr.Len()))
	if stderr.Len() > 0 {
		return Output{Data: stdout.Bytes()}, fmt.Errorf("governor: wasm stderr: %s", stderr.String())
	}
	return Output{Data: stdout.Bytes()}, nil
}

// Close shuts down the wazero runtime.
func (w *WasiRunner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}

// isMemoryError matches wazero's memory.grow failures.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
