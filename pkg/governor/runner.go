// Package governor executes approved actions inside hard resource
// ceilings. Budgets are monitored concurrently with execution: any
// breach cancels the run immediately and surfaces as a first-class
// budget_exceeded outcome, never as a silent overrun. One execution per
// action id runs at a time; duplicate submissions join the in-flight
// run and receive its result.
package governor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/provenact/provenact/pkg/canonicalize"
	"github.com/provenact/provenact/pkg/contracts"
)

// Usage is the live consumption tracker a runner reports through. The
// budget monitor reads it concurrently, so all fields are atomic.
type Usage struct {
	rows     atomic.Int64
	memBytes atomic.Int64
}

// AddRows records produced rows.
func (u *Usage) AddRows(n int64) { u.rows.Add(n) }

// AddMemory records allocated working-set bytes.
func (u *Usage) AddMemory(n int64) { u.memBytes.Add(n) }

// Rows returns the row count so far.
func (u *Usage) Rows() int64 { return u.rows.Load() }

// Memory returns the byte count so far.
func (u *Usage) Memory() int64 { return u.memBytes.Load() }

// DetCtx is the deterministic execution context injected for
// deterministic-flagged kinds: a fixed seed and a frozen logical clock.
// Runners for such kinds must draw randomness and time from here only.
type DetCtx struct {
	Seed  int64
	epoch int64 // unix nanos, frozen at derivation
	ticks atomic.Int64
}

// Rand returns a PRNG seeded deterministically for this action.
func (d *DetCtx) Rand() *rand.Rand {
	return rand.New(rand.NewSource(d.Seed))
}

// Now returns the frozen logical clock, advancing one nanosecond per
// call so ordering observations stay stable without wall-clock reads.
func (d *DetCtx) Now() time.Time {
	return time.Unix(0, d.epoch+d.ticks.Add(1))
}

// Epoch returns the logical clock origin in unix nanos.
func (d *DetCtx) Epoch() int64 { return d.epoch }

// DeriveDetCtx computes the deterministic context for an action: both
// seed and epoch derive from the action's canonical hash, so every
// replay of the same action sees identical randomness and time.
func DeriveDetCtx(actionHash string) *DetCtx {
	sum := canonicalize.HashBytes([]byte(actionHash))
	seed := int64(binary.BigEndian.Uint64([]byte(sum[:8])))
	return &DetCtx{Seed: seed, epoch: seed & 0x7fffffffffffffff}
}

// Invocation carries everything a runner needs for one execution.
type Invocation struct {
	Action contracts.Action
	Usage  *Usage
	// Det is non-nil only for deterministic-flagged kinds.
	Det *DetCtx
}

// Output is the raw product of a runner. The governor archives Data and
// places only its hash in the execution result.
type Output struct {
	Data []byte
}

// Runner executes the underlying operation of one action kind.
type Runner interface {
	Run(ctx context.Context, inv *Invocation) (Output, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, inv *Invocation) (Output, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, inv *Invocation) (Output, error) {
	return f(ctx, inv)
}

// kindEntry binds a runner to its determinism flag.
type kindEntry struct {
	runner        Runner
	deterministic bool
}

// Registry maps action kinds to runners.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]kindEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]kindEntry)}
}

// Register binds a runner to a kind. deterministic flags the kind for
// seed/clock injection and byte-identical replay expectations.
func (r *Registry) Register(kind string, runner Runner, deterministic bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = kindEntry{runner: runner, deterministic: deterministic}
}

// Lookup returns the runner and determinism flag for a kind.
func (r *Registry) Lookup(kind string) (Runner, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.kinds[kind]
	if !ok {
		return nil, false, fmt.Errorf("governor: no runner registered for kind %q", kind)
	}
	return e.runner, e.deterministic, nil
}

// Deterministic reports the determinism flag for a kind.
func (r *Registry) Deterministic(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[kind].deterministic
}
