package governor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/provenact/provenact/pkg/archive"
	"github.com/provenact/provenact/pkg/canonicalize"
	"github.com/provenact/provenact/pkg/contracts"
)

// Config sizes the governor.
type Config struct {
	// PoolSize bounds concurrent executions across all actions.
	PoolSize int
	// MonitorInterval is how often the budget monitor samples usage.
	MonitorInterval time.Duration
	// DefaultGrace bounds the wait for a cancelled runner when the
	// budget has no time ceiling.
	DefaultGrace time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:        16,
		MonitorInterval: 2 * time.Millisecond,
		DefaultGrace:    5 * time.Second,
	}
}

// Governor runs approved actions under hard budget ceilings inside a
// bounded worker pool.
type Governor struct {
	cfg      Config
	registry *Registry
	outputs  archive.Store
	logger   *slog.Logger
	clock    func() time.Time

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflight
}

// inflight is one running execution that duplicates may join.
type inflight struct {
	done   chan struct{}
	result *contracts.ExecutionResult
}

// New creates a Governor.
func New(cfg Config, registry *Registry, outputs archive.Store, logger *slog.Logger) *Governor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultConfig().PoolSize
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultConfig().MonitorInterval
	}
	if cfg.DefaultGrace <= 0 {
		cfg.DefaultGrace = DefaultConfig().DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		cfg:      cfg,
		registry: registry,
		outputs:  outputs,
		logger:   logger,
		clock:    time.Now,
		sem:      make(chan struct{}, cfg.PoolSize),
		inflight: make(map[string]*inflight),
	}
}

// WithClock overrides the clock for deterministic tests.
func (g *Governor) WithClock(clock func() time.Time) *Governor {
	g.clock = clock
	return g
}

// Execute runs the action under the budget. At most one execution per
// action id is live at a time: a duplicate call joins the in-flight run
// and receives its result when it completes.
func (g *Governor) Execute(ctx context.Context, action contracts.Action, budget contracts.ExecutionBudget) (*contracts.ExecutionResult, error) {
	g.mu.Lock()
	if fl, ok := g.inflight[action.ID]; ok {
		g.mu.Unlock()
		select {
		case <-fl.done:
			return fl.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	g.inflight[action.ID] = fl
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inflight, action.ID)
		g.mu.Unlock()
		close(fl.done)
	}()

	// Admission into the bounded pool.
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		fl.result = g.cancelledResult(action.ID, g.clock())
		return fl.result, nil
	}
	defer func() { <-g.sem }()

	fl.result = g.run(ctx, action, budget)
	return fl.result, nil
}

// Deterministic reports whether the action's kind is deterministic.
func (g *Governor) Deterministic(kind string) bool {
	return g.registry.Deterministic(kind)
}

func (g *Governor) run(ctx context.Context, action contracts.Action, budget contracts.ExecutionBudget) *contracts.ExecutionResult {
	started := g.clock()
	result := &contracts.ExecutionResult{
		ActionID:  action.ID,
		StartedAt: started,
	}
	finish := func() *contracts.ExecutionResult {
		result.FinishedAt = g.clock()
		result.Ms = result.FinishedAt.Sub(started).Milliseconds()
		return result
	}

	runner, deterministic, err := g.registry.Lookup(action.Kind)
	if err != nil {
		result.Status = contracts.ExecError
		result.ReasonCode = contracts.ReasonOperationError
		result.ErrMsg = err.Error()
		return finish()
	}

	inv := &Invocation{Action: action, Usage: &Usage{}}
	if deterministic {
		actionHash, err := canonicalize.CanonicalHash(action)
		if err != nil {
			result.Status = contracts.ExecError
			result.ReasonCode = contracts.ReasonCanonFailed
			result.ErrMsg = err.Error()
			return finish()
		}
		det := DeriveDetCtx(actionHash)
		inv.Det = det
		result.Seed = det.Seed
		result.LogicalEpoch = det.Epoch()
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if budget.MaxMs > 0 {
		var tcancel context.CancelFunc
		execCtx, tcancel = context.WithTimeout(execCtx, budget.TimeLimit())
		defer tcancel()
	}

	// Concurrent budget monitor: rows and memory are sampled while the
	// runner executes, not checked after the fact.
	monitorDone := make(chan struct{})
	go g.monitor(execCtx, monitorDone, inv.Usage, budget, cancel)

	type runOut struct {
		out Output
		err error
	}
	outCh := make(chan runOut, 1)
	go func() {
		out, err := runner.Run(execCtx, inv)
		outCh <- runOut{out, err}
	}()

	var out Output
	select {
	case r := <-outCh:
		out, err = r.out, r.err
	case <-execCtx.Done():
		// Give the runner the grace period to unwind, then abandon it.
		grace := budget.GracePeriod()
		if grace <= 0 {
			grace = g.cfg.DefaultGrace
		}
		select {
		case r := <-outCh:
			out, err = r.out, r.err
		case <-time.After(grace):
			g.logger.Warn("runner ignored cancellation, abandoning",
				"action_id", action.ID, "kind", action.Kind, "grace", grace)
			err = execCtx.Err()
		}
		if err == nil {
			// Runner returned cleanly inside grace but the budget had
			// already been breached; the breach still wins.
			err = execCtx.Err()
		}
	}
	close(monitorDone)

	result.Rows = inv.Usage.Rows()

	if err != nil {
		g.classify(ctx, execCtx, err, budget, result)
		return finish()
	}

	// Post-conditions: a run that returned cleanly must still be inside
	// every ceiling, and output may never leak past the memory ceiling.
	if breach := finalBreach(budget, inv.Usage, int64(len(out.Data))); breach != nil {
		result.Status = contracts.ExecBudgetExceeded
		result.Breach = breach
		result.ReasonCode = contracts.BudgetReason(breach.Dimension)
		return finish()
	}

	hash, aerr := g.outputs.Put(ctx, out.Data)
	if aerr != nil {
		result.Status = contracts.ExecError
		result.ReasonCode = contracts.ReasonOperationError
		result.ErrMsg = aerr.Error()
		return finish()
	}

	result.Status = contracts.ExecSuccess
	result.ReasonCode = contracts.ReasonOK
	result.OutputHash = hash
	return finish()
}

// monitor cancels the execution the moment any sampled dimension
// crosses its ceiling.
func (g *Governor) monitor(ctx context.Context, done <-chan struct{}, usage *Usage, budget contracts.ExecutionBudget, cancel context.CancelCauseFunc) {
	if budget.MaxRows <= 0 && budget.MaxMemoryBytes <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if budget.MaxRows > 0 && usage.Rows() > budget.MaxRows {
				cancel(&contracts.BudgetError{Dimension: contracts.DimensionRows, Limit: budget.MaxRows, Consumed: usage.Rows()})
				return
			}
			if budget.MaxMemoryBytes > 0 && usage.Memory() > budget.MaxMemoryBytes {
				cancel(&contracts.BudgetError{Dimension: contracts.DimensionMemory, Limit: budget.MaxMemoryBytes, Consumed: usage.Memory()})
				return
			}
		}
	}
}

// classify maps a failed run to its terminal status: budget breach,
// caller cancellation, or operation error. Never retried.
func (g *Governor) classify(parent, execCtx context.Context, err error, budget contracts.ExecutionBudget, result *contracts.ExecutionResult) {
	var budgetErr *contracts.BudgetError
	cause := context.Cause(execCtx)
	switch {
	case errors.As(cause, &budgetErr) || errors.As(err, &budgetErr):
		result.Status = contracts.ExecBudgetExceeded
		result.Breach = budgetErr
		result.ReasonCode = contracts.BudgetReason(budgetErr.Dimension)
	case errors.Is(cause, context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		result.Status = contracts.ExecBudgetExceeded
		result.Breach = &contracts.BudgetError{
			Dimension: contracts.DimensionTime,
			Limit:     budget.MaxMs,
			Consumed:  g.clock().Sub(result.StartedAt).Milliseconds(),
		}
		result.ReasonCode = contracts.ReasonBudgetTime
	case parent.Err() != nil:
		result.Status = contracts.ExecError
		result.ReasonCode = contracts.ReasonCancelled
		result.ErrMsg = "execution cancelled by caller"
	default:
		result.Status = contracts.ExecError
		result.ReasonCode = contracts.ReasonOperationError
		result.ErrMsg = err.Error()
	}
}

func finalBreach(budget contracts.ExecutionBudget, usage *Usage, outputBytes int64) *contracts.BudgetError {
	if budget.MaxRows > 0 && usage.Rows() > budget.MaxRows {
		return &contracts.BudgetError{Dimension: contracts.DimensionRows, Limit: budget.MaxRows, Consumed: usage.Rows()}
	}
	mem := usage.Memory()
	if outputBytes > mem {
		mem = outputBytes
	}
	if budget.MaxMemoryBytes > 0 && mem > budget.MaxMemoryBytes {
		return &contracts.BudgetError{Dimension: contracts.DimensionMemory, Limit: budget.MaxMemoryBytes, Consumed: mem}
	}
	return nil
}

func (g *Governor) cancelledResult(actionID string, now time.Time) *contracts.ExecutionResult {
	return &contracts.ExecutionResult{
		ActionID:   actionID,
		Status:     contracts.ExecError,
		ReasonCode: contracts.ReasonCancelled,
		ErrMsg:     "cancelled while queued",
		StartedAt:  now,
		FinishedAt: now,
	}
}
