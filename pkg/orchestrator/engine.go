// Package orchestrator owns the action lifecycle: estimate, gate,
// execute, seal. It is the only writer of action state and the only
// component that composes the estimator, policy store, governor,
// override workflow, and receipt builder into one pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/provenact/provenact/pkg/audit"
	"github.com/provenact/provenact/pkg/canonicalize"
	"github.com/provenact/provenact/pkg/contracts"
	"github.com/provenact/provenact/pkg/estimator"
	"github.com/provenact/provenact/pkg/limits"
	"github.com/provenact/provenact/pkg/observability"
	"github.com/provenact/provenact/pkg/override"
	"github.com/provenact/provenact/pkg/policy"
	"github.com/provenact/provenact/pkg/receipt"
)

// Submission failures that never create an action record.
var (
	ErrThrottled      = errors.New("submission rate limit exceeded")
	ErrActionConflict = errors.New("action id already submitted with different content")
)

// Executor runs an approved action under budget. The governor
// satisfies this.
type Executor interface {
	Execute(ctx context.Context, action contracts.Action, budget contracts.ExecutionBudget) (*contracts.ExecutionResult, error)
}

// ActionStatus is a point-in-time snapshot of one action's lifecycle.
type ActionStatus struct {
	Action     contracts.Action              `json:"action"`
	ActionHash string                        `json:"action_hash"`
	State      contracts.ActionState         `json:"state"`
	Estimate   contracts.CostEstimate        `json:"estimate"`
	Decision   contracts.PolicyDecision      `json:"decision"`
	Result     *contracts.ExecutionResult    `json:"result,omitempty"`
	Receipt    *contracts.ProvenanceReceipt  `json:"receipt,omitempty"`
	OverrideID string                        `json:"override_id,omitempty"`
}

type actionRecord struct {
	action     contracts.Action
	actionHash string
	state      contracts.ActionState
	estimate   contracts.CostEstimate
	decision   contracts.PolicyDecision
	result     *contracts.ExecutionResult
	receipt    *contracts.ProvenanceReceipt
	overrideID string
	cancel     context.CancelFunc
}

// Engine drives actions through the lifecycle state machine.
type Engine struct {
	estimator estimator.Estimator
	policies  *policy.Store
	executor  Executor
	receipts  *receipt.Builder
	overrides *override.Workflow
	limiter   limits.Limiter
	trail     *audit.Trail
	metrics   *observability.Provider
	events    *Bus
	clock     func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	actions map[string]*actionRecord
}

// Deps bundles the engine's collaborators. Limiter, Trail, and Metrics
// default when nil; everything else is required.
type Deps struct {
	Estimator estimator.Estimator
	Policies  *policy.Store
	Executor  Executor
	Receipts  *receipt.Builder
	Overrides *override.Workflow
	Limiter   limits.Limiter
	Trail     *audit.Trail
	Metrics   *observability.Provider
	Logger    *slog.Logger
}

func NewEngine(d Deps) (*Engine, error) {
	if d.Estimator == nil || d.Policies == nil || d.Executor == nil || d.Receipts == nil || d.Overrides == nil {
		return nil, fmt.Errorf("orchestrator: missing dependency")
	}
	if d.Limiter == nil {
		d.Limiter = limits.Unlimited{}
	}
	if d.Trail == nil {
		d.Trail = audit.NewTrail()
	}
	if d.Metrics == nil {
		d.Metrics, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	e := &Engine{
		estimator: d.Estimator,
		policies:  d.Policies,
		executor:  d.Executor,
		receipts:  d.Receipts,
		overrides: d.Overrides,
		limiter:   d.Limiter,
		trail:     d.Trail,
		metrics:   d.Metrics,
		events:    NewBus(),
		clock:     time.Now,
		logger:    d.Logger.With("component", "orchestrator"),
		actions:   make(map[string]*actionRecord),
	}
	return e, nil
}

// Events returns a subscription to the action state change stream.
func (e *Engine) Events() (<-chan contracts.StateChange, func()) {
	return e.events.Subscribe()
}

// Trail exposes the audit trail for verification and export.
func (e *Engine) Trail() *audit.Trail { return e.trail }

// Submit runs an action through the full pipeline and returns its final
// (or pending-override) status. Resubmitting an identical action is
// idempotent; resubmitting a different action under a taken id fails.
func (e *Engine) Submit(ctx context.Context, action contracts.Action) (*ActionStatus, error) {
	if action.ID == "" || action.Kind == "" {
		return nil, fmt.Errorf("orchestrator: action id and kind are required")
	}

	ok, err := e.limiter.Allow(ctx, action.Proposer.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: limiter: %w", err)
	}
	if !ok {
		return nil, ErrThrottled
	}

	// Canonicalization probe: anything that cannot seal must be
	// rejected before it can produce side effects.
	actionHash, err := canonicalize.CanonicalHash(action)
	if err != nil {
		return nil, &contracts.SealError{Stage: "submit", Err: err}
	}

	e.mu.Lock()
	if existing, ok := e.actions[action.ID]; ok {
		if existing.actionHash == actionHash {
			status := snapshotRecord(existing)
			e.mu.Unlock()
			return status, nil
		}
		e.mu.Unlock()
		return nil, ErrActionConflict
	}
	rec := &actionRecord{
		action:     action,
		actionHash: actionHash,
		state:      contracts.StateProposed,
	}
	e.actions[action.ID] = rec
	e.mu.Unlock()

	e.metrics.RecordSubmission(ctx, action.Kind)
	e.audit(ctx, audit.EventSubmission, action.Proposer.ID, action.ID, map[string]any{
		"kind": action.Kind, "case_id": action.CaseID, "purpose": action.Purpose,
	})
	e.publish(action.ID, "", contracts.StateProposed, "")

	return e.advance(ctx, rec)
}

// advance drives a freshly submitted action from PROPOSED to its
// resting state.
func (e *Engine) advance(ctx context.Context, rec *actionRecord) (*ActionStatus, error) {
	est, err := e.estimator.Estimate(rec.action.Features)
	if err != nil {
		var invalid *contracts.InvalidFeatureError
		if errors.As(err, &invalid) {
			return e.denyAndSeal(ctx, rec, contracts.PolicyDecision{
				Effect:      contracts.EffectDeny,
				Reasons:     []string{invalid.Error()},
				EvaluatedAt: e.clock().UTC(),
			}, contracts.ReasonInvalidFeature)
		}
		return nil, fmt.Errorf("orchestrator: estimate: %w", err)
	}

	e.mu.Lock()
	rec.estimate = est
	e.mu.Unlock()
	if err := e.transition(rec, contracts.StateEstimated, ""); err != nil {
		return nil, err
	}

	decision := e.policies.Evaluate(ctx, policy.ActionContext{
		Kind:         rec.action.Kind,
		Purpose:      rec.action.Purpose,
		CostMs:       est.Ms,
		Proposer:     rec.action.Proposer,
		PinnedBundle: rec.action.PinnedBundle,
	})
	e.mu.Lock()
	rec.decision = decision
	e.mu.Unlock()
	if err := e.transition(rec, contracts.StatePolicyEvaluated, ""); err != nil {
		return nil, err
	}
	e.metrics.RecordDecision(ctx, decision.Effect)
	e.audit(ctx, audit.EventDecision, "engine", rec.action.ID, map[string]any{
		"effect": decision.Effect, "rules": decision.RuleIDs, "bundle": decision.BundleVersion,
	})

	switch {
	case decision.Allowed():
		if err := e.transition(rec, contracts.StateApproved, ""); err != nil {
			return nil, err
		}
		return e.execute(ctx, rec)

	case decision.Overridable:
		if err := e.transition(rec, contracts.StatePendingOverride, contracts.ReasonPolicyDenied); err != nil {
			return nil, err
		}
		req, err := e.overrides.Request(ctx, rec.action.ID, rec.action.Proposer, joinReasons(decision.Reasons))
		if err != nil {
			return nil, fmt.Errorf("orchestrator: open override: %w", err)
		}
		e.mu.Lock()
		rec.overrideID = req.ID
		status := snapshotRecord(rec)
		e.mu.Unlock()
		return status, nil

	default:
		return e.denyAndSeal(ctx, rec, decision, contracts.ReasonPolicyDenied)
	}
}

// execute runs an approved action and seals the outcome.
func (e *Engine) execute(ctx context.Context, rec *actionRecord) (*ActionStatus, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	rec.cancel = cancel
	e.mu.Unlock()
	if err := e.transition(rec, contracts.StateExecuting, ""); err != nil {
		return nil, err
	}

	executing := e.metrics.ExecutionStarted(ctx)
	result, err := e.executor.Execute(execCtx, rec.action, rec.action.RequestedBudget)
	executing()
	e.mu.Lock()
	rec.cancel = nil
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: execute: %w", err)
	}
	e.metrics.RecordExecution(ctx, result)

	var next contracts.ActionState
	switch result.Status {
	case contracts.ExecSuccess:
		next = contracts.StateCompleted
	case contracts.ExecBudgetExceeded:
		next = contracts.StateBudgetExceeded
	default:
		next = contracts.StateErrored
	}
	e.mu.Lock()
	rec.result = result
	e.mu.Unlock()
	if err := e.transition(rec, next, result.ReasonCode); err != nil {
		return nil, err
	}
	e.audit(ctx, audit.EventExecution, "engine", rec.action.ID, map[string]any{
		"status": result.Status, "ms": result.Ms, "reason": result.ReasonCode,
	})

	return e.seal(ctx, rec)
}

// denyAndSeal resolves a denied action with a decision-only receipt.
func (e *Engine) denyAndSeal(ctx context.Context, rec *actionRecord, decision contracts.PolicyDecision, reason contracts.ReasonCode) (*ActionStatus, error) {
	e.mu.Lock()
	rec.decision = decision
	e.mu.Unlock()
	if err := e.transition(rec, contracts.StateDenied, reason); err != nil {
		return nil, err
	}
	return e.seal(ctx, rec)
}

// seal writes the provenance receipt and finishes the lifecycle.
func (e *Engine) seal(ctx context.Context, rec *actionRecord) (*ActionStatus, error) {
	e.mu.Lock()
	action, decision, est, result := rec.action, rec.decision, rec.estimate, rec.result
	e.mu.Unlock()

	sealed, err := e.receipts.Seal(ctx, action, decision, est, result)
	if err != nil {
		e.logger.Error("seal failed", "action_id", action.ID, "error", err)
		return nil, err
	}

	e.mu.Lock()
	rec.receipt = sealed
	e.mu.Unlock()
	if err := e.transition(rec, contracts.StateSealed, ""); err != nil {
		return nil, err
	}
	e.audit(ctx, audit.EventSeal, "engine", action.ID, map[string]any{
		"run_id": sealed.RunID, "seq": sealed.Seq, "case_id": sealed.CaseID,
	})

	e.mu.Lock()
	status := snapshotRecord(rec)
	e.mu.Unlock()
	return status, nil
}

// ResolveOverride applies a terminal override resolution to its action.
// Wire it to the workflow via override.OnResolve(engine.ResolveOverride).
func (e *Engine) ResolveOverride(res override.Resolution) {
	ctx := context.Background()
	e.mu.Lock()
	rec, ok := e.actions[res.Request.ActionID]
	if !ok || rec.state != contracts.StatePendingOverride {
		e.mu.Unlock()
		return
	}
	if res.Granted {
		rec.decision.Effect = contracts.EffectAllow
		rec.decision.OverrideID = res.Request.ID
		rec.decision.Reasons = append(rec.decision.Reasons, "override approved")
	}
	e.mu.Unlock()

	e.audit(ctx, audit.EventOverride, res.Request.Requester, res.Request.ActionID, map[string]any{
		"override_id": res.Request.ID, "status": res.Request.Status,
	})

	if res.Granted {
		if err := e.transition(rec, contracts.StateApproved, contracts.ReasonOverridden); err != nil {
			e.logger.Error("override resume failed", "action_id", res.Request.ActionID, "error", err)
			return
		}
		if _, err := e.execute(ctx, rec); err != nil {
			e.logger.Error("override execution failed", "action_id", res.Request.ActionID, "error", err)
		}
		return
	}
	if _, err := e.denyAndSeal(ctx, rec, e.decisionOf(rec), contracts.ReasonPolicyDenied); err != nil {
		e.logger.Error("override denial seal failed", "action_id", res.Request.ActionID, "error", err)
	}
}

// Cancel requests cooperative cancellation of a running action. The
// governor grants the operation its grace period before abandoning it.
func (e *Engine) Cancel(actionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.actions[actionID]
	if !ok {
		return contracts.ErrUnknownAction
	}
	if rec.state != contracts.StateExecuting || rec.cancel == nil {
		return fmt.Errorf("action %s is not executing", actionID)
	}
	rec.cancel()
	return nil
}

// Status returns the current lifecycle snapshot of an action.
func (e *Engine) Status(actionID string) (*ActionStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.actions[actionID]
	if !ok {
		return nil, contracts.ErrUnknownAction
	}
	return snapshotRecord(rec), nil
}

// Receipt returns the sealed receipt for an action id.
func (e *Engine) Receipt(actionID string) (*contracts.ProvenanceReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.actions[actionID]
	if !ok || rec.receipt == nil {
		return nil, contracts.ErrUnknownAction
	}
	cp := *rec.receipt
	return &cp, nil
}

// Action returns the submitted action for a run's receipt, for replay.
func (e *Engine) Action(actionID string) (contracts.Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.actions[actionID]
	if !ok {
		return contracts.Action{}, contracts.ErrUnknownAction
	}
	return rec.action, nil
}

func (e *Engine) decisionOf(rec *actionRecord) contracts.PolicyDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return rec.decision
}

// transition moves the record along a legal state machine edge and
// publishes the change. An illegal edge is a programming error and
// fails loudly.
func (e *Engine) transition(rec *actionRecord, to contracts.ActionState, reason contracts.ReasonCode) error {
	e.mu.Lock()
	from := rec.state
	if !contracts.CanTransition(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("orchestrator: illegal transition %s -> %s for action %s", from, to, rec.action.ID)
	}
	rec.state = to
	e.mu.Unlock()

	e.publish(rec.action.ID, from, to, reason)
	return nil
}

func (e *Engine) publish(actionID string, from, to contracts.ActionState, reason contracts.ReasonCode) {
	e.events.Publish(contracts.StateChange{
		ActionID: actionID,
		From:     from,
		To:       to,
		Reason:   reason,
		At:       e.clock().UTC(),
	})
}

func (e *Engine) audit(ctx context.Context, typ audit.EventType, actor, subject string, detail map[string]any) {
	if _, err := e.trail.Record(ctx, typ, actor, subject, detail); err != nil {
		e.logger.Warn("audit record failed", "subject", subject, "error", err)
	}
}

func snapshotRecord(rec *actionRecord) *ActionStatus {
	status := &ActionStatus{
		Action:     rec.action,
		ActionHash: rec.actionHash,
		State:      rec.state,
		Estimate:   rec.estimate,
		Decision:   rec.decision,
		OverrideID: rec.overrideID,
	}
	if rec.result != nil {
		cp := *rec.result
		status.Result = &cp
	}
	if rec.receipt != nil {
		cp := *rec.receipt
		status.Receipt = &cp
	}
	return status
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return "policy denied"
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
