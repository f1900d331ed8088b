// Package override implements the dual-approval workflow that lets a
// denied action proceed. A request needs Quorum distinct approve votes
// and zero deny votes before its SLA deadline; any deny resolves it
// immediately. Requests persist through the Store so a pending review
// survives a restart.
package override

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provenact/provenact/pkg/contracts"
)

// ApproverRole is the role a principal must carry to vote.
const ApproverRole = "approver"

// Defaults.
const (
	DefaultQuorum = 2
	DefaultSLA    = 24 * time.Hour
)

// Resolution is delivered to the OnResolve hook when a request reaches
// a terminal state.
type Resolution struct {
	Request *contracts.OverrideRequest
	// Granted is true only for APPROVED.
	Granted bool
}

// Workflow tracks override requests through their lifecycle. The mutex
// serializes in-process transitions; the store's version CAS guards
// against writers in other processes.
type Workflow struct {
	mu    sync.Mutex
	store Store

	quorum    int
	sla       time.Duration
	clock     func() time.Time
	logger    *slog.Logger
	onResolve func(Resolution)
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithStore overrides the request store. Defaults to an in-memory one.
func WithStore(s Store) Option {
	return func(w *Workflow) {
		if s != nil {
			w.store = s
		}
	}
}

// WithQuorum overrides the approval quorum.
func WithQuorum(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.quorum = n
		}
	}
}

// WithSLA overrides the review deadline window.
func WithSLA(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.sla = d
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(clock func() time.Time) Option {
	return func(w *Workflow) { w.clock = clock }
}

// OnResolve registers a hook invoked once per terminal transition,
// outside the workflow lock.
func OnResolve(fn func(Resolution)) Option {
	return func(w *Workflow) { w.onResolve = fn }
}

func NewWorkflow(logger *slog.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Workflow{
		store:  NewMemoryStore(),
		quorum: DefaultQuorum,
		sla:    DefaultSLA,
		clock:  time.Now,
		logger: logger.With("component", "override"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Request opens an override request for a denied action. One live
// request per action: while a non-terminal request exists, a second
// Request for the same action returns it instead of forking review.
func (w *Workflow) Request(ctx context.Context, actionID string, requester contracts.Principal, reason string) (*contracts.OverrideRequest, error) {
	if actionID == "" {
		return nil, fmt.Errorf("override: empty action id")
	}
	now := w.clock().UTC().Round(0)

	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, err := w.store.GetByAction(ctx, actionID); err == nil && !existing.Status.Terminal() {
		return existing, nil
	}

	req := &contracts.OverrideRequest{
		ID:          uuid.NewString(),
		ActionID:    actionID,
		Requester:   requester.ID,
		Reason:      reason,
		Status:      contracts.OverrideRequested,
		Quorum:      w.quorum,
		Version:     1,
		SLADeadline: now.Add(w.sla),
		CreatedAt:   now,
	}
	if err := w.store.Put(ctx, req); err != nil {
		return nil, fmt.Errorf("override: store request: %w", err)
	}

	w.logger.Info("override requested",
		"override_id", req.ID,
		"action_id", actionID,
		"requester", requester.ID,
		"deadline", req.SLADeadline)
	return snapshot(req), nil
}

// Approve casts an approve vote. The quorum-th distinct approval
// resolves the request as APPROVED.
func (w *Workflow) Approve(ctx context.Context, id string, approver contracts.Principal, reason string) (*contracts.OverrideRequest, error) {
	return w.vote(ctx, id, approver, reason, true)
}

// Deny casts a deny vote, which resolves the request immediately.
func (w *Workflow) Deny(ctx context.Context, id string, approver contracts.Principal, reason string) (*contracts.OverrideRequest, error) {
	return w.vote(ctx, id, approver, reason, false)
}

func (w *Workflow) vote(ctx context.Context, id string, approver contracts.Principal, reason string, approve bool) (*contracts.OverrideRequest, error) {
	if !approver.HasRole(ApproverRole) {
		return nil, &contracts.NotAuthorizedError{Principal: approver.ID, Required: ApproverRole}
	}
	now := w.clock().UTC().Round(0)

	var resolution *Resolution
	w.mu.Lock()
	req, err := w.store.Get(ctx, id)
	if err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("override %q: %w", id, err)
	}
	// Validation order matters: none of these may mutate the request.
	if req.Status.Terminal() {
		w.mu.Unlock()
		return nil, contracts.ErrOverrideTerminal
	}
	if expired, err := w.expireLocked(ctx, req, now); err != nil {
		w.mu.Unlock()
		return nil, err
	} else if expired {
		res := Resolution{Request: snapshot(req)}
		w.mu.Unlock()
		w.notify(res)
		return nil, contracts.ErrOverrideTerminal
	}
	if approver.ID == req.Requester {
		w.mu.Unlock()
		return nil, &contracts.NotAuthorizedError{Principal: approver.ID, Required: "independent approver"}
	}
	if req.HasVoted(approver.ID) {
		w.mu.Unlock()
		return nil, &contracts.DuplicateVoteError{RequestID: id, Approver: approver.ID}
	}

	expected := req.Version
	req.Votes = append(req.Votes, contracts.Vote{
		Approver: approver.ID,
		Approve:  approve,
		Reason:   reason,
		CastAt:   now,
	})
	if req.Status == contracts.OverrideRequested {
		req.Status = contracts.OverrideUnderReview
	}
	switch {
	case !approve:
		req.Status = contracts.OverrideDenied
		req.ResolvedAt = now
	case req.Approvals() >= req.Quorum:
		req.Status = contracts.OverrideApproved
		req.ResolvedAt = now
	}
	req.Version++
	if err := w.store.Update(ctx, req, expected); err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("override %q: %w", id, err)
	}

	out := snapshot(req)
	if req.Status.Terminal() {
		resolution = &Resolution{Request: snapshot(req), Granted: req.Status == contracts.OverrideApproved}
	}
	w.mu.Unlock()

	w.logger.Info("override vote",
		"override_id", id,
		"approver", approver.ID,
		"approve", approve,
		"status", out.Status)
	if resolution != nil {
		w.notify(*resolution)
	}
	return out, nil
}

// Withdraw lets the requester retract a pending request.
func (w *Workflow) Withdraw(ctx context.Context, id string, requester contracts.Principal) (*contracts.OverrideRequest, error) {
	now := w.clock().UTC().Round(0)

	w.mu.Lock()
	req, err := w.store.Get(ctx, id)
	if err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("override %q: %w", id, err)
	}
	if req.Status.Terminal() {
		w.mu.Unlock()
		return nil, contracts.ErrOverrideTerminal
	}
	if requester.ID != req.Requester {
		w.mu.Unlock()
		return nil, &contracts.NotAuthorizedError{Principal: requester.ID, Required: "requester"}
	}
	expected := req.Version
	req.Status = contracts.OverrideWithdrawn
	req.ResolvedAt = now
	req.Version++
	if err := w.store.Update(ctx, req, expected); err != nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("override %q: %w", id, err)
	}
	out := snapshot(req)
	w.mu.Unlock()

	w.notify(Resolution{Request: out})
	return out, nil
}

// Get returns a copy of a request.
func (w *Workflow) Get(ctx context.Context, id string) (*contracts.OverrideRequest, error) {
	req, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("override %q: %w", id, err)
	}
	return req, nil
}

// CheckExpired sweeps pending requests past their SLA deadline into
// EXPIRED and reports how many it resolved. Run it periodically; votes
// arriving on an expired request also trigger lazy expiry.
func (w *Workflow) CheckExpired(ctx context.Context) int {
	now := w.clock().UTC().Round(0)

	var resolutions []Resolution
	w.mu.Lock()
	pending, err := w.store.ListPending(ctx)
	if err != nil {
		w.mu.Unlock()
		w.logger.Error("override expiry sweep failed", "error", err)
		return 0
	}
	for _, req := range pending {
		expired, err := w.expireLocked(ctx, req, now)
		if err != nil {
			w.logger.Error("override expiry failed", "override_id", req.ID, "error", err)
			continue
		}
		if expired {
			resolutions = append(resolutions, Resolution{Request: snapshot(req)})
		}
	}
	w.mu.Unlock()

	for _, res := range resolutions {
		w.logger.Warn("override expired",
			"override_id", res.Request.ID,
			"action_id", res.Request.ActionID)
		w.notify(res)
	}
	return len(resolutions)
}

func (w *Workflow) expireLocked(ctx context.Context, req *contracts.OverrideRequest, now time.Time) (bool, error) {
	if req.Status.Terminal() || now.Before(req.SLADeadline) {
		return false, nil
	}
	expected := req.Version
	req.Status = contracts.OverrideExpired
	req.ResolvedAt = now
	req.Version++
	if err := w.store.Update(ctx, req, expected); err != nil {
		return false, fmt.Errorf("override %q: expire: %w", req.ID, err)
	}
	return true, nil
}

func (w *Workflow) notify(res Resolution) {
	if w.onResolve != nil {
		w.onResolve(res)
	}
}

func snapshot(req *contracts.OverrideRequest) *contracts.OverrideRequest {
	cp := *req
	cp.Votes = append([]contracts.Vote(nil), req.Votes...)
	return &cp
}
