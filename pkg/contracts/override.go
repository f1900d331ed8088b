package contracts

import "time"

// OverrideState is the lifecycle state of an override request.
type OverrideState string

const (
	OverrideRequested   OverrideState = "REQUESTED"
	OverrideUnderReview OverrideState = "UNDER_REVIEW"
	OverrideApproved    OverrideState = "APPROVED"
	OverrideDenied      OverrideState = "DENIED"
	OverrideExpired     OverrideState = "EXPIRED"
	OverrideWithdrawn   OverrideState = "WITHDRAWN"
)

// Terminal reports whether the state admits no further transitions.
func (s OverrideState) Terminal() bool {
	switch s {
	case OverrideApproved, OverrideDenied, OverrideExpired, OverrideWithdrawn:
		return true
	}
	return false
}

// Vote is a single approver's verdict on an override request. Each
// approver may vote exactly once.
type Vote struct {
	Approver string    `json:"approver"`
	Approve  bool      `json:"approve"`
	Reason   string    `json:"reason,omitempty"`
	CastAt   time.Time `json:"cast_at"`
}

// OverrideRequest lets a denied action proceed after dual human
// approval. Approved requires Quorum distinct approve votes and zero
// deny votes before SLADeadline.
type OverrideRequest struct {
	ID        string        `json:"id"`
	ActionID  string        `json:"action_id"`
	Requester string        `json:"requester"`
	Reason    string        `json:"reason"`
	Status    OverrideState `json:"status"`
	Votes     []Vote        `json:"votes,omitempty"`
	Quorum    int           `json:"quorum"`

	// Version is the optimistic concurrency counter; every transition
	// increments it and stores reject stale writes.
	Version uint64 `json:"version"`

	SLADeadline time.Time `json:"sla_deadline"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// Approvals counts distinct approve votes.
func (r *OverrideRequest) Approvals() int {
	n := 0
	for _, v := range r.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// HasVoted reports whether the approver already cast a vote.
func (r *OverrideRequest) HasVoted(approver string) bool {
	for _, v := range r.Votes {
		if v.Approver == approver {
			return true
		}
	}
	return false
}
