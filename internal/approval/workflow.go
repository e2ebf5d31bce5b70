package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimeoutAction is what a multi-approval workflow does when its deadline
// passes.
type TimeoutAction string

const (
	TimeoutReject   TimeoutAction = "reject"
	TimeoutApprove  TimeoutAction = "approve"
	TimeoutEscalate TimeoutAction = "escalate"
	TimeoutExtend   TimeoutAction = "extend"
)

var (
	// ErrWorkflowDecided is returned for votes on a finished workflow.
	ErrWorkflowDecided = errors.New("approval workflow already decided")
	// ErrDuplicateApprover is returned when an approver votes twice.
	ErrDuplicateApprover = errors.New("approver already voted")
)

// Vote is one recorded approval or rejection.
type Vote struct {
	Approver string    `json:"approver"`
	Reason   string    `json:"reason,omitempty"`
	VotedAt  time.Time `json:"voted_at"`
}

// WorkflowState is a stateful multi-approval: it completes as Approved
// once enough admissible approvals arrive and every policy's required
// approvers have voted.
type WorkflowState struct {
	ID                string        `json:"id"`
	Request           *Request      `json:"request"`
	RequiredApprovals int           `json:"required_approvals"`
	Policies          []Policy      `json:"policies,omitempty"`
	TimeoutAction     TimeoutAction `json:"timeout_action"`
	MaxLevels         int           `json:"max_levels"`
	Window            time.Duration `json:"window"`

	mu              sync.Mutex
	status          Status
	approvals       []Vote
	rejections      []Vote
	escalationLevel int
	deadline        time.Time
}

// NewWorkflow starts a multi-approval workflow for a request.
func NewWorkflow(req *Request, requiredApprovals int, policies []Policy, timeoutAction TimeoutAction, maxLevels int, window time.Duration) *WorkflowState {
	if requiredApprovals < 1 {
		requiredApprovals = 1
	}
	return &WorkflowState{
		ID:                uuid.New().String(),
		Request:           req,
		RequiredApprovals: requiredApprovals,
		Policies:          policies,
		TimeoutAction:     timeoutAction,
		MaxLevels:         maxLevels,
		Window:            window,
		status:            StatusPending,
		deadline:          time.Now().UTC().Add(window),
	}
}

// Status returns the workflow status.
func (w *WorkflowState) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// EscalationLevel returns the current escalation level.
func (w *WorkflowState) EscalationLevel() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.escalationLevel
}

// Approvals returns a copy of the recorded approvals.
func (w *WorkflowState) Approvals() []Vote {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Vote(nil), w.approvals...)
}

// Rejections returns a copy of the recorded rejections.
func (w *WorkflowState) Rejections() []Vote {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Vote(nil), w.rejections...)
}

// Approve records an approval. Admissible iff every attached policy
// accepts the approver. The workflow completes as Approved when the
// approval count reaches the threshold and every policy's required
// approvers have voted.
func (w *WorkflowState) Approve(approver, reason string) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusPending {
		return w.status, ErrWorkflowDecided
	}
	for i := range w.Policies {
		if !w.Policies[i].CanApprove(approver) {
			return w.status, fmt.Errorf("approver %q: %w", approver, ErrPolicyDenied)
		}
	}
	for _, v := range w.approvals {
		if v.Approver == approver {
			return w.status, ErrDuplicateApprover
		}
	}

	w.approvals = append(w.approvals, Vote{
		Approver: approver,
		Reason:   reason,
		VotedAt:  time.Now().UTC(),
	})

	if len(w.approvals) >= w.RequiredApprovals && w.allRequiredApprovedLocked() {
		w.status = StatusApproved
	}
	return w.status, nil
}

// Reject records a rejection and finishes the workflow.
func (w *WorkflowState) Reject(approver, reason string) (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusPending {
		return w.status, ErrWorkflowDecided
	}
	w.rejections = append(w.rejections, Vote{
		Approver: approver,
		Reason:   reason,
		VotedAt:  time.Now().UTC(),
	})
	w.status = StatusRejected
	return w.status, nil
}

// CheckTimeout applies the timeout action if the deadline passed.
// Escalate bumps the level (bounded by MaxLevels) and resets the
// deadline; past the bound it degrades to the terminal Timeout status.
func (w *WorkflowState) CheckTimeout() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusPending || time.Now().UTC().Before(w.deadline) {
		return w.status
	}

	switch w.TimeoutAction {
	case TimeoutApprove:
		w.status = StatusApproved
	case TimeoutExtend:
		w.deadline = time.Now().UTC().Add(w.Window)
	case TimeoutEscalate:
		if w.escalationLevel < w.MaxLevels {
			w.escalationLevel++
			w.deadline = time.Now().UTC().Add(w.Window)
		} else {
			w.status = StatusTimeout
		}
	default: // TimeoutReject
		w.status = StatusTimeout
	}
	return w.status
}

func (w *WorkflowState) allRequiredApprovedLocked() bool {
	approvers := make([]string, len(w.approvals))
	for i, v := range w.approvals {
		approvers[i] = v.Approver
	}
	for i := range w.Policies {
		if !w.Policies[i].AllRequiredApproved(approvers) {
			return false
		}
	}
	return true
}
