package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkflow(required int, policies []Policy, action TimeoutAction, maxLevels int, window time.Duration) *WorkflowState {
	return NewWorkflow(req(RiskCritical), required, policies, action, maxLevels, window)
}

func TestWorkflowApprovalThreshold(t *testing.T) {
	w := newWorkflow(2, nil, TimeoutReject, 0, time.Minute)

	status, err := w.Approve("alice", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	status, err = w.Approve("bob", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
}

func TestWorkflowDuplicateApprover(t *testing.T) {
	w := newWorkflow(2, nil, TimeoutReject, 0, time.Minute)

	_, err := w.Approve("alice", "")
	require.NoError(t, err)
	_, err = w.Approve("alice", "again")
	assert.ErrorIs(t, err, ErrDuplicateApprover)
}

func TestWorkflowPolicyAdmissibility(t *testing.T) {
	policies := []Policy{{
		Name:             "seniors-only",
		AllowedApprovers: []string{"alice", "bob"},
	}}
	w := newWorkflow(1, policies, TimeoutReject, 0, time.Minute)

	_, err := w.Approve("mallory", "")
	assert.ErrorIs(t, err, ErrPolicyDenied)

	status, err := w.Approve("alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
}

func TestWorkflowRequiredApprovers(t *testing.T) {
	policies := []Policy{{
		Name:              "security-signoff",
		RequiredApprovers: []string{"security-lead"},
	}}
	w := newWorkflow(1, policies, TimeoutReject, 0, time.Minute)

	// Threshold met but the required approver has not voted.
	status, err := w.Approve("alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	status, err = w.Approve("security-lead", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
}

func TestWorkflowRejectionIsFinal(t *testing.T) {
	w := newWorkflow(2, nil, TimeoutReject, 0, time.Minute)

	status, err := w.Reject("alice", "unsafe")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, status)

	_, err = w.Approve("bob", "")
	assert.ErrorIs(t, err, ErrWorkflowDecided)
}

func TestWorkflowTimeoutReject(t *testing.T) {
	w := newWorkflow(1, nil, TimeoutReject, 0, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusTimeout, w.CheckTimeout())
}

func TestWorkflowTimeoutApprove(t *testing.T) {
	w := newWorkflow(1, nil, TimeoutApprove, 0, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusApproved, w.CheckTimeout())
}

func TestWorkflowTimeoutEscalates(t *testing.T) {
	w := newWorkflow(1, nil, TimeoutEscalate, 2, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusPending, w.CheckTimeout(), "first escalation resets the deadline")
	assert.Equal(t, 1, w.EscalationLevel())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusPending, w.CheckTimeout())
	assert.Equal(t, 2, w.EscalationLevel())

	// Past the level bound the workflow finally times out.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusTimeout, w.CheckTimeout())
}

func TestWorkflowTimeoutExtend(t *testing.T) {
	w := newWorkflow(1, nil, TimeoutExtend, 0, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusPending, w.CheckTimeout())

	status, err := w.Approve("alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)
}
