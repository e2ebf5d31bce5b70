package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
)

func newTestManager(t *testing.T, cfg config.ApprovalConfig) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewManager(cfg, log)
}

func defaultCfg() config.ApprovalConfig {
	return config.ApprovalConfig{
		DefaultTimeoutSecs:    300,
		HistoryRetentionHours: 24,
		AutoApproveLowRisk:    false,
	}
}

func req(risk RiskLevel) *Request {
	return &Request{
		Description: "delete the staging database",
		ActionType:  "destructive",
		Environment: "staging",
		Risk:        risk,
	}
}

func TestRequestGoesPending(t *testing.T) {
	m := newTestManager(t, defaultCfg())

	id, status := m.RequestApproval(req(RiskHigh))
	assert.NotEmpty(t, id)
	assert.Equal(t, StatusPending, status)
	assert.Len(t, m.Pending(), 1)
}

func TestAutoApproveLowRisk(t *testing.T) {
	cfg := defaultCfg()
	cfg.AutoApproveLowRisk = true
	m := newTestManager(t, cfg)

	id, status := m.RequestApproval(req(RiskLow))
	assert.Equal(t, StatusApproved, status)
	assert.Empty(t, m.Pending())

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, id, history[0].RequestID)
	assert.Equal(t, StatusApproved, history[0].Status)
}

func TestAutoApproveRequiresAllThreeConditions(t *testing.T) {
	// Flag off: low risk still goes pending.
	m := newTestManager(t, defaultCfg())
	_, status := m.RequestApproval(req(RiskLow))
	assert.Equal(t, StatusPending, status)

	// Flag on, but risk above Low.
	cfg := defaultCfg()
	cfg.AutoApproveLowRisk = true
	m = newTestManager(t, cfg)
	_, status = m.RequestApproval(req(RiskMedium))
	assert.Equal(t, StatusPending, status)

	// Flag on, low risk, but a policy matches.
	m = newTestManager(t, cfg)
	m.AddPolicy(Policy{Name: "all-destructive", ActionTypes: []string{"destructive"}})
	_, status = m.RequestApproval(req(RiskLow))
	assert.Equal(t, StatusPending, status)
}

func TestApproveAndHistory(t *testing.T) {
	m := newTestManager(t, defaultCfg())
	id, _ := m.RequestApproval(req(RiskHigh))

	require.NoError(t, m.Approve(id, "alice", "reviewed"))
	assert.Empty(t, m.Pending())

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusApproved, history[0].Status)
	assert.Equal(t, "alice", history[0].DecidedBy)

	// A second decision on the same request fails.
	assert.ErrorIs(t, m.Approve(id, "bob", ""), ErrRequestNotFound)
}

func TestRejectAndModify(t *testing.T) {
	m := newTestManager(t, defaultCfg())

	rejectID, _ := m.RequestApproval(req(RiskHigh))
	require.NoError(t, m.Reject(rejectID, "alice", "too risky"))

	modID, _ := m.RequestApproval(req(RiskMedium))
	require.NoError(t, m.ApproveWithModifications(modID, "alice", "drop only the temp tables", "narrower scope"))

	history := m.History()
	require.Len(t, history, 2)
	assert.Equal(t, StatusRejected, history[0].Status)
	assert.Equal(t, StatusApprovedWithModifications, history[1].Status)
	assert.Equal(t, "drop only the temp tables", history[1].ModifiedAction)
}

func TestPolicyDeniesApprover(t *testing.T) {
	m := newTestManager(t, defaultCfg())
	m.AddPolicy(Policy{
		Name:             "prod-guard",
		ActionTypes:      []string{"destructive"},
		AllowedApprovers: []string{"alice"},
	})

	id, _ := m.RequestApproval(req(RiskHigh))
	assert.ErrorIs(t, m.Approve(id, "mallory", ""), ErrPolicyDenied)
	require.NoError(t, m.Approve(id, "alice", ""))
}

func TestTimeoutSweep(t *testing.T) {
	cfg := defaultCfg()
	cfg.DefaultTimeoutSecs = 1
	m := newTestManager(t, cfg)

	id, _ := m.RequestApproval(&Request{
		Description: "risky",
		ActionType:  "deploy",
		Risk:        RiskCritical,
	})

	time.Sleep(1100 * time.Millisecond)
	expired := m.CheckTimeouts()
	require.Contains(t, expired, id)

	history := m.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusTimeout, history[0].Status)

	// The sweep records the timeout exactly once.
	assert.Empty(t, m.CheckTimeouts())
	assert.Len(t, m.History(), 1)
}

func TestWaitForDecision(t *testing.T) {
	m := newTestManager(t, defaultCfg())
	id, _ := m.RequestApproval(req(RiskHigh))

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = m.Approve(id, "alice", "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := m.WaitForDecision(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, result.Status)
}

func TestWaitForDecisionContextDeadline(t *testing.T) {
	m := newTestManager(t, defaultCfg())
	id, _ := m.RequestApproval(req(RiskHigh))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := m.WaitForDecision(ctx, id)
	assert.ErrorIs(t, err, ErrDecisionTimeout)
}
