package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nwiizo/ccswarm/internal/common/config"
	"github.com/nwiizo/ccswarm/internal/common/logger"
)

var (
	// ErrRequestNotFound is returned for decisions on unknown or already
	// decided requests.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrPolicyDenied is returned when the approver is inadmissible.
	ErrPolicyDenied = errors.New("approver denied by policy")
	// ErrDecisionTimeout is returned by WaitForDecision on deadline.
	ErrDecisionTimeout = errors.New("timed out waiting for decision")
)

// decisionPoll is the WaitForDecision polling interval.
const decisionPoll = 100 * time.Millisecond

// Manager is the stateless (single-approval) HITL engine: requests go
// pending, operators decide, a sweeper times out the rest.
type Manager struct {
	logger *logger.Logger
	cfg    config.ApprovalConfig

	mu       sync.Mutex
	policies []Policy
	pending  map[string]*Request
	history  []Result
}

// NewManager creates an approval manager.
func NewManager(cfg config.ApprovalConfig, log *logger.Logger) *Manager {
	return &Manager{
		logger:  log.WithFields(zap.String("component", "approval")),
		cfg:     cfg,
		pending: make(map[string]*Request),
	}
}

// AddPolicy registers a policy. Policies only ever narrow who may decide;
// a request matched by any policy is never auto-approved.
func (m *Manager) AddPolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
}

// RequestApproval files a request. When no policy matches, the risk is
// Low, and auto-approval is enabled, the request is approved immediately;
// otherwise it goes pending until decided or expired.
func (m *Manager) RequestApproval(req *Request) (string, Status) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(time.Duration(m.cfg.DefaultTimeoutSecs) * time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()

	matched := false
	for i := range m.policies {
		if m.policies[i].Matches(req) {
			matched = true
			break
		}
	}

	if !matched && m.cfg.AutoApproveLowRisk && req.Risk == RiskLow {
		m.recordLocked(Result{
			RequestID: req.ID,
			Status:    StatusApproved,
			Reason:    "auto-approved: low risk, no matching policy",
			DecidedAt: now,
		})
		m.logger.Info("request auto-approved",
			zap.String("request_id", req.ID),
			zap.String("action_type", req.ActionType))
		return req.ID, StatusApproved
	}

	m.pending[req.ID] = req
	m.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("action_type", req.ActionType),
		zap.String("risk", string(req.Risk)))
	return req.ID, StatusPending
}

// Approve resolves a pending request as approved.
func (m *Manager) Approve(id, by, reason string) error {
	return m.decide(id, by, Result{Status: StatusApproved, Reason: reason})
}

// Reject resolves a pending request as rejected.
func (m *Manager) Reject(id, by, reason string) error {
	return m.decide(id, by, Result{Status: StatusRejected, Reason: reason})
}

// ApproveWithModifications approves but substitutes the action.
func (m *Manager) ApproveWithModifications(id, by, modifiedAction, reason string) error {
	return m.decide(id, by, Result{
		Status:         StatusApprovedWithModifications,
		Reason:         reason,
		ModifiedAction: modifiedAction,
	})
}

func (m *Manager) decide(id, by string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[id]
	if !ok {
		return fmt.Errorf("request %q: %w", id, ErrRequestNotFound)
	}

	if by != "" {
		for i := range m.policies {
			if m.policies[i].Matches(req) && !m.policies[i].CanApprove(by) {
				return fmt.Errorf("approver %q on request %q: %w", by, id, ErrPolicyDenied)
			}
		}
	}

	delete(m.pending, id)
	result.RequestID = id
	result.DecidedBy = by
	result.DecidedAt = time.Now().UTC()
	m.recordLocked(result)

	m.logger.Info("approval decided",
		zap.String("request_id", id),
		zap.String("status", string(result.Status)),
		zap.String("by", by))
	return nil
}

// CheckTimeouts sweeps expired pendings into Timeout results and returns
// the expired ids. Each expiry is recorded exactly once.
func (m *Manager) CheckTimeouts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var expired []string
	for id, req := range m.pending {
		if now.After(req.ExpiresAt) {
			expired = append(expired, id)
			delete(m.pending, id)
			m.recordLocked(Result{
				RequestID: id,
				Status:    StatusTimeout,
				Reason:    "approval timed out",
				DecidedAt: now,
			})
		}
	}

	if len(expired) > 0 {
		m.logger.Warn("approvals timed out", zap.Int("count", len(expired)))
	}
	return expired
}

// RunSweeper sweeps timeouts on the given interval until the context ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimeouts()
		}
	}
}

// WaitForDecision polls until the request leaves pending, the request
// expires, or the context ends.
func (m *Manager) WaitForDecision(ctx context.Context, id string) (Result, error) {
	for {
		m.mu.Lock()
		_, stillPending := m.pending[id]
		if !stillPending {
			for i := len(m.history) - 1; i >= 0; i-- {
				if m.history[i].RequestID == id {
					result := m.history[i]
					m.mu.Unlock()
					return result, nil
				}
			}
			m.mu.Unlock()
			return Result{}, fmt.Errorf("request %q: %w", id, ErrRequestNotFound)
		}
		m.mu.Unlock()

		m.CheckTimeouts()

		select {
		case <-ctx.Done():
			return Result{}, ErrDecisionTimeout
		case <-time.After(decisionPoll):
		}
	}
}

// Pending returns a snapshot of pending requests.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Request, 0, len(m.pending))
	for _, req := range m.pending {
		out = append(out, req)
	}
	return out
}

// History returns the retained results, pruned to the retention window.
func (m *Manager) History() []Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	out := make([]Result, len(m.history))
	copy(out, m.history)
	return out
}

// recordLocked appends to history; caller holds the lock.
func (m *Manager) recordLocked(result Result) {
	m.history = append(m.history, result)
	m.pruneLocked()
}

func (m *Manager) pruneLocked() {
	cutoff := time.Now().UTC().Add(-time.Duration(m.cfg.HistoryRetentionHours) * time.Hour)
	firstKept := 0
	for firstKept < len(m.history) && m.history[firstKept].DecidedAt.Before(cutoff) {
		firstKept++
	}
	if firstKept > 0 {
		m.history = m.history[firstKept:]
	}
}
