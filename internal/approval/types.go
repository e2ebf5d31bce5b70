// Package approval implements the human-in-the-loop gate: policy-driven
// single approvals with timeout sweeping, and stateful multi-approval
// workflows with escalation.
package approval

import (
	"time"
)

// RiskLevel grades how dangerous an action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Status is the lifecycle of an approval request. Transitions out of
// Pending are final.
type Status string

const (
	StatusPending                   Status = "pending"
	StatusApproved                  Status = "approved"
	StatusApprovedWithModifications Status = "approved_with_modifications"
	StatusRejected                  Status = "rejected"
	StatusTimeout                   Status = "timeout"
)

// Request asks for permission to perform an action.
type Request struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	ActionType  string    `json:"action_type"`
	Environment string    `json:"environment,omitempty"`
	Risk        RiskLevel `json:"risk"`
	AgentID     string    `json:"agent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Result is the terminal outcome of one request. Exactly one result is
// recorded per request.
type Result struct {
	RequestID      string    `json:"request_id"`
	Status         Status    `json:"status"`
	DecidedBy      string    `json:"decided_by,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ModifiedAction string    `json:"modified_action,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// Policy matches requests and constrains who may approve them. All policy
// evaluation is pure.
type Policy struct {
	Name              string      `json:"name"`
	ActionTypes       []string    `json:"action_types,omitempty"`
	Environments      []string    `json:"environments,omitempty"`
	RiskLevels        []RiskLevel `json:"risk_levels,omitempty"`
	AllowedApprovers  []string    `json:"allowed_approvers,omitempty"`
	RequiredApprovers []string    `json:"required_approvers,omitempty"`
}

// Matches reports whether the policy applies to a request. Empty filter
// lists match everything.
func (p *Policy) Matches(req *Request) bool {
	if len(p.ActionTypes) > 0 && !contains(p.ActionTypes, req.ActionType) {
		return false
	}
	if len(p.Environments) > 0 && !contains(p.Environments, req.Environment) {
		return false
	}
	if len(p.RiskLevels) > 0 {
		found := false
		for _, r := range p.RiskLevels {
			if r == req.Risk {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CanApprove reports whether the approver is admissible under the policy.
func (p *Policy) CanApprove(approver string) bool {
	if len(p.AllowedApprovers) == 0 {
		return true
	}
	return contains(p.AllowedApprovers, approver)
}

// AllRequiredApproved reports whether every required approver is present.
func (p *Policy) AllRequiredApproved(approvers []string) bool {
	for _, required := range p.RequiredApprovers {
		if !contains(approvers, required) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
