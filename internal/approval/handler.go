package approval

import (
	"context"
	"time"

	"github.com/nwiizo/ccswarm/internal/workflow"
)

// WorkflowGate adapts the manager into the workflow engine's approval
// handler: each approval node files a request and blocks until an
// operator decides or the window passes.
func WorkflowGate(m *Manager, window time.Duration) func(ctx context.Context, node *workflow.Node) (bool, error) {
	return func(ctx context.Context, node *workflow.Node) (bool, error) {
		req := &Request{
			Description: node.Approval.Message,
			ActionType:  "workflow_approval",
			Risk:        RiskMedium,
		}
		id, status := m.RequestApproval(req)
		if status == StatusApproved {
			return true, nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, window)
		defer cancel()

		result, err := m.WaitForDecision(waitCtx, id)
		if err != nil {
			return false, err
		}
		approved := result.Status == StatusApproved || result.Status == StatusApprovedWithModifications
		return approved, nil
	}
}
