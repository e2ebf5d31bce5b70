package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nwiizo/ccswarm/internal/approval"
	"github.com/nwiizo/ccswarm/internal/common/apperr"
)

// approvalKindOf maps approval-layer sentinels onto the apperr taxonomy.
func approvalKindOf(err error) error {
	switch {
	case errors.Is(err, approval.ErrRequestNotFound):
		return apperr.Wrap(apperr.KindNotFound, "approval request not found", err)
	case errors.Is(err, approval.ErrPolicyDenied):
		return apperr.Wrap(apperr.KindPolicyDenied, "approver denied by policy", err)
	default:
		return apperr.Wrap(apperr.KindInternal, "approval operation failed", err)
	}
}

// DecisionRequest is the body of the approval decision endpoints.
type DecisionRequest struct {
	By             string `json:"by"`
	Reason         string `json:"reason,omitempty"`
	ModifiedAction string `json:"modified_action,omitempty"`
}

func (s *Server) handleListApprovals(c *gin.Context) {
	pending := s.approvals.Pending()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"total":   len(pending),
	})
}

func (s *Server) handleApprovalHistory(c *gin.Context) {
	history := s.approvals.History()
	c.JSON(http.StatusOK, gin.H{
		"results": history,
		"total":   len(history),
	})
}

func (s *Server) handleApprove(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWith(c, apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err))
		return
	}
	if err := s.approvals.Approve(c.Param("id"), req.By, req.Reason); err != nil {
		s.abortWith(c, approvalKindOf(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReject(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWith(c, apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err))
		return
	}
	if err := s.approvals.Reject(c.Param("id"), req.By, req.Reason); err != nil {
		s.abortWith(c, approvalKindOf(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleModify(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWith(c, apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err))
		return
	}
	if req.ModifiedAction == "" {
		s.abortWith(c, apperr.New(apperr.KindInvalidArgument, "modified_action must not be empty"))
		return
	}
	if err := s.approvals.ApproveWithModifications(c.Param("id"), req.By, req.ModifiedAction, req.Reason); err != nil {
		s.abortWith(c, approvalKindOf(err))
		return
	}
	c.Status(http.StatusNoContent)
}
