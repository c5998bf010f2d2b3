package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexus-iam/authz-core/pkg/errors"
)

type createDelegationBody struct {
	DelegatorID     string    `json:"delegatorId" binding:"required"`
	DelegateID      string    `json:"delegateId" binding:"required"`
	PermissionCodes []string  `json:"permissionCodes" binding:"required"`
	ValidFrom       time.Time `json:"validFrom" binding:"required"`
	ValidUntil      time.Time `json:"validUntil" binding:"required"`
	Reason          string    `json:"reason"`
}

// handleCreateDelegation implements POST /permission-delegations (spec
// §4.9, §8 scenario S3).
func (s *Server) handleCreateDelegation(c *gin.Context) {
	var body createDelegationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleCreateDelegation", err.Error()))
		return
	}

	delegation, err := s.store.CreateDelegation(c.Request.Context(), body.DelegatorID, body.DelegateID,
		body.PermissionCodes, body.ValidFrom, body.ValidUntil, body.Reason, performedBy(c))
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, delegation)
}

type revokeDelegationBody struct {
	RequesterID   string `json:"requesterId" binding:"required"`
	IsSuperadmin  bool   `json:"isSuperadmin"`
	RevokedReason string `json:"revokedReason"`
}

// handleRevokeDelegation implements POST /permission-delegations/:id/revoke.
func (s *Server) handleRevokeDelegation(c *gin.Context) {
	var body revokeDelegationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleRevokeDelegation", err.Error()))
		return
	}

	err := s.store.RevokeDelegation(c.Request.Context(), c.Param("id"), body.RequesterID, body.IsSuperadmin, body.RevokedReason, performedBy(c))
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type extendDelegationBody struct {
	RequesterID   string    `json:"requesterId" binding:"required"`
	NewValidUntil time.Time `json:"newValidUntil" binding:"required"`
}

// handleExtendDelegation implements POST /permission-delegations/:id/extend.
func (s *Server) handleExtendDelegation(c *gin.Context) {
	var body extendDelegationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleExtendDelegation", err.Error()))
		return
	}

	if err := s.store.ExtendDelegation(c.Request.Context(), c.Param("id"), body.RequesterID, body.NewValidUntil, performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
