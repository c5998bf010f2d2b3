package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nexus-iam/authz-core/pkg/errors"
)

type grantUserBody struct {
	UserID       string          `json:"userId" binding:"required"`
	PermissionID string          `json:"permissionId" binding:"required"`
	Conditions   json.RawMessage `json:"conditions"`
	Priority     int             `json:"priority"`
	IsTemporary  bool            `json:"isTemporary"`
	ValidFrom    *time.Time      `json:"validFrom"`
	ValidUntil   *time.Time      `json:"validUntil"`
	GrantReason  string          `json:"grantReason"`
}

// handleGrantUser implements POST /user-permissions/grant (spec §4.9).
func (s *Server) handleGrantUser(c *gin.Context) {
	var body grantUserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleGrantUser", err.Error()))
		return
	}

	err := s.store.GrantUser(c.Request.Context(), body.UserID, body.PermissionID, body.Conditions,
		body.Priority, body.IsTemporary, body.ValidFrom, body.ValidUntil, body.GrantReason, performedBy(c))
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type revokeUserBody struct {
	UserID       string `json:"userId" binding:"required"`
	PermissionID string `json:"permissionId" binding:"required"`
	RevokeReason string `json:"revokeReason"`
}

// handleRevokeUser implements POST /user-permissions/revoke.
func (s *Server) handleRevokeUser(c *gin.Context) {
	var body revokeUserBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleRevokeUser", err.Error()))
		return
	}

	if err := s.store.RevokeUser(c.Request.Context(), body.UserID, body.PermissionID, body.RevokeReason, performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
