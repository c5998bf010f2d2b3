package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-iam/authz-core/pkg/authz/bulk"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

type bulkGrantBody struct {
	TargetIDs       []string        `json:"targetIds" binding:"required"`
	PermissionCodes []string        `json:"permissionCodes" binding:"required"`
	Conditions      json.RawMessage `json:"conditions"`
	Priority        int             `json:"priority"`
}

// handleBulkGrant implements POST /user-permissions/bulk-grant (spec
// §4.9, §8 scenario S6; capped at bulkMaxTargets x bulkMaxPermissions
// pairs by the Grant Store).
func (s *Server) handleBulkGrant(c *gin.Context) {
	var body bulkGrantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleBulkGrant", err.Error()))
		return
	}

	result, err := s.bulkSvc.Grant(c.Request.Context(), bulk.GrantRequest{
		TargetIDs:       body.TargetIDs,
		PermissionCodes: body.PermissionCodes,
		Conditions:      body.Conditions,
		Priority:        body.Priority,
		PerformedBy:     performedBy(c),
	})
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type bulkRevokeBody struct {
	TargetIDs       []string `json:"targetIds" binding:"required"`
	PermissionCodes []string `json:"permissionCodes" binding:"required"`
	ForceRevoke     bool     `json:"forceRevoke"`
	RevokeReason    string   `json:"revokeReason"`
}

// handleBulkRevoke implements POST /user-permissions/bulk-revoke.
func (s *Server) handleBulkRevoke(c *gin.Context) {
	var body bulkRevokeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleBulkRevoke", err.Error()))
		return
	}

	result, err := s.bulkSvc.Revoke(c.Request.Context(), bulk.RevokeRequest{
		TargetIDs:       body.TargetIDs,
		PermissionCodes: body.PermissionCodes,
		ForceRevoke:     body.ForceRevoke,
		RevokeReason:    body.RevokeReason,
		PerformedBy:     performedBy(c),
	})
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
