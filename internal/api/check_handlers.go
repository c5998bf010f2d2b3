package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-iam/authz-core/pkg/authz/check"
	"github.com/nexus-iam/authz-core/pkg/authz/policy"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

type checkRequestBody struct {
	Resource   string                     `json:"resource" binding:"required"`
	Action     string                     `json:"action" binding:"required"`
	Scope      string                     `json:"scope"`
	ResourceID string                     `json:"resourceId"`
	Context    *policy.EvaluationContext `json:"context"`
}

// handleCheck implements POST /permissions/check (spec §6, §4.10).
func (s *Server) handleCheck(c *gin.Context) {
	var body checkRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleCheck", err.Error()))
		return
	}

	claims, ok := claimsFrom(c)
	if !ok {
		writeClassifiedError(c, errors.Denied("api.handleCheck", "no authenticated principal"))
		return
	}

	result, err := s.checkEngine.Check(c.Request.Context(), check.CheckRequest{
		UserID:       claims.ProfileID,
		IsSuperadmin: claims.IsSuperadmin,
		Resource:     body.Resource,
		Action:       body.Action,
		Scope:        body.Scope,
		ResourceID:   body.ResourceID,
		Context:      body.Context,
	})
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type batchCheckRequestBody struct {
	Checks []check.Triple `json:"checks" binding:"required"`
}

// handleBatchCheck implements POST /permissions/batch-check (spec
// §6, §4.10: batch of ≤100 triples).
func (s *Server) handleBatchCheck(c *gin.Context) {
	var body batchCheckRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleBatchCheck", err.Error()))
		return
	}

	claims, ok := claimsFrom(c)
	if !ok {
		writeClassifiedError(c, errors.Denied("api.handleBatchCheck", "no authenticated principal"))
		return
	}

	if len(body.Checks) > check.BatchMaxSize {
		writeClassifiedError(c, errors.BatchSizeExceeded("api.handleBatchCheck", len(body.Checks), check.BatchMaxSize))
		return
	}

	result, err := s.checkEngine.BatchCheck(c.Request.Context(), claims.ProfileID, claims.IsSuperadmin, body.Checks)
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
