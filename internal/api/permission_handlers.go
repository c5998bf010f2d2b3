package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

type createPermissionBody struct {
	Code         string                 `json:"code" binding:"required"`
	Resource     string                 `json:"resource" binding:"required"`
	Action       models.PermissionAction `json:"action" binding:"required"`
	Scope        *models.PermissionScope `json:"scope"`
	Group        *string                `json:"group"`
	Dependencies models.StringSlice     `json:"dependencies"`
	IsActive     bool                   `json:"isActive"`
}

// handleCreatePermission implements POST /permissions (spec §3, §4.9).
func (s *Server) handleCreatePermission(c *gin.Context) {
	var body createPermissionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleCreatePermission", err.Error()))
		return
	}
	if !body.Action.IsValid() {
		writeClassifiedError(c, errors.InvalidAction("api.handleCreatePermission", string(body.Action)))
		return
	}

	p := &models.Permission{
		Code:         body.Code,
		Resource:     body.Resource,
		Action:       body.Action,
		Scope:        body.Scope,
		Group:        body.Group,
		Dependencies: body.Dependencies,
		IsActive:     body.IsActive,
	}
	if err := s.store.CreatePermission(c.Request.Context(), p, performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

type updatePermissionBody struct {
	Resource     string                  `json:"resource" binding:"required"`
	Action       models.PermissionAction `json:"action" binding:"required"`
	Scope        *models.PermissionScope `json:"scope"`
	Group        *string                 `json:"group"`
	Dependencies models.StringSlice      `json:"dependencies"`
	IsActive     bool                    `json:"isActive"`
}

// handleUpdatePermission implements PUT /permissions/:id.
func (s *Server) handleUpdatePermission(c *gin.Context) {
	var body updatePermissionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleUpdatePermission", err.Error()))
		return
	}

	p := &models.Permission{
		ID:           c.Param("id"),
		Resource:     body.Resource,
		Action:       body.Action,
		Scope:        body.Scope,
		Group:        body.Group,
		Dependencies: body.Dependencies,
		IsActive:     body.IsActive,
	}
	if err := s.store.UpdatePermission(c.Request.Context(), p, performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// handleDeletePermission implements DELETE /permissions/:id.
func (s *Server) handleDeletePermission(c *gin.Context) {
	if err := s.store.DeletePermission(c.Request.Context(), c.Param("id"), performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
