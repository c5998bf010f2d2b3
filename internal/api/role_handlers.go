package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

type createRoleBody struct {
	Code           string   `json:"code" binding:"required"`
	Name           string   `json:"name" binding:"required"`
	HierarchyLevel int      `json:"hierarchyLevel"`
	IsSystemRole   bool     `json:"isSystemRole"`
	IsActive       bool     `json:"isActive"`
	PermissionIDs  []string `json:"permissionIds"`
	ParentRoleIDs  []string `json:"parentRoleIds"`
}

// handleCreateRole implements POST /roles (spec §3, §4.9).
func (s *Server) handleCreateRole(c *gin.Context) {
	var body createRoleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeClassifiedError(c, errors.InvalidConditions("api.handleCreateRole", err.Error()))
		return
	}

	r := &models.Role{
		Code:           body.Code,
		Name:           body.Name,
		HierarchyLevel: body.HierarchyLevel,
		IsSystemRole:   body.IsSystemRole,
		IsActive:       body.IsActive,
	}
	if err := s.store.CreateRole(c.Request.Context(), r, body.PermissionIDs, body.ParentRoleIDs, performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// handleDeleteRole implements DELETE /roles/:id.
func (s *Server) handleDeleteRole(c *gin.Context) {
	if err := s.store.DeleteRole(c.Request.Context(), c.Param("id"), performedBy(c)); err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUsersWithRole implements GET /roles/:id/users.
func (s *Server) handleUsersWithRole(c *gin.Context) {
	users, err := s.store.UsersWithRole(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userIds": users})
}
