package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleRollback implements POST /change-history/:id/rollback (spec
// §4.4), replaying the inverse of the named history entry inside one
// transaction and firing the same invalidation cascade a fresh
// grant/revoke would.
func (s *Server) handleRollback(c *gin.Context) {
	entry, err := s.store.RollbackChange(c.Request.Context(), c.Param("id"), performedBy(c))
	if err != nil {
		writeClassifiedError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
