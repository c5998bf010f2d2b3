package api

import "github.com/gin-gonic/gin"

// handleHealth implements GET /permissions/monitoring/health (spec
// §4.13), the full derived status: rolling check metrics plus every
// circuit breaker registry. A degraded/unhealthy status is still
// reported as 200 — callers branch on the status field, not the HTTP
// code, since a health probe that 503s on its own breaker openness
// complicates load-balancer handling for no benefit.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, s.monitor.Status())
}

// handleCircuitBreakers implements GET /circuit-breakers, the same
// Reporter snapshot narrowed to just the breaker list.
func (s *Server) handleCircuitBreakers(c *gin.Context) {
	status := s.monitor.Status()
	c.JSON(200, gin.H{"circuitBreakers": status.CircuitBreakers})
}
