// Package api implements the authorization core's HTTP surface (spec
// §6, C1-C14's front door): gin handlers and middleware exposing the
// Check Engine, Bulk Operations, Grant Store mutations, and the
// Monitoring Surface over JSON, grounded on the teacher's
// internal/api server/middleware wiring.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexus-iam/authz-core/internal/config"
	"github.com/nexus-iam/authz-core/internal/repository"
	"github.com/nexus-iam/authz-core/pkg/authz/bulk"
	"github.com/nexus-iam/authz-core/pkg/authz/check"
	"github.com/nexus-iam/authz-core/pkg/authz/monitoring"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

// Server wires the Check Engine, Bulk Operations service, Grant Store,
// and Monitoring Surface onto a gin router.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.APIConfig

	checkEngine *check.Engine
	bulkSvc     *bulk.Service
	store       *repository.GrantStore
	monitor     *monitoring.Reporter

	logger    observability.Logger
	closeRate func()
}

// Deps collects Server's collaborators.
type Deps struct {
	Config      config.APIConfig
	CheckEngine *check.Engine
	Bulk        *bulk.Service
	Store       *repository.GrantStore
	Monitor     *monitoring.Reporter
	Logger      observability.Logger
	Metrics     observability.MetricsClient
	Tracer      observability.StartSpanFunc
}

// NewServer builds a Server and registers every route.
func NewServer(deps Deps) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(deps.Logger))
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(TracingMiddleware(deps.Tracer))
	router.Use(ErrorHandlerMiddleware())

	if deps.Config.EnableCORS {
		router.Use(CORSMiddleware(deps.Config.CORSOrigins))
	}

	s := &Server{
		router:      router,
		cfg:         deps.Config,
		checkEngine: deps.CheckEngine,
		bulkSvc:     deps.Bulk,
		store:       deps.Store,
		monitor:     deps.Monitor,
		logger:      deps.Logger,
	}

	validator := NewJWTValidator(deps.Config.Auth)
	router.Use(AuthMiddleware(validator, deps.Config.Auth.RequireAuth))

	if deps.Config.RateLimit.Enabled {
		mw, closeFn := RateLimiter(deps.Config.RateLimit)
		router.Use(mw)
		s.closeRate = closeFn
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         deps.Config.ListenAddress,
		Handler:      router,
		ReadTimeout:  deps.Config.ReadTimeout,
		WriteTimeout: deps.Config.WriteTimeout,
		IdleTimeout:  deps.Config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	base := s.router.Group(s.cfg.BasePath)

	base.POST("/permissions/check", s.handleCheck)
	base.POST("/permissions/batch-check", s.handleBatchCheck)

	base.POST("/permissions", s.handleCreatePermission)
	base.PUT("/permissions/:id", s.handleUpdatePermission)
	base.DELETE("/permissions/:id", s.handleDeletePermission)

	base.POST("/roles", s.handleCreateRole)
	base.DELETE("/roles/:id", s.handleDeleteRole)
	base.GET("/roles/:id/users", s.handleUsersWithRole)

	base.POST("/user-permissions/grant", s.handleGrantUser)
	base.POST("/user-permissions/revoke", s.handleRevokeUser)
	base.POST("/user-permissions/bulk-grant", s.handleBulkGrant)
	base.POST("/user-permissions/bulk-revoke", s.handleBulkRevoke)

	base.POST("/permission-delegations", s.handleCreateDelegation)
	base.POST("/permission-delegations/:id/revoke", s.handleRevokeDelegation)
	base.POST("/permission-delegations/:id/extend", s.handleExtendDelegation)

	base.POST("/change-history/:id/rollback", s.handleRollback)

	base.GET("/permissions/monitoring/health", s.handleHealth)
	base.GET("/circuit-breakers", s.handleCircuitBreakers)
	base.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start runs the HTTP server, blocking until Shutdown is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server and the rate limiter's
// background sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeRate != nil {
		s.closeRate()
	}
	return s.httpServer.Shutdown(ctx)
}
