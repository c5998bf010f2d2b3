// Command server runs the Authorization Core's HTTP surface,
// grounded on the teacher's cmd/server/main.go: load config, wire
// every collaborator, start the HTTP listener in a goroutine, then
// block for SIGINT/SIGTERM and shut everything down with a bounded
// grace period.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/nexus-iam/authz-core/internal/api"
	"github.com/nexus-iam/authz-core/internal/config"
	"github.com/nexus-iam/authz-core/internal/migrations"
	"github.com/nexus-iam/authz-core/internal/repository"
	"github.com/nexus-iam/authz-core/pkg/authz/bulk"
	"github.com/nexus-iam/authz-core/pkg/authz/check"
	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/authz/invalidation"
	"github.com/nexus-iam/authz-core/pkg/authz/matrix"
	"github.com/nexus-iam/authz-core/pkg/authz/monitoring"
	"github.com/nexus-iam/authz-core/pkg/authz/permcache"
	"github.com/nexus-iam/authz-core/pkg/authz/policy"
	"github.com/nexus-iam/authz-core/pkg/authz/scheduler"
	"github.com/nexus-iam/authz-core/pkg/cache"
	"github.com/nexus-iam/authz-core/pkg/observability"
	"github.com/nexus-iam/authz-core/pkg/resilience"
)

// logNotifier implements scheduler.NotificationSink by logging the
// expiring-grants notice; a dedicated delivery channel (email/Slack/
// webhook) is not part of this scope.
type logNotifier struct {
	logger observability.Logger
}

func (n logNotifier) NotifyExpiringGrants(ctx context.Context, userID string, permissionCodes []string) error {
	n.logger.Info("expiring grants notice", map[string]interface{}{
		"userId":          userID,
		"permissionCodes": permissionCodes,
	})
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := observability.NewStandardLogger("authz-core")

	registry := prometheus.NewRegistry()
	metrics := observability.NewPrometheusMetrics(cfg.Metrics.Namespace, registry)

	tracerProvider, err := observability.NewTracerProvider("authz-core")
	if err != nil {
		logger.Error("tracer provider init failed, continuing untraced", map[string]interface{}{"error": err.Error()})
	}
	var startSpan observability.StartSpanFunc
	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		startSpan = observability.NewStartSpanFunc(tracerProvider.Tracer("authz-core"))
	}

	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	migrator := migrations.NewManager(db, migrations.Config{Path: cfg.Migrations.Path})
	if cfg.Migrations.Path != "" {
		if err := migrator.Up(context.Background()); err != nil {
			logger.Error("migrations failed", map[string]interface{}{"error": err.Error()})
		}
	}
	defer migrator.Close()

	redisCache, err := cache.NewRedisCache(cache.RedisConfig{
		Address:      cfg.Cache.Address(),
		Username:     cfg.Cache.Username,
		Password:     cfg.Cache.Password,
		Database:     cfg.Cache.Database,
		DialTimeout:  cfg.Cache.DialTimeout,
		ReadTimeout:  cfg.Cache.ReadTimeout,
		WriteTimeout: cfg.Cache.WriteTimeout,
		PoolSize:     cfg.Cache.PoolSize,
		MinIdleConns: cfg.Cache.MinIdleConns,
		MaxRetries:   cfg.Cache.MaxRetries,
		TLSEnabled:   cfg.Cache.TLSEnabled,
	})
	if err != nil {
		log.Fatalf("connect cache: %v", err)
	}
	defer redisCache.Close()

	breakerManager := resilience.NewManager(logger, metrics, map[string]resilience.Config{
		"database": {
			FailureThreshold:    cfg.Breakers.Database.FailureThreshold,
			MonitoringPeriod:    cfg.Breakers.Database.MonitoringPeriod,
			ResetTimeout:        cfg.Breakers.Database.ResetTimeout,
			HalfOpenMaxAttempts: cfg.Breakers.Database.HalfOpenMaxAttempts,
		},
		"cache": {
			FailureThreshold:    cfg.Breakers.Cache.FailureThreshold,
			MonitoringPeriod:    cfg.Breakers.Cache.MonitoringPeriod,
			ResetTimeout:        cfg.Breakers.Cache.ResetTimeout,
			HalfOpenMaxAttempts: cfg.Breakers.Cache.HalfOpenMaxAttempts,
		},
		"matrix": {
			FailureThreshold:    cfg.Breakers.Matrix.FailureThreshold,
			MonitoringPeriod:    cfg.Breakers.Matrix.MonitoringPeriod,
			ResetTimeout:        cfg.Breakers.Matrix.ResetTimeout,
			HalfOpenMaxAttempts: cfg.Breakers.Matrix.HalfOpenMaxAttempts,
		},
	}, resilience.Config{})

	histStore := history.New(db)
	grantStore := repository.New(db, histStore)
	checkLogStore := repository.NewCheckLogStore(db)
	policyRegistry := policy.NewRegistry()
	resolver := repository.NewResolver(grantStore, policyRegistry)

	matrixStore, err := matrix.New(db, logger, metrics)
	if err != nil {
		log.Fatalf("init matrix store: %v", err)
	}
	recomputer := repository.NewMatrixRecomputer(grantStore, matrixStore)

	cacheSvc := permcache.New(redisCache, logger, metrics)

	fabric := invalidation.New(cacheSvc, matrixStore, grantStore, logger, metrics)
	grantStore.SetInvalidator(fabric)
	grantStore.SetPrewarmer(cacheSvc)

	tracker := monitoring.NewTracker()
	reporter := monitoring.New(tracker, monitoring.ManagerSource(breakerManager), monitoring.GobreakerSource())

	checkEngine := check.New(check.Config{
		Matrix:         matrixStore,
		Cache:          cacheSvc,
		DB:             resolver,
		Activity:       cacheSvc,
		CheckLog:       checkLogStore,
		Logger:         logger,
		Metrics:        metrics,
		BreakerManager: breakerManager,
		Recorder:       tracker,
		Tracer:         startSpan,
	})

	bulkSvc := bulk.New(grantStore, logger, metrics)

	sched := scheduler.New(grantStore, matrixStore, recomputer, cacheSvc, logNotifier{logger: logger}, cacheSvc, logger, metrics, scheduler.Config{
		NightlySweepHour:      cfg.Scheduler.NightlySweepHour,
		DailyNoticeHour:       cfg.Scheduler.DailyNoticeHour,
		LogRetention:          cfg.Scheduler.LogRetention,
		ExpiringNoticeWindow:  cfg.Scheduler.ExpiringNoticeWindow,
		MatrixHighPriorityN:   cfg.Scheduler.MatrixHighPriorityN,
		MatrixRegularN:        cfg.Scheduler.MatrixRegularN,
		StartupSweepDelay:     cfg.Scheduler.StartupSweepDelay,
		NotificationMaxElapse: cfg.Scheduler.NotificationMaxElapse,
	})
	sched.Start()
	defer sched.Stop()

	server := api.NewServer(api.Deps{
		Config:      cfg.API,
		CheckEngine: checkEngine,
		Bulk:        bulkSvc,
		Store:       grantStore,
		Monitor:     reporter,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      startSpan,
	})

	go func() {
		logger.Info(fmt.Sprintf("authz-core listening on %s", cfg.API.ListenAddress), nil)
		if err := server.Start(); err != nil {
			logger.Error("server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	if tracerProvider != nil {
		_ = tracerProvider.Shutdown(shutdownCtx)
	}
}
