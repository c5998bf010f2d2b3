// Package scheduler implements Scheduled Maintenance (spec §4.11,
// C11): the nightly expired-grants sweep, weekly log cleanup, hourly
// matrix and cache refreshes, the daily expiring-grants notice, and
// the startup sweep. Grounded on the teacher's ticker-driven
// apps/rag-loader/internal/scheduler/job_processor.go, adapted from a
// single poll loop into several independently-clocked jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nexus-iam/authz-core/pkg/observability"
)

// MaintenanceStore is the Grant Store's maintenance-job surface.
type MaintenanceStore interface {
	// ExpireGrants flips isGranted=false on UserPermission and
	// isActive=false on UserRole where validUntil < now, deletes
	// expired PolicyAssignment rows, and returns the affected count.
	ExpireGrants(ctx context.Context) (int64, error)
	// CleanupCheckLogs deletes PermissionCheckLog rows older than
	// olderThan and returns the affected count.
	CleanupCheckLogs(ctx context.Context, olderThan time.Duration) (int64, error)
	// ExpiringGrantsByUser locates temporary grants whose validUntil
	// falls within `within` of now, grouped by user profile ID.
	ExpiringGrantsByUser(ctx context.Context, within time.Duration) (map[string][]string, error)
}

// MatrixRefresher is the Permission Matrix's maintenance-job surface
// (spec §4.6).
type MatrixRefresher interface {
	HighPriorityUsers(ctx context.Context, limit int) ([]string, error)
	RegularActiveUsers(ctx context.Context, limit int) ([]string, error)
	DeleteExpired(ctx context.Context) (int64, error)
	ResetInactiveTrackers(ctx context.Context, windowStart time.Time) (int64, error)
}

// MatrixRecomputer resolves and writes the full matrix row set for a
// single user, used by the hourly matrix refresh job.
type MatrixRecomputer interface {
	RecomputeUser(ctx context.Context, userProfileID string) error
}

// CacheRefresher is the cache adapter's maintenance-job surface.
type CacheRefresher interface {
	// PurgeExpired backs spec §4.11's hourly cache refresh and returns
	// a count. The permcache implementation deletes nothing: its entries
	// expire through their Redis TTL, and the count is of the check keys
	// present when it runs.
	PurgeExpired(ctx context.Context) (int64, error)
}

// NotificationSink delivers the daily expiring-grants notice.
type NotificationSink interface {
	NotifyExpiringGrants(ctx context.Context, userID string, permissionCodes []string) error
}

// Config holds job cadence and retry tuning.
type Config struct {
	NightlySweepHour      int // spec: 02:00
	DailyNoticeHour       int // spec: 09:00
	LogRetention          time.Duration
	ExpiringNoticeWindow  time.Duration
	MatrixHighPriorityN   int
	MatrixRegularN        int
	StartupSweepDelay     time.Duration
	NotificationMaxElapse time.Duration
}

func (c *Config) applyDefaults() {
	if c.NightlySweepHour == 0 && c.DailyNoticeHour == 0 {
		c.NightlySweepHour = 2
		c.DailyNoticeHour = 9
	}
	if c.LogRetention == 0 {
		c.LogRetention = 30 * 24 * time.Hour
	}
	if c.ExpiringNoticeWindow == 0 {
		c.ExpiringNoticeWindow = 7 * 24 * time.Hour
	}
	if c.MatrixHighPriorityN == 0 {
		c.MatrixHighPriorityN = 500
	}
	if c.MatrixRegularN == 0 {
		c.MatrixRegularN = 500
	}
	if c.StartupSweepDelay == 0 {
		c.StartupSweepDelay = 10 * time.Second
	}
	if c.NotificationMaxElapse == 0 {
		c.NotificationMaxElapse = 2 * time.Minute
	}
}

// Invalidator triggers a global cache invalidation after the nightly
// sweep affects any rows (spec §4.11).
type Invalidator interface {
	InvalidateAll(ctx context.Context)
}

// Scheduler owns every Scheduled Maintenance job.
type Scheduler struct {
	store       MaintenanceStore
	matrix      MatrixRefresher
	recomputer  MatrixRecomputer
	cache       CacheRefresher
	notify      NotificationSink
	invalidator Invalidator
	logger      observability.Logger
	metrics     observability.MetricsClient
	cfg         Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Scheduler. invalidator may be nil if global invalidation
// is wired elsewhere.
func New(store MaintenanceStore, matrix MatrixRefresher, recomputer MatrixRecomputer, cache CacheRefresher, notify NotificationSink, invalidator Invalidator, logger observability.Logger, metrics observability.MetricsClient, cfg Config) *Scheduler {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store: store, matrix: matrix, recomputer: recomputer, cache: cache, notify: notify,
		invalidator: invalidator, logger: logger, metrics: metrics, cfg: cfg,
		ctx: ctx, cancel: cancel,
	}
}

// Start launches every job as its own goroutine.
func (s *Scheduler) Start() {
	s.runAt("nightly-expired-grants-sweep", s.cfg.NightlySweepHour, 0, s.runNightlySweep)
	s.runWeekly("weekly-log-cleanup", s.runWeeklyCleanup)
	s.runEvery("hourly-matrix-refresh", time.Hour, s.runMatrixRefresh)
	s.runEvery("hourly-cache-refresh", time.Hour, s.runCacheRefresh)
	s.runAt("daily-expiring-notice", s.cfg.DailyNoticeHour, 0, s.runExpiringNotice)
	s.runOnce("startup-sweep", s.cfg.StartupSweepDelay, s.runNightlySweep)
}

// Stop cancels every running job and waits for them to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runOnce(name string, delay time.Duration, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.runJob(name, job)
		}
	}()
}

func (s *Scheduler) runEvery(name string, period time.Duration, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runJob(name, job)
			}
		}
	}()
}

// runAt fires job every day at hour:minute, realigning after each run
// so drift never accumulates.
func (s *Scheduler) runAt(name string, hour, minute int, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := time.Until(nextDailyOccurrence(time.Now(), hour, minute))
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runJob(name, job)
			}
		}
	}()
}

// runWeekly fires job every Sunday at 03:00.
func (s *Scheduler) runWeekly(name string, job func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := time.Until(nextWeeklyOccurrence(time.Now(), time.Sunday, 3, 0))
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				s.runJob(name, job)
			}
		}
	}()
}

func (s *Scheduler) runJob(name string, job func(ctx context.Context)) {
	stop := s.metrics.StartTimer("scheduler_job_duration_seconds", map[string]string{"job": name})
	defer stop()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: job panicked", map[string]interface{}{"job": name, "panic": r})
			s.metrics.IncrementCounterWithLabels("scheduler_job_panics_total", 1, map[string]string{"job": name})
		}
	}()
	job(s.ctx)
}

func nextDailyOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func nextWeeklyOccurrence(now time.Time, weekday time.Weekday, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	for next.Weekday() != weekday || !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// runNightlySweep implements the nightly expired-grants sweep and the
// startup sweep (spec §4.11: same operation, different triggers).
func (s *Scheduler) runNightlySweep(ctx context.Context) {
	affected, err := s.store.ExpireGrants(ctx)
	if err != nil {
		s.logger.Error("scheduler: expired-grants sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.metrics.IncrementCounter("scheduler_expired_grants_total", float64(affected))
	if affected > 0 && s.invalidator != nil {
		s.invalidator.InvalidateAll(ctx)
	}
}

func (s *Scheduler) runWeeklyCleanup(ctx context.Context) {
	deleted, err := s.store.CleanupCheckLogs(ctx, s.cfg.LogRetention)
	if err != nil {
		s.logger.Error("scheduler: log cleanup failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.metrics.IncrementCounter("scheduler_check_logs_deleted_total", float64(deleted))
}

// runMatrixRefresh recomputes up to N high-priority and N regular
// users, then deletes expired rows and resets inactive trackers (spec
// §4.6).
func (s *Scheduler) runMatrixRefresh(ctx context.Context) {
	highPriority, err := s.matrix.HighPriorityUsers(ctx, s.cfg.MatrixHighPriorityN)
	if err != nil {
		s.logger.Error("scheduler: matrix high-priority lookup failed", map[string]interface{}{"error": err.Error()})
	}
	regular, err := s.matrix.RegularActiveUsers(ctx, s.cfg.MatrixRegularN)
	if err != nil {
		s.logger.Error("scheduler: matrix regular-active lookup failed", map[string]interface{}{"error": err.Error()})
	}

	recomputed := 0
	for _, userID := range append(highPriority, regular...) {
		if err := s.recomputer.RecomputeUser(ctx, userID); err != nil {
			s.logger.Warn("scheduler: matrix recompute failed", map[string]interface{}{"userId": userID, "error": err.Error()})
			continue
		}
		recomputed++
	}
	s.metrics.IncrementCounter("scheduler_matrix_recomputed_total", float64(recomputed))

	if _, err := s.matrix.DeleteExpired(ctx); err != nil {
		s.logger.Error("scheduler: matrix delete-expired failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := s.matrix.ResetInactiveTrackers(ctx, time.Now().Add(-48*time.Hour)); err != nil {
		s.logger.Error("scheduler: matrix reset-inactive failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Scheduler) runCacheRefresh(ctx context.Context) {
	removed, err := s.cache.PurgeExpired(ctx)
	if err != nil {
		s.logger.Error("scheduler: cache refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	s.metrics.IncrementCounter("scheduler_cache_entries_purged_total", float64(removed))
}

// runExpiringNotice notifies each user once about any grants expiring
// within the notice window, retrying each notification delivery with
// exponential backoff (spec §4.11; SPEC_FULL.md's
// cenkalti/backoff/v4 wiring for notification-sink calls).
func (s *Scheduler) runExpiringNotice(ctx context.Context) {
	grouped, err := s.store.ExpiringGrantsByUser(ctx, s.cfg.ExpiringNoticeWindow)
	if err != nil {
		s.logger.Error("scheduler: expiring-notice lookup failed", map[string]interface{}{"error": err.Error()})
		return
	}

	for userID, codes := range grouped {
		userID, codes := userID, codes
		notify := func() error { return s.notify.NotifyExpiringGrants(ctx, userID, codes) }

		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.MaxElapsedTime = s.cfg.NotificationMaxElapse
		b := backoff.WithContext(expBackoff, ctx)
		if err := backoff.Retry(notify, b); err != nil {
			s.logger.Warn("scheduler: expiring notice delivery failed", map[string]interface{}{"userId": userID, "error": err.Error()})
			s.metrics.IncrementCounter("scheduler_expiring_notice_failures_total", 1)
			continue
		}
		s.metrics.IncrementCounter("scheduler_expiring_notices_sent_total", 1)
	}
}
