package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/observability"
)

type fakeStore struct {
	mu             sync.Mutex
	expireCalls    int
	cleanupCalls   int
	expiringResult map[string][]string
}

func (f *fakeStore) ExpireGrants(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireCalls++
	return 5, nil
}

func (f *fakeStore) CleanupCheckLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanupCalls++
	return 10, nil
}

func (f *fakeStore) ExpiringGrantsByUser(ctx context.Context, within time.Duration) (map[string][]string, error) {
	return f.expiringResult, nil
}

type fakeMatrix struct{}

func (fakeMatrix) HighPriorityUsers(ctx context.Context, limit int) ([]string, error) {
	return []string{"user-1"}, nil
}
func (fakeMatrix) RegularActiveUsers(ctx context.Context, limit int) ([]string, error) {
	return []string{"user-2"}, nil
}
func (fakeMatrix) DeleteExpired(ctx context.Context) (int64, error)                        { return 1, nil }
func (fakeMatrix) ResetInactiveTrackers(ctx context.Context, windowStart time.Time) (int64, error) { return 1, nil }

type fakeRecomputer struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeRecomputer) RecomputeUser(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

type fakeCache struct{}

func (fakeCache) PurgeExpired(ctx context.Context) (int64, error) { return 3, nil }

type fakeNotifier struct {
	mu    sync.Mutex
	sent  map[string][]string
}

func (f *fakeNotifier) NotifyExpiringGrants(ctx context.Context, userID string, codes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[userID] = codes
	return nil
}

type fakeInvalidator struct {
	mu      sync.Mutex
	calls   int
}

func (f *fakeInvalidator) InvalidateAll(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func newTestScheduler(store MaintenanceStore, mx MatrixRefresher, rc MatrixRecomputer, c CacheRefresher, n NotificationSink, inv Invalidator) *Scheduler {
	logger := observability.NewStandardLogger("scheduler-test")
	metrics := observability.NewPrometheusMetrics("authz_test", nil)
	return New(store, mx, rc, c, n, inv, logger, metrics, Config{})
}

func TestScheduler_RunNightlySweepInvalidatesOnAffectedRows(t *testing.T) {
	store := &fakeStore{}
	inv := &fakeInvalidator{}
	s := newTestScheduler(store, fakeMatrix{}, &fakeRecomputer{}, fakeCache{}, &fakeNotifier{}, inv)

	s.runNightlySweep(context.Background())

	assert.Equal(t, 1, store.expireCalls)
	assert.Equal(t, 1, inv.calls)
}

func TestScheduler_RunMatrixRefreshRecomputesHighPriorityAndRegular(t *testing.T) {
	rc := &fakeRecomputer{}
	s := newTestScheduler(&fakeStore{}, fakeMatrix{}, rc, fakeCache{}, &fakeNotifier{}, nil)

	s.runMatrixRefresh(context.Background())

	assert.ElementsMatch(t, []string{"user-1", "user-2"}, rc.users)
}

func TestScheduler_RunExpiringNoticeNotifiesEachUserOnce(t *testing.T) {
	store := &fakeStore{expiringResult: map[string][]string{"user-1": {"document.read"}}}
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, fakeMatrix{}, &fakeRecomputer{}, fakeCache{}, notifier, nil)

	s.runExpiringNotice(context.Background())

	assert.Equal(t, []string{"document.read"}, notifier.sent["user-1"])
}

func TestScheduler_StartAndStopTerminatesCleanly(t *testing.T) {
	s := newTestScheduler(&fakeStore{}, fakeMatrix{}, &fakeRecomputer{}, fakeCache{}, &fakeNotifier{}, nil)
	s.cfg.StartupSweepDelay = time.Hour // keep the startup job from firing mid-test

	s.Start()
	s.Stop()
}

func TestNextDailyOccurrence_RollsToTomorrowWhenPast(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	next := nextDailyOccurrence(now, 2, 0)
	require.True(t, next.After(now))
	assert.Equal(t, 31, next.Day())
	assert.Equal(t, 2, next.Hour())
}
