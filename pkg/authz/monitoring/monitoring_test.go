package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fakeSource(states map[string]string) BreakerSource {
	return BreakerSourceFunc(func() map[string]string { return states })
}

func TestReporter_StatusHealthyWithNoActivity(t *testing.T) {
	r := New(NewTracker(), fakeSource(map[string]string{"database": "closed"}))

	status := r.Status()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, int64(0), status.Metrics.TotalChecks)
	assert.False(t, status.Timestamp.IsZero())
}

func TestReporter_StatusUnhealthyWhenAnyBreakerOpen(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCheck(time.Millisecond, false)
	r := New(tracker, fakeSource(map[string]string{"database": "closed", "cache": "open"}))

	status := r.Status()
	assert.Equal(t, "unhealthy", status.Status)
	assert.Len(t, status.CircuitBreakers, 2)
}

func TestReporter_StatusDegradedOnHighErrorRate(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 9; i++ {
		tracker.RecordCheck(time.Millisecond, false)
	}
	tracker.RecordCheck(time.Millisecond, true)
	r := New(tracker, fakeSource(map[string]string{"database": "closed"}))

	status := r.Status()
	assert.Equal(t, "degraded", status.Status)
	assert.InDelta(t, 0.10, status.Metrics.ErrorRate, 0.0001)
}

func TestReporter_StatusDegradedOnSlowChecks(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCheck(150*time.Millisecond, false)
	r := New(tracker, fakeSource(map[string]string{"database": "closed"}))

	assert.Equal(t, "degraded", r.Status().Status)
}

func TestReporter_StatusDegradedOnLowCacheHitRate(t *testing.T) {
	tracker := NewTracker()
	tracker.RecordCheck(time.Millisecond, false)
	for i := 0; i < 10; i++ {
		tracker.RecordCacheLookup(false)
	}
	r := New(tracker, fakeSource(map[string]string{"database": "closed"}))

	status := r.Status()
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, 0.0, status.Metrics.CacheHitRate)
}

func TestReporter_StatusHealthyWhenAllMetricsWithinThresholds(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 10; i++ {
		tracker.RecordCheck(time.Millisecond, false)
		tracker.RecordCacheLookup(true)
	}
	r := New(tracker, fakeSource(map[string]string{"database": "closed"}))

	status := r.Status()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 1.0, status.Metrics.CacheHitRate)
}

func TestReporter_StatusMergesMultipleBreakerSources(t *testing.T) {
	r := New(NewTracker(),
		fakeSource(map[string]string{"database": "closed"}),
		fakeSource(map[string]string{"grant-writer": "half-open"}),
	)

	status := r.Status()
	names := map[string]string{}
	for _, b := range status.CircuitBreakers {
		names[b.Name] = b.State
	}
	assert.Equal(t, "closed", names["database"])
	assert.Equal(t, "half-open", names["grant-writer"])
}
