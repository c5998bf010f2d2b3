// Package monitoring implements the Monitoring Surface (spec §4.13,
// C13): aggregates the Check Engine's rolling health stats and both of
// the project's circuit-breaker registries (pkg/resilience's hand-rolled
// breakers and internal/resilience's gobreaker-backed ones, grounded on
// the teacher carrying both styles) into one derived health status.
package monitoring

import (
	"sort"
	"sync/atomic"
	"time"
)

// Tracker accumulates the rolling counters the Check Engine feeds on
// every call (pkg/authz/check.Recorder). Atomic counters rather than a
// mutex, matching pkg/resilience.Breaker's own lock-free state style.
type Tracker struct {
	totalChecks   int64
	errorChecks   int64
	cacheHits     int64
	cacheLookups  int64
	durationSumUs int64
}

// NewTracker builds an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordCheck implements check.Recorder.
func (t *Tracker) RecordCheck(duration time.Duration, errored bool) {
	atomic.AddInt64(&t.totalChecks, 1)
	atomic.AddInt64(&t.durationSumUs, duration.Microseconds())
	if errored {
		atomic.AddInt64(&t.errorChecks, 1)
	}
}

// RecordCacheLookup implements check.Recorder.
func (t *Tracker) RecordCacheLookup(hit bool) {
	atomic.AddInt64(&t.cacheLookups, 1)
	if hit {
		atomic.AddInt64(&t.cacheHits, 1)
	}
}

func (t *Tracker) snapshot() Metrics {
	total := atomic.LoadInt64(&t.totalChecks)
	errored := atomic.LoadInt64(&t.errorChecks)
	lookups := atomic.LoadInt64(&t.cacheLookups)
	hits := atomic.LoadInt64(&t.cacheHits)
	durationSumUs := atomic.LoadInt64(&t.durationSumUs)

	m := Metrics{TotalChecks: total}
	if total > 0 {
		m.ErrorRate = float64(errored) / float64(total)
		m.AvgCheckDurationMs = float64(durationSumUs) / float64(total) / 1000.0
	}
	if lookups > 0 {
		m.CacheHitRate = float64(hits) / float64(lookups)
	}
	return m
}

// BreakerSource lists the breakers one registry knows about, as
// {name: state string}. pkg/resilience.Manager and internal/resilience
// both get a small adapter satisfying this so neither package needs to
// know about the other's State type.
type BreakerSource interface {
	Snapshot() map[string]string
}

// BreakerSourceFunc adapts a plain func to BreakerSource.
type BreakerSourceFunc func() map[string]string

// Snapshot implements BreakerSource.
func (f BreakerSourceFunc) Snapshot() map[string]string { return f() }

// Metrics is the health-status derivation input (spec §4.13).
type Metrics struct {
	TotalChecks        int64   `json:"totalChecks"`
	ErrorRate          float64 `json:"errorRate"`
	AvgCheckDurationMs float64 `json:"avgCheckDurationMs"`
	CacheHitRate       float64 `json:"cacheHitRate"`
}

// CircuitBreakerStatus names one breaker and its current state.
type CircuitBreakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Status is the Monitoring Surface's full response (spec §4.13).
type Status struct {
	Status          string                 `json:"status"`
	Metrics         Metrics                `json:"metrics"`
	CircuitBreakers []CircuitBreakerStatus `json:"circuitBreakers"`
	Timestamp       time.Time              `json:"timestamp"`
}

const (
	errorRateThreshold     = 0.05
	avgDurationThresholdMs = 100.0
	cacheHitRateThreshold  = 0.70
)

// Reporter derives a Status from a Tracker and any number of breaker
// registries.
type Reporter struct {
	tracker  *Tracker
	breakers []BreakerSource
	clock    func() time.Time
}

// New builds a Reporter over tracker and the given breaker sources.
func New(tracker *Tracker, breakers ...BreakerSource) *Reporter {
	return &Reporter{tracker: tracker, breakers: breakers, clock: time.Now}
}

// Status computes the current health status (spec §4.13): unhealthy if
// any breaker is open, else degraded if the error rate, average check
// duration, or cache hit rate has crossed its threshold, else healthy.
func (r *Reporter) Status() Status {
	metrics := r.tracker.snapshot()

	var breakers []CircuitBreakerStatus
	anyOpen := false
	for _, src := range r.breakers {
		for name, state := range src.Snapshot() {
			breakers = append(breakers, CircuitBreakerStatus{Name: name, State: state})
			if state == "open" {
				anyOpen = true
			}
		}
	}
	sort.Slice(breakers, func(i, j int) bool { return breakers[i].Name < breakers[j].Name })

	degraded := metrics.ErrorRate > errorRateThreshold ||
		metrics.AvgCheckDurationMs > avgDurationThresholdMs ||
		(metrics.TotalChecks > 0 && metrics.CacheHitRate < cacheHitRateThreshold)

	status := "healthy"
	switch {
	case anyOpen:
		status = "unhealthy"
	case degraded:
		status = "degraded"
	}

	return Status{
		Status:          status,
		Metrics:         metrics,
		CircuitBreakers: breakers,
		Timestamp:       r.clock(),
	}
}
