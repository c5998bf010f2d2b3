package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements MetricsClient on top of client_golang,
// lazily registering a vector per metric name the first time it is
// used so call sites never need to pre-declare their metrics.
type PrometheusMetrics struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	// summary holds a rolling window of check durations for percentile
	// reporting (P50/P90/P95/P99), since a Prometheus summary resets on
	// scrape and the monitoring surface (C13) wants a point-in-time read.
	summaryMu   sync.Mutex
	summary     []time.Duration
	summaryCap  int
}

// NewPrometheusMetrics creates a MetricsClient registered under namespace.
func NewPrometheusMetrics(namespace string, registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaryCap: 2000,
	}
}

func (m *PrometheusMetrics) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cv, ok := m.counters[name]; ok {
		return cv
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelNames)
	_ = m.registry.Register(cv)
	m.counters[name] = cv
	return cv
}

func (m *PrometheusMetrics) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gv, ok := m.gauges[name]; ok {
		return gv
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelNames)
	_ = m.registry.Register(gv)
	m.gauges[name] = gv
	return gv
}

func (m *PrometheusMetrics) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hv, ok := m.histograms[name]; ok {
		return hv
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelNames)
	_ = m.registry.Register(hv)
	m.histograms[name] = hv
	return hv
}

func labelKeys(labels map[string]string) ([]string, []string) {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return names, values
}

// IncrementCounter increments a label-less counter.
func (m *PrometheusMetrics) IncrementCounter(name string, value float64) {
	m.counterVec(name, nil).WithLabelValues().Add(value)
}

// IncrementCounterWithLabels increments a labeled counter (e.g. checks,
// allowed, denied, cache hits/misses, invalidations, breaker failures).
func (m *PrometheusMetrics) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	names, values := labelKeys(labels)
	m.counterVec(name, names).WithLabelValues(values...).Add(value)
}

// RecordGauge sets a gauge (e.g. circuit breaker state, active checks,
// queue sizes).
func (m *PrometheusMetrics) RecordGauge(name string, value float64, labels map[string]string) {
	names, values := labelKeys(labels)
	m.gaugeVec(name, names).WithLabelValues(values...).Set(value)
}

// RecordHistogram records a histogram sample (check duration by source,
// DB query duration, batch size, batch duration).
func (m *PrometheusMetrics) RecordHistogram(name string, value float64, labels map[string]string) {
	names, values := labelKeys(labels)
	m.histogramVec(name, names).WithLabelValues(values...).Observe(value)
	if name == "permission_check_duration_seconds" {
		m.recordSummarySample(time.Duration(value * float64(time.Second)))
	}
}

// RecordDuration is a convenience wrapper around RecordHistogram for a
// label-less duration in seconds.
func (m *PrometheusMetrics) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), nil)
}

// StartTimer returns a function that records the elapsed time as a
// histogram sample when called — typical use is `defer metrics.StartTimer(...)()`.
func (m *PrometheusMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

func (m *PrometheusMetrics) recordSummarySample(d time.Duration) {
	m.summaryMu.Lock()
	defer m.summaryMu.Unlock()
	m.summary = append(m.summary, d)
	if len(m.summary) > m.summaryCap {
		m.summary = m.summary[len(m.summary)-m.summaryCap:]
	}
}

// CheckDurationPercentiles returns P50/P90/P95/P99 over the current
// rolling window of recorded check durations, for the Monitoring
// Surface (C13) and SLO violation detection (C3).
func (m *PrometheusMetrics) CheckDurationPercentiles() map[string]time.Duration {
	m.summaryMu.Lock()
	samples := make([]time.Duration, len(m.summary))
	copy(samples, m.summary)
	m.summaryMu.Unlock()

	if len(samples) == 0 {
		return map[string]time.Duration{"p50": 0, "p90": 0, "p95": 0, "p99": 0}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	pick := func(p float64) time.Duration {
		idx := int(p * float64(len(samples)-1))
		return samples[idx]
	}
	return map[string]time.Duration{
		"p50": pick(0.50),
		"p90": pick(0.90),
		"p95": pick(0.95),
		"p99": pick(0.99),
	}
}

// Registry exposes the underlying Prometheus registry for /metrics.
func (m *PrometheusMetrics) Registry() *prometheus.Registry { return m.registry }

// Close implements MetricsClient; Prometheus has nothing to flush.
func (m *PrometheusMetrics) Close() error { return nil }
