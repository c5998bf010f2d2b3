// Package resilience implements the circuit breaker that gates the
// Check Engine's calls to the database, the cache, and the permission
// matrix, and the Invalidation Fabric's cascades. The Grant Store's
// write transactions use the gobreaker-backed internal/resilience
// package instead.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-iam/authz-core/pkg/observability"
	"github.com/pkg/errors"
)

// State is one of closed, open, half-open.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen           = errors.New("circuit breaker is open")
	ErrHalfOpenLimit  = errors.New("max concurrent requests exceeded in half-open state")
)

// Config holds the per-dependency thresholds from spec §4.2 / §6.
type Config struct {
	FailureThreshold    int           // consecutive failures before tripping
	MonitoringPeriod    time.Duration // window the failure counter resets after, absent new failures
	ResetTimeout        time.Duration // time OPEN waits before allowing a HALF_OPEN probe
	HalfOpenMaxAttempts int           // consecutive successes required to close, and concurrent probes allowed
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.MonitoringPeriod == 0 {
		c.MonitoringPeriod = 60 * time.Second
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxAttempts == 0 {
		c.HalfOpenMaxAttempts = 3
	}
}

// Breaker is a per-dependency circuit breaker. State is process-local,
// per spec §5 ("circuit-breaker state is per-process").
type Breaker struct {
	name   string
	config Config

	state           atomic.Int32
	failures        atomic.Int32
	consecutiveOK   atomic.Int32
	halfOpenInFlight atomic.Int32
	lastFailure     atomic.Value // time.Time
	lastStateChange atomic.Value // time.Time
	lastSuccessSeen atomic.Value // time.Time

	mu      sync.Mutex
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a circuit breaker for the named dependency.
func New(name string, config Config, logger observability.Logger, metrics observability.MetricsClient) *Breaker {
	config.applyDefaults()
	b := &Breaker{name: name, config: config, logger: logger, metrics: metrics}
	b.state.Store(int32(StateClosed))
	b.lastFailure.Store(time.Time{})
	b.lastStateChange.Store(time.Now())
	b.lastSuccessSeen.Store(time.Now())
	b.recordStateGauge()
	return b
}

// State returns the breaker's current state, resolving an OPEN breaker
// whose reset timeout has elapsed into HALF_OPEN as a side effect.
func (b *Breaker) State() State {
	state := State(b.state.Load())
	if state == StateOpen {
		last := b.lastFailure.Load().(time.Time)
		if time.Since(last) > b.config.ResetTimeout {
			b.transition(StateHalfOpen)
			return StateHalfOpen
		}
	}
	return state
}

// Execute runs fn under breaker protection. If the breaker is open,
// fallback is invoked instead (or ErrOpen is returned if fallback is
// nil) — this is the "fail fast to fallback" contract from spec §4.2.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error), fallback func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	state := b.State()

	switch state {
	case StateOpen:
		b.metrics.IncrementCounterWithLabels("circuit_breaker_short_circuited_total", 1, map[string]string{"name": b.name})
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, ErrOpen

	case StateHalfOpen:
		if b.halfOpenInFlight.Load() >= int32(b.config.HalfOpenMaxAttempts) {
			if fallback != nil {
				return fallback(ctx)
			}
			return nil, ErrHalfOpenLimit
		}
		b.halfOpenInFlight.Add(1)
		defer b.halfOpenInFlight.Add(-1)
	}

	value, err := fn(ctx)
	if err != nil {
		b.onFailure()
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}
	b.onSuccess()
	return value, nil
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.State() {
	case StateHalfOpen:
		n := b.consecutiveOK.Add(1)
		if int(n) >= b.config.HalfOpenMaxAttempts {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures.Store(0)
		b.lastSuccessSeen.Store(time.Now())
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevFailure := b.lastFailure.Load().(time.Time)
	b.lastFailure.Store(time.Now())

	switch b.State() {
	case StateClosed:
		if !prevFailure.IsZero() && time.Since(prevFailure) > b.config.MonitoringPeriod {
			b.failures.Store(0)
		}
		n := b.failures.Add(1)
		b.metrics.IncrementCounterWithLabels("circuit_breaker_failures_total", 1, map[string]string{"name": b.name})
		if int(n) >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := State(b.state.Load())
	if from == to {
		return
	}
	b.state.Store(int32(to))
	b.lastStateChange.Store(time.Now())
	if to == StateHalfOpen {
		b.consecutiveOK.Store(0)
		b.halfOpenInFlight.Store(0)
	}
	if to == StateClosed {
		b.failures.Store(0)
	}
	b.logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": b.name, "from": from.String(), "to": to.String(),
	})
	b.metrics.IncrementCounterWithLabels("circuit_breaker_state_changes_total", 1, map[string]string{
		"name": b.name, "from": from.String(), "to": to.String(),
	})
	b.recordStateGauge()
}

// recordStateGauge exports 0=closed, 0.5=half-open, 1=open per spec §4.2.
func (b *Breaker) recordStateGauge() {
	var v float64
	switch State(b.state.Load()) {
	case StateClosed:
		v = 0
	case StateHalfOpen:
		v = 0.5
	case StateOpen:
		v = 1
	}
	b.metrics.RecordGauge("circuit_breaker_state", v, map[string]string{"name": b.name})
}

// Reset forces the breaker back to closed, for operator recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures.Store(0)
	b.transition(StateClosed)
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Manager keeps one Breaker per named dependency (database, cache,
// matrix — spec §4.2), creating them lazily with a default config.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   observability.Logger
	metrics  observability.MetricsClient
	defaults Config
}

// NewManager creates a breaker manager seeded with named configs; any
// dependency not in configs gets defaults on first use.
func NewManager(logger observability.Logger, metrics observability.MetricsClient, configs map[string]Config, defaults Config) *Manager {
	m := &Manager{breakers: make(map[string]*Breaker), logger: logger, metrics: metrics, defaults: defaults}
	for name, cfg := range configs {
		m.breakers[name] = New(name, cfg, logger, metrics)
	}
	return m
}

// Get returns (creating if necessary) the breaker for name.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	b = New(name, m.defaults, m.logger, m.metrics)
	m.breakers[name] = b
	return b
}

// Snapshot returns {name: state} for every known breaker, for the
// Monitoring Surface (C13).
func (m *Manager) Snapshot() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}

// AnyOpen reports whether any managed breaker is currently OPEN.
func (m *Manager) AnyOpen() bool {
	for _, s := range m.Snapshot() {
		if s == StateOpen {
			return true
		}
	}
	return false
}
