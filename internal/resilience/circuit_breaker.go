// Package resilience wraps sony/gobreaker for the Grant Store's
// transactional database calls, grounded on the teacher's
// internal/resilience/circuit_breaker.go. This is deliberately a
// second circuit-breaker style alongside pkg/resilience's hand-rolled
// breaker used by the Check Engine's read path — the teacher itself
// carries both (pkg/resilience and internal/resilience) and this
// project keeps both homes.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig mirrors the teacher's mapstructure-tagged shape.
type CircuitBreakerConfig struct {
	Name         string        `mapstructure:"name"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

func (c *CircuitBreakerConfig) applyDefaults(name string) {
	if c.Name == "" {
		c.Name = name
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 5
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
}

var (
	breakers     = make(map[string]*gobreaker.CircuitBreaker)
	breakersLock sync.RWMutex
)

// GetCircuitBreaker returns the named breaker, creating it from config
// on first use.
func GetCircuitBreaker(name string, config CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	breakersLock.RLock()
	cb, ok := breakers[name]
	breakersLock.RUnlock()
	if ok {
		return cb
	}

	breakersLock.Lock()
	defer breakersLock.Unlock()
	if cb, ok := breakers[name]; ok {
		return cb
	}

	config.applyDefaults(name)
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= config.FailureRatio
		},
	}
	cb = gobreaker.NewCircuitBreaker(settings)
	breakers[name] = cb
	return cb
}

// Execute runs fn under the named breaker, honoring ctx cancellation
// while gobreaker itself has no context awareness.
func Execute(ctx context.Context, name string, config CircuitBreakerConfig, fn func() (interface{}, error)) (interface{}, error) {
	cb := GetCircuitBreaker(name, config)

	resultCh := make(chan struct {
		result interface{}
		err    error
	}, 1)

	go func() {
		result, err := cb.Execute(fn)
		resultCh <- struct {
			result interface{}
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.result, res.err
	}
}

// Snapshot returns {name: state} for every gobreaker instance created
// via GetCircuitBreaker so far, for the monitoring surface (spec
// §4.13) to fold in alongside pkg/resilience.Manager's own breakers.
func Snapshot() map[string]gobreaker.State {
	breakersLock.RLock()
	defer breakersLock.RUnlock()
	out := make(map[string]gobreaker.State, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.State()
	}
	return out
}
