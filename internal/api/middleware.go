package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nexus-iam/authz-core/internal/config"
	"github.com/nexus-iam/authz-core/pkg/errors"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

// RequestLogger logs every request's method, path, status and latency.
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start).String(),
			"clientIP": c.ClientIP(),
		})
	}
}

// MetricsMiddleware records request count and latency per route.
func MetricsMiddleware(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": fmt.Sprintf("%d", c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("api_requests_total", 1, labels)
		metrics.RecordHistogram("api_request_duration_seconds", time.Since(start).Seconds(), labels)
	}
}

// TracingMiddleware opens one span per request (spec domain stack:
// tracing spans grounded on the teacher's TracingMiddleware/StartSpan
// pairing), propagated through the request context so downstream Check
// Engine spans nest under it.
func TracingMiddleware(tracer observability.StartSpanFunc) gin.HandlerFunc {
	if tracer == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracer(c.Request.Context(), fmt.Sprintf("%s %s", c.Request.Method, route),
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		)
		c.Request = c.Request.WithContext(ctx)
		defer span.End()

		c.Next()

		span.SetAttribute("http.status_code", c.Writer.Status())
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last().Err)
		}
	}
}

// rateLimiterStorage hands out one token-bucket limiter per client key,
// expiring idle ones on a background sweep. Grounded on the teacher's
// RateLimiterStorage.
type rateLimiterStorage struct {
	limiters map[string]*rate.Limiter
	expiry   map[string]time.Time
	cfg      config.RateLimit
	mu       sync.RWMutex
	done     chan struct{}
}

func newRateLimiterStorage(cfg config.RateLimit) *rateLimiterStorage {
	s := &rateLimiterStorage{
		limiters: make(map[string]*rate.Limiter),
		expiry:   make(map[string]time.Time),
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	go s.cleanupTask()
	return s
}

func (s *rateLimiterStorage) getLimiter(key string) *rate.Limiter {
	s.mu.RLock()
	if limiter, ok := s.limiters[key]; ok && time.Now().Before(s.expiry[key]) {
		s.mu.RUnlock()
		return limiter
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.limiters[key]; ok && time.Now().Before(s.expiry[key]) {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Limit), s.cfg.Burst)
	s.limiters[key] = limiter
	s.expiry[key] = time.Now().Add(s.cfg.Expiration)
	return limiter
}

func (s *rateLimiterStorage) cleanupTask() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.done:
			return
		}
	}
}

func (s *rateLimiterStorage) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, exp := range s.expiry {
		if now.After(exp) {
			delete(s.limiters, key)
			delete(s.expiry, key)
		}
	}
}

func (s *rateLimiterStorage) Close() { close(s.done) }

// RateLimiter throttles per authenticated user (falling back to client
// IP), per spec §6 performance guards (PERMISSION_RATE_LIMIT_EXCEEDED).
func RateLimiter(cfg config.RateLimit) (gin.HandlerFunc, func()) {
	storage := newRateLimiterStorage(cfg)
	mw := func(c *gin.Context) {
		var clientID string
		if claims, ok := claimsFrom(c); ok {
			clientID = "user:" + claims.UserID
		} else {
			clientID = "ip:" + c.ClientIP()
		}

		if !storage.getLimiter(clientID).Allow() {
			writeClassifiedError(c, errors.RateLimitExceeded("api.RateLimiter"))
			c.Abort()
			return
		}
		c.Next()
	}
	return mw, storage.Close
}

// CORSMiddleware allows the configured origin list, matching "*" as an
// explicit wildcard rather than echoing it verbatim into every origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		allowed := false
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				allowed = true
				break
			}
		}

		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			if allowed {
				c.AbortWithStatus(http.StatusNoContent)
			} else {
				c.AbortWithStatus(http.StatusForbidden)
			}
			return
		}
		c.Next()
	}
}

// classToStatus maps a ClassifiedError's Class to the HTTP status
// family spec §7's Propagation rules describe.
func classToStatus(class errors.ErrorClass) int {
	switch class {
	case errors.ClassValidation:
		return http.StatusBadRequest
	case errors.ClassNotFound:
		return http.StatusNotFound
	case errors.ClassConflict:
		return http.StatusConflict
	case errors.ClassImmutable:
		return http.StatusConflict
	case errors.ClassDenied:
		return http.StatusForbidden
	case errors.ClassDependency:
		return http.StatusServiceUnavailable
	case errors.ClassTransient:
		return http.StatusServiceUnavailable
	case errors.ClassTimeout:
		return http.StatusRequestTimeout
	case errors.ClassCircuitBreakerOpen:
		return http.StatusServiceUnavailable
	case errors.ClassRateLimited:
		return http.StatusTooManyRequests
	case errors.ClassPartialFailure:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// writeClassifiedError writes err's JSON body with the status
// classToStatus derives, the single response shape every handler
// funnels its failures through.
func writeClassifiedError(c *gin.Context, err error) {
	if ce, ok := err.(*errors.ClassifiedError); ok {
		c.JSON(classToStatus(ce.Class), gin.H{
			"code":      ce.Code,
			"message":   ce.Message,
			"operation": ce.Operation,
			"details":   ce.Details,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
}

// ErrorHandlerMiddleware converts any error gin handlers attach via
// c.Error into the classified-error response shape, the fallback for
// handlers that call c.Error(err) instead of writing the response
// themselves.
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		writeClassifiedError(c, c.Errors.Last().Err)
	}
}
