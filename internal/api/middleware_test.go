package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/nexus-iam/authz-core/internal/config"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

func TestClassToStatus(t *testing.T) {
	cases := []struct {
		class errors.ErrorClass
		want  int
	}{
		{errors.ClassValidation, http.StatusBadRequest},
		{errors.ClassNotFound, http.StatusNotFound},
		{errors.ClassConflict, http.StatusConflict},
		{errors.ClassImmutable, http.StatusConflict},
		{errors.ClassDenied, http.StatusForbidden},
		{errors.ClassDependency, http.StatusServiceUnavailable},
		{errors.ClassTransient, http.StatusServiceUnavailable},
		{errors.ClassTimeout, http.StatusRequestTimeout},
		{errors.ClassCircuitBreakerOpen, http.StatusServiceUnavailable},
		{errors.ClassRateLimited, http.StatusTooManyRequests},
		{errors.ClassPartialFailure, http.StatusMultiStatus},
		{errors.ClassUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classToStatus(tc.class))
	}
}

func TestErrorHandlerMiddleware_MapsClassifiedError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlerMiddleware())
	router.GET("/test", func(c *gin.Context) {
		_ = c.Error(errors.NotFound("api.test", "permission perm-1 not found"))
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSMiddleware_AllowsExactOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://app.example.com"}))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_RejectsUnlistedOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"https://app.example.com"}))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_WildcardAllowsAnyOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "https://anything.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter_AllowsThenBlocksBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mw, closeFn := RateLimiter(config.RateLimit{Enabled: true, Limit: 1, Burst: 1, Expiration: time.Minute})
	defer closeFn()

	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, req)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestRateLimiter_TracksClientsIndependently(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mw, closeFn := RateLimiter(config.RateLimit{Enabled: true, Limit: 1, Burst: 1, Expiration: time.Minute})
	defer closeFn()

	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })

	req1 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/test", nil)
	req2.RemoteAddr = "10.0.0.2:1234"
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}
