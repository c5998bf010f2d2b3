package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/authz/monitoring"
)

func fakeBreakerSource(states map[string]string) monitoring.BreakerSource {
	return monitoring.BreakerSourceFunc(func() map[string]string { return states })
}

func TestHandleHealth_ReturnsReporterStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reporter := monitoring.New(monitoring.NewTracker(), fakeBreakerSource(map[string]string{"database": "closed"}))
	s := &Server{monitor: reporter}

	router := gin.New()
	router.GET("/health", s.handleHealth)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body monitoring.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
}

func TestHandleCircuitBreakers_ListsEveryRegistry(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reporter := monitoring.New(monitoring.NewTracker(),
		fakeBreakerSource(map[string]string{"database": "closed"}),
		fakeBreakerSource(map[string]string{"grant-writer": "open"}),
	)
	s := &Server{monitor: reporter}

	router := gin.New()
	router.GET("/circuit-breakers", s.handleCircuitBreakers)

	req := httptest.NewRequest(http.MethodGet, "/circuit-breakers", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		CircuitBreakers []monitoring.CircuitBreakerStatus `json:"circuitBreakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.CircuitBreakers, 2)
}
