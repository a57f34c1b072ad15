package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksanyok/promopilot-sub004/internal/api"
	"github.com/ksanyok/promopilot-sub004/internal/config"
	"github.com/ksanyok/promopilot-sub004/internal/logger"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]api.HealthCheck
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all healthy",
			checks:     map[string]api.HealthCheck{"database": func(context.Context) error { return nil }},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name: "redis down",
			checks: map[string]api.HealthCheck{
				"database": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newRouter(&fakeRuns{}, &fakeCallbacks{}, tt.checks)

			w := do(router, http.MethodGet, "/health", "")

			require.Equal(t, tt.wantCode, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newRouter(&fakeRuns{}, &fakeCallbacks{}, nil)

	w := do(router, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "promotion_")
}

func TestRequestIDMiddleware(t *testing.T) {
	router := api.NewEngine(false, logger.NewNop())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", http.NoBody))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
	req.Header.Set("X-Request-ID", "upstream-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "upstream-1", w.Header().Get("X-Request-ID"))
}

func TestRecoveryMiddleware(t *testing.T) {
	router := api.NewEngine(false, logger.NewNop())
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0}
	srv := api.NewServer(cfg, false, logger.NewNop(), func(r *gin.Engine) {
		r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	})

	require.NotNil(t, srv.Router())
	assert.NoError(t, srv.Shutdown(context.Background()))
}
