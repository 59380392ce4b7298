package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, HealthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var resp HealthResponse
	if w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestHealth(t *testing.T) {
	w, resp := get(t, New().Handler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Status)
}

func TestReady(t *testing.T) {
	var apiErr error
	s := New(WithReadinessCheck("apiserver", func(context.Context) error { return apiErr }))
	h := s.Handler()

	w, resp := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "service is initializing", resp.Reason)

	s.SetReady(true)
	w, resp = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", resp.Status)

	apiErr = errors.New("connection refused")
	w, resp = get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "apiserver: connection refused", resp.Reason)
}

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	New().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMethodNotAllowed(t *testing.T) {
	w := httptest.NewRecorder()
	New().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ready", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "METHOD_NOT_ALLOWED", resp.Code)
}

func TestErrorsFollowAcceptHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.Header.Set("Accept", "application/yaml")
	w := httptest.NewRecorder()
	New().Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/yaml", w.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Code)
	assert.Equal(t, "/nope", resp.Details["path"])
	assert.Equal(t, w.Header().Get("X-Request-Id"), resp.RequestID)
}

func TestRoot(t *testing.T) {
	h := New(WithName("gridjobs", "v1.2.3")).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"v1.2.3"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.RateLimitBurst = 1
	h := New(WithConfig(cfg)).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	_, resp := get(t, h, "/health")
	assert.Equal(t, "healthy", resp.Status, "probes are not rate limited")
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	s := New(WithConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	assert.NoError(t, <-done)
}
