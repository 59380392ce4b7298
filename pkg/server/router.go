package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/serializer"
)

type contextKey string

const contextKeyRequestID contextKey = "requestID"

// setupRoutes configures all HTTP routes and middleware.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	limiter := rate.NewLimiter(s.config.RateLimit, s.config.RateLimitBurst)

	mux.HandleFunc("/", s.withMiddleware(limiter, s.handleDefault))

	// Probes are never rate limited.
	mux.HandleFunc("/health", s.withMethod(s.handleHealth))
	mux.HandleFunc("/ready", s.withMethod(s.handleReady))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func (s *Server) withMethod(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			WriteError(w, r, http.StatusMethodNotAllowed, cnserrors.ErrCodeMethodNotAllowed,
				"method not allowed", false, map[string]interface{}{"method": r.Method})
			return
		}
		next(w, r)
	}
}

func (s *Server) withMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return s.withMethod(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)
		r = r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, requestID))

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			WriteError(w, r, http.StatusTooManyRequests, cnserrors.ErrCodeRateLimitExceeded,
				"rate limit exceeded", true, nil)
			return
		}

		start := time.Now()
		next(w, r)
		slog.Debug("request handled",
			slog.String("path", r.URL.Path),
			slog.String("request_id", requestID),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteError(w, r, http.StatusNotFound, cnserrors.ErrCodeNotFound, "no such route", false,
			map[string]interface{}{"path": r.URL.Path})
		return
	}

	resp := struct {
		Name      string   `json:"name" yaml:"name"`
		Version   string   `json:"version" yaml:"version"`
		Ready     bool     `json:"ready" yaml:"ready"`
		Timestamp string   `json:"timestamp" yaml:"timestamp"`
		Routes    []string `json:"routes" yaml:"routes"`
	}{
		Name:      s.name,
		Version:   s.version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Routes:    []string{"GET /health", "GET /ready", "GET /metrics"},
	}

	s.mu.RLock()
	resp.Ready = s.ready
	s.mu.RUnlock()

	serializer.Respond(w, r, http.StatusOK, resp)
}
