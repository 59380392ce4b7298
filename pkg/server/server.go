// Package server exposes the controller's liveness, readiness and
// Prometheus metrics endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	cnserrors "github.com/gridjobs/engine/pkg/errors"
)

// ReadinessCheck reports why the process is not ready, or nil.
type ReadinessCheck func(ctx context.Context) error

// Server is the probe and metrics HTTP server.
type Server struct {
	name    string
	version string
	config  *Config
	checks  map[string]ReadinessCheck

	mu    sync.RWMutex
	ready bool
}

// Option is a functional option for configuring Server instances.
type Option func(*Server)

// WithName sets the name and version reported by the root endpoint.
func WithName(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg *Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithReadinessCheck adds a named check consulted by /ready.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		name:   "gridjobs",
		config: DefaultConfig(),
		checks: make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady marks the process ready or not ready.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.setupRoutes(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting probe server", slog.String("address", s.config.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "probe server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down probe server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "probe server shutdown failed", err)
	}
	return nil
}
