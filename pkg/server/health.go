package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gridjobs/engine/pkg/defaults"
	"github.com/gridjobs/engine/pkg/serializer"
)

// HealthResponse represents health check response.
type HealthResponse struct {
	Status    string    `json:"status" yaml:"status"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	serializer.Respond(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// handleReady handles GET /ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	if !ready {
		serializer.Respond(w, r, http.StatusServiceUnavailable, HealthResponse{
			Status:    "not_ready",
			Timestamp: time.Now(),
			Reason:    "service is initializing",
		})
		return
	}

	if failures := s.runChecks(r.Context()); len(failures) > 0 {
		serializer.Respond(w, r, http.StatusServiceUnavailable, HealthResponse{
			Status:    "not_ready",
			Timestamp: time.Now(),
			Reason:    strings.Join(failures, "; "),
		})
		return
	}

	serializer.Respond(w, r, http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
	})
}

func (s *Server) runChecks(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, defaults.ServerReadTimeout)
	defer cancel()

	var failures []string
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures = append(failures, name+": "+err.Error())
		}
	}
	sort.Strings(failures)
	return failures
}
