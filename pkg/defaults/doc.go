// Package defaults provides centralized configuration constants for the engine.
//
// This package defines timeout values, retry parameters, and translation
// defaults used across the codebase. Centralizing these values keeps the
// translator, reconciler and CLI consistent.
//
// # Timeout Categories
//
//   - Kubernetes timeouts: bound every API call made by the engine
//   - Reconciler timeouts: resync cadence and requeue backoff
//   - Server timeouts: probe/metrics HTTP server configuration
//
// # Usage
//
//	import "github.com/gridjobs/engine/pkg/defaults"
//
//	ctx, cancel := context.WithTimeout(ctx, defaults.K8sAPITimeout)
//	defer cancel()
//
// # Guidelines
//
//   - K8s operations: 30s per API call, timeouts are treated as transient
//   - Resync: every 5m all records are re-enqueued
//   - Server shutdown: 30s for graceful shutdown
package defaults
