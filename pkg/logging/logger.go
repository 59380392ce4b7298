// Package logging configures the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"k8s.io/klog/v2"
)

// EnvLogLevel selects the minimum log level (debug, info, warn, error).
const EnvLogLevel = "LOG_LEVEL"

// ParseLevel converts a level name into a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStructuredLogger returns a JSON logger tagged with the module name and version.
func NewStructuredLogger(name, version, level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: ParseLevel(level) == slog.LevelDebug,
		Level:     ParseLevel(level),
	})
	return slog.New(h).With(
		slog.String("module", name),
		slog.String("version", version),
	)
}

// SetDefaultStructuredLogger installs a JSON logger as the slog default,
// reading the level from LOG_LEVEL. client-go's klog output is routed
// through the same logger.
func SetDefaultStructuredLogger(name, version string) {
	SetDefaultStructuredLoggerWithLevel(name, version, os.Getenv(EnvLogLevel))
}

// SetDefaultStructuredLoggerWithLevel is SetDefaultStructuredLogger with an explicit level.
func SetDefaultStructuredLoggerWithLevel(name, version, level string) {
	logger := NewStructuredLogger(name, version, level)
	slog.SetDefault(logger)
	klog.SetSlogLogger(logger.With(slog.String("source", "client-go")))
}
