package server

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/gridjobs/engine/pkg/defaults"
)

// Config holds server configuration.
type Config struct {
	Address string

	// Rate limiting of non-probe endpoints.
	RateLimit      rate.Limit
	RateLimitBurst int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:         ":8080",
		RateLimit:       20,
		RateLimitBurst:  40,
		ReadTimeout:     defaults.ServerReadTimeout,
		WriteTimeout:    defaults.ServerWriteTimeout,
		IdleTimeout:     defaults.ServerIdleTimeout,
		ShutdownTimeout: defaults.ServerShutdownTimeout,
	}
}
