// Package config loads engine configuration from defaults, an optional YAML
// file, and environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/gridjobs/engine/pkg/defaults"
	"github.com/gridjobs/engine/pkg/job"
)

// Environment variables recognized by Load.
const (
	EnvConfigFile      = "GRIDJOBS_CONFIG"
	EnvNamespacePrefix = "GRIDJOBS_NAMESPACE_PREFIX"
	EnvWorkers         = "GRIDJOBS_WORKERS"
	EnvResync          = "GRIDJOBS_RESYNC_INTERVAL"
	EnvAPITimeout      = "GRIDJOBS_API_TIMEOUT"
	EnvProbeAddress    = "GRIDJOBS_PROBE_ADDRESS"
	EnvConcurrency     = "GRIDJOBS_CONCURRENCY_POLICY"
	EnvLogLevel        = "LOG_LEVEL"
	EnvKubeconfig      = "KUBECONFIG"
)

// Quota holds per-owner ceilings.
type Quota struct {
	MaxOneOff             int `yaml:"maxOneOff"`
	MaxScheduled          int `yaml:"maxScheduled"`
	MaxContinuousReplicas int `yaml:"maxContinuousReplicas"`
	// MaxTotal bounds one-off + scheduled + continuous replicas combined.
	MaxTotal int `yaml:"maxTotal"`
}

// Limits holds per-job ceilings and defaults.
type Limits struct {
	MaxCPU      string `yaml:"maxCPU"`
	MaxMemory   string `yaml:"maxMemory"`
	MaxReplicas int32  `yaml:"maxReplicas"`
	DefaultCPU  string `yaml:"defaultCPU"`
	DefaultMem  string `yaml:"defaultMemory"`
	RetryBudget int32  `yaml:"retryBudget"`
	MaxRetry    int32  `yaml:"maxRetry"`
}

// Reconciler holds work queue and resync settings.
type Reconciler struct {
	Workers            int           `yaml:"workers"`
	ResyncInterval     time.Duration `yaml:"resyncInterval"`
	MaxRetries         int           `yaml:"maxRetries"`
	CrashLoopThreshold int32         `yaml:"crashLoopThreshold"`
}

// Config is the complete engine configuration.
type Config struct {
	Kubeconfig        string                `yaml:"kubeconfig"`
	NamespacePrefix   string                `yaml:"namespacePrefix"`
	APITimeout        time.Duration         `yaml:"apiTimeout"`
	ConflictRetries   int                   `yaml:"conflictRetries"`
	ConcurrencyPolicy job.ConcurrencyPolicy `yaml:"concurrencyPolicy"`
	ProbeAddress      string                `yaml:"probeAddress"`
	LogLevel          string                `yaml:"logLevel"`
	Quota             Quota                 `yaml:"quota"`
	Limits            Limits                `yaml:"limits"`
	Reconciler        Reconciler            `yaml:"reconciler"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NamespacePrefix:   defaults.NamespacePrefix,
		APITimeout:        defaults.K8sAPITimeout,
		ConflictRetries:   defaults.ConflictRetries,
		ConcurrencyPolicy: job.ConcurrencyForbid,
		ProbeAddress:      ":8080",
		LogLevel:          slog.LevelInfo.String(),
		Quota: Quota{
			MaxOneOff:             defaults.MaxOneOffJobs,
			MaxScheduled:          defaults.MaxScheduledJobs,
			MaxContinuousReplicas: defaults.MaxContinuousReplicas,
			MaxTotal:              defaults.MaxTotal,
		},
		Limits: Limits{
			MaxCPU:      defaults.MaxCPUPerJob,
			MaxMemory:   defaults.MaxMemoryPerJob,
			MaxReplicas: defaults.MaxReplicasPerJob,
			DefaultCPU:  defaults.DefaultCPU,
			DefaultMem:  defaults.DefaultMemory,
			RetryBudget: defaults.RetryBudget,
			MaxRetry:    defaults.MaxRetryBudget,
		},
		Reconciler: Reconciler{
			Workers:            defaults.Workers,
			ResyncInterval:     defaults.ResyncInterval,
			MaxRetries:         defaults.MaxRetries,
			CrashLoopThreshold: defaults.CrashLoopThreshold,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// GRIDJOBS_CONFIG is consulted; a missing file is not an error when the
// path came from neither source.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
		}
		slog.Debug("loaded config file", slog.String("path", path))
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvKubeconfig); v != "" && c.Kubeconfig == "" {
		c.Kubeconfig = v
	}
	if v := os.Getenv(EnvNamespacePrefix); v != "" {
		c.NamespacePrefix = v
	}
	if v := os.Getenv(EnvProbeAddress); v != "" {
		c.ProbeAddress = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvConcurrency); v != "" {
		c.ConcurrencyPolicy = job.ConcurrencyPolicy(v)
	}
	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvWorkers, v, err)
		}
		c.Reconciler.Workers = n
	}
	if v := os.Getenv(EnvResync); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvResync, v, err)
		}
		c.Reconciler.ResyncInterval = d
	}
	if v := os.Getenv(EnvAPITimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvAPITimeout, v, err)
		}
		c.APITimeout = d
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.NamespacePrefix == "" {
		return fmt.Errorf("namespacePrefix must not be empty")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("apiTimeout must be positive, got %s", c.APITimeout)
	}
	if c.ConflictRetries < 1 {
		return fmt.Errorf("conflictRetries must be at least 1, got %d", c.ConflictRetries)
	}
	if !c.ConcurrencyPolicy.IsValid() {
		return fmt.Errorf("unsupported concurrencyPolicy %q", c.ConcurrencyPolicy)
	}
	if c.Quota.MaxOneOff < 0 || c.Quota.MaxScheduled < 0 || c.Quota.MaxContinuousReplicas < 0 || c.Quota.MaxTotal < 0 {
		return fmt.Errorf("quota ceilings must not be negative")
	}
	for name, q := range map[string]string{
		"limits.maxCPU":        c.Limits.MaxCPU,
		"limits.maxMemory":     c.Limits.MaxMemory,
		"limits.defaultCPU":    c.Limits.DefaultCPU,
		"limits.defaultMemory": c.Limits.DefaultMem,
	} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, q, err)
		}
	}
	if c.Limits.MaxReplicas < 0 {
		return fmt.Errorf("limits.maxReplicas must not be negative")
	}
	if c.Limits.RetryBudget < 0 || c.Limits.RetryBudget > c.Limits.MaxRetry {
		return fmt.Errorf("limits.retryBudget must be between 0 and %d, got %d", c.Limits.MaxRetry, c.Limits.RetryBudget)
	}
	if c.Reconciler.Workers < 1 {
		return fmt.Errorf("reconciler.workers must be at least 1, got %d", c.Reconciler.Workers)
	}
	if c.Reconciler.ResyncInterval <= 0 {
		return fmt.Errorf("reconciler.resyncInterval must be positive")
	}
	if c.Reconciler.CrashLoopThreshold < 1 {
		return fmt.Errorf("reconciler.crashLoopThreshold must be at least 1")
	}
	return nil
}

// MaxCPUQuantity returns the per-job CPU ceiling.
func (l Limits) MaxCPUQuantity() resource.Quantity { return resource.MustParse(l.MaxCPU) }

// MaxMemoryQuantity returns the per-job memory ceiling.
func (l Limits) MaxMemoryQuantity() resource.Quantity { return resource.MustParse(l.MaxMemory) }

// DefaultCPUQuantity returns the CPU limit applied when a request omits it.
func (l Limits) DefaultCPUQuantity() resource.Quantity { return resource.MustParse(l.DefaultCPU) }

// DefaultMemoryQuantity returns the memory limit applied when a request omits it.
func (l Limits) DefaultMemoryQuantity() resource.Quantity { return resource.MustParse(l.DefaultMem) }

// Namespace returns the namespace holding an owner's jobs.
func (c *Config) Namespace(owner string) string {
	return c.NamespacePrefix + owner
}
