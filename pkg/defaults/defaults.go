package defaults

import "time"

// Kubernetes API timeouts.
const (
	// K8sAPITimeout bounds a single call to the API server.
	K8sAPITimeout = 30 * time.Second

	// CacheSyncTimeout bounds the initial informer cache sync.
	CacheSyncTimeout = 2 * time.Minute
)

// Reconciler defaults.
const (
	ResyncInterval    = 5 * time.Minute
	InformerResync    = 10 * time.Minute
	Workers           = 4
	MaxRetries        = 15
	RequeueBaseDelay  = 500 * time.Millisecond
	RequeueMaxDelay   = 5 * time.Minute
	QueueRateLimit    = 10
	QueueBurst        = 100
	ConflictRetries   = 5
	ConflictBaseDelay = 50 * time.Millisecond
)

// Translation defaults.
const (
	NamespacePrefix         = "tool-"
	RetryBudget             = 3
	MaxRetryBudget          = 5
	CrashLoopThreshold      = 5
	Replicas                = 1
	StartingDeadlineSeconds = 30
	ProgressDeadlineSeconds = 600
	TerminationGraceSeconds = 15
	ContainerName           = "job"
	DefaultCPU              = "100m"
	DefaultMemory           = "512Mi"
	MaxJobNameLength        = 52
)

// Health check timing for continuous jobs. The startup check allows two
// minutes to come up before the liveness check takes over.
const (
	StartupPeriodSeconds     = 1
	StartupFailureThreshold  = 120
	LivenessPeriodSeconds    = 10
	LivenessFailureThreshold = 3
	HealthCheckTimeout       = 5
)

// Quota defaults.
const (
	MaxOneOffJobs         = 15
	MaxScheduledJobs      = 50
	MaxContinuousReplicas = 16
	MaxTotal              = 64
	MaxCPUPerJob          = "3"
	MaxMemoryPerJob       = "6Gi"
	MaxReplicasPerJob     = 4
)

// Admission lease defaults. One lease per owner namespace serializes
// admission across processes.
const (
	AdmissionLeaseName     = "gridjobs-admission"
	AdmissionLeaseDuration = 15 * time.Second
	AdmissionRetryInterval = 100 * time.Millisecond
	AdmissionWaitTimeout   = 30 * time.Second
)

// Server timeouts.
const (
	ServerReadTimeout     = 10 * time.Second
	ServerWriteTimeout    = 30 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)
