package job

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Variant identifies the kind of job.
type Variant string

const (
	VariantOneOff     Variant = "one-off"
	VariantScheduled  Variant = "scheduled"
	VariantContinuous Variant = "continuous"
)

// Variants returns all supported variants in a stable order.
func Variants() []Variant {
	return []Variant{VariantOneOff, VariantScheduled, VariantContinuous}
}

// IsValid reports whether v is a known variant.
func (v Variant) IsValid() bool {
	switch v {
	case VariantOneOff, VariantScheduled, VariantContinuous:
		return true
	default:
		return false
	}
}

// NativeKind returns the Kubernetes workload kind that executes the variant.
func (v Variant) NativeKind() string {
	switch v {
	case VariantOneOff:
		return KindJob
	case VariantScheduled:
		return KindCronJob
	case VariantContinuous:
		return KindDeployment
	default:
		return ""
	}
}

// Native workload kinds.
const (
	KindJob        = "Job"
	KindCronJob    = "CronJob"
	KindDeployment = "Deployment"
	KindService    = "Service"
)

// ConcurrencyPolicy mirrors the CronJob concurrency policy values.
type ConcurrencyPolicy string

const (
	ConcurrencyForbid  ConcurrencyPolicy = "Forbid"
	ConcurrencyAllow   ConcurrencyPolicy = "Allow"
	ConcurrencyReplace ConcurrencyPolicy = "Replace"
)

// IsValid reports whether p is a supported policy.
func (p ConcurrencyPolicy) IsValid() bool {
	return p == ConcurrencyForbid || p == ConcurrencyAllow || p == ConcurrencyReplace
}

// ResourceRequest is the resource limit requested for each job container.
type ResourceRequest struct {
	CPU    resource.Quantity `json:"cpu" yaml:"cpu"`
	Memory resource.Quantity `json:"memory" yaml:"memory"`
}

// Schedule is a validated cron schedule.
type Schedule struct {
	// Expression is the normalized five-field expression used by the CronJob.
	Expression string `json:"expression" yaml:"expression"`
	// Configured is the text the user supplied (may be a macro such as @daily).
	Configured string `json:"configured" yaml:"configured"`
}

func (s Schedule) String() string {
	return s.Expression
}

// OneOffSpec holds fields specific to run-once jobs.
type OneOffSpec struct {
	Retry int32 `json:"retry" yaml:"retry"`
}

// ScheduledSpec holds fields specific to scheduled jobs.
type ScheduledSpec struct {
	Schedule          Schedule          `json:"schedule" yaml:"schedule"`
	Retry             int32             `json:"retry" yaml:"retry"`
	ConcurrencyPolicy ConcurrencyPolicy `json:"concurrencyPolicy" yaml:"concurrencyPolicy"`
}

// Port protocols a continuous job may expose.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// HealthCheckType selects how a continuous job's container is checked.
type HealthCheckType string

const (
	HealthCheckScript HealthCheckType = "script"
	HealthCheckHTTP   HealthCheckType = "http"
)

// HealthCheck tells the kubelet how to decide a continuous job is alive.
// Script runs through the shell inside the container; HTTP requests Path on
// the job's port.
type HealthCheck struct {
	Type   HealthCheckType `json:"type" yaml:"type"`
	Script string          `json:"script,omitempty" yaml:"script,omitempty"`
	Path   string          `json:"path,omitempty" yaml:"path,omitempty"`
}

// ContinuousSpec holds fields specific to continuously running jobs.
// A non-zero Port is exposed inside the owner's namespace through a Service.
type ContinuousSpec struct {
	Replicas     int32        `json:"replicas" yaml:"replicas"`
	Port         int32        `json:"port,omitempty" yaml:"port,omitempty"`
	PortProtocol string       `json:"portProtocol,omitempty" yaml:"portProtocol,omitempty"`
	HealthCheck  *HealthCheck `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
}

// Spec is the validated, immutable description of a job.
type Spec struct {
	Variant   Variant         `json:"type" yaml:"type"`
	Name      string          `json:"name" yaml:"name"`
	Command   string          `json:"command" yaml:"command"`
	Image     string          `json:"image" yaml:"image"`
	Resources ResourceRequest `json:"resources" yaml:"resources"`

	OneOff     *OneOffSpec     `json:"oneOff,omitempty" yaml:"oneOff,omitempty"`
	Scheduled  *ScheduledSpec  `json:"scheduled,omitempty" yaml:"scheduled,omitempty"`
	Continuous *ContinuousSpec `json:"continuous,omitempty" yaml:"continuous,omitempty"`
}

// CheckVariant verifies that exactly the payload matching Variant is set.
func (s *Spec) CheckVariant() error {
	set := 0
	if s.OneOff != nil {
		set++
	}
	if s.Scheduled != nil {
		set++
	}
	if s.Continuous != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("expected exactly one variant payload, found %d", set)
	}

	switch s.Variant {
	case VariantOneOff:
		if s.OneOff == nil {
			return fmt.Errorf("variant %q without one-off payload", s.Variant)
		}
	case VariantScheduled:
		if s.Scheduled == nil {
			return fmt.Errorf("variant %q without scheduled payload", s.Variant)
		}
	case VariantContinuous:
		if s.Continuous == nil {
			return fmt.Errorf("variant %q without continuous payload", s.Variant)
		}
	default:
		return fmt.Errorf("unknown variant %q", s.Variant)
	}
	return nil
}

// Replicas returns the continuous replica count, or zero for other variants.
func (s *Spec) Replicas() int32 {
	if s.Continuous == nil {
		return 0
	}
	return s.Continuous.Replicas
}

// Retry returns the backoff limit for variants that run to completion.
func (s *Spec) Retry() int32 {
	switch {
	case s.OneOff != nil:
		return s.OneOff.Retry
	case s.Scheduled != nil:
		return s.Scheduled.Retry
	default:
		return 0
	}
}

// ID uniquely identifies a job. Names are unique per owner.
type ID struct {
	Owner string `json:"owner" yaml:"owner"`
	Name  string `json:"name" yaml:"name"`
}

// String renders the id as owner/name.
func (id ID) String() string {
	return id.Owner + "/" + id.Name
}

// ParseID parses the owner/name form produced by ID.String.
func ParseID(s string) (ID, error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ID{}, fmt.Errorf("invalid job id %q, expected owner/name", s)
	}
	return ID{Owner: owner, Name: name}, nil
}

// Status is the engine-level state of a job.
type Status string

const (
	StatusPending     Status = "Pending"
	StatusCreating    Status = "Creating"
	StatusRunning     Status = "Running"
	StatusSucceeded   Status = "Succeeded"
	StatusFailed      Status = "Failed"
	StatusTerminating Status = "Terminating"
	StatusDeleted     Status = "Deleted"
)

// IsTerminal reports whether no further transition happens without a delete.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDeleted
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCreating, StatusRunning, StatusSucceeded,
		StatusFailed, StatusTerminating, StatusDeleted:
		return true
	default:
		return false
	}
}

// NativeRef points at a Kubernetes object materializing a job.
type NativeRef struct {
	Kind      string `json:"kind" yaml:"kind"`
	Namespace string `json:"namespace" yaml:"namespace"`
	Name      string `json:"name" yaml:"name"`
}

func (r NativeRef) String() string {
	return r.Kind + "/" + r.Namespace + "/" + r.Name
}

// Record is the persisted state of a job.
type Record struct {
	ID               ID          `json:"id" yaml:"id"`
	Spec             Spec        `json:"spec" yaml:"spec"`
	NativeRefs       []NativeRef `json:"nativeRefs,omitempty" yaml:"nativeRefs,omitempty"`
	Status           Status      `json:"status" yaml:"status"`
	StatusReason     string      `json:"statusReason,omitempty" yaml:"statusReason,omitempty"`
	CreatedAt        time.Time   `json:"createdAt" yaml:"createdAt"`
	LastTransitionAt time.Time   `json:"lastTransitionAt" yaml:"lastTransitionAt"`
	Generation       int64       `json:"generation" yaml:"generation"`
	ResourceVersion  string      `json:"-" yaml:"-"`
}

// CountsTowardQuota reports whether the record consumes quota.
// Deleted records and terminal failures are released; Terminating still counts.
func (r *Record) CountsTowardQuota() bool {
	return r.Status != StatusDeleted && r.Status != StatusFailed
}

// DeepCopy returns an independent copy of the record.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Spec.Resources.CPU = r.Spec.Resources.CPU.DeepCopy()
	out.Spec.Resources.Memory = r.Spec.Resources.Memory.DeepCopy()
	if r.Spec.OneOff != nil {
		v := *r.Spec.OneOff
		out.Spec.OneOff = &v
	}
	if r.Spec.Scheduled != nil {
		v := *r.Spec.Scheduled
		out.Spec.Scheduled = &v
	}
	if r.Spec.Continuous != nil {
		v := *r.Spec.Continuous
		if v.HealthCheck != nil {
			hc := *v.HealthCheck
			v.HealthCheck = &hc
		}
		out.Spec.Continuous = &v
	}
	if r.NativeRefs != nil {
		out.NativeRefs = append([]NativeRef(nil), r.NativeRefs...)
	}
	return &out
}
