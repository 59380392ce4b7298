package validator

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/distribution/reference"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/gridjobs/engine/pkg/config"
	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
)

// Validator checks raw job requests against field rules and per-job limits.
type Validator struct {
	limits            config.Limits
	concurrencyPolicy job.ConcurrencyPolicy
}

// Option is a functional option for configuring Validator instances.
type Option func(*Validator)

// WithLimits sets per-job ceilings, resource defaults and the retry budget.
func WithLimits(l config.Limits) Option {
	return func(v *Validator) {
		v.limits = l
	}
}

// WithConcurrencyPolicy sets the policy applied to scheduled jobs that do not set one.
func WithConcurrencyPolicy(p job.ConcurrencyPolicy) Option {
	return func(v *Validator) {
		v.concurrencyPolicy = p
	}
}

// New creates a new Validator with the provided options.
func New(opts ...Option) *Validator {
	def := config.Default()
	v := &Validator{
		limits:            def.Limits,
		concurrencyPolicy: def.ConcurrencyPolicy,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate converts raw into a job.Spec. On rejection the returned error
// has code INVALID_REQUEST and unwraps to a *ValidationError.
func (v *Validator) Validate(owner string, raw RawSpec) (job.Spec, error) {
	spec, verr := v.validate(owner, raw)
	if verr != nil {
		slog.Debug("job request rejected",
			slog.String("owner", owner),
			slog.String("name", raw.Name),
			slog.String("field", verr.Field),
			slog.String("reason", verr.Message))
		return job.Spec{}, cnserrors.WrapWithContext(cnserrors.ErrCodeInvalidRequest,
			verr.Error(), verr, map[string]interface{}{"field": verr.Field})
	}
	return spec, nil
}

func (v *Validator) validate(owner string, raw RawSpec) (job.Spec, *ValidationError) {
	if errs := validation.IsDNS1123Label(owner); len(errs) > 0 {
		return job.Spec{}, fieldErr("owner", "%s", strings.Join(errs, "; "))
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return job.Spec{}, fieldErr("name", "must not be empty")
	}
	if len(name) > defaults.MaxJobNameLength {
		return job.Spec{}, fieldErr("name", "must be no more than %d characters", defaults.MaxJobNameLength)
	}
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return job.Spec{}, fieldErr("name", "%s", strings.Join(errs, "; "))
	}

	variant, verr := v.variant(raw)
	if verr != nil {
		return job.Spec{}, verr
	}

	if strings.TrimSpace(raw.Command) == "" {
		return job.Spec{}, fieldErr("command", "must not be empty")
	}

	image, verr := normalizeImage(raw.Image)
	if verr != nil {
		return job.Spec{}, verr
	}

	res, verr := v.resources(raw)
	if verr != nil {
		return job.Spec{}, verr
	}

	spec := job.Spec{
		Variant:   variant,
		Name:      name,
		Command:   raw.Command,
		Image:     image,
		Resources: res,
	}

	if raw.Replicas != nil && variant != job.VariantContinuous {
		return job.Spec{}, fieldErr("replicas", "only continuous jobs have replicas")
	}
	if raw.Retry != nil && variant == job.VariantContinuous {
		return job.Spec{}, fieldErr("retry", "continuous jobs are restarted, not retried")
	}
	if raw.ConcurrencyPolicy != "" && variant != job.VariantScheduled {
		return job.Spec{}, fieldErr("concurrencyPolicy", "only scheduled jobs have a concurrency policy")
	}
	if raw.Port != nil && variant != job.VariantContinuous {
		return job.Spec{}, fieldErr("port", "only continuous jobs can expose a port")
	}
	if raw.PortProtocol != "" && raw.Port == nil {
		return job.Spec{}, fieldErr("portProtocol", "requires a port")
	}
	if raw.HealthCheck != nil && variant != job.VariantContinuous {
		return job.Spec{}, fieldErr("healthCheck", "only continuous jobs have a health check")
	}

	switch variant {
	case job.VariantOneOff:
		retry, verr := v.retry(raw.Retry)
		if verr != nil {
			return job.Spec{}, verr
		}
		spec.OneOff = &job.OneOffSpec{Retry: retry}

	case job.VariantScheduled:
		sched, err := ParseSchedule(raw.Schedule, owner, name)
		if err != nil {
			return job.Spec{}, fieldErr("schedule", "%v", err)
		}
		retry, verr := v.retry(raw.Retry)
		if verr != nil {
			return job.Spec{}, verr
		}
		policy := v.concurrencyPolicy
		if raw.ConcurrencyPolicy != "" {
			policy = job.ConcurrencyPolicy(raw.ConcurrencyPolicy)
			if !policy.IsValid() {
				return job.Spec{}, fieldErr("concurrencyPolicy", "unsupported value %q, expected one of Forbid, Allow, Replace", raw.ConcurrencyPolicy)
			}
		}
		spec.Scheduled = &job.ScheduledSpec{Schedule: sched, Retry: retry, ConcurrencyPolicy: policy}

	case job.VariantContinuous:
		replicas := int32(defaults.Replicas)
		if raw.Replicas != nil {
			replicas = *raw.Replicas
		}
		if replicas < 0 {
			return job.Spec{}, fieldErr("replicas", "must not be negative, got %d", replicas)
		}
		if replicas > v.limits.MaxReplicas {
			return job.Spec{}, fieldErr("replicas", "must be at most %d, got %d", v.limits.MaxReplicas, replicas)
		}
		spec.Continuous = &job.ContinuousSpec{Replicas: replicas}
		if verr := exposure(raw, spec.Continuous); verr != nil {
			return job.Spec{}, verr
		}
	}

	return spec, nil
}

func (v *Validator) variant(raw RawSpec) (job.Variant, *ValidationError) {
	hasSchedule := strings.TrimSpace(raw.Schedule) != ""
	if hasSchedule && raw.Continuous {
		return "", fieldErr("schedule", "a job cannot be both scheduled and continuous")
	}

	inferred := job.VariantOneOff
	switch {
	case hasSchedule:
		inferred = job.VariantScheduled
	case raw.Continuous:
		inferred = job.VariantContinuous
	}

	if raw.Type == "" {
		return inferred, nil
	}

	explicit := job.Variant(strings.ToLower(strings.TrimSpace(raw.Type)))
	if !explicit.IsValid() {
		msg := fmt.Sprintf("unknown job type %q", raw.Type)
		if s := suggestVariant(string(explicit)); s != "" {
			msg += fmt.Sprintf(", did you mean %q?", s)
		}
		return "", fieldErr("type", "%s", msg)
	}

	switch {
	case explicit == job.VariantScheduled && !hasSchedule:
		return "", fieldErr("schedule", "scheduled jobs require a schedule")
	case explicit == job.VariantContinuous && inferred == job.VariantOneOff:
		return explicit, nil
	case explicit != inferred:
		return "", fieldErr("type", "type %q conflicts with the request, which describes a %s job", explicit, inferred)
	}
	return explicit, nil
}

// exposure validates the port and health check of a continuous job into c.
func exposure(raw RawSpec, c *job.ContinuousSpec) *ValidationError {
	if raw.Port != nil {
		if *raw.Port < 1 || *raw.Port > 65535 {
			return fieldErr("port", "must be between 1 and 65535, got %d", *raw.Port)
		}
		c.Port = *raw.Port
		c.PortProtocol = job.ProtocolTCP
		if raw.PortProtocol != "" {
			c.PortProtocol = strings.ToLower(strings.TrimSpace(raw.PortProtocol))
		}
		if c.PortProtocol != job.ProtocolTCP && c.PortProtocol != job.ProtocolUDP {
			return fieldErr("portProtocol", "unsupported value %q, expected tcp or udp", raw.PortProtocol)
		}
	}

	hc := raw.HealthCheck
	if hc == nil {
		return nil
	}
	switch job.HealthCheckType(strings.ToLower(strings.TrimSpace(hc.Type))) {
	case job.HealthCheckScript:
		if strings.TrimSpace(hc.Script) == "" {
			return fieldErr("healthCheck.script", "must not be empty")
		}
		if hc.Path != "" {
			return fieldErr("healthCheck.path", "only http health checks have a path")
		}
		c.HealthCheck = &job.HealthCheck{Type: job.HealthCheckScript, Script: hc.Script}
	case job.HealthCheckHTTP:
		if c.Port == 0 {
			return fieldErr("healthCheck", "http health checks require a port")
		}
		if c.PortProtocol != job.ProtocolTCP {
			return fieldErr("healthCheck", "http health checks require a tcp port")
		}
		if !strings.HasPrefix(hc.Path, "/") {
			return fieldErr("healthCheck.path", "must be an absolute path, got %q", hc.Path)
		}
		if hc.Script != "" {
			return fieldErr("healthCheck.script", "only script health checks have a script")
		}
		c.HealthCheck = &job.HealthCheck{Type: job.HealthCheckHTTP, Path: hc.Path}
	default:
		return fieldErr("healthCheck.type", "unsupported value %q, expected script or http", hc.Type)
	}
	return nil
}

func (v *Validator) retry(r *int32) (int32, *ValidationError) {
	if r == nil {
		return v.limits.RetryBudget, nil
	}
	if *r < 0 || *r > v.limits.MaxRetry {
		return 0, fieldErr("retry", "must be between 0 and %d, got %d", v.limits.MaxRetry, *r)
	}
	return *r, nil
}

func (v *Validator) resources(raw RawSpec) (job.ResourceRequest, *ValidationError) {
	cpu, verr := quantity("cpu", raw.CPU, v.limits.DefaultCPUQuantity(), v.limits.MaxCPUQuantity())
	if verr != nil {
		return job.ResourceRequest{}, verr
	}
	mem, verr := quantity("memory", raw.Memory, v.limits.DefaultMemoryQuantity(), v.limits.MaxMemoryQuantity())
	if verr != nil {
		return job.ResourceRequest{}, verr
	}
	return job.ResourceRequest{CPU: cpu, Memory: mem}, nil
}

func quantity(field, s string, def, ceiling resource.Quantity) (resource.Quantity, *ValidationError) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	q, err := resource.ParseQuantity(strings.TrimSpace(s))
	if err != nil {
		return resource.Quantity{}, fieldErr(field, "%q is not a valid quantity", s)
	}
	if q.Sign() < 0 {
		return resource.Quantity{}, fieldErr(field, "must not be negative, got %s", q.String())
	}
	if q.Cmp(ceiling) > 0 {
		return resource.Quantity{}, fieldErr(field, "%s exceeds the maximum of %s", q.String(), ceiling.String())
	}
	return q, nil
}

func normalizeImage(image string) (string, *ValidationError) {
	image = strings.TrimSpace(image)
	if image == "" {
		return "", fieldErr("image", "must not be empty")
	}
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fieldErr("image", "%q is not a valid image reference: %v", image, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// suggestVariant returns the closest variant name within edit distance 3.
func suggestVariant(s string) string {
	best, bestDist := "", 4
	for _, v := range job.Variants() {
		if d := levenshtein.ComputeDistance(s, string(v)); d < bestDist {
			best, bestDist = string(v), d
		}
	}
	return best
}
