package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/gridjobs/engine/pkg/config"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
)

func validRaw() RawSpec {
	return RawSpec{
		Name:    "backup",
		Command: "./backup.sh",
		Image:   "busybox:1.36",
	}
}

func TestValidate_Variants(t *testing.T) {
	v := New()

	t.Run("one-off by default", func(t *testing.T) {
		spec, err := v.Validate("alice", validRaw())
		require.NoError(t, err)
		assert.Equal(t, job.VariantOneOff, spec.Variant)
		require.NotNil(t, spec.OneOff)
		assert.Equal(t, int32(3), spec.OneOff.Retry)
		assert.NoError(t, spec.CheckVariant())
	})

	t.Run("scheduled from schedule", func(t *testing.T) {
		raw := validRaw()
		raw.Schedule = "*/5 * * * *"
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, job.VariantScheduled, spec.Variant)
		require.NotNil(t, spec.Scheduled)
		assert.Equal(t, "*/5 * * * *", spec.Scheduled.Schedule.Expression)
		assert.Equal(t, job.ConcurrencyForbid, spec.Scheduled.ConcurrencyPolicy)
	})

	t.Run("continuous defaults to one replica", func(t *testing.T) {
		raw := validRaw()
		raw.Continuous = true
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, job.VariantContinuous, spec.Variant)
		assert.Equal(t, int32(1), spec.Replicas())
	})

	t.Run("explicit continuous type", func(t *testing.T) {
		raw := validRaw()
		raw.Type = "continuous"
		raw.Replicas = ptr.To(int32(0))
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, job.VariantContinuous, spec.Variant)
		assert.Equal(t, int32(0), spec.Replicas())
	})

	t.Run("explicit scheduled policy", func(t *testing.T) {
		raw := validRaw()
		raw.Schedule = "@daily"
		raw.ConcurrencyPolicy = "Replace"
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, job.ConcurrencyReplace, spec.Scheduled.ConcurrencyPolicy)
		assert.Equal(t, "@daily", spec.Scheduled.Schedule.Configured)
	})
}

func TestValidate_Normalizes(t *testing.T) {
	spec, err := New().Validate("alice", validRaw())
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/busybox:1.36", spec.Image)
	assert.Equal(t, "100m", spec.Resources.CPU.String())
	assert.Equal(t, "512Mi", spec.Resources.Memory.String())
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		owner  string
		mutate func(*RawSpec)
		field  string
	}{
		{"bad owner", "Alice!", func(*RawSpec) {}, "owner"},
		{"empty name", "alice", func(r *RawSpec) { r.Name = "" }, "name"},
		{"uppercase name", "alice", func(r *RawSpec) { r.Name = "Backup" }, "name"},
		{"long name", "alice", func(r *RawSpec) { r.Name = "a23456789012345678901234567890123456789012345678901234" }, "name"},
		{"empty command", "alice", func(r *RawSpec) { r.Command = "  " }, "command"},
		{"empty image", "alice", func(r *RawSpec) { r.Image = "" }, "image"},
		{"bad image", "alice", func(r *RawSpec) { r.Image = "UPPER/Case:tag" }, "image"},
		{"negative cpu", "alice", func(r *RawSpec) { r.CPU = "-1" }, "cpu"},
		{"garbage memory", "alice", func(r *RawSpec) { r.Memory = "lots" }, "memory"},
		{"cpu over ceiling", "alice", func(r *RawSpec) { r.CPU = "8" }, "cpu"},
		{"memory over ceiling", "alice", func(r *RawSpec) { r.Memory = "64Gi" }, "memory"},
		{"schedule and continuous", "alice", func(r *RawSpec) { r.Schedule = "* * * * *"; r.Continuous = true }, "schedule"},
		{"bad cron", "alice", func(r *RawSpec) { r.Schedule = "every day" }, "schedule"},
		{"negative replicas", "alice", func(r *RawSpec) { r.Continuous = true; r.Replicas = ptr.To(int32(-1)) }, "replicas"},
		{"too many replicas", "alice", func(r *RawSpec) { r.Continuous = true; r.Replicas = ptr.To(int32(40)) }, "replicas"},
		{"replicas on one-off", "alice", func(r *RawSpec) { r.Replicas = ptr.To(int32(2)) }, "replicas"},
		{"retry on continuous", "alice", func(r *RawSpec) { r.Continuous = true; r.Retry = ptr.To(int32(1)) }, "retry"},
		{"retry too high", "alice", func(r *RawSpec) { r.Retry = ptr.To(int32(6)) }, "retry"},
		{"policy on one-off", "alice", func(r *RawSpec) { r.ConcurrencyPolicy = "Allow" }, "concurrencyPolicy"},
		{"bad policy", "alice", func(r *RawSpec) { r.Schedule = "@hourly"; r.ConcurrencyPolicy = "Never" }, "concurrencyPolicy"},
		{"scheduled without schedule", "alice", func(r *RawSpec) { r.Type = "scheduled" }, "schedule"},
		{"one-off with schedule", "alice", func(r *RawSpec) { r.Type = "one-off"; r.Schedule = "@daily" }, "type"},
		{"unknown type", "alice", func(r *RawSpec) { r.Type = "batch" }, "type"},
		{"port on one-off", "alice", func(r *RawSpec) { r.Port = ptr.To(int32(8080)) }, "port"},
		{"port out of range", "alice", func(r *RawSpec) { r.Continuous = true; r.Port = ptr.To(int32(70000)) }, "port"},
		{"protocol without port", "alice", func(r *RawSpec) { r.Continuous = true; r.PortProtocol = "udp" }, "portProtocol"},
		{"bad protocol", "alice", func(r *RawSpec) { r.Continuous = true; r.Port = ptr.To(int32(53)); r.PortProtocol = "sctp" }, "portProtocol"},
		{"health check on scheduled", "alice", func(r *RawSpec) {
			r.Schedule = "@daily"
			r.HealthCheck = &RawHealthCheck{Type: "script", Script: "true"}
		}, "healthCheck"},
		{"http check without port", "alice", func(r *RawSpec) {
			r.Continuous = true
			r.HealthCheck = &RawHealthCheck{Type: "http", Path: "/healthz"}
		}, "healthCheck"},
		{"http check on udp port", "alice", func(r *RawSpec) {
			r.Continuous = true
			r.Port = ptr.To(int32(53))
			r.PortProtocol = "udp"
			r.HealthCheck = &RawHealthCheck{Type: "http", Path: "/healthz"}
		}, "healthCheck"},
		{"http check relative path", "alice", func(r *RawSpec) {
			r.Continuous = true
			r.Port = ptr.To(int32(8080))
			r.HealthCheck = &RawHealthCheck{Type: "http", Path: "healthz"}
		}, "healthCheck.path"},
		{"empty script check", "alice", func(r *RawSpec) {
			r.Continuous = true
			r.HealthCheck = &RawHealthCheck{Type: "script"}
		}, "healthCheck.script"},
		{"unknown check type", "alice", func(r *RawSpec) {
			r.Continuous = true
			r.HealthCheck = &RawHealthCheck{Type: "grpc"}
		}, "healthCheck.type"},
	}

	v := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)

			_, err := v.Validate(tt.owner, raw)
			require.Error(t, err)
			assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeInvalidRequest))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidate_PortAndHealthCheck(t *testing.T) {
	v := New()

	t.Run("port defaults to tcp", func(t *testing.T) {
		raw := validRaw()
		raw.Continuous = true
		raw.Port = ptr.To(int32(8080))
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, int32(8080), spec.Continuous.Port)
		assert.Equal(t, job.ProtocolTCP, spec.Continuous.PortProtocol)
		assert.Nil(t, spec.Continuous.HealthCheck)
	})

	t.Run("udp port", func(t *testing.T) {
		raw := validRaw()
		raw.Continuous = true
		raw.Port = ptr.To(int32(53))
		raw.PortProtocol = "UDP"
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, job.ProtocolUDP, spec.Continuous.PortProtocol)
	})

	t.Run("http check", func(t *testing.T) {
		raw := validRaw()
		raw.Continuous = true
		raw.Port = ptr.To(int32(8080))
		raw.HealthCheck = &RawHealthCheck{Type: "HTTP", Path: "/healthz"}
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, &job.HealthCheck{Type: job.HealthCheckHTTP, Path: "/healthz"}, spec.Continuous.HealthCheck)
	})

	t.Run("script check without port", func(t *testing.T) {
		raw := validRaw()
		raw.Continuous = true
		raw.HealthCheck = &RawHealthCheck{Type: "script", Script: "test -f /tmp/ready"}
		spec, err := v.Validate("alice", raw)
		require.NoError(t, err)
		assert.Equal(t, &job.HealthCheck{Type: job.HealthCheckScript, Script: "test -f /tmp/ready"}, spec.Continuous.HealthCheck)
		assert.Zero(t, spec.Continuous.Port)
	})
}

func TestValidate_TypeSuggestion(t *testing.T) {
	raw := validRaw()
	raw.Type = "continous"
	_, err := New().Validate("alice", raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "continuous"`)
}

func TestValidate_WithLimits(t *testing.T) {
	limits := config.Default().Limits
	limits.RetryBudget = 1
	limits.MaxReplicas = 10
	v := New(WithLimits(limits), WithConcurrencyPolicy(job.ConcurrencyAllow))

	spec, err := v.Validate("alice", validRaw())
	require.NoError(t, err)
	assert.Equal(t, int32(1), spec.OneOff.Retry)

	raw := validRaw()
	raw.Continuous = true
	raw.Replicas = ptr.To(int32(10))
	_, err = v.Validate("alice", raw)
	assert.NoError(t, err)

	raw = validRaw()
	raw.Schedule = "0 * * * *"
	spec, err = v.Validate("alice", raw)
	require.NoError(t, err)
	assert.Equal(t, job.ConcurrencyAllow, spec.Scheduled.ConcurrencyPolicy)
}

func TestParseRaw(t *testing.T) {
	raw, err := ParseRaw([]byte(`
name: web
command: ./serve
image: nginx:1.27
continuous: true
replicas: 2
cpu: 250m
`))
	require.NoError(t, err)
	assert.Equal(t, "web", raw.Name)
	assert.True(t, raw.Continuous)
	require.NotNil(t, raw.Replicas)
	assert.Equal(t, int32(2), *raw.Replicas)

	raw, err = ParseRaw([]byte(`{"name": "once", "command": "true", "image": "busybox"}`))
	require.NoError(t, err)
	assert.Equal(t, "once", raw.Name)

	raw, err = ParseRaw([]byte(`
name: web
command: ./serve
image: nginx:1.27
continuous: true
port: 8080
healthCheck:
  type: http
  path: /healthz
`))
	require.NoError(t, err)
	require.NotNil(t, raw.Port)
	assert.Equal(t, int32(8080), *raw.Port)
	require.NotNil(t, raw.HealthCheck)
	assert.Equal(t, "/healthz", raw.HealthCheck.Path)

	_, err = ParseRaw([]byte("name: x\nreplica: 2\n"))
	assert.Error(t, err, "unknown fields are rejected")
}
