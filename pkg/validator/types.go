package validator

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RawSpec is a job request as submitted by a user, before validation.
type RawSpec struct {
	Name              string `json:"name" yaml:"name"`
	Type              string `json:"type,omitempty" yaml:"type,omitempty"`
	Command           string `json:"command" yaml:"command"`
	Image             string `json:"image" yaml:"image"`
	Schedule          string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Continuous        bool   `json:"continuous,omitempty" yaml:"continuous,omitempty"`
	Replicas          *int32 `json:"replicas,omitempty" yaml:"replicas,omitempty"`
	CPU               string `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	Memory            string `json:"memory,omitempty" yaml:"memory,omitempty"`
	Retry             *int32 `json:"retry,omitempty" yaml:"retry,omitempty"`
	ConcurrencyPolicy string `json:"concurrencyPolicy,omitempty" yaml:"concurrencyPolicy,omitempty"`
	Port              *int32 `json:"port,omitempty" yaml:"port,omitempty"`
	PortProtocol      string `json:"portProtocol,omitempty" yaml:"portProtocol,omitempty"`

	HealthCheck *RawHealthCheck `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
}

// RawHealthCheck is the health check of a continuous job request.
type RawHealthCheck struct {
	Type   string `json:"type" yaml:"type"`
	Script string `json:"script,omitempty" yaml:"script,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ParseRaw decodes a YAML or JSON job request. Unknown fields are rejected.
func ParseRaw(data []byte) (RawSpec, error) {
	var raw RawSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return RawSpec{}, fmt.Errorf("failed to parse job request: %w", err)
	}
	return raw, nil
}

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func fieldErr(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
