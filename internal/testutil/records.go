package testutil

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/gridjobs/engine/pkg/job"
)

// Created is the creation time stamped on fixture records.
var Created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baseRecord(owner, name string, v job.Variant) *job.Record {
	return &job.Record{
		ID: job.ID{Owner: owner, Name: name},
		Spec: job.Spec{
			Variant: v,
			Name:    name,
			Command: "./run.sh",
			Image:   "docker.io/library/busybox:1.36",
			Resources: job.ResourceRequest{
				CPU:    resource.MustParse("100m"),
				Memory: resource.MustParse("512Mi"),
			},
		},
		Status:           job.StatusPending,
		CreatedAt:        Created,
		LastTransitionAt: Created,
		Generation:       1,
	}
}

// OneOff returns a pending one-off record with a retry budget of 3.
func OneOff(owner, name string) *job.Record {
	r := baseRecord(owner, name, job.VariantOneOff)
	r.Spec.OneOff = &job.OneOffSpec{Retry: 3}
	return r
}

// Scheduled returns a pending scheduled record running every five minutes.
func Scheduled(owner, name string) *job.Record {
	r := baseRecord(owner, name, job.VariantScheduled)
	r.Spec.Scheduled = &job.ScheduledSpec{
		Schedule:          job.Schedule{Expression: "*/5 * * * *", Configured: "*/5 * * * *"},
		Retry:             3,
		ConcurrencyPolicy: job.ConcurrencyForbid,
	}
	return r
}

// Continuous returns a pending continuous record with the given replicas.
func Continuous(owner, name string, replicas int32) *job.Record {
	r := baseRecord(owner, name, job.VariantContinuous)
	r.Spec.Continuous = &job.ContinuousSpec{Replicas: replicas}
	return r
}
