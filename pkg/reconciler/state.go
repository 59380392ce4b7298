package reconciler

import (
	"fmt"

	"github.com/gridjobs/engine/pkg/job"
)

// Observation is what a reconcile pass saw of a job's native workload.
type Observation struct {
	// Rejected holds the reason of a permanent translation failure.
	Rejected string

	// Exists reports whether the workload object was found.
	Exists bool

	// Gone reports that the workload, child jobs and pods are all absent.
	Gone bool

	// One-off.
	Active       int32
	Ready        int32
	Succeeded    int32
	Failed       int32
	BackoffLimit int32
	Complete     bool
	FailedReason string

	// Scheduled: consecutive failed runs, newest first.
	RecentFailures int32

	// Continuous.
	DesiredReplicas          int32
	ReadyReplicas            int32
	CrashLoopRestarts        int32
	ReplicaFailure           string
	ProgressDeadlineExceeded bool

	CrashLoopThreshold int32
}

// Next derives the status of a job from its current status and an
// observation of its workload. It returns the new status and its reason.
func Next(current job.Status, v job.Variant, obs Observation) (job.Status, string) {
	switch current {
	case job.StatusDeleted, job.StatusSucceeded, job.StatusFailed:
		return current, ""
	case job.StatusTerminating:
		if obs.Gone {
			return job.StatusDeleted, ""
		}
		return job.StatusTerminating, ""
	}

	if obs.Rejected != "" {
		return job.StatusFailed, obs.Rejected
	}
	if !obs.Exists {
		if current == job.StatusPending {
			return job.StatusPending, ""
		}
		return job.StatusCreating, "workload missing, recreating"
	}
	if current == job.StatusPending {
		return job.StatusCreating, ""
	}

	switch v {
	case job.VariantOneOff:
		return nextOneOff(current, obs)
	case job.VariantScheduled:
		return nextScheduled(obs)
	case job.VariantContinuous:
		return nextContinuous(current, obs)
	}
	return current, ""
}

func nextOneOff(current job.Status, obs Observation) (job.Status, string) {
	switch {
	case obs.Failed > obs.BackoffLimit:
		return job.StatusFailed, fmt.Sprintf("failed %d times, retry budget of %d exhausted", obs.Failed, obs.BackoffLimit)
	case obs.FailedReason != "":
		return job.StatusFailed, obs.FailedReason
	case obs.Complete || obs.Succeeded > 0:
		return job.StatusSucceeded, ""
	case obs.Active > 0 || obs.Ready > 0:
		return job.StatusRunning, ""
	}
	return current, ""
}

func nextScheduled(obs Observation) (job.Status, string) {
	if obs.CrashLoopThreshold > 0 && obs.RecentFailures >= obs.CrashLoopThreshold {
		return job.StatusFailed, fmt.Sprintf("last %d runs failed", obs.RecentFailures)
	}
	return job.StatusRunning, ""
}

func nextContinuous(current job.Status, obs Observation) (job.Status, string) {
	switch {
	case obs.CrashLoopThreshold > 0 && obs.CrashLoopRestarts >= obs.CrashLoopThreshold:
		return job.StatusFailed, fmt.Sprintf("container crash looping after %d restarts", obs.CrashLoopRestarts)
	case obs.ReplicaFailure != "":
		return job.StatusFailed, obs.ReplicaFailure
	case obs.ProgressDeadlineExceeded:
		return job.StatusFailed, "deployment exceeded its progress deadline"
	case obs.ReadyReplicas > 0 || obs.DesiredReplicas == 0:
		return job.StatusRunning, ""
	}
	return current, ""
}
