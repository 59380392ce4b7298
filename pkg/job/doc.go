// Package job defines the engine's job model: the three job variants, the
// immutable job specification, the job identity, and the job record that
// the status store persists.
//
// A Spec is a tagged union. Variant names which payload is set, and exactly
// one of OneOff, Scheduled or Continuous is non-nil:
//
//	spec := job.Spec{
//	    Variant:   job.VariantScheduled,
//	    Name:      "backup",
//	    Image:     "docker.io/library/busybox:1.36",
//	    Command:   "tar czf /data/backup.tgz /data/src",
//	    Scheduled: &job.ScheduledSpec{Schedule: sched},
//	}
//
// Records move through the lifecycle
// Pending -> Creating -> Running -> Succeeded | Failed, and any state may
// move to Terminating and then Deleted when the job is removed.
package job
