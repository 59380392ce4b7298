// Package reconciler drives job records toward the state of the native
// workloads that materialize them.
//
// A typed rate-limited work queue keyed by job.ID guarantees that a single
// worker handles a given job at a time. Shared informers on Jobs, CronJobs,
// Deployments and Pods (filtered by the managed-by label) and dynamic
// informers on the job custom resources feed the queue; a periodic resync
// enqueues every record so dropped events converge.
//
// Each pass ensures the workload, observes it, and derives the next status
// with the pure Next function. Writes carry the generation they were
// computed from and stale writes are retried from a fresh read.
//
// Deletion runs as a cascade on a context detached from the caller: the
// workload, its child jobs and pods are removed, the record is marked
// Deleted and then physically removed.
package reconciler
