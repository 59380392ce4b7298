// Package translator maps job records onto native Kubernetes workloads and
// keeps those workloads converged.
//
// # Mapping
//
//	one-off     batch/v1 Job         restartPolicy Never, backoffLimit = retry
//	scheduled   batch/v1 CronJob     concurrencyPolicy from the spec (Forbid by default)
//	continuous  apps/v1 Deployment   restartPolicy Always, replicas from the spec
//
// All objects live in the owner's namespace, carry the job's identifying
// labels, and run a single container named "job".
//
// # Idempotence
//
// Ensure creates the workload when it is missing and makes no mutating
// call when the existing object already matches. A differing CronJob or
// Deployment is updated in place under optimistic concurrency; a differing
// Job is deleted and recreated because its pod template is immutable.
//
// Every API call is bounded by a timeout. Timeouts and throttling come
// back as transient errors; rejections the cluster will keep making come
// back as a *TranslationError.
package translator
