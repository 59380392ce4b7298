// Package validator turns raw, user-submitted job requests into typed
// job.Spec values.
//
// # Overview
//
// Validation is pure: it never talks to the cluster. A request is accepted
// only when exactly one variant can be determined and every field passes
// its rule:
//
//   - name: DNS-1123 label, at most 52 characters (CronJob name limit)
//   - image: a valid, normalizable image reference
//   - command: non-empty
//   - cpu / memory: non-negative quantities within the configured ceiling
//   - replicas: non-negative, continuous jobs only
//   - schedule: a five-field cron expression, a six-field expression whose
//     seconds field is 0, or one of @hourly @daily @weekly @monthly @yearly
//
// # Variant Selection
//
// The variant is inferred from the request: a schedule selects scheduled,
// continuous: true selects continuous, otherwise one-off. An explicit type
// must agree with the inferred one.
//
// # Usage
//
//	v := validator.New(validator.WithLimits(cfg.Limits))
//	spec, err := v.Validate("alice", raw)
//	var verr *validator.ValidationError
//	if errors.As(err, &verr) {
//	    fmt.Println(verr.Field, verr.Message)
//	}
package validator
