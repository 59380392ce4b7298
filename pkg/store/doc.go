// Package store persists job records as custom resources.
//
// Each record is one object of group gridjobs.io/v1 in the owner's
// namespace, named after the job. The kind follows the variant:
//
//	OneOffJob      one-off-jobs
//	ScheduledJob   scheduled-jobs
//	ContinuousJob  continuous-jobs
//
// The object's spec carries the owner and the immutable job spec; its
// status carries the phase, reason, native references, timestamps and a
// generation counter. Every write increments the generation, and a write
// computed against an older generation is rejected with ErrStale.
package store
