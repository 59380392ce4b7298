// Package quota enforces per-owner ceilings on live jobs.
//
// Usage is always derived from the owner's live records in the status
// store, never persisted separately. Admission for one owner is serialized
// by Lock, which the caller holds across the duplicate check, Admit and
// record creation, so two concurrent requests cannot both fit into the last
// free slot or claim the same name. Lock takes an in-process keyed mutex and
// then, when a Locker is configured, a Lease in the owner's namespace that
// serializes separate processes through the API server. Different owners
// are admitted in parallel.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gridjobs/engine/pkg/config"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
)

// Lister returns every record an owner has in the status store.
type Lister interface {
	List(ctx context.Context, owner string) ([]job.Record, error)
}

// Usage is an owner's consumption per variant.
type Usage struct {
	OneOff             int `json:"oneOff" yaml:"oneOff"`
	Scheduled          int `json:"scheduled" yaml:"scheduled"`
	ContinuousReplicas int `json:"continuousReplicas" yaml:"continuousReplicas"`
}

// Total returns the combined usage across variants.
func (u Usage) Total() int {
	return u.OneOff + u.Scheduled + u.ContinuousReplicas
}

// Add returns u with delta added to the variant's counter.
func (u Usage) Add(v job.Variant, delta int) Usage {
	switch v {
	case job.VariantOneOff:
		u.OneOff += delta
	case job.VariantScheduled:
		u.Scheduled += delta
	case job.VariantContinuous:
		u.ContinuousReplicas += delta
	}
	return u
}

// Report pairs usage with the configured ceilings.
type Report struct {
	Owner    string       `json:"owner" yaml:"owner"`
	Usage    Usage        `json:"usage" yaml:"usage"`
	Ceilings config.Quota `json:"ceilings" yaml:"ceilings"`
}

// Delta returns the quota a spec consumes: replicas for continuous jobs,
// one slot otherwise.
func Delta(spec job.Spec) int {
	if spec.Variant == job.VariantContinuous {
		return int(spec.Replicas())
	}
	return 1
}

// Locker serializes admission for an owner across processes.
type Locker interface {
	Acquire(ctx context.Context, owner string) (func(), error)
}

// Controller admits new jobs against per-owner ceilings.
type Controller struct {
	lister   Lister
	ceilings config.Quota
	locker   Locker

	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLocker adds a cross-process lock taken after the in-process one.
func WithLocker(l Locker) Option {
	return func(c *Controller) {
		c.locker = l
	}
}

// New creates a Controller reading usage through lister.
func New(lister Lister, ceilings config.Quota, opts ...Option) *Controller {
	c := &Controller{
		lister:   lister,
		ceilings: ceilings,
		locks:    make(map[string]*ownerLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lock serializes admission for owner. The returned function releases it.
func (c *Controller) Lock(ctx context.Context, owner string) (func(), error) {
	unlock := c.lockLocal(owner)
	if c.locker == nil {
		return unlock, nil
	}
	release, err := c.locker.Acquire(ctx, owner)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

func (c *Controller) lockLocal(owner string) func() {
	c.mu.Lock()
	l, ok := c.locks[owner]
	if !ok {
		l = &ownerLock{}
		c.locks[owner] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, owner)
		}
		c.mu.Unlock()
	}
}

// Usage sums the owner's live records.
func (c *Controller) Usage(ctx context.Context, owner string) (Usage, error) {
	records, err := c.lister.List(ctx, owner)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to list jobs for %s: %w", owner, err)
	}

	var u Usage
	for i := range records {
		r := &records[i]
		if !r.CountsTowardQuota() {
			continue
		}
		u = u.Add(r.Spec.Variant, Delta(r.Spec))
	}
	return u, nil
}

// Report returns the owner's usage alongside the ceilings.
func (c *Controller) Report(ctx context.Context, owner string) (Report, error) {
	u, err := c.Usage(ctx, owner)
	if err != nil {
		return Report{}, err
	}
	return Report{Owner: owner, Usage: u, Ceilings: c.ceilings}, nil
}

// Admit checks whether owner may add delta units of variant. The caller
// must hold Lock(owner) until the new record is written. A denial returns a
// QUOTA_EXCEEDED error carrying the usage and the violated ceiling.
func (c *Controller) Admit(ctx context.Context, owner string, v job.Variant, delta int) error {
	u, err := c.Usage(ctx, owner)
	if err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "failed to compute quota usage", err)
	}

	after := u.Add(v, delta)
	if name, ceiling, exceeded := c.exceeded(after, v); exceeded && delta > 0 {
		quotaDenials.WithLabelValues(string(v)).Inc()
		slog.Info("quota exceeded",
			slog.String("owner", owner),
			slog.String("variant", string(v)),
			slog.String("ceiling", name),
			slog.Int("limit", ceiling),
			slog.Int("total", u.Total()))
		return cnserrors.NewWithContext(cnserrors.ErrCodeQuotaExceeded,
			fmt.Sprintf("quota exceeded for %s: %s limit is %d", owner, name, ceiling),
			map[string]interface{}{
				"usage":   u,
				"ceiling": name,
				"limit":   ceiling,
			})
	}

	quotaAdmissions.WithLabelValues(string(v)).Inc()
	return nil
}

func (c *Controller) exceeded(after Usage, v job.Variant) (string, int, bool) {
	switch v {
	case job.VariantOneOff:
		if after.OneOff > c.ceilings.MaxOneOff {
			return "maxOneOff", c.ceilings.MaxOneOff, true
		}
	case job.VariantScheduled:
		if after.Scheduled > c.ceilings.MaxScheduled {
			return "maxScheduled", c.ceilings.MaxScheduled, true
		}
	case job.VariantContinuous:
		if after.ContinuousReplicas > c.ceilings.MaxContinuousReplicas {
			return "maxContinuousReplicas", c.ceilings.MaxContinuousReplicas, true
		}
	}
	if after.Total() > c.ceilings.MaxTotal {
		return "maxTotal", c.ceilings.MaxTotal, true
	}
	return "", 0, false
}
