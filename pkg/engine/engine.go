// Package engine is the entry point for job operations. It validates and
// admits new jobs, records them, and hands them to the reconciler, which
// owns every native side effect.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/gridjobs/engine/pkg/config"
	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/locator"
	"github.com/gridjobs/engine/pkg/quota"
	"github.com/gridjobs/engine/pkg/reconciler"
	"github.com/gridjobs/engine/pkg/store"
	"github.com/gridjobs/engine/pkg/translator"
	"github.com/gridjobs/engine/pkg/validator"
)

// Engine wires the job components together.
type Engine struct {
	validator  *validator.Validator
	store      *store.Store
	quota      *quota.Controller
	translator *translator.Translator
	locator    *locator.Locator
	reconciler *reconciler.Reconciler
	backoff    wait.Backoff
}

// New builds an Engine from cfg on top of the given clients.
func New(cfg *config.Config, kube kubernetes.Interface, dyn dynamic.Interface) *Engine {
	st := store.New(dyn, cfg.NamespacePrefix, store.WithTimeout(cfg.APITimeout))
	tr := translator.New(kube,
		translator.WithNamespacePrefix(cfg.NamespacePrefix),
		translator.WithTimeout(cfg.APITimeout),
		translator.WithConflictRetries(cfg.ConflictRetries),
		translator.WithCrashLoopThreshold(cfg.Reconciler.CrashLoopThreshold))

	return &Engine{
		validator: validator.New(
			validator.WithLimits(cfg.Limits),
			validator.WithConcurrencyPolicy(cfg.ConcurrencyPolicy)),
		store: st,
		quota: quota.New(st, cfg.Quota,
			quota.WithLocker(quota.NewLeaseLocker(kube.CoordinationV1(), st.Namespace))),
		translator: tr,
		locator: locator.New(kube,
			locator.WithNamespacePrefix(cfg.NamespacePrefix),
			locator.WithTimeout(cfg.APITimeout)),
		reconciler: reconciler.New(kube, dyn, st, tr,
			reconciler.WithWorkers(cfg.Reconciler.Workers),
			reconciler.WithResyncInterval(cfg.Reconciler.ResyncInterval),
			reconciler.WithMaxRetries(cfg.Reconciler.MaxRetries),
			reconciler.WithCrashLoopThreshold(cfg.Reconciler.CrashLoopThreshold),
			reconciler.WithTimeout(cfg.APITimeout)),
		backoff: wait.Backoff{
			Steps:    cfg.ConflictRetries,
			Duration: defaults.ConflictBaseDelay,
			Factor:   2.0,
			Jitter:   0.1,
		},
	}
}

// Run runs the reconciler until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	return e.reconciler.Run(ctx)
}

// Ready reports whether the reconciler caches are synced.
func (e *Engine) Ready() bool {
	return e.reconciler.Ready()
}

// CreateJob validates raw, admits it against the owner's quota and records
// a Pending job. Nothing is created in the cluster when it fails.
func (e *Engine) CreateJob(ctx context.Context, owner string, raw validator.RawSpec) (*job.Record, error) {
	rec, err := e.createJob(ctx, owner, raw)
	observe("create", err)
	return rec, err
}

func (e *Engine) createJob(ctx context.Context, owner string, raw validator.RawSpec) (*job.Record, error) {
	spec, err := e.validator.Validate(owner, raw)
	if err != nil {
		return nil, err
	}
	id := job.ID{Owner: owner, Name: spec.Name}

	unlock, err := e.quota.Lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.Get(ctx, id); err == nil {
		return nil, cnserrors.NewWithContext(cnserrors.ErrCodeAlreadyExists,
			fmt.Sprintf("job %s already exists", id), map[string]interface{}{"job": id.String()})
	} else if !cnserrors.IsCode(err, cnserrors.ErrCodeNotFound) {
		return nil, err
	}

	if err := e.quota.Admit(ctx, owner, spec.Variant, quota.Delta(spec)); err != nil {
		return nil, err
	}

	rec, err := e.store.Create(ctx, &job.Record{ID: id, Spec: spec})
	if err != nil {
		return nil, err
	}
	e.reconciler.Enqueue(id)

	slog.Info("job created",
		slog.String("job", id.String()),
		slog.String("variant", string(spec.Variant)))
	return rec, nil
}

// GetJob returns the record of id.
func (e *Engine) GetJob(ctx context.Context, id job.ID) (*job.Record, error) {
	rec, err := e.store.Get(ctx, id)
	observe("get", err)
	return rec, err
}

// ListJobs returns the owner's records sorted by name.
func (e *Engine) ListJobs(ctx context.Context, owner string) ([]job.Record, error) {
	records, err := e.store.List(ctx, owner)
	observe("list", err)
	return records, err
}

// DeleteJob marks id Terminating. The reconciler removes the workload and
// then the record; once the mark is written the deletion completes even if
// ctx is canceled.
func (e *Engine) DeleteJob(ctx context.Context, id job.ID) error {
	err := e.deleteJob(ctx, id)
	observe("delete", err)
	return err
}

func (e *Engine) deleteJob(ctx context.Context, id job.ID) error {
	err := retry.OnError(e.backoff, isStale, func() error {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status == job.StatusTerminating || rec.Status == job.StatusDeleted {
			return nil
		}
		rec.Status = job.StatusTerminating
		rec.StatusReason = ""
		_, err = e.store.UpdateStatus(ctx, rec)
		return err
	})
	if isStale(err) {
		return cnserrors.Wrap(cnserrors.ErrCodeConflictExhausted,
			fmt.Sprintf("job %s kept changing, gave up marking it for deletion", id), err)
	}
	if err != nil {
		return err
	}

	e.reconciler.Enqueue(id)
	slog.Info("job deletion requested", slog.String("job", id.String()))
	return nil
}

// LocateLogs returns the pod and container holding the logs of id.
func (e *Engine) LocateLogs(ctx context.Context, id job.ID) (locator.Coordinates, error) {
	coords, err := e.locateLogs(ctx, id)
	observe("logs", err)
	return coords, err
}

func (e *Engine) locateLogs(ctx context.Context, id job.ID) (locator.Coordinates, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return locator.Coordinates{}, err
	}
	if rec.Status == job.StatusTerminating || rec.Status == job.StatusDeleted {
		return locator.Coordinates{}, cnserrors.Wrap(cnserrors.ErrCodeNotFound,
			fmt.Sprintf("job %s is being deleted", id), locator.ErrNotFound)
	}
	return e.locator.Locate(ctx, rec)
}

// RestartJob restarts a live scheduled or continuous job.
func (e *Engine) RestartJob(ctx context.Context, id job.ID) error {
	err := e.restartJob(ctx, id)
	observe("restart", err)
	return err
}

func (e *Engine) restartJob(ctx context.Context, id job.ID) error {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case job.StatusCreating, job.StatusRunning:
	default:
		return cnserrors.NewWithContext(cnserrors.ErrCodeInvalidRequest,
			fmt.Sprintf("job %s is %s and cannot be restarted", id, rec.Status),
			map[string]interface{}{"status": string(rec.Status)})
	}

	if err := e.translator.Restart(ctx, rec); err != nil {
		return err
	}
	e.reconciler.Enqueue(id)
	slog.Info("job restarted", slog.String("job", id.String()))
	return nil
}

// FlushJobs deletes every job of owner and returns how many were marked.
func (e *Engine) FlushJobs(ctx context.Context, owner string) (int, error) {
	n, err := e.flushJobs(ctx, owner)
	observe("flush", err)
	return n, err
}

func (e *Engine) flushJobs(ctx context.Context, owner string) (int, error) {
	records, err := e.store.List(ctx, owner)
	if err != nil {
		return 0, err
	}

	n := 0
	for i := range records {
		if records[i].Status == job.StatusTerminating || records[i].Status == job.StatusDeleted {
			continue
		}
		if err := e.deleteJob(ctx, records[i].ID); err != nil {
			if cnserrors.IsCode(err, cnserrors.ErrCodeNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Quota reports the owner's usage against the configured ceilings.
func (e *Engine) Quota(ctx context.Context, owner string) (quota.Report, error) {
	report, err := e.quota.Report(ctx, owner)
	if err != nil {
		err = cnserrors.Wrap(cnserrors.ErrCodeUnavailable, "failed to compute quota usage", err)
	}
	observe("quota", err)
	return report, err
}

func isStale(err error) bool {
	return errors.Is(err, store.ErrStale)
}
