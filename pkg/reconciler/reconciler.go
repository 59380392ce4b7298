package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"

	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/store"
	"github.com/gridjobs/engine/pkg/translator"
)

// Reconciler converges job records and their native workloads.
type Reconciler struct {
	kube       kubernetes.Interface
	dynamic    dynamic.Interface
	store      *store.Store
	translator *translator.Translator
	queue      workqueue.TypedRateLimitingInterface[job.ID]

	workers            int
	resyncInterval     time.Duration
	maxRetries         int
	crashLoopThreshold int32
	timeout            time.Duration

	ready atomic.Bool
}

// Option is a functional option for configuring Reconciler instances.
type Option func(*Reconciler)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(r *Reconciler) {
		r.workers = n
	}
}

// WithResyncInterval sets how often every record is enqueued.
func WithResyncInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		r.resyncInterval = d
	}
}

// WithMaxRetries bounds the requeues of a failing job. Deletions are
// retried regardless.
func WithMaxRetries(n int) Option {
	return func(r *Reconciler) {
		r.maxRetries = n
	}
}

// WithCrashLoopThreshold sets the failure count at which scheduled and
// continuous jobs are considered failed.
func WithCrashLoopThreshold(n int32) Option {
	return func(r *Reconciler) {
		r.crashLoopThreshold = n
	}
}

// WithTimeout bounds every API call made while observing workloads.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		r.timeout = d
	}
}

// New creates a Reconciler. Run starts it.
func New(kube kubernetes.Interface, dyn dynamic.Interface, st *store.Store, tr *translator.Translator, opts ...Option) *Reconciler {
	r := &Reconciler{
		kube:               kube,
		dynamic:            dyn,
		store:              st,
		translator:         tr,
		workers:            defaults.Workers,
		resyncInterval:     defaults.ResyncInterval,
		maxRetries:         defaults.MaxRetries,
		crashLoopThreshold: defaults.CrashLoopThreshold,
		timeout:            defaults.K8sAPITimeout,
	}
	for _, opt := range opts {
		opt(r)
	}

	limiter := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[job.ID](defaults.RequeueBaseDelay, defaults.RequeueMaxDelay),
		&workqueue.TypedBucketRateLimiter[job.ID]{Limiter: rate.NewLimiter(rate.Limit(defaults.QueueRateLimit), defaults.QueueBurst)},
	)
	r.queue = workqueue.NewTypedRateLimitingQueueWithConfig(limiter, workqueue.TypedRateLimitingQueueConfig[job.ID]{
		Name: "gridjobs",
	})
	return r
}

// Enqueue schedules a reconcile of id.
func (r *Reconciler) Enqueue(id job.ID) {
	r.queue.Add(id)
	queueDepth.Set(float64(r.queue.Len()))
}

// Ready reports whether the informer caches have synced.
func (r *Reconciler) Ready() bool {
	return r.ready.Load()
}

// Run starts the informers, the workers and the periodic resync, and
// blocks until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.queue.ShutDown()

	slog.Info("starting reconciler",
		slog.Int("workers", r.workers),
		slog.Duration("resync", r.resyncInterval))

	managed := func(o *metav1.ListOptions) {
		o.LabelSelector = labels.SelectorFromSet(labels.Set{job.LabelManagedBy: job.ManagedByValue}).String()
	}

	factory := informers.NewSharedInformerFactoryWithOptions(r.kube, defaults.InformerResync,
		informers.WithTweakListOptions(managed))
	dynFactory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(r.dynamic, defaults.InformerResync,
		metav1.NamespaceAll, managed)

	workloadHandler := cache.ResourceEventHandlerFuncs{
		AddFunc:    r.enqueueWorkload,
		UpdateFunc: func(_, obj interface{}) { r.enqueueWorkload(obj) },
		DeleteFunc: r.enqueueWorkload,
	}
	recordHandler := cache.ResourceEventHandlerFuncs{
		AddFunc:    r.enqueueRecord,
		UpdateFunc: func(_, obj interface{}) { r.enqueueRecord(obj) },
		DeleteFunc: r.enqueueRecord,
	}

	synced := make([]cache.InformerSynced, 0, 7)
	for _, inf := range []cache.SharedIndexInformer{
		factory.Batch().V1().Jobs().Informer(),
		factory.Batch().V1().CronJobs().Informer(),
		factory.Apps().V1().Deployments().Informer(),
		factory.Core().V1().Pods().Informer(),
	} {
		if _, err := inf.AddEventHandler(workloadHandler); err != nil {
			return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to register workload handler", err)
		}
		synced = append(synced, inf.HasSynced)
	}
	for _, v := range job.Variants() {
		inf := dynFactory.ForResource(store.GVR(v)).Informer()
		if _, err := inf.AddEventHandler(recordHandler); err != nil {
			return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to register record handler", err)
		}
		synced = append(synced, inf.HasSynced)
	}

	factory.Start(ctx.Done())
	dynFactory.Start(ctx.Done())
	defer factory.Shutdown()
	defer dynFactory.Shutdown()

	syncCtx, cancel := context.WithTimeout(ctx, defaults.CacheSyncTimeout)
	ok := cache.WaitForCacheSync(syncCtx.Done(), synced...)
	cancel()
	if !ok {
		if ctx.Err() != nil {
			return nil
		}
		return cnserrors.New(cnserrors.ErrCodeTimeout, "timed out waiting for informer caches to sync")
	}
	r.ready.Store(true)
	defer r.ready.Store(false)
	slog.Info("informer caches synced")

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, r.runWorker, time.Second)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait.UntilWithContext(ctx, r.resync, r.resyncInterval)
	}()

	<-ctx.Done()
	slog.Info("stopping reconciler")
	r.queue.ShutDown()
	wg.Wait()
	return nil
}

func (r *Reconciler) enqueueWorkload(obj interface{}) {
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tomb.Obj
	}
	m, ok := obj.(metav1.Object)
	if !ok {
		return
	}
	if id, ok := job.IDFromLabels(m.GetLabels()); ok {
		r.Enqueue(id)
	}
}

func (r *Reconciler) enqueueRecord(obj interface{}) {
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tomb.Obj
	}
	m, ok := obj.(metav1.Object)
	if !ok {
		return
	}
	if owner, ok := r.store.Owner(m.GetNamespace()); ok {
		r.Enqueue(job.ID{Owner: owner, Name: m.GetName()})
	}
}

// resync enqueues every record.
func (r *Reconciler) resync(ctx context.Context) {
	records, err := r.store.ListAll(ctx)
	if err != nil {
		slog.Warn("resync failed", slog.String("error", err.Error()))
		return
	}
	for i := range records {
		r.Enqueue(records[i].ID)
	}
	slog.Debug("resync enqueued records", slog.Int("count", len(records)))
}

func (r *Reconciler) runWorker(ctx context.Context) {
	for r.processNextItem(ctx) {
	}
}

func (r *Reconciler) processNextItem(ctx context.Context) bool {
	id, shutdown := r.queue.Get()
	if shutdown {
		return false
	}
	defer r.queue.Done(id)
	defer func() { queueDepth.Set(float64(r.queue.Len())) }()

	r.handleErr(id, r.Reconcile(ctx, id))
	return true
}

// cascadeError marks a failure of the deletion cascade, which is retried
// without bound.
type cascadeError struct {
	err error
}

func (e *cascadeError) Error() string { return e.err.Error() }

func (e *cascadeError) Unwrap() error { return e.err }

func (r *Reconciler) handleErr(id job.ID, err error) {
	var cascade *cascadeError
	switch {
	case err == nil:
		reconcileTotal.WithLabelValues("ok").Inc()
		r.queue.Forget(id)
	case errors.Is(err, store.ErrStale):
		reconcileTotal.WithLabelValues("stale").Inc()
		r.queue.Forget(id)
		r.queue.Add(id)
	case errors.As(err, &cascade) || r.queue.NumRequeues(id) < r.maxRetries:
		reconcileTotal.WithLabelValues("requeue").Inc()
		slog.Warn("reconcile failed, requeueing",
			slog.String("job", id.String()),
			slog.Int("attempt", r.queue.NumRequeues(id)+1),
			slog.String("code", string(cnserrors.CodeOf(err))),
			slog.String("error", err.Error()))
		r.queue.AddRateLimited(id)
	default:
		reconcileTotal.WithLabelValues("dropped").Inc()
		slog.Error("reconcile failed, giving up until next resync",
			slog.String("job", id.String()),
			slog.Int("attempts", r.queue.NumRequeues(id)),
			slog.String("error", err.Error()))
		r.queue.Forget(id)
	}
}

// Reconcile performs a single pass over the job id.
func (r *Reconciler) Reconcile(ctx context.Context, id job.ID) error {
	rec, err := r.store.Get(ctx, id)
	if cnserrors.IsCode(err, cnserrors.ErrCodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	log := slog.With(
		slog.String("reconcile_id", uuid.NewString()),
		slog.String("job", id.String()),
		slog.String("status", string(rec.Status)))
	start := time.Now()
	defer func() {
		reconcileDuration.WithLabelValues(string(rec.Spec.Variant)).Observe(time.Since(start).Seconds())
	}()

	switch rec.Status {
	case job.StatusDeleted:
		if err := r.store.Delete(context.WithoutCancel(ctx), rec.ID, rec.Spec.Variant); err != nil {
			return &cascadeError{err: err}
		}
		log.Info("record removed")
		return nil
	case job.StatusTerminating:
		return r.cascade(context.WithoutCancel(ctx), log, rec)
	case job.StatusSucceeded, job.StatusFailed:
		return nil
	}

	var obs Observation
	refs, err := r.translator.Ensure(ctx, rec)
	var terr *translator.TranslationError
	switch {
	case errors.As(err, &terr):
		log.Warn("job rejected", slog.String("reason", terr.Reason))
		obs = Observation{Rejected: terr.Reason}
		refs = rec.NativeRefs
	case err != nil:
		return err
	default:
		if obs, err = r.observe(ctx, rec); err != nil {
			return err
		}
	}

	next, reason := Next(rec.Status, rec.Spec.Variant, obs)
	return r.write(ctx, log, rec, next, reason, refs)
}

// cascade removes the workload and, once nothing is left, the record.
func (r *Reconciler) cascade(ctx context.Context, log *slog.Logger, rec *job.Record) error {
	if err := r.translator.Delete(ctx, rec); err != nil {
		return &cascadeError{err: err}
	}

	absent, err := r.translator.Absent(ctx, rec)
	if err != nil {
		return &cascadeError{err: err}
	}
	next, _ := Next(rec.Status, rec.Spec.Variant, Observation{Gone: absent})
	if next != job.StatusDeleted {
		return &cascadeError{err: cnserrors.New(cnserrors.ErrCodeUnavailable,
			fmt.Sprintf("workload of %s is still being removed", rec.ID))}
	}

	if err := r.write(ctx, log, rec, next, "", nil); err != nil {
		if errors.Is(err, store.ErrStale) {
			return err
		}
		return &cascadeError{err: err}
	}
	if err := r.store.Delete(ctx, rec.ID, rec.Spec.Variant); err != nil {
		return &cascadeError{err: err}
	}
	log.Info("job deleted")
	return nil
}

// write persists a status change. Nothing is written when status, reason
// and references are unchanged.
func (r *Reconciler) write(ctx context.Context, log *slog.Logger, rec *job.Record, next job.Status, reason string, refs []job.NativeRef) error {
	if next == rec.Status && reason == rec.StatusReason && slices.Equal(refs, rec.NativeRefs) {
		return nil
	}

	update := rec.DeepCopy()
	update.Status = next
	update.StatusReason = reason
	update.NativeRefs = refs

	if _, err := r.store.UpdateStatus(ctx, update); err != nil {
		return err
	}

	if next != rec.Status {
		statusTransitions.WithLabelValues(string(rec.Status), string(next)).Inc()
		log.Info("job status changed",
			slog.String("to", string(next)),
			slog.String("reason", reason))
	}
	return nil
}
