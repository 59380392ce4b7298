package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"

	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/k8s/client"
)

// Translator materializes job records as native workloads.
type Translator struct {
	client             kubernetes.Interface
	prefix             string
	timeout            time.Duration
	backoff            wait.Backoff
	crashLoopThreshold int32
	now                func() time.Time
}

// Option is a functional option for configuring Translator instances.
type Option func(*Translator)

// WithNamespacePrefix sets the prefix of owner namespaces.
func WithNamespacePrefix(prefix string) Option {
	return func(t *Translator) {
		t.prefix = prefix
	}
}

// WithTimeout bounds every API call.
func WithTimeout(d time.Duration) Option {
	return func(t *Translator) {
		t.timeout = d
	}
}

// WithConflictRetries sets how many optimistic-concurrency attempts an update gets.
func WithConflictRetries(n int) Option {
	return func(t *Translator) {
		t.backoff.Steps = n
	}
}

// WithCrashLoopThreshold sets the failed job history kept for scheduled jobs.
func WithCrashLoopThreshold(n int32) Option {
	return func(t *Translator) {
		t.crashLoopThreshold = n
	}
}

// WithClock overrides the time source used for restart stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Translator) {
		t.now = now
	}
}

// New creates a Translator using the typed clientset.
func New(c kubernetes.Interface, opts ...Option) *Translator {
	t := &Translator{
		client:  c,
		prefix:  defaults.NamespacePrefix,
		timeout: defaults.K8sAPITimeout,
		backoff: wait.Backoff{
			Steps:    defaults.ConflictRetries,
			Duration: defaults.ConflictBaseDelay,
			Factor:   2.0,
			Jitter:   0.1,
		},
		crashLoopThreshold: defaults.CrashLoopThreshold,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Translator) namespace(owner string) string {
	return t.prefix + owner
}

// Ref returns the native reference of the record's workload.
func (t *Translator) Ref(rec *job.Record) job.NativeRef {
	return job.NativeRef{
		Kind:      rec.Spec.Variant.NativeKind(),
		Namespace: t.namespace(rec.ID.Owner),
		Name:      rec.ID.Name,
	}
}

// Ensure converges the record's workload to its desired state and returns
// the references of the objects that materialize it.
func (t *Translator) Ensure(ctx context.Context, rec *job.Record) ([]job.NativeRef, error) {
	desired, err := t.Desired(rec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	switch d := desired.(type) {
	case *batchv1.Job:
		err = t.ensureJob(ctx, d)
	case *batchv1.CronJob:
		err = t.ensureCronJob(ctx, d)
	case *appsv1.Deployment:
		err = t.ensureDeployment(ctx, d)
		if svc := t.buildService(rec); err == nil && svc != nil {
			err = t.ensureService(ctx, svc)
		}
	}

	kind := rec.Spec.Variant.NativeKind()
	ensureDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		ensureTotal.WithLabelValues(kind, string(cnserrors.CodeOf(err))).Inc()
		return nil, err
	}
	ensureTotal.WithLabelValues(kind, "ok").Inc()

	refs := []job.NativeRef{t.Ref(rec)}
	if svc := t.buildService(rec); svc != nil {
		refs = append(refs, job.NativeRef{Kind: job.KindService, Namespace: svc.Namespace, Name: svc.Name})
	}
	return refs, nil
}

func (t *Translator) ensureJob(ctx context.Context, desired *batchv1.Job) error {
	jobs := t.client.BatchV1().Jobs(desired.Namespace)

	return t.converge("job "+desired.Name, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		existing, err := jobs.Get(cctx, desired.Name, metav1.GetOptions{})
		cancel()
		if apierrors.IsNotFound(err) {
			return t.createJob(ctx, desired)
		}
		if err != nil {
			return err
		}

		if existing.DeletionTimestamp != nil {
			return cnserrors.New(cnserrors.ErrCodeUnavailable, fmt.Sprintf("job %s is still terminating", desired.Name))
		}
		if matches(desired.ObjectMeta, existing.ObjectMeta) &&
			equality.Semantic.DeepDerivative(desired.Spec, existing.Spec) {
			return nil
		}

		slog.Info("job template changed, recreating",
			slog.String("namespace", desired.Namespace),
			slog.String("name", desired.Name))

		// The UID precondition fails with a conflict when the Job was
		// replaced since the Get; the next attempt compares against the new one.
		cctx, cancel = context.WithTimeout(ctx, t.timeout)
		err = jobs.Delete(cctx, desired.Name, metav1.DeleteOptions{
			PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
			Preconditions:     &metav1.Preconditions{UID: &existing.UID},
		})
		cancel()
		if err = ignoreNotFound(err); err != nil {
			return err
		}

		return t.createJob(ctx, desired)
	})
}

func (t *Translator) createJob(ctx context.Context, desired *batchv1.Job) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	_, err := t.client.BatchV1().Jobs(desired.Namespace).Create(cctx, desired, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return cnserrors.New(cnserrors.ErrCodeUnavailable, fmt.Sprintf("job %s is still being replaced", desired.Name))
	}
	if err != nil {
		return t.apiErr("create job "+desired.Name, err)
	}

	slog.Debug("job created", slog.String("namespace", desired.Namespace), slog.String("name", desired.Name))
	return nil
}

func (t *Translator) ensureCronJob(ctx context.Context, desired *batchv1.CronJob) error {
	cronJobs := t.client.BatchV1().CronJobs(desired.Namespace)

	return t.converge("cronjob "+desired.Name, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		existing, err := cronJobs.Get(cctx, desired.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = cronJobs.Create(cctx, desired, metav1.CreateOptions{})
			return asConflict(err)
		}
		if err != nil {
			return err
		}
		if existing.DeletionTimestamp != nil {
			return cnserrors.New(cnserrors.ErrCodeUnavailable, fmt.Sprintf("cronjob %s is still terminating", desired.Name))
		}
		if matches(desired.ObjectMeta, existing.ObjectMeta) &&
			equality.Semantic.DeepDerivative(desired.Spec, existing.Spec) {
			return nil
		}

		updated := existing.DeepCopy()
		updated.Labels = merge(updated.Labels, desired.Labels)
		updated.Annotations = merge(updated.Annotations, desired.Annotations)
		updated.Spec = desired.Spec
		_, err = cronJobs.Update(cctx, updated, metav1.UpdateOptions{})
		return err
	})
}

func (t *Translator) ensureDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := t.client.AppsV1().Deployments(desired.Namespace)

	return t.converge("deployment "+desired.Name, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		existing, err := deployments.Get(cctx, desired.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = deployments.Create(cctx, desired, metav1.CreateOptions{})
			return asConflict(err)
		}
		if err != nil {
			return err
		}
		if existing.DeletionTimestamp != nil {
			return cnserrors.New(cnserrors.ErrCodeUnavailable, fmt.Sprintf("deployment %s is still terminating", desired.Name))
		}
		if matches(desired.ObjectMeta, existing.ObjectMeta) &&
			equality.Semantic.DeepDerivative(desired.Spec, existing.Spec) {
			return nil
		}

		updated := existing.DeepCopy()
		updated.Labels = merge(updated.Labels, desired.Labels)
		spec := *desired.Spec.DeepCopy()
		if stamp, ok := existing.Spec.Template.Annotations[job.AnnotationRestarted]; ok {
			spec.Template.Annotations = merge(spec.Template.Annotations, map[string]string{job.AnnotationRestarted: stamp})
		}
		updated.Spec = spec
		_, err = deployments.Update(cctx, updated, metav1.UpdateOptions{})
		return err
	})
}

func (t *Translator) ensureService(ctx context.Context, desired *corev1.Service) error {
	services := t.client.CoreV1().Services(desired.Namespace)

	return t.converge("service "+desired.Name, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		existing, err := services.Get(cctx, desired.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = services.Create(cctx, desired, metav1.CreateOptions{})
			return asConflict(err)
		}
		if err != nil {
			return err
		}
		if matches(desired.ObjectMeta, existing.ObjectMeta) &&
			equality.Semantic.DeepDerivative(desired.Spec, existing.Spec) {
			return nil
		}

		// Cluster IPs are allocated by the API server and kept.
		updated := existing.DeepCopy()
		updated.Labels = merge(updated.Labels, desired.Labels)
		updated.Spec.Type = desired.Spec.Type
		updated.Spec.Selector = desired.Spec.Selector
		updated.Spec.Ports = desired.Spec.Ports
		_, err = services.Update(cctx, updated, metav1.UpdateOptions{})
		return err
	})
}

// converge runs fn under optimistic concurrency, retrying conflicts with
// exponential backoff.
func (t *Translator) converge(what string, fn func() error) error {
	err := retry.RetryOnConflict(t.backoff, fn)
	switch {
	case err == nil:
		return nil
	case apierrors.IsConflict(err):
		return cnserrors.Wrap(cnserrors.ErrCodeConflictExhausted,
			fmt.Sprintf("%s kept changing, gave up after %d attempts", what, t.backoff.Steps), err)
	default:
		var se *cnserrors.StructuredError
		if errors.As(err, &se) {
			return err
		}
		return t.apiErr("converge "+what, err)
	}
}

// Delete removes the record's workload and any pods left behind. Deleting
// objects that are already gone is not an error.
func (t *Translator) Delete(ctx context.Context, rec *job.Record) error {
	ns := t.namespace(rec.ID.Owner)
	opts := metav1.DeleteOptions{PropagationPolicy: ptr.To(metav1.DeletePropagationForeground)}

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var err error
	switch rec.Spec.Variant {
	case job.VariantOneOff:
		err = t.client.BatchV1().Jobs(ns).Delete(cctx, rec.ID.Name, opts)
	case job.VariantScheduled:
		err = t.client.BatchV1().CronJobs(ns).Delete(cctx, rec.ID.Name, opts)
	case job.VariantContinuous:
		err = t.client.AppsV1().Deployments(ns).Delete(cctx, rec.ID.Name, opts)
	}
	if err = ignoreNotFound(err); err != nil {
		return t.apiErr("delete "+t.Ref(rec).String(), err)
	}

	if svc := t.buildService(rec); svc != nil {
		err = t.client.CoreV1().Services(ns).Delete(cctx, svc.Name, metav1.DeleteOptions{})
		if err = ignoreNotFound(err); err != nil {
			return t.apiErr("delete service "+svc.Name, err)
		}
	}

	if rec.Spec.Variant == job.VariantScheduled {
		if err := t.deleteChildJobs(ctx, ns, rec.ID); err != nil {
			return err
		}
	}
	if err := t.deletePods(ctx, ns, rec.ID); err != nil {
		return err
	}

	slog.Debug("workload deleted", slog.String("job", rec.ID.String()), slog.String("kind", t.Ref(rec).Kind))
	return nil
}

// Absent reports whether the workload, its child jobs and its pods are all gone.
func (t *Translator) Absent(ctx context.Context, rec *job.Record) (bool, error) {
	ns := t.namespace(rec.ID.Owner)

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var err error
	switch rec.Spec.Variant {
	case job.VariantOneOff:
		_, err = t.client.BatchV1().Jobs(ns).Get(cctx, rec.ID.Name, metav1.GetOptions{})
	case job.VariantScheduled:
		_, err = t.client.BatchV1().CronJobs(ns).Get(cctx, rec.ID.Name, metav1.GetOptions{})
	case job.VariantContinuous:
		_, err = t.client.AppsV1().Deployments(ns).Get(cctx, rec.ID.Name, metav1.GetOptions{})
	}
	if err == nil {
		return false, nil
	}
	if !apierrors.IsNotFound(err) {
		return false, t.apiErr("get "+t.Ref(rec).String(), err)
	}

	if svc := t.buildService(rec); svc != nil {
		_, err = t.client.CoreV1().Services(ns).Get(cctx, svc.Name, metav1.GetOptions{})
		if err == nil {
			return false, nil
		}
		if !apierrors.IsNotFound(err) {
			return false, t.apiErr("get service "+svc.Name, err)
		}
	}

	selector := selectorFor(rec.ID)
	if rec.Spec.Variant == job.VariantScheduled {
		jobs, err := t.client.BatchV1().Jobs(ns).List(cctx, selector)
		if err != nil {
			return false, t.apiErr("list jobs of "+rec.ID.String(), err)
		}
		if len(jobs.Items) > 0 {
			return false, nil
		}
	}

	pods, err := t.client.CoreV1().Pods(ns).List(cctx, selector)
	if err != nil {
		return false, t.apiErr("list pods of "+rec.ID.String(), err)
	}
	return len(pods.Items) == 0, nil
}

// Restart cycles a running job. Continuous jobs get a rolling restart
// through a pod template annotation. Scheduled jobs have their running
// instances removed and a manual run started from the CronJob template.
// One-off jobs cannot be restarted.
func (t *Translator) Restart(ctx context.Context, rec *job.Record) error {
	switch rec.Spec.Variant {
	case job.VariantContinuous:
		return t.restartDeployment(ctx, rec)
	case job.VariantScheduled:
		return t.triggerCronJob(ctx, rec)
	default:
		return cnserrors.New(cnserrors.ErrCodeInvalidRequest, "one-off jobs cannot be restarted")
	}
}

func (t *Translator) restartDeployment(ctx context.Context, rec *job.Record) error {
	deployments := t.client.AppsV1().Deployments(t.namespace(rec.ID.Owner))
	stamp := t.now().UTC().Format(time.RFC3339)

	return t.converge("deployment "+rec.ID.Name, func() error {
		cctx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		d, err := deployments.Get(cctx, rec.ID.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		d.Spec.Template.Annotations = merge(d.Spec.Template.Annotations, map[string]string{job.AnnotationRestarted: stamp})
		_, err = deployments.Update(cctx, d, metav1.UpdateOptions{})
		return err
	})
}

func (t *Translator) triggerCronJob(ctx context.Context, rec *job.Record) error {
	ns := t.namespace(rec.ID.Owner)

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cj, err := t.client.BatchV1().CronJobs(ns).Get(cctx, rec.ID.Name, metav1.GetOptions{})
	if err != nil {
		return t.apiErr("get cronjob "+rec.ID.Name, err)
	}

	if err := t.deleteChildJobs(ctx, ns, rec.ID); err != nil {
		return err
	}

	manual := ManualJob(cj, t.now())
	if _, err := t.client.BatchV1().Jobs(ns).Create(cctx, manual, metav1.CreateOptions{}); err != nil {
		return t.apiErr("create job "+manual.Name, err)
	}

	slog.Info("scheduled job triggered",
		slog.String("job", rec.ID.String()),
		slog.String("run", manual.Name))
	return nil
}

func selectorFor(id job.ID) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: labels.SelectorFromSet(job.Selector(id)).String()}
}

// deleteChildJobs removes every Job labelled for id.
func (t *Translator) deleteChildJobs(ctx context.Context, ns string, id job.ID) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	jobs, err := t.client.BatchV1().Jobs(ns).List(cctx, selectorFor(id))
	if err != nil {
		return t.apiErr("list jobs of "+id.String(), err)
	}
	for i := range jobs.Items {
		err := t.client.BatchV1().Jobs(ns).Delete(cctx, jobs.Items[i].Name, metav1.DeleteOptions{
			PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
		})
		if err = ignoreNotFound(err); err != nil {
			return t.apiErr("delete job "+jobs.Items[i].Name, err)
		}
	}
	return nil
}

// deletePods removes every pod labelled for id.
func (t *Translator) deletePods(ctx context.Context, ns string, id job.ID) error {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	pods, err := t.client.CoreV1().Pods(ns).List(cctx, selectorFor(id))
	if err != nil {
		return t.apiErr("list pods of "+id.String(), err)
	}
	for i := range pods.Items {
		err := t.client.CoreV1().Pods(ns).Delete(cctx, pods.Items[i].Name, metav1.DeleteOptions{})
		if err = ignoreNotFound(err); err != nil {
			return t.apiErr("delete pod "+pods.Items[i].Name, err)
		}
	}
	return nil
}

// ManualJob builds a one-time run of a CronJob, owned by the CronJob.
func ManualJob(cj *batchv1.CronJob, now time.Time) *batchv1.Job {
	lbls := make(map[string]string, len(cj.Spec.JobTemplate.Labels))
	for k, v := range cj.Spec.JobTemplate.Labels {
		lbls[k] = v
	}

	return &batchv1.Job{
		TypeMeta: metav1.TypeMeta{APIVersion: "batch/v1", Kind: job.KindJob},
		ObjectMeta: metav1.ObjectMeta{
			Name:        fmt.Sprintf("%s-%d", cj.Name, now.Unix()),
			Namespace:   cj.Namespace,
			Labels:      lbls,
			Annotations: map[string]string{"cronjob.kubernetes.io/instantiate": "manual"},
			OwnerReferences: []metav1.OwnerReference{
				{
					APIVersion: "batch/v1",
					Kind:       job.KindCronJob,
					Name:       cj.Name,
					UID:        cj.UID,
					Controller: ptr.To(true),
				},
			},
		},
		Spec: *cj.Spec.JobTemplate.Spec.DeepCopy(),
	}
}

// apiErr classifies an API error, turning permanent rejections into a
// TranslationError.
func (t *Translator) apiErr(op string, err error) error {
	wrapped := client.WrapAPIError(op, err)
	if !cnserrors.IsCode(wrapped, cnserrors.ErrCodeInvalidRequest) {
		return wrapped
	}
	if reason, ok := QuotaReason(err.Error()); ok {
		return translationErr(reason, err)
	}
	return translationErr(fmt.Sprintf("cluster rejected %s", op), err)
}

// matches reports whether the desired labels and annotations are present on existing.
func matches(desired, existing metav1.ObjectMeta) bool {
	return equality.Semantic.DeepDerivative(desired.Labels, existing.Labels) &&
		equality.Semantic.DeepDerivative(desired.Annotations, existing.Annotations)
}

func merge(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// asConflict turns a create race into a conflict so the caller re-reads.
func asConflict(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return apierrors.NewConflict(schema.GroupResource{}, "", err)
	}
	return err
}

// ignoreNotFound returns nil if the error is "not found", otherwise returns the error.
// Used to make resource deletion idempotent.
func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
