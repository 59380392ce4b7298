// Package locator finds the pod and container whose logs belong to a job.
package locator

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/k8s/client"
)

// ErrNotFound is returned when the job has no pod to read logs from.
var ErrNotFound = cnserrors.New(cnserrors.ErrCodeNotFound, "no pod found for job")

// Coordinates identify the container holding a job's logs.
type Coordinates struct {
	Namespace string `json:"namespace" yaml:"namespace"`
	Pod       string `json:"pod" yaml:"pod"`
	Container string `json:"container" yaml:"container"`
}

// Locator resolves jobs to pods.
type Locator struct {
	client  kubernetes.Interface
	prefix  string
	timeout time.Duration
}

// Option is a functional option for configuring Locator instances.
type Option func(*Locator)

// WithNamespacePrefix sets the prefix of owner namespaces.
func WithNamespacePrefix(prefix string) Option {
	return func(l *Locator) {
		l.prefix = prefix
	}
}

// WithTimeout bounds the lookup.
func WithTimeout(d time.Duration) Option {
	return func(l *Locator) {
		l.timeout = d
	}
}

// New creates a Locator.
func New(c kubernetes.Interface, opts ...Option) *Locator {
	l := &Locator{
		client:  c,
		prefix:  defaults.NamespacePrefix,
		timeout: defaults.K8sAPITimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the coordinates of the pod currently representing rec.
// One-off jobs resolve to the newest pod of their Job, scheduled jobs to
// the newest pod of any of their runs, continuous jobs to the first
// running and ready replica.
func (l *Locator) Locate(ctx context.Context, rec *job.Record) (Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ns := l.prefix + rec.ID.Owner
	pods, err := l.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(job.Selector(rec.ID)).String(),
	})
	if err != nil {
		return Coordinates{}, client.WrapAPIError("list pods of "+rec.ID.String(), err)
	}

	var pod *corev1.Pod
	switch rec.Spec.Variant {
	case job.VariantOneOff:
		pod, err = l.oneOffPod(ctx, ns, rec.ID, pods.Items)
	case job.VariantScheduled:
		pod, err = l.scheduledPod(ctx, ns, rec.ID, pods.Items)
	case job.VariantContinuous:
		pod = readyPod(pods.Items)
	}
	if err != nil {
		return Coordinates{}, err
	}
	if pod == nil {
		return Coordinates{}, cnserrors.Wrap(cnserrors.ErrCodeNotFound,
			fmt.Sprintf("no pod found for job %s", rec.ID), ErrNotFound)
	}

	return Coordinates{Namespace: pod.Namespace, Pod: pod.Name, Container: defaults.ContainerName}, nil
}

func (l *Locator) oneOffPod(ctx context.Context, ns string, id job.ID, pods []corev1.Pod) (*corev1.Pod, error) {
	j, err := l.client.BatchV1().Jobs(ns).Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		return nil, lookupErr("get job "+id.Name, err)
	}
	return newest(pods, map[types.UID]bool{j.UID: true}), nil
}

func (l *Locator) scheduledPod(ctx context.Context, ns string, id job.ID, pods []corev1.Pod) (*corev1.Pod, error) {
	cj, err := l.client.BatchV1().CronJobs(ns).Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		return nil, lookupErr("get cronjob "+id.Name, err)
	}

	jobs, err := l.client.BatchV1().Jobs(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(job.Selector(id)).String(),
	})
	if err != nil {
		return nil, client.WrapAPIError("list jobs of "+id.String(), err)
	}

	runs := make(map[types.UID]bool, len(jobs.Items))
	for i := range jobs.Items {
		if ref := metav1.GetControllerOf(&jobs.Items[i]); ref != nil && ref.UID == cj.UID {
			runs[jobs.Items[i].UID] = true
		}
	}
	return newest(pods, runs), nil
}

// newest returns the most recently created pod controlled by one of owners.
func newest(pods []corev1.Pod, owners map[types.UID]bool) *corev1.Pod {
	var found *corev1.Pod
	for i := range pods {
		ref := metav1.GetControllerOf(&pods[i])
		if ref == nil || !owners[ref.UID] {
			continue
		}
		if found == nil || later(&pods[i], found) {
			found = &pods[i]
		}
	}
	return found
}

func later(a, b *corev1.Pod) bool {
	if !a.CreationTimestamp.Equal(&b.CreationTimestamp) {
		return b.CreationTimestamp.Before(&a.CreationTimestamp)
	}
	return a.Name > b.Name
}

// readyPod returns the oldest running pod whose Ready condition is true.
func readyPod(pods []corev1.Pod) *corev1.Pod {
	sort.Slice(pods, func(i, j int) bool { return later(&pods[j], &pods[i]) })
	for i := range pods {
		if pods[i].DeletionTimestamp == nil && pods[i].Status.Phase == corev1.PodRunning && isReady(&pods[i]) {
			return &pods[i]
		}
	}
	return nil
}

func isReady(pod *corev1.Pod) bool {
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// lookupErr reports a missing workload as a missing pod.
func lookupErr(op string, err error) error {
	wrapped := client.WrapAPIError(op, err)
	if cnserrors.IsCode(wrapped, cnserrors.ErrCodeNotFound) {
		return cnserrors.Wrap(cnserrors.ErrCodeNotFound, "workload not found", ErrNotFound)
	}
	return wrapped
}
