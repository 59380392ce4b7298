package reconciler

import (
	"context"
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/k8s/client"
	"github.com/gridjobs/engine/pkg/translator"
)

const crashLoopBackOff = "CrashLoopBackOff"

// observe reads the native workload of rec and summarizes it.
func (r *Reconciler) observe(ctx context.Context, rec *job.Record) (Observation, error) {
	obs := Observation{CrashLoopThreshold: r.crashLoopThreshold}
	ref := r.translator.Ref(rec)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var err error
	switch rec.Spec.Variant {
	case job.VariantOneOff:
		err = r.observeJob(ctx, ref, &obs)
	case job.VariantScheduled:
		err = r.observeCronJob(ctx, rec.ID, ref, &obs)
	case job.VariantContinuous:
		err = r.observeDeployment(ctx, rec.ID, ref, &obs)
	}
	if apierrors.IsNotFound(err) {
		return obs, nil
	}
	if err != nil {
		return obs, client.WrapAPIError("observe "+ref.String(), err)
	}
	return obs, nil
}

func (r *Reconciler) observeJob(ctx context.Context, ref job.NativeRef, obs *Observation) error {
	j, err := r.kube.BatchV1().Jobs(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if j.DeletionTimestamp != nil {
		return nil
	}

	obs.Exists = true
	obs.Active = j.Status.Active
	obs.Succeeded = j.Status.Succeeded
	obs.Failed = j.Status.Failed
	if j.Status.Ready != nil {
		obs.Ready = *j.Status.Ready
	}
	if j.Spec.BackoffLimit != nil {
		obs.BackoffLimit = *j.Spec.BackoffLimit
	}

	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			obs.Complete = true
		case batchv1.JobFailed:
			obs.FailedReason = conditionReason(c.Reason, c.Message)
		}
	}
	return nil
}

func (r *Reconciler) observeCronJob(ctx context.Context, id job.ID, ref job.NativeRef, obs *Observation) error {
	cj, err := r.kube.BatchV1().CronJobs(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if cj.DeletionTimestamp != nil {
		return nil
	}
	obs.Exists = true

	jobs, err := r.kube.BatchV1().Jobs(ref.Namespace).List(ctx, selectorFor(id))
	if err != nil {
		return err
	}
	obs.RecentFailures = recentFailures(jobs.Items)
	return nil
}

func (r *Reconciler) observeDeployment(ctx context.Context, id job.ID, ref job.NativeRef, obs *Observation) error {
	d, err := r.kube.AppsV1().Deployments(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if d.DeletionTimestamp != nil {
		return nil
	}

	obs.Exists = true
	obs.ReadyReplicas = d.Status.ReadyReplicas
	obs.DesiredReplicas = 1
	if d.Spec.Replicas != nil {
		obs.DesiredReplicas = *d.Spec.Replicas
	}

	for _, c := range d.Status.Conditions {
		switch {
		case c.Type == appsv1.DeploymentReplicaFailure && c.Status == corev1.ConditionTrue:
			if reason, ok := translator.QuotaReason(c.Message); ok {
				obs.ReplicaFailure = reason
			} else {
				obs.ReplicaFailure = conditionReason(c.Reason, c.Message)
			}
		case c.Type == appsv1.DeploymentProgressing && c.Reason == "ProgressDeadlineExceeded":
			obs.ProgressDeadlineExceeded = true
		}
	}

	pods, err := r.kube.CoreV1().Pods(ref.Namespace).List(ctx, selectorFor(id))
	if err != nil {
		return err
	}
	obs.CrashLoopRestarts = crashLoopRestarts(pods.Items)
	return nil
}

// recentFailures counts the consecutive failed runs among the newest
// finished jobs.
func recentFailures(jobs []batchv1.Job) int32 {
	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := jobs[i].CreationTimestamp, jobs[j].CreationTimestamp
		if !ti.Equal(&tj) {
			return tj.Before(&ti)
		}
		return jobs[i].Name > jobs[j].Name
	})

	var n int32
	for i := range jobs {
		failed, finished := jobFinished(&jobs[i])
		if !finished {
			continue
		}
		if !failed {
			break
		}
		n++
	}
	return n
}

func jobFinished(j *batchv1.Job) (failed, finished bool) {
	for _, c := range j.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return false, true
		case batchv1.JobFailed:
			return true, true
		}
	}
	return false, false
}

// crashLoopRestarts returns the highest restart count of a container
// waiting in CrashLoopBackOff.
func crashLoopRestarts(pods []corev1.Pod) int32 {
	var highest int32
	for i := range pods {
		for _, cs := range pods[i].Status.ContainerStatuses {
			if cs.State.Waiting == nil || cs.State.Waiting.Reason != crashLoopBackOff {
				continue
			}
			if cs.RestartCount > highest {
				highest = cs.RestartCount
			}
		}
	}
	return highest
}

func conditionReason(reason, message string) string {
	switch {
	case message == "":
		return reason
	case reason == "":
		return message
	default:
		return fmt.Sprintf("%s: %s", reason, message)
	}
}

func selectorFor(id job.ID) metav1.ListOptions {
	return metav1.ListOptions{LabelSelector: labels.SelectorFromSet(job.Selector(id)).String()}
}
