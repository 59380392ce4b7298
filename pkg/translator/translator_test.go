package translator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/gridjobs/engine/internal/testutil"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
)

var restartTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestTranslator(objects ...runtime.Object) (*Translator, *fake.Clientset) {
	cs := fake.NewClientset(objects...)
	return New(cs, WithConflictRetries(3), WithClock(func() time.Time { return restartTime })), cs
}

// mutations lists the mutating calls recorded by the fake clientset.
func mutations(cs *fake.Clientset) []string {
	var out []string
	for _, a := range cs.Actions() {
		switch a.GetVerb() {
		case "create", "update", "delete", "patch", "delete-collection":
			out = append(out, a.GetVerb()+" "+a.GetResource().Resource)
		}
	}
	return out
}

func TestEnsure_CreatesEachVariant(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	tests := []struct {
		rec  *job.Record
		kind string
		get  func() error
	}{
		{testutil.OneOff("alice", "once"), job.KindJob, func() error {
			_, err := cs.BatchV1().Jobs("tool-alice").Get(ctx, "once", metav1.GetOptions{})
			return err
		}},
		{testutil.Scheduled("alice", "backup"), job.KindCronJob, func() error {
			_, err := cs.BatchV1().CronJobs("tool-alice").Get(ctx, "backup", metav1.GetOptions{})
			return err
		}},
		{testutil.Continuous("alice", "web", 2), job.KindDeployment, func() error {
			_, err := cs.AppsV1().Deployments("tool-alice").Get(ctx, "web", metav1.GetOptions{})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			refs, err := tr.Ensure(ctx, tt.rec)
			require.NoError(t, err)
			require.Len(t, refs, 1)
			assert.Equal(t, job.NativeRef{Kind: tt.kind, Namespace: "tool-alice", Name: tt.rec.ID.Name}, refs[0])
			assert.NoError(t, tt.get())
		})
	}
}

func TestEnsure_IsIdempotent(t *testing.T) {
	ctx := context.Background()

	for _, rec := range []*job.Record{
		testutil.OneOff("alice", "once"),
		testutil.Scheduled("alice", "backup"),
		testutil.Continuous("alice", "web", 1),
	} {
		t.Run(string(rec.Spec.Variant), func(t *testing.T) {
			tr, cs := newTestTranslator()

			first, err := tr.Ensure(ctx, rec)
			require.NoError(t, err)
			cs.ClearActions()

			second, err := tr.Ensure(ctx, rec)
			require.NoError(t, err)
			assert.Equal(t, first, second)
			assert.Empty(t, mutations(cs), "second ensure must not mutate the cluster")
		})
	}
}

func TestEnsure_UpdatesDeploymentInPlace(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	_, err := tr.Ensure(ctx, testutil.Continuous("alice", "web", 1))
	require.NoError(t, err)
	cs.ClearActions()

	_, err = tr.Ensure(ctx, testutil.Continuous("alice", "web", 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"update deployments"}, mutations(cs))

	d, err := cs.AppsV1().Deployments("tool-alice").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), *d.Spec.Replicas)
	assert.Equal(t, appsv1.RollingUpdateDeploymentStrategyType, d.Spec.Strategy.Type)
}

func TestEnsure_RecreatesChangedJob(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	_, err := tr.Ensure(ctx, testutil.OneOff("alice", "once"))
	require.NoError(t, err)
	cs.ClearActions()

	changed := testutil.OneOff("alice", "once")
	changed.Spec.Image = "docker.io/library/alpine:3.20"
	_, err = tr.Ensure(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete jobs", "create jobs"}, mutations(cs))

	j, err := cs.BatchV1().Jobs("tool-alice").Get(ctx, "once", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/alpine:3.20", j.Spec.Template.Spec.Containers[0].Image)
}

func TestEnsure_ConflictExhausted(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	_, err := tr.Ensure(ctx, testutil.Scheduled("alice", "backup"))
	require.NoError(t, err)

	updates := 0
	cs.PrependReactor("update", "cronjobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		updates++
		return true, nil, apierrors.NewConflict(schema.GroupResource{Group: "batch", Resource: "cronjobs"}, "backup", errors.New("modified"))
	})

	changed := testutil.Scheduled("alice", "backup")
	changed.Spec.Scheduled.Schedule = job.Schedule{Expression: "0 * * * *", Configured: "0 * * * *"}

	_, err = tr.Ensure(ctx, changed)
	require.Error(t, err)
	assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeConflictExhausted))
	assert.True(t, cnserrors.IsRetryable(err))
	assert.Equal(t, 3, updates)
}

func TestEnsure_RecreateConflictExhausted(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	_, err := tr.Ensure(ctx, testutil.OneOff("alice", "once"))
	require.NoError(t, err)

	deletes := 0
	cs.PrependReactor("delete", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		deletes++
		return true, nil, apierrors.NewConflict(schema.GroupResource{Group: "batch", Resource: "jobs"}, "once",
			errors.New("Precondition failed: UID in precondition does not match UID in object"))
	})

	changed := testutil.OneOff("alice", "once")
	changed.Spec.Image = "docker.io/library/alpine:3.20"
	_, err = tr.Ensure(ctx, changed)
	require.Error(t, err)
	assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeConflictExhausted))
	assert.True(t, cnserrors.IsRetryable(err))
	assert.Equal(t, 3, deletes)
}

func TestEnsure_RecreateConflictResolvedOnRetry(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	_, err := tr.Ensure(ctx, testutil.OneOff("alice", "once"))
	require.NoError(t, err)

	failed := false
	cs.PrependReactor("delete", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		if !failed {
			failed = true
			return true, nil, apierrors.NewConflict(schema.GroupResource{Group: "batch", Resource: "jobs"}, "once", errors.New("modified"))
		}
		return false, nil, nil
	})

	changed := testutil.OneOff("alice", "once")
	changed.Spec.Image = "docker.io/library/alpine:3.20"
	_, err = tr.Ensure(ctx, changed)
	require.NoError(t, err)
	assert.True(t, failed)

	j, err := cs.BatchV1().Jobs("tool-alice").Get(ctx, "once", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/alpine:3.20", j.Spec.Template.Spec.Containers[0].Image)
}

func TestEnsure_ConflictResolvedOnRetry(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	_, err := tr.Ensure(ctx, testutil.Continuous("alice", "web", 1))
	require.NoError(t, err)

	failed := false
	cs.PrependReactor("update", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		if !failed {
			failed = true
			return true, nil, apierrors.NewConflict(schema.GroupResource{Group: "apps", Resource: "deployments"}, "web", errors.New("modified"))
		}
		return false, nil, nil
	})

	_, err = tr.Ensure(ctx, testutil.Continuous("alice", "web", 2))
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestEnsure_QuotaRejectionIsPermanent(t *testing.T) {
	tr, cs := newTestTranslator()
	cs.PrependReactor("create", "jobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Group: "batch", Resource: "jobs"}, "once",
			fmt.Errorf("exceeded quota: tool-alice, requested: count/jobs.batch=1, used: count/jobs.batch=15, limited: count/jobs.batch=15"))
	})

	_, err := tr.Ensure(context.Background(), testutil.OneOff("alice", "once"))
	require.Error(t, err)
	assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeTranslation))

	var terr *TranslationError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "out of quota for count/jobs.batch", terr.Reason)
}

func TestEnsure_TimeoutIsTransient(t *testing.T) {
	tr, cs := newTestTranslator()
	cs.PrependReactor("get", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, context.DeadlineExceeded
	})

	_, err := tr.Ensure(context.Background(), testutil.Continuous("alice", "web", 1))
	require.Error(t, err)
	assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeTimeout))
	assert.True(t, cnserrors.IsRetryable(err))
}

func TestEnsure_ExposesPort(t *testing.T) {
	ctx := context.Background()
	tr, cs := newTestTranslator()

	rec := testutil.Continuous("alice", "web", 1)
	rec.Spec.Continuous.Port = 8080
	rec.Spec.Continuous.PortProtocol = job.ProtocolTCP

	refs, err := tr.Ensure(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, []job.NativeRef{
		{Kind: job.KindDeployment, Namespace: "tool-alice", Name: "web"},
		{Kind: job.KindService, Namespace: "tool-alice", Name: "web"},
	}, refs)

	svc, err := cs.CoreV1().Services("tool-alice").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(8080), svc.Spec.Ports[0].Port)

	cs.ClearActions()
	_, err = tr.Ensure(ctx, rec)
	require.NoError(t, err)
	assert.Empty(t, mutations(cs), "converged service is left alone")

	require.NoError(t, tr.Delete(ctx, rec))
	absent, err := tr.Absent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, absent)

	_, err = cs.CoreV1().Services("tool-alice").Get(ctx, "web", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestDeleteAndAbsent(t *testing.T) {
	ctx := context.Background()
	rec := testutil.Scheduled("alice", "backup")

	strayPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name: "backup-123-abc", Namespace: "tool-alice", Labels: job.Labels(rec.ID, rec.Spec.Variant),
	}}
	childJob := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{
		Name: "backup-123", Namespace: "tool-alice", Labels: job.Labels(rec.ID, rec.Spec.Variant),
	}}
	otherPod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Name: "unrelated", Namespace: "tool-alice", Labels: map[string]string{"app": "x"},
	}}

	tr, cs := newTestTranslator(strayPod, childJob, otherPod)
	_, err := tr.Ensure(ctx, rec)
	require.NoError(t, err)

	absent, err := tr.Absent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, absent)

	require.NoError(t, tr.Delete(ctx, rec))

	absent, err = tr.Absent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, absent)

	_, err = cs.CoreV1().Pods("tool-alice").Get(ctx, "unrelated", metav1.GetOptions{})
	assert.NoError(t, err, "pods of other workloads are left alone")

	assert.NoError(t, tr.Delete(ctx, rec), "deleting an absent workload is not an error")
}

func TestRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("continuous", func(t *testing.T) {
		tr, cs := newTestTranslator()
		rec := testutil.Continuous("alice", "web", 1)
		_, err := tr.Ensure(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, tr.Restart(ctx, rec))

		d, err := cs.AppsV1().Deployments("tool-alice").Get(ctx, "web", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "2026-03-02T08:00:00Z", d.Spec.Template.Annotations[job.AnnotationRestarted])

		cs.ClearActions()
		_, err = tr.Ensure(ctx, rec)
		require.NoError(t, err)
		assert.Empty(t, mutations(cs), "restart stamp does not count as drift")
	})

	t.Run("scheduled", func(t *testing.T) {
		tr, cs := newTestTranslator()
		rec := testutil.Scheduled("alice", "backup")
		_, err := tr.Ensure(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, tr.Restart(ctx, rec))

		name := fmt.Sprintf("backup-%d", restartTime.Unix())
		j, err := cs.BatchV1().Jobs("tool-alice").Get(ctx, name, metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "manual", j.Annotations["cronjob.kubernetes.io/instantiate"])
		require.Len(t, j.OwnerReferences, 1)
		assert.Equal(t, job.KindCronJob, j.OwnerReferences[0].Kind)
		assert.Equal(t, "backup", j.OwnerReferences[0].Name)
		assert.Equal(t, "alice", j.Labels[job.LabelOwner])
	})

	t.Run("one-off", func(t *testing.T) {
		tr, _ := newTestTranslator()
		err := tr.Restart(ctx, testutil.OneOff("alice", "once"))
		require.Error(t, err)
		assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeInvalidRequest))
	})

	t.Run("missing workload", func(t *testing.T) {
		tr, _ := newTestTranslator()
		err := tr.Restart(ctx, testutil.Scheduled("alice", "nothing"))
		require.Error(t, err)
		assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeNotFound))
	})
}
