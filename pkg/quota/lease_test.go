package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"

	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
)

func nsOf(owner string) string { return "tool-" + owner }

func newLocker(client *fake.Clientset, id string, opts ...LeaseOption) *LeaseLocker {
	opts = append([]LeaseOption{
		WithIdentity(id),
		WithRetryInterval(5 * time.Millisecond),
		WithWaitTimeout(2 * time.Second),
	}, opts...)
	return NewLeaseLocker(client.CoordinationV1(), nsOf, opts...)
}

func TestLeaseLocker_AcquireAndRelease(t *testing.T) {
	client := fake.NewClientset()
	l := newLocker(client, "a")
	ctx := context.Background()

	release, err := l.Acquire(ctx, "alice")
	require.NoError(t, err)

	lease, err := client.CoordinationV1().Leases("tool-alice").Get(ctx, defaults.AdmissionLeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", ptr.Deref(lease.Spec.HolderIdentity, ""))
	assert.Equal(t, int32(defaults.AdmissionLeaseDuration/time.Second), ptr.Deref(lease.Spec.LeaseDurationSeconds, 0))

	release()
	_, err = client.CoordinationV1().Leases("tool-alice").Get(ctx, defaults.AdmissionLeaseName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestLeaseLocker_WaitsForHolder(t *testing.T) {
	client := fake.NewClientset()
	a := newLocker(client, "a")
	b := newLocker(client, "b")
	ctx := context.Background()

	releaseA, err := a.Acquire(ctx, "alice")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		release, err := b.Acquire(ctx, "alice")
		if assert.NoError(t, err) {
			acquired <- release
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lease")
	case <-time.After(50 * time.Millisecond):
	}

	releaseA()
	select {
	case releaseB := <-acquired:
		releaseB()
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the released lease")
	}
}

func TestLeaseLocker_OwnersAreIndependent(t *testing.T) {
	client := fake.NewClientset()
	a := newLocker(client, "a")
	b := newLocker(client, "b", WithWaitTimeout(50*time.Millisecond))

	releaseA, err := a.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := b.Acquire(context.Background(), "bob")
	require.NoError(t, err)
	releaseB()
}

func TestLeaseLocker_TakesOverExpiredLease(t *testing.T) {
	stale := metav1.NewMicroTime(time.Now().Add(-time.Hour))
	client := fake.NewClientset(&coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: defaults.AdmissionLeaseName, Namespace: "tool-alice"},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To("crashed"),
			LeaseDurationSeconds: ptr.To(int32(15)),
			AcquireTime:          &stale,
			RenewTime:            &stale,
		},
	})
	l := newLocker(client, "a")

	release, err := l.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer release()

	lease, err := client.CoordinationV1().Leases("tool-alice").Get(context.Background(), defaults.AdmissionLeaseName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a", ptr.Deref(lease.Spec.HolderIdentity, ""))
}

func TestLeaseLocker_TimesOut(t *testing.T) {
	client := fake.NewClientset()
	a := newLocker(client, "a")
	b := newLocker(client, "b", WithWaitTimeout(30*time.Millisecond))

	releaseA, err := a.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer releaseA()

	_, err = b.Acquire(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeTimeout))
}

func TestLeaseLocker_CanceledContext(t *testing.T) {
	client := fake.NewClientset()
	a := newLocker(client, "a")
	b := newLocker(client, "b")

	releaseA, err := a.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Acquire(ctx, "alice")
	require.Error(t, err)
	assert.True(t, cnserrors.IsCode(err, cnserrors.ErrCodeTimeout))
}

// Two controllers stand in for two processes: they share only the status
// store and the API server, never an in-process mutex.
func TestLock_SeparateControllersShareCeiling(t *testing.T) {
	client := fake.NewClientset()
	l := &memLister{}
	controllers := []*Controller{
		New(l, ceilings(), WithLocker(newLocker(client, "a"))),
		New(l, ceilings(), WithLocker(newLocker(client, "b"))),
	}

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		c := controllers[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := c.Lock(context.Background(), "alice")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			if err := c.Admit(context.Background(), "alice", job.VariantOneOff, 1); err != nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
			l.add("alice", record(job.VariantOneOff, job.StatusPending, 0))
			admitted.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), admitted.Load())
	leases, err := client.CoordinationV1().Leases("tool-alice").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, leases.Items)
}
