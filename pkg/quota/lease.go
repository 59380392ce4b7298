package quota

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/utils/ptr"

	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
)

// LeaseLocker is a Locker backed by a coordination.k8s.io Lease in the
// owner's namespace. Creating the lease is the acquisition, so the API
// server arbitrates between processes. A holder that dies leaves a lease
// that expires after the lease duration and is then removed by the next
// waiter.
type LeaseLocker struct {
	client    coordinationv1client.LeasesGetter
	namespace func(owner string) string
	name      string
	identity  string
	duration  time.Duration
	interval  time.Duration
	wait      time.Duration
	timeout   time.Duration
	now       func() time.Time
}

// LeaseOption configures a LeaseLocker.
type LeaseOption func(*LeaseLocker)

// WithIdentity sets the holder identity written to the lease.
func WithIdentity(id string) LeaseOption {
	return func(l *LeaseLocker) {
		l.identity = id
	}
}

// WithLeaseDuration sets how long an unreleased lease blocks other holders.
func WithLeaseDuration(d time.Duration) LeaseOption {
	return func(l *LeaseLocker) {
		l.duration = d
	}
}

// WithRetryInterval sets the polling interval while the lease is held.
func WithRetryInterval(d time.Duration) LeaseOption {
	return func(l *LeaseLocker) {
		l.interval = d
	}
}

// WithWaitTimeout bounds how long Acquire waits for a held lease.
func WithWaitTimeout(d time.Duration) LeaseOption {
	return func(l *LeaseLocker) {
		l.wait = d
	}
}

// WithLeaseClock overrides the clock used for expiry.
func WithLeaseClock(now func() time.Time) LeaseOption {
	return func(l *LeaseLocker) {
		l.now = now
	}
}

// NewLeaseLocker creates a LeaseLocker. namespace maps an owner to the
// namespace holding its lease.
func NewLeaseLocker(client coordinationv1client.LeasesGetter, namespace func(string) string, opts ...LeaseOption) *LeaseLocker {
	l := &LeaseLocker{
		client:    client,
		namespace: namespace,
		name:      defaults.AdmissionLeaseName,
		duration:  defaults.AdmissionLeaseDuration,
		interval:  defaults.AdmissionRetryInterval,
		wait:      defaults.AdmissionWaitTimeout,
		timeout:   defaults.K8sAPITimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.identity == "" {
		host, _ := os.Hostname()
		l.identity = host + "_" + uuid.NewString()
	}
	return l
}

// Acquire blocks until the owner's lease is held by this locker, ctx is
// canceled or the wait timeout passes. The returned function releases it.
func (l *LeaseLocker) Acquire(ctx context.Context, owner string) (func(), error) {
	ns := l.namespace(owner)
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	var held *coordinationv1.Lease
	err := wait.PollUntilContextCancel(waitCtx, l.interval, true, func(ctx context.Context) (bool, error) {
		lease, err := l.tryAcquire(ctx, ns)
		if err != nil {
			return false, err
		}
		held = lease
		return held != nil, nil
	})
	leaseWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if wait.Interrupted(err) {
			if ctx.Err() != nil {
				return nil, cnserrors.Wrap(cnserrors.ErrCodeTimeout, "admission canceled", ctx.Err())
			}
			return nil, cnserrors.NewWithContext(cnserrors.ErrCodeTimeout,
				fmt.Sprintf("timed out waiting for the admission lease of %s", owner),
				map[string]interface{}{"namespace": ns, "lease": l.name})
		}
		return nil, err
	}

	slog.Debug("admission lease acquired",
		slog.String("owner", owner),
		slog.String("holder", l.identity))
	return func() { l.release(ns, held) }, nil
}

// tryAcquire creates the lease. It returns nil without error when another
// holder has it; an expired lease is removed so the next attempt can win.
func (l *LeaseLocker) tryAcquire(ctx context.Context, ns string) (*coordinationv1.Lease, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := metav1.NewMicroTime(l.now())
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      l.name,
			Namespace: ns,
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       ptr.To(l.identity),
			LeaseDurationSeconds: ptr.To(int32(l.duration / time.Second)),
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}
	created, err := l.client.Leases(ns).Create(callCtx, lease, metav1.CreateOptions{})
	if err == nil {
		return created, nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return nil, leaseErr("create", ns, err)
	}

	existing, err := l.client.Leases(ns).Get(callCtx, l.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, leaseErr("get", ns, err)
	}
	if !l.expired(existing) {
		return nil, nil
	}

	slog.Info("removing expired admission lease",
		slog.String("namespace", ns),
		slog.String("holder", ptr.Deref(existing.Spec.HolderIdentity, "")))
	opts := metav1.DeleteOptions{}
	if existing.UID != "" {
		opts.Preconditions = &metav1.Preconditions{
			UID:             ptr.To(existing.UID),
			ResourceVersion: ptr.To(existing.ResourceVersion),
		}
	}
	err = l.client.Leases(ns).Delete(callCtx, l.name, opts)
	if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		return nil, leaseErr("delete", ns, err)
	}
	return nil, nil
}

func (l *LeaseLocker) expired(lease *coordinationv1.Lease) bool {
	renew := lease.Spec.RenewTime
	if renew == nil {
		renew = lease.Spec.AcquireTime
	}
	if renew == nil {
		return true
	}
	d := l.duration
	if lease.Spec.LeaseDurationSeconds != nil {
		d = time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	}
	return renew.Add(d).Before(l.now())
}

// release deletes the lease. It runs on its own context so a canceled
// request still frees the owner.
func (l *LeaseLocker) release(ns string, lease *coordinationv1.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	opts := metav1.DeleteOptions{}
	if lease.UID != "" {
		opts.Preconditions = &metav1.Preconditions{UID: ptr.To(lease.UID)}
	}
	err := l.client.Leases(ns).Delete(ctx, l.name, opts)
	if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		slog.Warn("failed to release admission lease",
			slog.String("namespace", ns),
			slog.String("error", err.Error()))
	}
}

func leaseErr(verb, ns string, err error) error {
	return cnserrors.WrapWithContext(cnserrors.ErrCodeUnavailable,
		fmt.Sprintf("failed to %s admission lease", verb), err,
		map[string]interface{}{"namespace": ns})
}
