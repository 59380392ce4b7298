package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/gridjobs/engine/pkg/defaults"
	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/k8s/client"
)

const (
	Group   = "gridjobs.io"
	Version = "v1"
)

var (
	// ErrNotFound is returned when no record exists for a job id.
	ErrNotFound = cnserrors.New(cnserrors.ErrCodeNotFound, "job not found")

	// ErrStale is returned when a write was computed against an older generation.
	ErrStale = cnserrors.New(cnserrors.ErrCodeConflict, "stale record generation")
)

// GVR returns the custom resource for a variant.
func GVR(v job.Variant) schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: Group, Version: Version, Resource: job.Plural(v)}
}

// ListKinds maps each custom resource to its list kind, as the dynamic
// fake client requires.
func ListKinds() map[schema.GroupVersionResource]string {
	out := make(map[schema.GroupVersionResource]string, 3)
	for _, v := range job.Variants() {
		out[GVR(v)] = job.Kind(v) + "List"
	}
	return out
}

// Store reads and writes job records through the dynamic client.
type Store struct {
	client  dynamic.Interface
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// Option is a functional option for configuring Store instances.
type Option func(*Store)

// WithTimeout bounds every API call made by the store.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store keeping owner records in namespaces prefixed by namespacePrefix.
func New(c dynamic.Interface, namespacePrefix string, opts ...Option) *Store {
	s := &Store{
		client:  c,
		prefix:  namespacePrefix,
		timeout: defaults.K8sAPITimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Namespace returns the namespace holding an owner's records.
func (s *Store) Namespace(owner string) string {
	return s.prefix + owner
}

// Owner returns the owner for a namespace, or false if the namespace is not managed.
func (s *Store) Owner(namespace string) (string, bool) {
	owner, ok := strings.CutPrefix(namespace, s.prefix)
	return owner, ok && owner != ""
}

func (s *Store) resource(id job.ID, v job.Variant) dynamic.ResourceInterface {
	return s.client.Resource(GVR(v)).Namespace(s.Namespace(id.Owner))
}

// Create persists a new record in the Pending state with generation 1.
// It fails with ALREADY_EXISTS when any variant already holds the id.
func (s *Store) Create(ctx context.Context, rec *job.Record) (*job.Record, error) {
	if _, err := s.Get(ctx, rec.ID); err == nil {
		return nil, cnserrors.New(cnserrors.ErrCodeAlreadyExists, fmt.Sprintf("job %s already exists", rec.ID))
	} else if !cnserrors.IsCode(err, cnserrors.ErrCodeNotFound) {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	next := rec.DeepCopy()
	next.Status = job.StatusPending
	next.StatusReason = ""
	next.CreatedAt = now
	next.LastTransitionAt = now
	next.Generation = 1

	obj, err := s.encode(next)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	created, err := s.resource(rec.ID, rec.Spec.Variant).Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, client.WrapAPIError(fmt.Sprintf("create record %s", rec.ID), err)
	}

	slog.Debug("record created",
		slog.String("job", rec.ID.String()),
		slog.String("variant", string(rec.Spec.Variant)))

	return Decode(created)
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id job.ID) (*job.Record, error) {
	for _, v := range job.Variants() {
		obj, err := s.get(ctx, id, v)
		if cnserrors.IsCode(err, cnserrors.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return Decode(obj)
	}
	return nil, cnserrors.Wrap(cnserrors.ErrCodeNotFound, fmt.Sprintf("job %s not found", id), ErrNotFound)
}

func (s *Store) get(ctx context.Context, id job.ID, v job.Variant) (*unstructured.Unstructured, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obj, err := s.resource(id, v).Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		return nil, client.WrapAPIError(fmt.Sprintf("get record %s", id), err)
	}
	return obj, nil
}

// List returns all records of owner sorted by name.
func (s *Store) List(ctx context.Context, owner string) ([]job.Record, error) {
	return s.list(ctx, s.Namespace(owner))
}

// ListAll returns the records of every owner.
func (s *Store) ListAll(ctx context.Context) ([]job.Record, error) {
	return s.list(ctx, metav1.NamespaceAll)
}

func (s *Store) list(ctx context.Context, namespace string) ([]job.Record, error) {
	selector := labels.SelectorFromSet(labels.Set{job.LabelManagedBy: job.ManagedByValue}).String()

	var out []job.Record
	for _, v := range job.Variants() {
		lctx, cancel := context.WithTimeout(ctx, s.timeout)
		list, err := s.client.Resource(GVR(v)).Namespace(namespace).List(lctx, metav1.ListOptions{LabelSelector: selector})
		cancel()
		if err != nil {
			return nil, client.WrapAPIError(fmt.Sprintf("list %s", job.Plural(v)), err)
		}

		for i := range list.Items {
			item := &list.Items[i]
			if _, ok := s.Owner(item.GetNamespace()); !ok {
				continue
			}
			rec, err := Decode(item)
			if err != nil {
				slog.Warn("skipping undecodable record",
					slog.String("namespace", item.GetNamespace()),
					slog.String("name", item.GetName()),
					slog.String("error", err.Error()))
				continue
			}
			out = append(out, *rec)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Owner != out[j].ID.Owner {
			return out[i].ID.Owner < out[j].ID.Owner
		}
		return out[i].ID.Name < out[j].ID.Name
	})
	return out, nil
}

// UpdateStatus writes rec's status, reason and native references. rec.Generation
// must equal the stored generation; the stored generation is incremented.
// The last transition time moves only when the status changes.
func (s *Store) UpdateStatus(ctx context.Context, rec *job.Record) (*job.Record, error) {
	obj, err := s.get(ctx, rec.ID, rec.Spec.Variant)
	if err != nil {
		return nil, err
	}

	current, err := Decode(obj)
	if err != nil {
		return nil, err
	}
	if current.Generation != rec.Generation {
		return nil, fmt.Errorf("job %s at generation %d, write based on %d: %w",
			rec.ID, current.Generation, rec.Generation, ErrStale)
	}

	next := current.DeepCopy()
	next.Status = rec.Status
	next.StatusReason = rec.StatusReason
	next.NativeRefs = append([]job.NativeRef(nil), rec.NativeRefs...)
	next.Generation = current.Generation + 1
	if next.Status != current.Status {
		next.LastTransitionAt = s.now().UTC().Truncate(time.Second)
	}

	status, err := encodeStatus(next)
	if err != nil {
		return nil, err
	}
	obj.Object["status"] = status

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	updated, err := s.resource(rec.ID, rec.Spec.Variant).Update(ctx, obj, metav1.UpdateOptions{})
	if err != nil {
		wrapped := client.WrapAPIError(fmt.Sprintf("update record %s", rec.ID), err)
		if cnserrors.IsCode(wrapped, cnserrors.ErrCodeConflict) {
			return nil, fmt.Errorf("job %s changed concurrently: %w", rec.ID, ErrStale)
		}
		return nil, wrapped
	}

	return Decode(updated)
}

// Delete physically removes the record. A missing record is not an error.
func (s *Store) Delete(ctx context.Context, id job.ID, v job.Variant) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.resource(id, v).Delete(ctx, id.Name, metav1.DeleteOptions{})
	if err = client.WrapAPIError(fmt.Sprintf("delete record %s", id), err); err != nil &&
		!cnserrors.IsCode(err, cnserrors.ErrCodeNotFound) {
		return err
	}
	return nil
}

type specDoc struct {
	Owner string   `json:"owner"`
	Job   job.Spec `json:"job"`
}

type statusDoc struct {
	Phase            job.Status      `json:"phase"`
	Reason           string          `json:"reason,omitempty"`
	NativeRefs       []job.NativeRef `json:"nativeRefs,omitempty"`
	CreatedAt        metav1.Time     `json:"createdAt"`
	LastTransitionAt metav1.Time     `json:"lastTransitionAt"`
	Generation       int64           `json:"generation"`
}

type document struct {
	Spec   specDoc   `json:"spec"`
	Status statusDoc `json:"status"`
}

func (s *Store) encode(rec *job.Record) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&document{
		Spec:   specDoc{Owner: rec.ID.Owner, Job: rec.Spec},
		Status: statusOf(rec),
	})
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to encode record", err)
	}

	obj := &unstructured.Unstructured{Object: content}
	obj.SetAPIVersion(Group + "/" + Version)
	obj.SetKind(job.Kind(rec.Spec.Variant))
	obj.SetNamespace(s.Namespace(rec.ID.Owner))
	obj.SetName(rec.ID.Name)
	obj.SetLabels(job.Labels(rec.ID, rec.Spec.Variant))
	return obj, nil
}

func statusOf(rec *job.Record) statusDoc {
	return statusDoc{
		Phase:            rec.Status,
		Reason:           rec.StatusReason,
		NativeRefs:       rec.NativeRefs,
		CreatedAt:        metav1.NewTime(rec.CreatedAt),
		LastTransitionAt: metav1.NewTime(rec.LastTransitionAt),
		Generation:       rec.Generation,
	}
}

func encodeStatus(rec *job.Record) (map[string]interface{}, error) {
	status := statusOf(rec)
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&status)
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to encode record status", err)
	}
	return content, nil
}

// Decode converts a custom resource into a record.
func Decode(obj *unstructured.Unstructured) (*job.Record, error) {
	var doc document
	content := map[string]interface{}{
		"spec":   obj.Object["spec"],
		"status": obj.Object["status"],
	}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(content, &doc); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal,
			fmt.Sprintf("failed to decode record %s/%s", obj.GetNamespace(), obj.GetName()), err)
	}
	if err := doc.Spec.Job.CheckVariant(); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeInternal,
			fmt.Sprintf("record %s/%s has an invalid spec", obj.GetNamespace(), obj.GetName()), err)
	}

	phase := doc.Status.Phase
	if phase == "" {
		phase = job.StatusPending
	}

	return &job.Record{
		ID:               job.ID{Owner: doc.Spec.Owner, Name: obj.GetName()},
		Spec:             doc.Spec.Job,
		NativeRefs:       doc.Status.NativeRefs,
		Status:           phase,
		StatusReason:     doc.Status.Reason,
		CreatedAt:        doc.Status.CreatedAt.UTC(),
		LastTransitionAt: doc.Status.LastTransitionAt.UTC(),
		Generation:       doc.Status.Generation,
		ResourceVersion:  obj.GetResourceVersion(),
	}, nil
}
