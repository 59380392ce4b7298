package job

import "strings"

// Labels and annotations stamped on every native object the engine manages.
const (
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelComponent      = "app.kubernetes.io/component"
	LabelOwner          = "gridjobs.io/owner"
	LabelJob            = "gridjobs.io/job"
	LabelVariant        = "gridjobs.io/type"
	ManagedByValue      = "gridjobs"
	AnnotationSchedule  = "gridjobs.io/schedule"
	AnnotationRestarted = "gridjobs.io/restartedAt"
)

// Labels returns the identifying labels for the job's native objects.
func Labels(id ID, v Variant) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelComponent: Plural(v),
		LabelOwner:     id.Owner,
		LabelJob:       id.Name,
		LabelVariant:   string(v),
	}
}

// Selector returns the minimal label set used to select the job's pods.
func Selector(id ID) map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelOwner:     id.Owner,
		LabelJob:       id.Name,
	}
}

// IDFromLabels extracts a job id from object labels.
func IDFromLabels(labels map[string]string) (ID, bool) {
	if labels[LabelManagedBy] != ManagedByValue {
		return ID{}, false
	}
	owner, name := labels[LabelOwner], labels[LabelJob]
	if owner == "" || name == "" {
		return ID{}, false
	}
	return ID{Owner: owner, Name: name}, true
}

// Plural returns the custom resource plural for the variant.
func Plural(v Variant) string {
	return string(v) + "-jobs"
}

// Kind returns the custom resource kind for the variant.
func Kind(v Variant) string {
	parts := strings.Split(string(v), "-")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	b.WriteString("Job")
	return b.String()
}
