package translator

import (
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/gridjobs/engine/pkg/defaults"
	"github.com/gridjobs/engine/pkg/job"
)

var (
	defaultCPU    = resource.MustParse(defaults.DefaultCPU)
	defaultMemory = resource.MustParse(defaults.DefaultMemory)
)

// Desired returns the native object the record should be materialized as.
func (t *Translator) Desired(rec *job.Record) (runtime.Object, error) {
	if err := rec.Spec.CheckVariant(); err != nil {
		return nil, translationErr("invalid job spec", err)
	}

	switch rec.Spec.Variant {
	case job.VariantOneOff:
		return t.buildJob(rec), nil
	case job.VariantScheduled:
		return t.buildCronJob(rec), nil
	case job.VariantContinuous:
		return t.buildDeployment(rec), nil
	default:
		return nil, translationErr(fmt.Sprintf("unsupported job type %q", rec.Spec.Variant), nil)
	}
}

func (t *Translator) objectMeta(rec *job.Record) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:      rec.ID.Name,
		Namespace: t.namespace(rec.ID.Owner),
		Labels:    job.Labels(rec.ID, rec.Spec.Variant),
	}
}

func (t *Translator) buildJob(rec *job.Record) *batchv1.Job {
	return &batchv1.Job{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: job.KindJob},
		ObjectMeta: t.objectMeta(rec),
		Spec:       jobSpec(rec),
	}
}

func jobSpec(rec *job.Record) batchv1.JobSpec {
	return batchv1.JobSpec{
		BackoffLimit: ptr.To(rec.Spec.Retry()),
		Template:     podTemplate(rec, corev1.RestartPolicyNever),
	}
}

func (t *Translator) buildCronJob(rec *job.Record) *batchv1.CronJob {
	sched := rec.Spec.Scheduled
	meta := t.objectMeta(rec)
	meta.Annotations = map[string]string{job.AnnotationSchedule: sched.Schedule.Configured}

	policy := sched.ConcurrencyPolicy
	if policy == "" {
		policy = job.ConcurrencyForbid
	}

	return &batchv1.CronJob{
		TypeMeta:   metav1.TypeMeta{APIVersion: "batch/v1", Kind: job.KindCronJob},
		ObjectMeta: meta,
		Spec: batchv1.CronJobSpec{
			Schedule:                   sched.Schedule.Expression,
			ConcurrencyPolicy:          batchv1.ConcurrencyPolicy(policy),
			StartingDeadlineSeconds:    ptr.To(int64(defaults.StartingDeadlineSeconds)),
			SuccessfulJobsHistoryLimit: ptr.To(int32(1)),
			FailedJobsHistoryLimit:     ptr.To(t.crashLoopThreshold),
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: job.Labels(rec.ID, rec.Spec.Variant)},
				Spec:       jobSpec(rec),
			},
		},
	}
}

func (t *Translator) buildDeployment(rec *job.Record) *appsv1.Deployment {
	replicas := rec.Spec.Replicas()

	strategy := appsv1.DeploymentStrategy{Type: appsv1.RollingUpdateDeploymentStrategyType}
	if replicas <= 1 {
		strategy = appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	}

	template := podTemplate(rec, corev1.RestartPolicyAlways)
	c := rec.Spec.Continuous
	container := &template.Spec.Containers[0]
	if c.Port != 0 {
		container.Ports = []corev1.ContainerPort{{
			ContainerPort: c.Port,
			Protocol:      protocol(c.PortProtocol),
		}}
	}
	if handler := healthHandler(c); handler != nil {
		container.StartupProbe = &corev1.Probe{
			ProbeHandler:     *handler,
			PeriodSeconds:    defaults.StartupPeriodSeconds,
			FailureThreshold: defaults.StartupFailureThreshold,
			TimeoutSeconds:   defaults.HealthCheckTimeout,
		}
		container.LivenessProbe = &corev1.Probe{
			ProbeHandler:     *handler.DeepCopy(),
			PeriodSeconds:    defaults.LivenessPeriodSeconds,
			FailureThreshold: defaults.LivenessFailureThreshold,
			TimeoutSeconds:   defaults.HealthCheckTimeout,
		}
	}

	return &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: "apps/v1", Kind: job.KindDeployment},
		ObjectMeta: t.objectMeta(rec),
		Spec: appsv1.DeploymentSpec{
			Replicas:                ptr.To(replicas),
			Selector:                &metav1.LabelSelector{MatchLabels: job.Selector(rec.ID)},
			Strategy:                strategy,
			ProgressDeadlineSeconds: ptr.To(int32(defaults.ProgressDeadlineSeconds)),
			Template:                template,
		},
	}
}

// healthHandler returns how the kubelet checks a continuous job, or nil.
// Without an explicit check a TCP port is checked by connecting to it.
func healthHandler(c *job.ContinuousSpec) *corev1.ProbeHandler {
	hc := c.HealthCheck
	switch {
	case hc != nil && hc.Type == job.HealthCheckScript:
		return &corev1.ProbeHandler{
			Exec: &corev1.ExecAction{Command: []string{"/bin/sh", "-c", hc.Script}},
		}
	case hc != nil && hc.Type == job.HealthCheckHTTP && c.Port != 0:
		return &corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{Path: hc.Path, Port: intstr.FromInt32(c.Port)},
		}
	case hc == nil && c.Port != 0 && protocol(c.PortProtocol) == corev1.ProtocolTCP:
		return &corev1.ProbeHandler{
			TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(c.Port)},
		}
	}
	return nil
}

// buildService exposes a continuous job's port inside the owner's namespace.
// It returns nil for jobs without a port.
func (t *Translator) buildService(rec *job.Record) *corev1.Service {
	c := rec.Spec.Continuous
	if c == nil || c.Port == 0 {
		return nil
	}
	proto := protocol(c.PortProtocol)
	return &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: job.KindService},
		ObjectMeta: t.objectMeta(rec),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: job.Selector(rec.ID),
			Ports: []corev1.ServicePort{{
				Name:       fmt.Sprintf("%s-%d", strings.ToLower(string(proto)), c.Port),
				Protocol:   proto,
				Port:       c.Port,
				TargetPort: intstr.FromInt32(c.Port),
			}},
		},
	}
}

func protocol(p string) corev1.Protocol {
	if p == job.ProtocolUDP {
		return corev1.ProtocolUDP
	}
	return corev1.ProtocolTCP
}

func podTemplate(rec *job.Record, restart corev1.RestartPolicy) corev1.PodTemplateSpec {
	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{Labels: job.Labels(rec.ID, rec.Spec.Variant)},
		Spec: corev1.PodSpec{
			RestartPolicy:                 restart,
			TerminationGracePeriodSeconds: ptr.To(int64(defaults.TerminationGraceSeconds)),
			SecurityContext: &corev1.PodSecurityContext{
				SeccompProfile: &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
			},
			Containers: []corev1.Container{
				{
					Name:      defaults.ContainerName,
					Image:     rec.Spec.Image,
					Command:   []string{"/bin/sh", "-c", rec.Spec.Command},
					Resources: containerResources(rec.Spec.Resources),
					SecurityContext: &corev1.SecurityContext{
						AllowPrivilegeEscalation: ptr.To(false),
						Privileged:               ptr.To(false),
						Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
					},
				},
			},
		},
	}
}

// containerResources sets limits as requested. Requests equal the limit up
// to the defaults and half the limit above them.
func containerResources(r job.ResourceRequest) corev1.ResourceRequirements {
	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}

	if !r.CPU.IsZero() {
		limits[corev1.ResourceCPU] = r.CPU.DeepCopy()
		requests[corev1.ResourceCPU] = halfAbove(r.CPU, defaultCPU, true)
	}
	if !r.Memory.IsZero() {
		limits[corev1.ResourceMemory] = r.Memory.DeepCopy()
		requests[corev1.ResourceMemory] = halfAbove(r.Memory, defaultMemory, false)
	}

	out := corev1.ResourceRequirements{}
	if len(limits) > 0 {
		out.Limits = limits
		out.Requests = requests
	}
	return out
}

func halfAbove(q, threshold resource.Quantity, milli bool) resource.Quantity {
	if q.Cmp(threshold) <= 0 {
		return q.DeepCopy()
	}
	if milli {
		return *resource.NewMilliQuantity(q.MilliValue()/2, resource.DecimalSI)
	}
	return *resource.NewQuantity(q.Value()/2, resource.BinarySI)
}
