package translator

import (
	"reflect"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/gridjobs/engine/internal/testutil"
	"github.com/gridjobs/engine/pkg/job"
)

func TestDesired_OneOff(t *testing.T) {
	tr := New(fake.NewClientset())
	obj, err := tr.Desired(testutil.OneOff("alice", "once"))
	if err != nil {
		t.Fatalf("Desired failed: %v", err)
	}

	j, ok := obj.(*batchv1.Job)
	if !ok {
		t.Fatalf("expected *batchv1.Job, got %T", obj)
	}
	if j.Namespace != "tool-alice" {
		t.Errorf("expected namespace %q, got %q", "tool-alice", j.Namespace)
	}
	if *j.Spec.BackoffLimit != 3 {
		t.Errorf("expected backoffLimit 3, got %d", *j.Spec.BackoffLimit)
	}
	if j.Spec.TTLSecondsAfterFinished != nil {
		t.Error("one-off jobs must outlive completion so their status can be observed")
	}

	pod := j.Spec.Template.Spec
	if pod.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected restartPolicy Never, got %q", pod.RestartPolicy)
	}
	if len(pod.Containers) != 1 || pod.Containers[0].Name != "job" {
		t.Fatalf("expected a single container named job, got %+v", pod.Containers)
	}
	c := pod.Containers[0]
	if c.Image != "docker.io/library/busybox:1.36" {
		t.Errorf("unexpected image %q", c.Image)
	}
	if got := c.Command[len(c.Command)-1]; got != "./run.sh" {
		t.Errorf("expected command ./run.sh, got %q", got)
	}
	if *c.SecurityContext.AllowPrivilegeEscalation {
		t.Error("privilege escalation must be disabled")
	}

	id, ok := job.IDFromLabels(j.Spec.Template.Labels)
	if !ok || id != (job.ID{Owner: "alice", Name: "once"}) {
		t.Errorf("pod template labels do not identify the job: %v", j.Spec.Template.Labels)
	}
}

func TestDesired_Scheduled(t *testing.T) {
	tr := New(fake.NewClientset(), WithCrashLoopThreshold(4))
	obj, err := tr.Desired(testutil.Scheduled("alice", "backup"))
	if err != nil {
		t.Fatalf("Desired failed: %v", err)
	}

	cj, ok := obj.(*batchv1.CronJob)
	if !ok {
		t.Fatalf("expected *batchv1.CronJob, got %T", obj)
	}
	if cj.Spec.Schedule != "*/5 * * * *" {
		t.Errorf("expected schedule %q, got %q", "*/5 * * * *", cj.Spec.Schedule)
	}
	if cj.Spec.ConcurrencyPolicy != batchv1.ForbidConcurrent {
		t.Errorf("expected Forbid, got %q", cj.Spec.ConcurrencyPolicy)
	}
	if *cj.Spec.StartingDeadlineSeconds != 30 {
		t.Errorf("expected startingDeadlineSeconds 30, got %d", *cj.Spec.StartingDeadlineSeconds)
	}
	if *cj.Spec.SuccessfulJobsHistoryLimit != 1 || *cj.Spec.FailedJobsHistoryLimit != 4 {
		t.Errorf("unexpected history limits %d/%d", *cj.Spec.SuccessfulJobsHistoryLimit, *cj.Spec.FailedJobsHistoryLimit)
	}
	if cj.Spec.JobTemplate.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Error("scheduled runs must not restart in place")
	}
	if cj.Annotations[job.AnnotationSchedule] != "*/5 * * * *" {
		t.Errorf("configured schedule not recorded: %v", cj.Annotations)
	}
	if _, ok := job.IDFromLabels(cj.Spec.JobTemplate.Labels); !ok {
		t.Error("child jobs must carry the job labels")
	}
}

func TestDesired_Continuous(t *testing.T) {
	tests := []struct {
		replicas int32
		strategy appsv1.DeploymentStrategyType
	}{
		{0, appsv1.RecreateDeploymentStrategyType},
		{1, appsv1.RecreateDeploymentStrategyType},
		{3, appsv1.RollingUpdateDeploymentStrategyType},
	}

	tr := New(fake.NewClientset())
	for _, tt := range tests {
		obj, err := tr.Desired(testutil.Continuous("alice", "web", tt.replicas))
		if err != nil {
			t.Fatalf("Desired failed: %v", err)
		}
		d := obj.(*appsv1.Deployment)
		if *d.Spec.Replicas != tt.replicas {
			t.Errorf("expected %d replicas, got %d", tt.replicas, *d.Spec.Replicas)
		}
		if d.Spec.Strategy.Type != tt.strategy {
			t.Errorf("replicas %d: expected strategy %q, got %q", tt.replicas, tt.strategy, d.Spec.Strategy.Type)
		}
		if d.Spec.Template.Spec.RestartPolicy != corev1.RestartPolicyAlways {
			t.Errorf("expected restartPolicy Always, got %q", d.Spec.Template.Spec.RestartPolicy)
		}
		for k, v := range d.Spec.Selector.MatchLabels {
			if d.Spec.Template.Labels[k] != v {
				t.Errorf("selector label %s=%s missing from template", k, v)
			}
		}
	}
}

func TestDesired_ContinuousHealthChecks(t *testing.T) {
	tests := []struct {
		name     string
		spec     job.ContinuousSpec
		exec     []string
		httpPath string
		tcp      bool
		none     bool
	}{
		{
			name: "no port no check",
			spec: job.ContinuousSpec{Replicas: 1},
			none: true,
		},
		{
			name: "script",
			spec: job.ContinuousSpec{Replicas: 1, HealthCheck: &job.HealthCheck{Type: job.HealthCheckScript, Script: "test -f /tmp/ok"}},
			exec: []string{"/bin/sh", "-c", "test -f /tmp/ok"},
		},
		{
			name:     "http",
			spec:     job.ContinuousSpec{Replicas: 1, Port: 8080, PortProtocol: job.ProtocolTCP, HealthCheck: &job.HealthCheck{Type: job.HealthCheckHTTP, Path: "/healthz"}},
			httpPath: "/healthz",
		},
		{
			name: "tcp port without check",
			spec: job.ContinuousSpec{Replicas: 1, Port: 8080, PortProtocol: job.ProtocolTCP},
			tcp:  true,
		},
		{
			name: "udp port without check",
			spec: job.ContinuousSpec{Replicas: 1, Port: 53, PortProtocol: job.ProtocolUDP},
			none: true,
		},
	}

	tr := New(fake.NewClientset())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Continuous("alice", "web", 1)
			spec := tt.spec
			rec.Spec.Continuous = &spec

			obj, err := tr.Desired(rec)
			if err != nil {
				t.Fatalf("Desired failed: %v", err)
			}
			c := obj.(*appsv1.Deployment).Spec.Template.Spec.Containers[0]

			if tt.none {
				if c.StartupProbe != nil || c.LivenessProbe != nil {
					t.Fatalf("expected no health checks, got startup=%v liveness=%v", c.StartupProbe, c.LivenessProbe)
				}
				return
			}
			if c.StartupProbe == nil || c.LivenessProbe == nil {
				t.Fatalf("expected startup and liveness checks")
			}
			if c.StartupProbe.PeriodSeconds != 1 || c.StartupProbe.FailureThreshold != 120 || c.StartupProbe.TimeoutSeconds != 5 {
				t.Errorf("unexpected startup timing: %+v", c.StartupProbe)
			}
			if c.LivenessProbe.PeriodSeconds != 10 || c.LivenessProbe.FailureThreshold != 3 || c.LivenessProbe.TimeoutSeconds != 5 {
				t.Errorf("unexpected liveness timing: %+v", c.LivenessProbe)
			}
			if c.StartupProbe.InitialDelaySeconds != 0 || c.LivenessProbe.InitialDelaySeconds != 0 {
				t.Errorf("expected no initial delay")
			}

			for _, p := range []*corev1.Probe{c.StartupProbe, c.LivenessProbe} {
				switch {
				case tt.exec != nil:
					if p.Exec == nil || !reflect.DeepEqual(p.Exec.Command, tt.exec) {
						t.Errorf("expected exec %v, got %+v", tt.exec, p.ProbeHandler)
					}
				case tt.httpPath != "":
					if p.HTTPGet == nil || p.HTTPGet.Path != tt.httpPath || p.HTTPGet.Port.IntValue() != int(spec.Port) {
						t.Errorf("expected GET %s on %d, got %+v", tt.httpPath, spec.Port, p.ProbeHandler)
					}
				case tt.tcp:
					if p.TCPSocket == nil || p.TCPSocket.Port.IntValue() != int(spec.Port) {
						t.Errorf("expected tcp check on %d, got %+v", spec.Port, p.ProbeHandler)
					}
				}
			}
		})
	}
}

func TestDesired_ContinuousPort(t *testing.T) {
	tr := New(fake.NewClientset())
	rec := testutil.Continuous("alice", "dns", 2)
	rec.Spec.Continuous.Port = 53
	rec.Spec.Continuous.PortProtocol = job.ProtocolUDP

	obj, err := tr.Desired(rec)
	if err != nil {
		t.Fatalf("Desired failed: %v", err)
	}
	ports := obj.(*appsv1.Deployment).Spec.Template.Spec.Containers[0].Ports
	if len(ports) != 1 || ports[0].ContainerPort != 53 || ports[0].Protocol != corev1.ProtocolUDP {
		t.Errorf("expected udp container port 53, got %+v", ports)
	}

	svc := tr.buildService(rec)
	if svc == nil {
		t.Fatal("expected a service for a job with a port")
	}
	if svc.Namespace != "tool-alice" || svc.Name != "dns" {
		t.Errorf("unexpected service %s/%s", svc.Namespace, svc.Name)
	}
	if svc.Spec.Type != corev1.ServiceTypeClusterIP {
		t.Errorf("expected ClusterIP, got %q", svc.Spec.Type)
	}
	if !reflect.DeepEqual(svc.Spec.Selector, job.Selector(rec.ID)) {
		t.Errorf("expected selector %v, got %v", job.Selector(rec.ID), svc.Spec.Selector)
	}
	p := svc.Spec.Ports[0]
	if p.Name != "udp-53" || p.Port != 53 || p.TargetPort.IntValue() != 53 || p.Protocol != corev1.ProtocolUDP {
		t.Errorf("unexpected service port %+v", p)
	}

	if tr.buildService(testutil.Continuous("alice", "web", 1)) != nil {
		t.Error("expected no service without a port")
	}
	if tr.buildService(testutil.OneOff("alice", "once")) != nil {
		t.Error("expected no service for a one-off job")
	}
}

func TestDesired_InvalidSpec(t *testing.T) {
	rec := testutil.OneOff("alice", "broken")
	rec.Spec.Continuous = &job.ContinuousSpec{Replicas: 1}

	if _, err := New(fake.NewClientset()).Desired(rec); err == nil {
		t.Fatal("expected error for spec with two payloads")
	}
}

func TestContainerResources(t *testing.T) {
	tests := []struct {
		name       string
		cpu, mem   string
		reqCPU     string
		reqMem     string
		wantLimits bool
	}{
		{"defaults request the limit", "100m", "512Mi", "100m", "512Mi", true},
		{"above defaults request half", "1", "2Gi", "500m", "1Gi", true},
		{"below defaults request the limit", "50m", "256Mi", "50m", "256Mi", true},
		{"zero means no limits", "0", "0", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := containerResources(job.ResourceRequest{
				CPU:    resource.MustParse(tt.cpu),
				Memory: resource.MustParse(tt.mem),
			})
			if !tt.wantLimits {
				if len(got.Limits) != 0 || len(got.Requests) != 0 {
					t.Fatalf("expected no resources, got %+v", got)
				}
				return
			}

			if q := got.Limits[corev1.ResourceCPU]; q.Cmp(resource.MustParse(tt.cpu)) != 0 {
				t.Errorf("expected cpu limit %s, got %s", tt.cpu, q.String())
			}
			if q := got.Requests[corev1.ResourceCPU]; q.Cmp(resource.MustParse(tt.reqCPU)) != 0 {
				t.Errorf("expected cpu request %s, got %s", tt.reqCPU, q.String())
			}
			if q := got.Requests[corev1.ResourceMemory]; q.Cmp(resource.MustParse(tt.reqMem)) != 0 {
				t.Errorf("expected memory request %s, got %s", tt.reqMem, q.String())
			}
		})
	}
}
