package cli

import (
	"strconv"
	"time"

	"github.com/gridjobs/engine/pkg/job"
)

// jobView is the user-facing rendering of a job record.
type jobView struct {
	Owner     string    `json:"owner" yaml:"owner"`
	Name      string    `json:"name" yaml:"name"`
	Type      string    `json:"type" yaml:"type"`
	Status    string    `json:"status" yaml:"status"`
	Reason    string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Image     string    `json:"image" yaml:"image"`
	Command   string    `json:"command" yaml:"command"`
	Schedule  string    `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Replicas  int32     `json:"replicas" yaml:"replicas"`
	Port      string    `json:"port,omitempty" yaml:"port,omitempty"`
	Health    string    `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
	Retry     int32     `json:"retry" yaml:"retry"`
	CPU       string    `json:"cpu" yaml:"cpu"`
	Memory    string    `json:"memory" yaml:"memory"`
	Workloads []string  `json:"workloads,omitempty" yaml:"workloads,omitempty"`
	Created   time.Time `json:"created" yaml:"created"`
	Updated   time.Time `json:"updated" yaml:"updated"`
}

func newJobView(rec *job.Record) jobView {
	v := jobView{
		Owner:    rec.ID.Owner,
		Name:     rec.ID.Name,
		Type:     string(rec.Spec.Variant),
		Status:   string(rec.Status),
		Reason:   rec.StatusReason,
		Image:    rec.Spec.Image,
		Command:  rec.Spec.Command,
		Replicas: rec.Spec.Replicas(),
		Retry:    rec.Spec.Retry(),
		CPU:      rec.Spec.Resources.CPU.String(),
		Memory:   rec.Spec.Resources.Memory.String(),
		Created:  rec.CreatedAt,
		Updated:  rec.LastTransitionAt,
	}
	if rec.Spec.Scheduled != nil {
		v.Schedule = rec.Spec.Scheduled.Schedule.Configured
	}
	if c := rec.Spec.Continuous; c != nil {
		if c.Port != 0 {
			v.Port = strconv.Itoa(int(c.Port)) + "/" + c.PortProtocol
		}
		if hc := c.HealthCheck; hc != nil {
			v.Health = string(hc.Type) + " " + hc.Script + hc.Path
		}
	}
	for _, ref := range rec.NativeRefs {
		v.Workloads = append(v.Workloads, ref.String())
	}
	return v
}

// jobTable renders a job list one row per job.
type jobTable []jobView

func newJobTable(recs []job.Record) jobTable {
	t := make(jobTable, 0, len(recs))
	for i := range recs {
		t = append(t, newJobView(&recs[i]))
	}
	return t
}

func (t jobTable) Columns() []string {
	return []string{"name", "type", "status", "schedule", "replicas", "reason"}
}

func (t jobTable) Rows() [][]string {
	rows := make([][]string, 0, len(t))
	for _, v := range t {
		schedule := v.Schedule
		if schedule == "" {
			schedule = "-"
		}
		rows = append(rows, []string{v.Name, v.Type, v.Status, schedule, strconv.Itoa(int(v.Replicas)), v.Reason})
	}
	return rows
}

// flushResult reports how many jobs a flush marked for deletion.
type flushResult struct {
	Owner   string `json:"owner" yaml:"owner"`
	Flushed int    `json:"flushed" yaml:"flushed"`
}
