package history

import (
	"time"

	"monthlyload/internal/pipeline"
)

// RunRecord is the persisted outcome of one scheduled run. There is one
// record per logical date; a re-run replaces it and bumps Attempt.
type RunRecord struct {
	ID           string            `json:"id"`
	Graph        string            `json:"graph"`
	LogicalDate  string            `json:"logical_date"` // YYYY-MM-DD
	TargetMonth  string            `json:"target_month"` // YYYY-MM
	Attempt      int               `json:"attempt"`
	State        pipeline.RunState `json:"state"`
	Milestone    string            `json:"milestone,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      *time.Time        `json:"end_time,omitempty"`
	Tasks        []TaskRecord      `json:"tasks"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TaskRecord is the state of one task within a run.
type TaskRecord struct {
	ID           string             `json:"id"`
	State        pipeline.TaskState `json:"state"`
	StartTime    *time.Time         `json:"start_time,omitempty"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Rows         int64              `json:"rows"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// Duration is zero while the run is in progress.
func (r *RunRecord) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// Task returns the record of task id.
func (r *RunRecord) Task(id string) (*TaskRecord, bool) {
	for i := range r.Tasks {
		if r.Tasks[i].ID == id {
			return &r.Tasks[i], true
		}
	}
	return nil, false
}

// Rows sums the rows reported by every task.
func (r *RunRecord) Rows() int64 {
	var n int64
	for _, t := range r.Tasks {
		if t.Rows > 0 {
			n += t.Rows
		}
	}
	return n
}
