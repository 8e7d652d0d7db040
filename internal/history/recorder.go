package history

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/pipeline"
	"monthlyload/internal/schedule"
	"monthlyload/pkg/errors"
)

// Begin records run as running with every task of graph pending.
func (s *Store) Begin(run pipeline.Run, graph *pipeline.Graph) (*RunRecord, error) {
	rec := &RunRecord{
		ID:          run.ID,
		Graph:       graph.ID,
		LogicalDate: run.LogicalDate.UTC().Format(schedule.DateLayout),
		TargetMonth: run.TargetMonth.UTC().Format(schedule.MonthLayout),
		State:       pipeline.RunRunning,
		StartTime:   time.Now().UTC(),
	}
	for _, t := range graph.Tasks() {
		rec.Tasks = append(rec.Tasks, TaskRecord{ID: t.ID, State: pipeline.TaskPending})
	}

	if err := s.Record(rec); err != nil {
		return nil, err
	}
	return clone(rec), nil
}

// Observer persists every task transition of a run started with Begin.
// Write failures are logged; they never fail the run.
func (s *Store) Observer() pipeline.Observer {
	return func(run pipeline.Run, result pipeline.TaskResult) {
		date := run.LogicalDate.UTC().Format(schedule.DateLayout)
		err := s.Update(date, func(rec *RunRecord) {
			applyTask(rec, result)
		})
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"logical_date": date,
				"task":         result.TaskID,
			}).Warn("failed to persist task state")
		}
	}
}

// Finish stores the final state of result.
func (s *Store) Finish(result *pipeline.RunResult) error {
	date := result.Run.LogicalDate.UTC().Format(schedule.DateLayout)
	return s.Update(date, func(rec *RunRecord) {
		for _, tr := range result.Tasks {
			applyTask(rec, tr)
		}
		end := time.Now().UTC()
		rec.EndTime = &end
		rec.State = result.State
		rec.Milestone = result.Milestone
		rec.ErrorCode = ""
		rec.ErrorMessage = ""
		if result.Err != nil {
			rec.ErrorCode = string(errors.GetErrorCode(result.Err))
			rec.ErrorMessage = summary(result.Err)
		}
	})
}

func applyTask(rec *RunRecord, result pipeline.TaskResult) {
	t, ok := rec.Task(result.TaskID)
	if !ok {
		rec.Tasks = append(rec.Tasks, TaskRecord{ID: result.TaskID})
		t = &rec.Tasks[len(rec.Tasks)-1]
	}

	t.State = result.State
	t.Rows = result.Rows
	t.StartTime = timePtr(result.Start)
	t.EndTime = timePtr(result.End)
	t.ErrorMessage = ""
	if result.Err != nil {
		t.ErrorMessage = summary(result.Err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

// summary keeps the first line of err and the root cause, dropping suggestions.
func summary(err error) string {
	msg := err.Error()
	first, _, _ := strings.Cut(msg, "\n")

	var root error = err
	for {
		next := unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	if root != err {
		if cause, _, _ := strings.Cut(root.Error(), "\n"); cause != first {
			return first + ": " + cause
		}
	}
	return first
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}
