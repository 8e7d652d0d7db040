package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/schedule"
	"monthlyload/pkg/errors"
)

// TaskState is the state of one task within one run.
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskRunning        TaskState = "running"
	TaskSuccess        TaskState = "success"
	TaskFailed         TaskState = "failed"
	TaskUpstreamFailed TaskState = "upstream_failed"
	TaskSkipped        TaskState = "skipped" // dry run
)

// RunState is the state of a whole run.
type RunState string

const (
	RunRunning RunState = "running"
	RunSuccess RunState = "success"
	RunFailed  RunState = "failed"
)

// Executor runs one autocommitted statement. *snowflake.Service implements it.
type Executor interface {
	Exec(ctx context.Context, stmt string, args ...interface{}) (int64, error)
}

// Run identifies one scheduled execution.
type Run struct {
	ID          string
	LogicalDate time.Time
	TargetMonth time.Time
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID string
	State  TaskState
	Rows   int64
	Start  time.Time
	End    time.Time
	Err    error
}

// RunResult is the outcome of a run. Milestone is the last milestone reached.
type RunResult struct {
	Run       Run
	State     RunState
	Milestone string
	Tasks     []TaskResult
	DryRun    bool
	Err       error
}

// Failed returns the result of the failed task, if any.
func (r *RunResult) Failed() (TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.State == TaskFailed {
			return t, true
		}
	}
	return TaskResult{}, false
}

// Observer is told about every task state transition, e.g. to persist history.
type Observer func(run Run, result TaskResult)

// Option configures a Runner.
type Option func(*Runner)

// WithDryRun renders and logs statements without executing them.
func WithDryRun(dryRun bool) Option {
	return func(r *Runner) { r.dryRun = dryRun }
}

// WithObserver registers fn for task state transitions.
func WithObserver(fn Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, fn) }
}

// Runner executes a graph strictly sequentially.
type Runner struct {
	graph     *Graph
	exec      Executor
	log       *logrus.Entry
	dryRun    bool
	observers []Observer
}

// NewRunner creates a runner for graph. exec may be nil in dry-run mode.
func NewRunner(graph *Graph, exec Executor, log *logrus.Entry, opts ...Option) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	r := &Runner{graph: graph, exec: exec, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes every task in order. The first failure marks all downstream
// tasks upstream_failed and stops the run; statements that already
// committed stay committed. The returned error is the failing task's error.
func (r *Runner) Run(ctx context.Context, run Run) (*RunResult, error) {
	if !r.dryRun && r.exec == nil {
		return nil, errors.New(errors.ErrCodeInternal, "runner has no executor")
	}

	log := r.log.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"graph":        r.graph.ID,
		"logical_date": run.LogicalDate.UTC().Format(schedule.DateLayout),
		"target_month": run.TargetMonth.UTC().Format(schedule.MonthLayout),
	})

	tasks := r.graph.Tasks()
	result := &RunResult{
		Run:    run,
		State:  RunRunning,
		Tasks:  make([]TaskResult, len(tasks)),
		DryRun: r.dryRun,
	}
	for i, t := range tasks {
		result.Tasks[i] = TaskResult{TaskID: t.ID, State: TaskPending}
	}

	log.WithField("dry_run", r.dryRun).Info("run started")

	var failure error
	for i, t := range tasks {
		tr := &result.Tasks[i]
		taskLog := log.WithField("task", t.ID)

		if failure != nil {
			tr.State = TaskUpstreamFailed
			r.notify(run, *tr)
			taskLog.Warn("task not run: upstream failed")
			continue
		}

		tr.Start = time.Now()
		if err := ctx.Err(); err != nil {
			failure = errors.Wrap(err, errors.ErrCodeRunCancelled, "Run cancelled before task started").
				WithContext("task", t.ID)
			r.finish(run, tr, TaskFailed, failure)
			taskLog.WithError(err).Error("run cancelled")
			continue
		}

		tr.State = TaskRunning
		r.notify(run, *tr)

		if t.IsNoop() {
			r.finish(run, tr, TaskSuccess, nil)
			// A dry run reaches no milestone.
			if !r.dryRun {
				result.Milestone = t.Milestone
			}
			taskLog.Debug("marker reached")
			continue
		}

		stmt := t.Statement(run)
		if r.dryRun {
			taskLog.WithField("args", stmt.Args).Info(stmt.SQL)
			r.finish(run, tr, TaskSkipped, nil)
			continue
		}

		rows, err := r.exec.Exec(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			failure = errors.TaskError(t.ID, err).
				WithContext("run_id", run.ID).
				WithContext("milestone", result.Milestone)
			r.finish(run, tr, TaskFailed, failure)
			taskLog.WithError(err).WithField("elapsed", tr.End.Sub(tr.Start).String()).Error("task failed")
			continue
		}

		tr.Rows = rows
		r.finish(run, tr, TaskSuccess, nil)
		result.Milestone = t.Milestone
		taskLog.WithFields(logrus.Fields{
			"rows":      rows,
			"elapsed":   tr.End.Sub(tr.Start).String(),
			"milestone": t.Milestone,
		}).Info("task succeeded")
	}

	if failure != nil {
		result.State = RunFailed
		result.Err = failure
		log.WithField("milestone", result.Milestone).Error("run failed")
		return result, failure
	}

	result.State = RunSuccess
	log.Info("run succeeded")
	return result, nil
}

func (r *Runner) finish(run Run, tr *TaskResult, state TaskState, err error) {
	tr.State = state
	tr.Err = err
	tr.End = time.Now()
	r.notify(run, *tr)
}

func (r *Runner) notify(run Run, tr TaskResult) {
	for _, fn := range r.observers {
		fn(run, tr)
	}
}
