package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"monthlyload/internal/config"
	"monthlyload/internal/history"
	"monthlyload/internal/metrics"
	"monthlyload/internal/notify"
	"monthlyload/internal/pipeline"
	"monthlyload/internal/schedule"
	"monthlyload/internal/snowflake"
	"monthlyload/internal/ui"
	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

// app bundles what every pipeline command derives from the configuration.
type app struct {
	cfg    *models.Config
	log    *logrus.Entry
	sched  *schedule.Schedule
	tables pipeline.Tables
	graph  *pipeline.Graph
	notify *notify.Notifier
}

func newApp(cfg *models.Config, log *logrus.Entry) (*app, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeConfigMissing, "configuration not loaded")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	sched, err := schedule.FromConfig(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	tables := pipeline.TablesFromConfig(cfg.Tables)
	graph, err := pipeline.NewMonthlyLoad(tables, cfg.Schedule.MonthOffset)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.New(cfg.Notify, log)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, log: log, sched: sched, tables: tables, graph: graph, notify: notifier}, nil
}

func (a *app) historyStore() (*history.Store, error) {
	return history.NewStore(a.cfg.StateDir)
}

// connect validates the connection settings, resolves the password and
// opens the warehouse connection.
func (a *app) connect(ctx context.Context) (*snowflake.Service, error) {
	if err := config.Validate(a.cfg); err != nil {
		return nil, err
	}

	password, err := credentialManager(a.cfg.StateDir).Resolve(a.cfg.Snowflake)
	if err != nil {
		return nil, err
	}
	timeout, err := config.StatementTimeout(a.cfg)
	if err != nil {
		return nil, err
	}

	sc := snowflake.Config{
		Account:   a.cfg.Snowflake.Account,
		Username:  a.cfg.Snowflake.Username,
		Password:  password,
		Database:  a.cfg.Snowflake.Database,
		Schema:    a.cfg.Snowflake.Schema,
		Warehouse: a.cfg.Snowflake.Warehouse,
		Role:      a.cfg.Snowflake.Role,
		Timeout:   timeout,
	}
	if err := snowflake.ValidateConfig(sc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "Invalid connection settings")
	}
	svc := snowflake.NewService(sc)

	spinner := ui.NewSpinner("Connecting to Snowflake...")
	spinner.Start()
	if err := svc.Connect(ctx); err != nil {
		spinner.Stop(false, "Connection failed")
		return nil, err
	}
	spinner.Stop(true, fmt.Sprintf("Connected to %s as %s", a.cfg.Snowflake.Account, a.cfg.Snowflake.Role))

	a.log.WithFields(logrus.Fields{
		"account":   a.cfg.Snowflake.Account,
		"warehouse": a.cfg.Snowflake.Warehouse,
		"role":      a.cfg.Snowflake.Role,
	}).Info("connected")
	return svc, nil
}

// logicalDate resolves --date, defaulting to the latest slot at or before now.
// Slots in the future are rejected.
func (a *app) logicalDate(value string, now time.Time) (time.Time, error) {
	if value == "" {
		current, ok := a.sched.Current(now)
		if !ok {
			return time.Time{}, errors.New(errors.ErrCodeInvalidInput,
				fmt.Sprintf("the schedule has not fired yet; the first run is due %s", a.sched.First().Format(time.RFC3339)))
		}
		return current, nil
	}

	logical, err := a.sched.ParseLogicalDate(value)
	if err != nil {
		return time.Time{}, err
	}
	if logical.After(now) {
		return time.Time{}, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("run %s is not due until %s", logical.Format(schedule.DateLayout), logical.Format(time.RFC3339))).
			WithContext("logical_date", logical.Format(schedule.DateLayout))
	}
	return logical, nil
}

func (a *app) newRun(logical time.Time) pipeline.Run {
	return pipeline.Run{
		ID:          "scheduled__" + logical.UTC().Format(time.RFC3339),
		LogicalDate: logical.UTC(),
		TargetMonth: a.sched.TargetMonth(logical),
	}
}

type runOptions struct {
	dryRun bool
	rerun  bool
}

// execute runs the graph for one logical date. Outside dry-run mode the
// caller holds the run lock and every transition is persisted to store.
func (a *app) execute(ctx context.Context, exec pipeline.Executor, store *history.Store, logical time.Time, opts runOptions) (*pipeline.RunResult, error) {
	run := a.newRun(logical)
	date := run.LogicalDate.Format(schedule.DateLayout)

	if !opts.dryRun {
		if err := guardRerun(store, logical, opts.rerun); err != nil {
			return nil, err
		}
	}

	progress := ui.NewRunProgress(sqlTasks(a.graph))
	opt := []pipeline.Option{
		pipeline.WithDryRun(opts.dryRun),
		pipeline.WithObserver(progress.Observe),
	}
	if !opts.dryRun {
		if _, err := store.Begin(run, a.graph); err != nil {
			return nil, err
		}
		opt = append(opt, pipeline.WithObserver(store.Observer()))
	}

	ui.ShowInfo(fmt.Sprintf("Run %s: loading %s", date, run.TargetMonth.Format(schedule.MonthLayout)))

	result, runErr := pipeline.NewRunner(a.graph, exec, a.log, opt...).Run(ctx, run)
	if result == nil {
		return nil, runErr
	}
	progress.Finish(result)

	if !opts.dryRun {
		if err := store.Finish(result); err != nil {
			a.log.WithError(err).WithField("logical_date", date).Warn("failed to record run result")
		}
		if path := a.cfg.Metrics.Textfile; path != "" {
			if err := metrics.FromResult(result).WriteFile(path); err != nil {
				a.log.WithError(err).WithField("path", path).Warn("failed to write metrics")
			}
		}
		// Cancelled runs are still reported.
		if err := a.notify.Notify(context.WithoutCancel(ctx), result); err != nil {
			a.log.WithError(err).Warn("failed to send run notification")
		}
	}
	return result, runErr
}

// guardRerun refuses a logical date that already succeeded unless rerun is set.
func guardRerun(store *history.Store, logical time.Time, rerun bool) error {
	date := logical.UTC().Format(schedule.DateLayout)
	if rerun || !store.Succeeded(date) {
		return nil
	}
	return errors.New(errors.ErrCodeAlreadySucceeded,
		fmt.Sprintf("the run of %s already succeeded", date)).
		WithContext("logical_date", date).
		WithSuggestions("Pass --rerun to load the month again; the orders insert does not deduplicate")
}

func sqlTasks(g *pipeline.Graph) int {
	n := 0
	for _, t := range g.Tasks() {
		if !t.IsNoop() {
			n++
		}
	}
	return n
}

// withLock holds the run lock of store while fn runs. Taking the lock
// reloads store from disk.
func withLock(store *history.Store, log *logrus.Entry, fn func() error) error {
	lock, err := store.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.WithError(err).Warn("failed to release run lock")
		}
	}()
	return fn()
}
