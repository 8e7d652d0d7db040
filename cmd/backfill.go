package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"monthlyload/internal/history"
	"monthlyload/internal/pipeline"
	"monthlyload/internal/schedule"
	"monthlyload/internal/ui"
	"monthlyload/pkg/errors"
)

var (
	backfillFrom   monthValue
	backfillTo     monthValue
	backfillYes    bool
	backfillRerun  bool
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run every missing scheduled load, oldest first",
	Long: `Run every scheduled load in a range that has not succeeded yet.

--from and --to name the months of the logical dates (YYYY-MM). Without them
all runs since schedule.start_date are considered when schedule.catchup is
set, otherwise only the latest one. Runs execute one at a time, oldest first,
and the backfill stops at the first failed run.`,
	Example: `  monthlyload backfill
  monthlyload backfill --from 2024-04 --to 2024-09 --yes
  monthlyload backfill --from 2024-06 --to 2024-06 --rerun`,
	Args: cobra.NoArgs,
	RunE: runBackfill,
}

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().Var(&backfillFrom, "from", "first logical month, YYYY-MM (default: first scheduled run)")
	backfillCmd.Flags().Var(&backfillTo, "to", "last logical month, YYYY-MM (default: latest scheduled run)")
	backfillCmd.Flags().BoolVarP(&backfillYes, "yes", "y", false, "skip the confirmation prompt")
	backfillCmd.Flags().BoolVar(&backfillRerun, "rerun", false, "include runs that already succeeded")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "log the statements without executing them")
}

// backfillSlots returns the logical dates in range that still need a run,
// oldest first.
func backfillSlots(sched *schedule.Schedule, from, to *monthValue, now time.Time, store *history.Store, rerun bool) ([]time.Time, error) {
	current, ok := sched.Current(now)
	if !ok {
		return nil, nil
	}

	var slots []time.Time
	if !from.IsSet() && !to.IsSet() {
		slots = sched.Due(now)
	} else {
		start := sched.First()
		if from.IsSet() {
			start = sched.Slot(from.Time())
		}
		end := current
		if to.IsSet() && sched.Slot(to.Time()).Before(current) {
			end = sched.Slot(to.Time())
		}
		if start.After(end) {
			return nil, errors.New(errors.ErrCodeInvalidInput,
				fmt.Sprintf("empty range: %s is after %s", start.Format(schedule.DateLayout), end.Format(schedule.DateLayout)))
		}
		slots = sched.Slots(start, end)
	}

	return pendingSlots(slots, store, rerun), nil
}

// pendingSlots drops the slots whose run already succeeded unless rerun is
// set. A nil store keeps every slot.
func pendingSlots(slots []time.Time, store *history.Store, rerun bool) []time.Time {
	if store == nil || rerun {
		return slots
	}

	pending := slots[:0:0]
	for _, s := range slots {
		if !store.Succeeded(s.Format(schedule.DateLayout)) {
			pending = append(pending, s)
		}
	}
	return pending
}

// backfill executes slots in order and stops at the first failure. The
// caller holds the run lock.
func (a *app) backfill(ctx context.Context, exec pipeline.Executor, store *history.Store, slots []time.Time, rerun bool) error {
	for i, s := range slots {
		if _, err := a.execute(ctx, exec, store, s, runOptions{rerun: rerun}); err != nil {
			if remaining := len(slots) - i - 1; remaining > 0 {
				ui.ShowWarning(fmt.Sprintf("Backfill stopped; %d later run(s) not started", remaining))
			}
			return err
		}
	}
	ui.ShowSuccess(fmt.Sprintf("Backfilled %d run(s)", len(slots)))
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	a, err := newApp(appConfig, logger)
	if err != nil {
		return err
	}

	var store *history.Store
	if !backfillDryRun {
		if store, err = a.historyStore(); err != nil {
			return err
		}
	}

	slots, err := backfillSlots(a.sched, &backfillFrom, &backfillTo, time.Now(), store, backfillRerun)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		ui.ShowSuccess("Nothing to backfill")
		return nil
	}

	ui.ShowHeader(fmt.Sprintf("Backfill: %d run(s)", len(slots)))
	for _, s := range slots {
		ui.ShowKeyValue(s.Format(schedule.DateLayout), "loads "+a.sched.TargetMonth(s).Format(schedule.MonthLayout))
	}

	if !backfillYes && !backfillDryRun {
		ok, err := ui.Confirm(fmt.Sprintf("Execute %d run(s) against %s?", len(slots), a.cfg.Snowflake.Account), false)
		if err != nil {
			return err
		}
		if !ok {
			ui.ShowWarning("Backfill cancelled")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if backfillDryRun {
		for _, s := range slots {
			if _, err := a.execute(ctx, nil, nil, s, runOptions{dryRun: true}); err != nil {
				return err
			}
		}
		return nil
	}

	return withLock(store, a.log, func() error {
		// The lock reloaded the history; runs may have finished since the listing.
		pending := pendingSlots(slots, store, backfillRerun)
		if done := len(slots) - len(pending); done > 0 {
			ui.ShowInfo(fmt.Sprintf("%d run(s) succeeded meanwhile and are skipped", done))
		}
		if len(pending) == 0 {
			ui.ShowSuccess("Nothing to backfill")
			return nil
		}

		svc, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		return a.backfill(ctx, svc, store, pending, backfillRerun)
	})
}
