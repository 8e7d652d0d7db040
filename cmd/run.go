package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"monthlyload/internal/schedule"
	"monthlyload/internal/ui"
)

var (
	runDate   string
	runDryRun bool
	runRerun  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monthly load for one scheduled date",
	Long: `Run the monthly load for one logical date.

Without --date the most recent scheduled run is executed. The target month
is the logical date's month minus schedule.month_offset. A month that
already loaded successfully is refused unless --rerun is given, because the
orders insert appends without deduplication.

Statements commit one by one. When a task fails the remaining tasks are
marked upstream_failed and the effects of earlier tasks stay committed.`,
	Example: `  monthlyload run
  monthlyload run --date 2024-05-01
  monthlyload run --date 2024-05 --dry-run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runDate, "date", "d", "", "logical date YYYY-MM-DD or YYYY-MM (default: latest scheduled run)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "log the statements without executing them")
	runCmd.Flags().BoolVar(&runRerun, "rerun", false, "run again even if this date already succeeded")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp(appConfig, logger)
	if err != nil {
		return err
	}

	logical, err := a.logicalDate(runDate, time.Now())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.ShowHeader(fmt.Sprintf("Monthly load %s", a.sched.TargetMonth(logical).Format(schedule.MonthLayout)))

	if runDryRun {
		_, err := a.execute(ctx, nil, nil, logical, runOptions{dryRun: true})
		return err
	}

	store, err := a.historyStore()
	if err != nil {
		return err
	}

	if err := guardRerun(store, logical, runRerun); err != nil {
		return err
	}

	return withLock(store, a.log, func() error {
		// Checked again against the history reloaded under the lock.
		if err := guardRerun(store, logical, runRerun); err != nil {
			return err
		}

		svc, err := a.connect(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		_, err = a.execute(ctx, svc, store, logical, runOptions{rerun: runRerun})
		return err
	})
}
