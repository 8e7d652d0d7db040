package cmd

import (
	"github.com/spf13/cobra"

	"monthlyload/internal/history"
	"monthlyload/internal/ui"
)

var (
	historyLimit int
	historyDate  string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs, or the tasks of one run",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 12, "number of runs to list, 0 for all")
	historyCmd.Flags().StringVarP(&historyDate, "date", "d", "", "show the tasks of the run with this logical date (YYYY-MM-DD)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.NewStore(appConfig.StateDir)
	if err != nil {
		return err
	}

	if historyDate != "" {
		rec, err := store.Get(historyDate)
		if err != nil {
			return err
		}
		ui.ShowHeader("Run " + rec.LogicalDate)
		ui.ShowKeyValue("Run", rec.ID)
		ui.ShowKeyValue("Target month", rec.TargetMonth)
		ui.ShowKeyValue("State", ui.StateLabel(string(rec.State)))
		ui.ShowKeyValue("Attempt", rec.Attempt)
		if rec.ErrorMessage != "" {
			ui.ShowKeyValue("Error", rec.ErrorMessage)
		}
		ui.RenderTasks(ui.Output, rec)
		return nil
	}

	runs := store.List(historyLimit)
	if len(runs) == 0 {
		ui.ShowInfo("No runs recorded in " + store.Dir())
		return nil
	}
	ui.RenderRuns(ui.Output, runs)
	return nil
}
