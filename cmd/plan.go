package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"monthlyload/internal/schedule"
	"monthlyload/internal/ui"
)

var (
	planDate    string
	planShowSQL bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the task chain and rendered SQL for a run",
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&planDate, "date", "d", "", "logical date YYYY-MM-DD or YYYY-MM (default: latest scheduled run)")
	planCmd.Flags().BoolVar(&planShowSQL, "sql", true, "print each statement with its bind arguments")
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp(appConfig, logger)
	if err != nil {
		return err
	}

	var logical time.Time
	if planDate == "" {
		logical, err = a.logicalDate("", time.Now())
	} else {
		// Future dates are fine for a plan.
		logical, err = a.sched.ParseLogicalDate(planDate)
	}
	if err != nil {
		return err
	}
	run := a.newRun(logical)

	out := ui.Output
	ui.ShowHeader("Monthly load plan")
	ui.ShowKeyValue("Graph", a.graph.ID)
	ui.ShowKeyValue("Run", run.ID)
	ui.ShowKeyValue("Logical date", run.LogicalDate.Format(schedule.DateLayout))
	ui.ShowKeyValue("Target month", run.TargetMonth.Format(schedule.MonthLayout))
	ui.ShowKeyValue("Chain", a.graph.String())
	fmt.Fprintln(out)

	ui.RenderPlan(out, a.graph)

	if !planShowSQL {
		return nil
	}
	for _, t := range a.graph.Tasks() {
		if t.IsNoop() {
			continue
		}
		st := t.Statement(run)
		fmt.Fprintf(out, "\n-- %s\n", ui.ColorBold(t.ID))
		if len(st.Args) > 0 {
			fmt.Fprintf(out, "-- args: %v\n", st.Args)
		}
		fmt.Fprintf(out, "%s;\n", st.SQL)
	}
	return nil
}
