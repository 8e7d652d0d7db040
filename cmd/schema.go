package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"monthlyload/internal/schema"
	"monthlyload/internal/ui"
)

var schemaInitDryRun bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create or check the warehouse tables",
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the cleaned, dimension and fact tables if they do not exist",
	Long: `Create every table the load writes with CREATE TABLE IF NOT EXISTS.
The staging table is never created; it is owned by the ingestion job.`,
	Args: cobra.NoArgs,
	RunE: runSchemaInit,
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report which configured tables exist",
	Args:  cobra.NoArgs,
	RunE:  runSchemaCheck,
}

func init() {
	rootCmd.AddCommand(schemaCmd)
	schemaCmd.AddCommand(schemaInitCmd)
	schemaCmd.AddCommand(schemaCheckCmd)

	schemaInitCmd.Flags().BoolVar(&schemaInitDryRun, "dry-run", false, "print the DDL instead of executing it")
}

func runSchemaInit(cmd *cobra.Command, args []string) error {
	a, err := newApp(appConfig, logger)
	if err != nil {
		return err
	}

	if schemaInitDryRun {
		script, err := schema.Script(a.tables)
		if err != nil {
			return err
		}
		fmt.Fprintln(ui.Output, script)
		return nil
	}

	ctx := cmd.Context()
	svc, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := schema.NewService(svc, a.tables, a.log).Init(ctx); err != nil {
		return err
	}
	ui.ShowSuccess("Warehouse tables are in place")
	return nil
}

func runSchemaCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(appConfig, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	statuses, err := schema.NewService(svc, a.tables, a.log).Check(ctx)
	if err != nil {
		return err
	}

	missing := 0
	for _, st := range statuses {
		state := ui.ColorSuccess("exists")
		if !st.Exists {
			state = ui.ColorError("missing")
			missing++
		}
		ui.ShowKeyValue(fmt.Sprintf("%-16s %s", st.Role, st.Name), state)
	}

	if missing > 0 {
		ui.ShowWarning(fmt.Sprintf("%d table(s) missing; run 'monthlyload schema init'", missing))
		return nil
	}
	ui.ShowSuccess("All tables exist")
	return nil
}
