package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"monthlyload/internal/config"
	"monthlyload/internal/ui"
	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"
)

const redacted = "********"

var (
	configInitForce       bool
	configInitInteractive bool
	configValidateConnect bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration, optionally connecting to Snowflake",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "overwrite an existing configuration file")
	configInitCmd.Flags().BoolVarP(&configInitInteractive, "interactive", "i", false, "prompt for the connection settings")
	configValidateCmd.Flags().BoolVar(&configValidateConnect, "connect", false, "also open a connection to Snowflake")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if config.Exists() && !configInitForce {
		return errors.New(errors.ErrCodeInvalidInput, "configuration file already exists").
			WithContext("file", config.GetConfigFile()).
			WithSuggestions("Pass --force to overwrite it")
	}

	cfg := config.Defaults()
	if configInitInteractive {
		if err := promptConnection(&cfg.Snowflake); err != nil {
			return err
		}
	}

	if err := config.Save(cfg); err != nil {
		return errors.Wrap(err, errors.ErrCodeFileOperation, "Failed to write configuration")
	}
	ui.ShowSuccess("Wrote " + config.GetConfigFile())
	ui.ShowInfo("Fill in the snowflake section, then run 'monthlyload credentials set'")
	return nil
}

// promptConnection asks for the settings a default configuration leaves empty.
func promptConnection(sf *models.Snowflake) error {
	fields := []struct {
		message string
		help    string
		target  *string
	}{
		{"Snowflake account:", "Account identifier, e.g. xy12345.eu-west-1", &sf.Account},
		{"Username:", "User the load connects as", &sf.Username},
		{"Role:", "Role with INSERT and MERGE on the target tables", &sf.Role},
		{"Warehouse:", "Warehouse that runs the statements", &sf.Warehouse},
		{"Database:", "Default database of the session", &sf.Database},
		{"Schema:", "Default schema of the session", &sf.Schema},
	}
	for _, f := range fields {
		value, err := ui.Input(f.message, *f.target, f.help)
		if err != nil {
			return err
		}
		*f.target = value
	}
	return nil
}

// redact returns a copy of cfg that is safe to print.
func redact(cfg *models.Config) models.Config {
	out := *cfg
	if out.Snowflake.Password != "" {
		out.Snowflake.Password = redacted
	}
	return out
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if appConfig == nil {
		return errors.New(errors.ErrCodeConfigMissing, "configuration not loaded")
	}
	data, err := yaml.Marshal(redact(appConfig))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "Failed to render configuration")
	}
	fmt.Fprint(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if err := config.Validate(appConfig); err != nil {
		return err
	}
	a, err := newApp(appConfig, logger)
	if err != nil {
		return err
	}
	if configValidateConnect {
		svc, err := a.connect(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()
	}
	ui.ShowSuccess("Configuration is valid")
	return nil
}
