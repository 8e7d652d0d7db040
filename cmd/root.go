package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"monthlyload/internal/config"
	"monthlyload/internal/logging"
	"monthlyload/internal/ui"
	"monthlyload/pkg/models"
)

var (
	cfgFile   string
	noColor   bool
	appConfig *models.Config
	logger    *logrus.Entry

	rootCmd = &cobra.Command{
		Use:   "monthlyload",
		Short: "Load the monthly orders star schema into Snowflake",
		Long: `monthlyload runs the monthly orders load against Snowflake:

  start >> RUN_INSERT_ORDERS >> RUN_INSERT_CUSTOMERS >> RUN_INSERT_PRODUCTS
        >> RUN_INSERT_GEOGRAPHY >> RUN_INSERT_FACT_ORDER >> end

Each run inserts the latest ingestion batch of a stable month into the
cleaned orders table, appends unseen customers, products and geography
tuples, and appends unseen orders to the fact table.`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: initApp,
	}
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.ShowError(err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or $HOME/.monthlyload/config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json or auto")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")

	_ = viper.BindPFlag("logging.level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", flags.Lookup("log-format"))
}

// initApp loads the configuration and configures logging before any subcommand.
func initApp(cmd *cobra.Command, args []string) error {
	if noColor {
		ui.SetColor(false)
	}

	v := viper.GetViper()
	if cfgFile != "" {
		cleaned, err := config.CleanPath(cfgFile)
		if err != nil {
			return fmt.Errorf("invalid --config: %w", err)
		}
		v.SetConfigFile(cleaned)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	appConfig = cfg

	entry, err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	logger = entry.WithField("command", cmd.Name())

	if used := v.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("configuration loaded")
	}
	return nil
}
