package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"monthlyload/pkg/errors"
	"monthlyload/pkg/models"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MONTHLYLOAD_SNOWFLAKE_PASSWORD.
	EnvPrefix = "MONTHLYLOAD"
	// EnvConfigFile points at an explicit configuration file.
	EnvConfigFile = "MONTHLYLOAD_CONFIG"

	defaultStatementTimeout = 30 * time.Minute
)

func GetConfigPath() string {
	if configFile := os.Getenv(EnvConfigFile); configFile != "" {
		return filepath.Dir(configFile)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".monthlyload")
}

func GetConfigFile() string {
	if configFile := os.Getenv(EnvConfigFile); configFile != "" {
		cleaned, err := CleanPath(configFile)
		if err != nil {
			return filepath.Join(GetConfigPath(), "config.yaml")
		}
		return cleaned
	}
	return filepath.Join(GetConfigPath(), "config.yaml")
}

// Defaults returns the configuration matching the production DAG: Snowflake
// connection "snowflake_default", tables under STG.raw_data and transformed.public,
// first run on 2024-03-01 06:00 UTC.
func Defaults() *models.Config {
	return &models.Config{
		Snowflake: models.Snowflake{
			Credential: "snowflake_default",
			Database:   "TRANSFORMED",
			Schema:     "PUBLIC",
			Timeout:    defaultStatementTimeout.String(),
		},
		Tables: models.Tables{
			StagingOrders:  "STG.raw_data.ORDERS",
			Orders:         "transformed.public.ORDERS",
			SubcategoryMap: "transformed.public.PRODUCT_SUBCATEGORY_MAP",
			Customers:      "transformed.public.customers",
			Products:       "transformed.public.products",
			Geography:      "transformed.public.geography",
			FactOrders:     "transformed.public.fact_orders",
		},
		Schedule: models.Schedule{
			StartDate:   "2024-03-01",
			Hour:        6,
			MonthOffset: 1,
			Catchup:     true,
		},
		Logging: models.Logging{
			Level:  "info",
			Format: "auto",
		},
		Notify: models.Notify{
			On: "failure",
		},
		StateDir: GetConfigPath(),
	}
}

// SetDefaults registers Defaults on v so that file and environment values
// layer on top of them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("snowflake.credential", d.Snowflake.Credential)
	v.SetDefault("snowflake.database", d.Snowflake.Database)
	v.SetDefault("snowflake.schema", d.Snowflake.Schema)
	v.SetDefault("snowflake.timeout", d.Snowflake.Timeout)
	// Registered so AutomaticEnv can see them.
	v.SetDefault("snowflake.account", "")
	v.SetDefault("snowflake.username", "")
	v.SetDefault("snowflake.password", "")
	v.SetDefault("snowflake.role", "")
	v.SetDefault("snowflake.warehouse", "")

	v.SetDefault("tables.staging_orders", d.Tables.StagingOrders)
	v.SetDefault("tables.orders", d.Tables.Orders)
	v.SetDefault("tables.subcategory_map", d.Tables.SubcategoryMap)
	v.SetDefault("tables.customers", d.Tables.Customers)
	v.SetDefault("tables.products", d.Tables.Products)
	v.SetDefault("tables.geography", d.Tables.Geography)
	v.SetDefault("tables.fact_orders", d.Tables.FactOrders)

	v.SetDefault("schedule.start_date", d.Schedule.StartDate)
	v.SetDefault("schedule.hour", d.Schedule.Hour)
	v.SetDefault("schedule.month_offset", d.Schedule.MonthOffset)
	v.SetDefault("schedule.catchup", d.Schedule.Catchup)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.slack_channel", "")
	v.SetDefault("notify.on", d.Notify.On)
	v.SetDefault("notify.timeout", "")

	v.SetDefault("state_dir", d.StateDir)
}

// Load reads the configuration through v. A missing config file is not an
// error; defaults and environment variables still apply.
func Load(v *viper.Viper) (*models.Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.ConfigFileUsed() == "" {
		if explicit := os.Getenv(EnvConfigFile); explicit != "" {
			v.SetConfigFile(GetConfigFile())
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath(".")
			v.AddConfigPath(GetConfigPath())
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asNotFound(err, &notFound) {
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to read configuration").
				WithContext("file", v.ConfigFileUsed())
		}
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "Failed to decode configuration")
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.StateDir = ExpandHome(cfg.StateDir, home)
	}
	return &cfg, nil
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	if nf, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = nf
		return true
	}
	// An explicit file that does not exist surfaces as a PathError.
	return os.IsNotExist(err)
}

func Save(config *models.Config) error {
	configPath := GetConfigPath()
	if err := os.MkdirAll(configPath, DirPermissionSecure); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(GetConfigFile(), data, FilePermissionSecure); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func Exists() bool {
	_, err := os.Stat(GetConfigFile())
	return err == nil
}

// Validate checks the settings a pipeline run cannot do without.
func Validate(cfg *models.Config) error {
	required := []struct {
		field string
		value string
	}{
		{"snowflake.account", cfg.Snowflake.Account},
		{"snowflake.username", cfg.Snowflake.Username},
		{"snowflake.warehouse", cfg.Snowflake.Warehouse},
		{"snowflake.role", cfg.Snowflake.Role},
		{"tables.staging_orders", cfg.Tables.StagingOrders},
		{"tables.orders", cfg.Tables.Orders},
		{"tables.subcategory_map", cfg.Tables.SubcategoryMap},
		{"tables.customers", cfg.Tables.Customers},
		{"tables.products", cfg.Tables.Products},
		{"tables.geography", cfg.Tables.Geography},
		{"tables.fact_orders", cfg.Tables.FactOrders},
		{"schedule.start_date", cfg.Schedule.StartDate},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errors.ConfigError(fmt.Sprintf("%s is required", r.field), r.field)
		}
	}

	if cfg.Snowflake.Password == "" && cfg.Snowflake.Credential == "" {
		return errors.ConfigError("snowflake.password or snowflake.credential is required", "snowflake.password")
	}
	if cfg.Schedule.MonthOffset < 0 {
		return errors.ConfigError("schedule.month_offset must not be negative", "schedule.month_offset")
	}
	if cfg.Schedule.Hour < 0 || cfg.Schedule.Hour > 23 {
		return errors.ConfigError("schedule.hour must be between 0 and 23", "schedule.hour")
	}
	if _, err := time.Parse("2006-01-02", cfg.Schedule.StartDate); err != nil {
		return errors.ConfigError("schedule.start_date must be YYYY-MM-DD", "schedule.start_date")
	}
	if _, err := StatementTimeout(cfg); err != nil {
		return err
	}
	return nil
}

// StatementTimeout parses snowflake.timeout, falling back to 30m when unset.
func StatementTimeout(cfg *models.Config) (time.Duration, error) {
	if cfg.Snowflake.Timeout == "" {
		return defaultStatementTimeout, nil
	}
	d, err := time.ParseDuration(cfg.Snowflake.Timeout)
	if err != nil || d <= 0 {
		return 0, errors.ConfigError("snowflake.timeout must be a positive duration", "snowflake.timeout")
	}
	return d, nil
}
