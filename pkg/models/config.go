package models

type Config struct {
	Snowflake Snowflake `yaml:"snowflake" mapstructure:"snowflake"`
	Tables    Tables    `yaml:"tables" mapstructure:"tables"`
	Schedule  Schedule  `yaml:"schedule" mapstructure:"schedule"`
	Logging   Logging   `yaml:"logging" mapstructure:"logging"`
	Metrics   Metrics   `yaml:"metrics" mapstructure:"metrics"`
	Notify    Notify    `yaml:"notify" mapstructure:"notify"`
	StateDir  string    `yaml:"state_dir" mapstructure:"state_dir"` // run history and lock file
}

type Snowflake struct {
	Account    string `yaml:"account" mapstructure:"account"`
	Username   string `yaml:"username" mapstructure:"username"`
	Password   string `yaml:"password,omitempty" mapstructure:"password"`
	Credential string `yaml:"credential,omitempty" mapstructure:"credential"` // keyring entry name, used when password is empty
	Role       string `yaml:"role" mapstructure:"role"`
	Warehouse  string `yaml:"warehouse" mapstructure:"warehouse"`
	Database   string `yaml:"database" mapstructure:"database"`
	Schema     string `yaml:"schema" mapstructure:"schema"`
	Timeout    string `yaml:"timeout" mapstructure:"timeout"` // per statement, e.g. "30m"
}

// Tables holds the fully qualified names of every table the pipeline reads or writes.
type Tables struct {
	StagingOrders  string `yaml:"staging_orders" mapstructure:"staging_orders"`
	Orders         string `yaml:"orders" mapstructure:"orders"`
	SubcategoryMap string `yaml:"subcategory_map" mapstructure:"subcategory_map"`
	Customers      string `yaml:"customers" mapstructure:"customers"`
	Products       string `yaml:"products" mapstructure:"products"`
	Geography      string `yaml:"geography" mapstructure:"geography"`
	FactOrders     string `yaml:"fact_orders" mapstructure:"fact_orders"`
}

type Schedule struct {
	StartDate   string `yaml:"start_date" mapstructure:"start_date"` // YYYY-MM-DD, first logical date
	Hour        int    `yaml:"hour" mapstructure:"hour"`             // UTC hour on day 1
	MonthOffset int    `yaml:"month_offset" mapstructure:"month_offset"`
	Catchup     bool   `yaml:"catchup" mapstructure:"catchup"`
}

type Logging struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // text, json or auto
}

type Metrics struct {
	// Textfile is written after every run for the node_exporter textfile
	// collector. Empty disables it.
	Textfile string `yaml:"textfile,omitempty" mapstructure:"textfile"`
}

type Notify struct {
	WebhookURL      string `yaml:"webhook_url,omitempty" mapstructure:"webhook_url"`
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
	SlackChannel    string `yaml:"slack_channel,omitempty" mapstructure:"slack_channel"`
	On              string `yaml:"on" mapstructure:"on"` // failure, always or never
	Timeout         string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}
