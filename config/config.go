package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/gigapi/gigapi-ingest/datalake"
	"github.com/gigapi/gigapi-ingest/loader"
	"github.com/gigapi/gigapi-ingest/pipeline"
	"github.com/gigapi/gigapi-ingest/quality"
	"github.com/gigapi/gigapi-ingest/stream"
	"github.com/spf13/viper"
)

const EnvPrefix = "INGEST"

type DatalakeConfig struct {
	MainDir         string
	Date            string
	Hour            int
	SchemaJSON      string
	CSVDelimiter    string
	TXTDelimiter    string
	StabilityWindow time.Duration
	IdleInterval    time.Duration
}

type DestinationConfig struct {
	Root        string
	Compression string
	Verify      bool
}

type EmailConfig struct {
	Recipient  string
	SMTPServer string
	SMTPPort   int
	Sender     string
	Password   string
}

type PipelineConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Backoff     string
	MaxDelay    time.Duration
}

type ServerConfig struct {
	Port     int
	GRPCPort int
}

// Config is the full process configuration.
type Config struct {
	Datalake    DatalakeConfig
	Destination DestinationConfig
	Email       EmailConfig
	Pipeline    PipelineConfig
	Server      ServerConfig
	LogLevel    string

	schema quality.Schema
}

// Load reads the config file at path (optional) and INGEST_* environment
// variables over the defaults, then validates the result.
func Load(path string) (*Config, error) {
	return load(path, time.Now)
}

func load(path string, now func() time.Time) (*Config, error) {
	v := viper.New()
	setDefaults(v, now())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("email.sender", EnvPrefix+"_EMAIL_SENDER", "SENDER_EMAIL")
	_ = v.BindEnv("email.password", EnvPrefix+"_EMAIL_PASSWORD", "SENDER_PASSWORD")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Datalake: DatalakeConfig{
			MainDir:         v.GetString("datalake.main_dir"),
			Date:            v.GetString("datalake.date"),
			Hour:            v.GetInt("datalake.hour"),
			SchemaJSON:      v.GetString("datalake.src_tables_schema"),
			CSVDelimiter:    v.GetString("datalake.csv_delimiter"),
			TXTDelimiter:    v.GetString("datalake.txt_delimiter"),
			StabilityWindow: v.GetDuration("datalake.stability_window"),
			IdleInterval:    v.GetDuration("datalake.idle_interval"),
		},
		Destination: DestinationConfig{
			Root:        v.GetString("destination.root"),
			Compression: v.GetString("destination.compression"),
			Verify:      v.GetBool("destination.verify"),
		},
		Email: EmailConfig{
			Recipient:  v.GetString("email.recipient"),
			SMTPServer: v.GetString("email.smtp_server"),
			SMTPPort:   v.GetInt("email.smtp_port"),
			Sender:     v.GetString("email.sender"),
			Password:   v.GetString("email.password"),
		},
		Pipeline: PipelineConfig{
			Workers:     v.GetInt("pipeline.workers"),
			QueueSize:   v.GetInt("pipeline.queue_size"),
			MaxAttempts: v.GetInt("pipeline.max_attempts"),
			RetryDelay:  v.GetDuration("pipeline.retry_delay"),
			Backoff:     v.GetString("pipeline.backoff"),
			MaxDelay:    v.GetDuration("pipeline.max_delay"),
		},
		Server: ServerConfig{
			Port:     v.GetInt("server.port"),
			GRPCPort: v.GetInt("server.grpc_port"),
		},
		LogLevel: v.GetString("log.level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, now time.Time) {
	v.SetDefault("datalake.main_dir", "./datalake")
	v.SetDefault("datalake.date", now.Format(core.DateLayout))
	v.SetDefault("datalake.hour", now.Hour())
	v.SetDefault("datalake.src_tables_schema", "")
	v.SetDefault("datalake.csv_delimiter", string(datalake.DefaultCSVDelimiter))
	v.SetDefault("datalake.txt_delimiter", string(datalake.DefaultTXTDelimiter))
	v.SetDefault("datalake.stability_window", stream.DefaultStabilityWindow)
	v.SetDefault("datalake.idle_interval", 10*time.Second)

	v.SetDefault("destination.root", "./warehouse")
	v.SetDefault("destination.compression", "snappy")
	v.SetDefault("destination.verify", false)

	v.SetDefault("email.recipient", "")
	v.SetDefault("email.smtp_server", "")
	v.SetDefault("email.smtp_port", 465)
	v.SetDefault("email.sender", "")
	v.SetDefault("email.password", "")

	v.SetDefault("pipeline.workers", pipeline.DefaultWorkers)
	v.SetDefault("pipeline.queue_size", pipeline.DefaultQueueSize)
	v.SetDefault("pipeline.max_attempts", pipeline.DefaultMaxAttempts)
	v.SetDefault("pipeline.retry_delay", pipeline.DefaultRetryDelay)
	v.SetDefault("pipeline.backoff", string(pipeline.BackoffFixed))
	v.SetDefault("pipeline.max_delay", pipeline.DefaultMaxDelay)

	v.SetDefault("server.port", 0)
	v.SetDefault("server.grpc_port", 0)
	v.SetDefault("log.level", "info")
}

// Validate checks the values and parses the table schema.
func (c *Config) Validate() error {
	if c.Datalake.MainDir == "" {
		return fmt.Errorf("datalake.main_dir is required")
	}
	if _, err := c.StartPartition(); err != nil {
		return err
	}
	if c.Datalake.SchemaJSON == "" {
		return fmt.Errorf("datalake.src_tables_schema is required")
	}
	schema, err := quality.ParseSchema([]byte(c.Datalake.SchemaJSON))
	if err != nil {
		return fmt.Errorf("invalid datalake.src_tables_schema: %w", err)
	}
	c.schema = schema
	if _, err := datalake.ParseDelimiter(c.Datalake.CSVDelimiter); err != nil {
		return fmt.Errorf("invalid datalake.csv_delimiter: %w", err)
	}
	if _, err := datalake.ParseDelimiter(c.Datalake.TXTDelimiter); err != nil {
		return fmt.Errorf("invalid datalake.txt_delimiter: %w", err)
	}
	if c.Datalake.StabilityWindow < 0 || c.Datalake.IdleInterval < 0 {
		return fmt.Errorf("datalake intervals must not be negative")
	}
	if c.Destination.Root == "" {
		return fmt.Errorf("destination.root is required")
	}
	if _, err := loader.ParseCompression(c.Destination.Compression); err != nil {
		return err
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueSize < 0 {
		return fmt.Errorf("pipeline.queue_size must not be negative")
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	if c.Email.SMTPServer != "" && (c.Email.Sender == "" || c.Email.Recipient == "") {
		return fmt.Errorf("email.sender and email.recipient are required with email.smtp_server")
	}
	return nil
}

// StartPartition is the partition the cursor starts at.
func (c *Config) StartPartition() (core.Partition, error) {
	p, err := core.NewPartition(c.Datalake.Date, c.Datalake.Hour)
	if err != nil {
		return core.Partition{}, fmt.Errorf("invalid start partition: %w", err)
	}
	return p, nil
}

// Schema returns the parsed table schema. It is set by Validate.
func (c *Config) Schema() quality.Schema {
	return c.schema
}

func (c *Config) RetryPolicy() (pipeline.RetryPolicy, error) {
	backoff, err := pipeline.ParseBackoff(c.Pipeline.Backoff)
	if err != nil {
		return pipeline.RetryPolicy{}, err
	}
	p := pipeline.RetryPolicy{
		MaxAttempts: c.Pipeline.MaxAttempts,
		Delay:       c.Pipeline.RetryDelay,
		Backoff:     backoff,
		MaxDelay:    c.Pipeline.MaxDelay,
	}
	return p, p.Validate()
}
