// Package config provides configuration management for Pocketagent.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Pocketagent.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Runs     RunsConfig     `mapstructure:"runs"`
	Tasks    TasksConfig    `mapstructure:"tasks"`
	Reporter ReporterConfig `mapstructure:"reporter"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig selects and configures the durable store backend.
// Driver is "sqlite3" (default) or "pgx". For sqlite3 only Path is used;
// for pgx the DSN fields are used.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunsConfig holds run service and dispatcher configuration.
type RunsConfig struct {
	RecoveryInterval int `mapstructure:"recoveryInterval"` // seconds
	MaxConcurrent    int `mapstructure:"maxConcurrent"`    // 0 = unbounded
	ProgressBuffer   int `mapstructure:"progressBuffer"`   // events retained per run
	TerminalRetain   int `mapstructure:"terminalRetain"`   // seconds after terminal event
}

// TasksConfig holds scheduled-task service configuration.
type TasksConfig struct {
	TickInterval  int `mapstructure:"tickInterval"`  // seconds
	DueBatchSize  int `mapstructure:"dueBatchSize"`  // tasks per tick
	RunBatchSize  int `mapstructure:"runBatchSize"`  // occurrences per resume/reconcile pass
	ImageTTLHours int `mapstructure:"imageTtlHours"` // input image retention
}

// ReporterConfig holds chat progress reporter configuration.
type ReporterConfig struct {
	EditIntervalMs     int `mapstructure:"editIntervalMs"`
	ThinkingIntervalMs int `mapstructure:"thinkingIntervalMs"`
	TypingIntervalMs   int `mapstructure:"typingIntervalMs"`
	MessageLimit       int `mapstructure:"messageLimit"`
	ArchiveThreshold   int `mapstructure:"archiveThreshold"`
	SendRetries        int `mapstructure:"sendRetries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RecoveryIntervalDuration returns the recovery interval as a time.Duration.
func (r *RunsConfig) RecoveryIntervalDuration() time.Duration {
	return time.Duration(r.RecoveryInterval) * time.Second
}

// TerminalRetainDuration returns the terminal buffer retention as a time.Duration.
func (r *RunsConfig) TerminalRetainDuration() time.Duration {
	return time.Duration(r.TerminalRetain) * time.Second
}

// TickIntervalDuration returns the tick interval as a time.Duration.
func (t *TasksConfig) TickIntervalDuration() time.Duration {
	return time.Duration(t.TickInterval) * time.Second
}

// ImageTTL returns the input image retention window as a time.Duration.
func (t *TasksConfig) ImageTTL() time.Duration {
	return time.Duration(t.ImageTTLHours) * time.Hour
}

// EditInterval returns the minimum edit interval as a time.Duration.
func (r *ReporterConfig) EditInterval() time.Duration {
	return time.Duration(r.EditIntervalMs) * time.Millisecond
}

// ThinkingInterval returns the thinking coalesce interval as a time.Duration.
func (r *ReporterConfig) ThinkingInterval() time.Duration {
	return time.Duration(r.ThinkingIntervalMs) * time.Millisecond
}

// TypingInterval returns the typing heartbeat interval as a time.Duration.
func (r *ReporterConfig) TypingInterval() time.Duration {
	return time.Duration(r.TypingIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("POCKETAGENT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Database defaults - sqlite file under the user's data directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "~/.pocketagent/pocketagent.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "pocketagent")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "pocketagent")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "pocketagent")
	v.SetDefault("nats.maxReconnects", 10)

	// Run service defaults
	v.SetDefault("runs.recoveryInterval", 15)
	v.SetDefault("runs.maxConcurrent", 0)
	v.SetDefault("runs.progressBuffer", 256)
	v.SetDefault("runs.terminalRetain", 300)

	// Scheduled task defaults
	v.SetDefault("tasks.tickInterval", 5)
	v.SetDefault("tasks.dueBatchSize", 20)
	v.SetDefault("tasks.runBatchSize", 200)
	v.SetDefault("tasks.imageTtlHours", 72)

	// Reporter defaults
	v.SetDefault("reporter.editIntervalMs", 1500)
	v.SetDefault("reporter.thinkingIntervalMs", 1800)
	v.SetDefault("reporter.typingIntervalMs", 4000)
	v.SetDefault("reporter.messageLimit", 3500)
	v.SetDefault("reporter.archiveThreshold", 1800)
	v.SetDefault("reporter.sendRetries", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix POCKETAGENT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/pocketagent/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("POCKETAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys whose env var naming differs.
	_ = v.BindEnv("database.dbName", "POCKETAGENT_DATABASE_DB_NAME")
	_ = v.BindEnv("tasks.tickInterval", "POCKETAGENT_TASKS_TICK_INTERVAL")
	_ = v.BindEnv("runs.recoveryInterval", "POCKETAGENT_RUNS_RECOVERY_INTERVAL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pocketagent/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Runs.RecoveryInterval <= 0 {
		errs = append(errs, "runs.recoveryInterval must be positive")
	}
	if cfg.Runs.ProgressBuffer <= 0 {
		errs = append(errs, "runs.progressBuffer must be positive")
	}
	if cfg.Tasks.TickInterval <= 0 {
		errs = append(errs, "tasks.tickInterval must be positive")
	}
	if cfg.Tasks.DueBatchSize <= 0 {
		errs = append(errs, "tasks.dueBatchSize must be positive")
	}
	if cfg.Reporter.MessageLimit <= 0 {
		errs = append(errs, "reporter.messageLimit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
