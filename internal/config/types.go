// Package config manages application configuration from default values,
// a YAML config file, and MAILPILOT_* environment variables.
package config

import "time"

// Config defines the full application configuration. Values can be set in
// config.yaml or via environment variables prefixed with MAILPILOT_
// (e.g. MAILPILOT_IMAP_PASSWORD overrides imap.password).
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	IMAP       IMAPConfig       `mapstructure:"imap"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Completion CompletionConfig `mapstructure:"completion"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
}

// LogConfig controls log verbosity and output format.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig selects the store driver and connection parameters.
// Both polling loops draw connections from one pool with per-operation
// checkout, so a loop never holds a session the other can interleave with.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"            validate:"required,oneof=sqlite postgres"`
	DSN             string        `mapstructure:"dsn"               validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"    validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    validate:"min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"min=1m"`
}

// IMAPConfig describes the mailbox the ingestor polls.
type IMAPConfig struct {
	Host     string        `mapstructure:"host"     validate:"required"`
	Port     int           `mapstructure:"port"     validate:"required,min=1,max=65535"`
	Username string        `mapstructure:"username" validate:"required"`
	Password string        `mapstructure:"password" validate:"required"`
	TLS      bool          `mapstructure:"tls"`
	Folder   string        `mapstructure:"folder"   validate:"required"`
	Timeout  time.Duration `mapstructure:"timeout"  validate:"min=1s,max=5m"`
}

// SMTPConfig describes the transport the dispatcher sends replies through.
// From is the operator address used on every outbound reply.
type SMTPConfig struct {
	Host     string        `mapstructure:"host"     validate:"required"`
	Port     int           `mapstructure:"port"     validate:"required,min=1,max=65535"`
	Username string        `mapstructure:"username" validate:"required"`
	Password string        `mapstructure:"password" validate:"required"`
	From     string        `mapstructure:"from"     validate:"required,email"`
	Timeout  time.Duration `mapstructure:"timeout"  validate:"min=1s,max=5m"`
}

// CompletionConfig describes the text-completion service.
type CompletionConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"  validate:"required"`
	Model   string        `mapstructure:"model"    validate:"required"`
	AgentID string        `mapstructure:"agent_id" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout"  validate:"min=1s,max=10m"`
}

// PipelineConfig tunes the two polling loops. MaxAttempts of 0 retries
// failing items forever; a positive value dead-letters an item after that
// many consecutive failures.
type PipelineConfig struct {
	IngestInterval  time.Duration `mapstructure:"ingest_interval"  validate:"min=1s"`
	ProcessInterval time.Duration `mapstructure:"process_interval" validate:"min=1s"`
	BatchSize       int           `mapstructure:"batch_size"       validate:"min=1,max=100"`
	PacingDelay     time.Duration `mapstructure:"pacing_delay"     validate:"min=0"`
	MaxAttempts     int           `mapstructure:"max_attempts"     validate:"min=0"`
}
