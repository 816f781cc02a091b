package config

import "time"

// Default values for optional configuration parameters.
const (
	DefaultLogLevel = "info"
	DefaultLogJSON  = true

	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = "mailpilot.db"
	DefaultDBMaxOpenConns    = 10
	DefaultDBMaxIdleConns    = 5
	DefaultDBConnMaxLifetime = time.Hour

	DefaultIMAPPort    = 993
	DefaultIMAPTLS     = true
	DefaultIMAPFolder  = "INBOX"
	DefaultIMAPTimeout = 30 * time.Second

	DefaultSMTPPort    = 587
	DefaultSMTPTimeout = 30 * time.Second

	DefaultCompletionModel   = "mistral-large-latest"
	DefaultCompletionTimeout = 2 * time.Minute

	DefaultIngestInterval  = 30 * time.Second
	DefaultProcessInterval = 30 * time.Second
	DefaultBatchSize       = 4
	DefaultPacingDelay     = time.Second
	DefaultMaxAttempts     = 0 // retry forever
)
