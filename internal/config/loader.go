package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from, in order of precedence:
//  1. MAILPILOT_* environment variables
//  2. the YAML file at path (missing file is not an error)
//  3. built-in defaults
//
// The result is validated before being returned.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MAILPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.json", DefaultLogJSON)

	v.SetDefault("database.driver", DefaultDBDriver)
	v.SetDefault("database.dsn", DefaultDBDSN)
	v.SetDefault("database.max_open_conns", DefaultDBMaxOpenConns)
	v.SetDefault("database.max_idle_conns", DefaultDBMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", DefaultDBConnMaxLifetime)

	// Required keys get empty defaults so viper knows them and environment
	// variables bind even without a config file; validation rejects blanks.
	v.SetDefault("imap.host", "")
	v.SetDefault("imap.username", "")
	v.SetDefault("imap.password", "")
	v.SetDefault("imap.port", DefaultIMAPPort)
	v.SetDefault("imap.tls", DefaultIMAPTLS)
	v.SetDefault("imap.folder", DefaultIMAPFolder)
	v.SetDefault("imap.timeout", DefaultIMAPTimeout)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.port", DefaultSMTPPort)
	v.SetDefault("smtp.timeout", DefaultSMTPTimeout)

	v.SetDefault("completion.base_url", "")
	v.SetDefault("completion.api_key", "")
	v.SetDefault("completion.agent_id", "")
	v.SetDefault("completion.model", DefaultCompletionModel)
	v.SetDefault("completion.timeout", DefaultCompletionTimeout)

	v.SetDefault("pipeline.ingest_interval", DefaultIngestInterval)
	v.SetDefault("pipeline.process_interval", DefaultProcessInterval)
	v.SetDefault("pipeline.batch_size", DefaultBatchSize)
	v.SetDefault("pipeline.pacing_delay", DefaultPacingDelay)
	v.SetDefault("pipeline.max_attempts", DefaultMaxAttempts)
}
