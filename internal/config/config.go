// Package config loads the payflow server configuration from PAYFLOW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/mmynk/payflow/internal/retry"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// envPrefix is prepended to every variable name in the Config tags.
const envPrefix = "PAYFLOW_"

// Config is the server configuration.
type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"DB_PATH" envDefault:"./data/payflow.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// SanctionsList is an optional YAML reference list; the built-in list
	// is used when empty.
	SanctionsList    string   `env:"SANCTIONS_LIST"`
	SupportedLedgers []string `env:"SUPPORTED_LEDGERS" envSeparator:"," envDefault:"ethereum,polygon,solana,stellar"`

	RetryMaxRetries        int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay      time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryBackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
	RetryMaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"0s"`

	KYCThreshold decimal.Decimal `env:"KYC_THRESHOLD" envDefault:"10000"`
	KYBThreshold decimal.Decimal `env:"KYB_THRESHOLD" envDefault:"50000"`

	OTelEndpoint    string  `env:"OTEL_ENDPOINT"`
	OTelEnabled     bool    `env:"OTEL_ENABLED" envDefault:"true"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`

	// LogFormat is text (tint) or json.
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses and validates the configuration from the environment.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: envPrefix})
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks values the parser cannot.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("PAYFLOW_DB_PATH is required for the sqlite store"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("PAYFLOW_DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.RetryMaxRetries < 0 {
		errs = append(errs, errors.New("retry max retries must not be negative"))
	}
	if c.RetryBackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry backoff multiplier must be at least 1"))
	}
	if !c.KYCThreshold.IsPositive() || !c.KYBThreshold.IsPositive() {
		errs = append(errs, errors.New("verification thresholds must be positive"))
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("otel sample ratio %v outside [0, 1]", c.OTelSampleRatio))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// RetryOptions returns the retry policy for the pipeline.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxRetries:        c.RetryMaxRetries,
		InitialDelay:      c.RetryInitialDelay,
		BackoffMultiplier: c.RetryBackoffMultiplier,
		MaxDelay:          c.RetryMaxDelay,
	}
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
