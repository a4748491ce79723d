/*
Package config loads process configuration from the environment.

PURPOSE:
  The only place that reads environment variables. Components receive the
  values they need at construction; none of them call os.Getenv.

SOURCES (later wins):
  1. Defaults below
  2. A .env file in the working directory, when present (godotenv; never
     overrides variables already set)
  3. Environment variables
  4. CLI flags (applied by cmd/freightsla)

VARIABLES:
  FREIGHTSLA_DB_DRIVER       sqlite | mysql | memory     (sqlite)
  FREIGHTSLA_DB_DSN          path or DSN                 (freightsla.db)
  FREIGHTSLA_PROFILE         YAML profile path           (built-in)
  FREIGHTSLA_PORT            HTTP port                   (8080)
  FREIGHTSLA_LOG_LEVEL       debug | info | warn | error (info)
  FREIGHTSLA_LOG_FORMAT      json | text                 (json)
  FREIGHTSLA_INBOX_DIR       watched drop folder         (disabled)
  FREIGHTSLA_ALERT_INTERVAL  alert scheduler period      (1h)
  FREIGHTSLA_WORKERS         row normalization workers   (1)
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all process configuration.
type Config struct {
	DB            DBConfig
	ProfilePath   string
	Port          int           `validate:"min=1,max=65535"`
	LogLevel      string        `validate:"oneof=debug info warn warning error"`
	LogFormat     string        `validate:"oneof=json text"`
	InboxDir      string
	AlertInterval time.Duration
	Workers       int           `validate:"min=1,max=64"`
}

// DBConfig selects the record store.
type DBConfig struct {
	Driver string `validate:"oneof=sqlite mysql memory"`
	DSN    string `validate:"required_unless=Driver memory"`
}

var validate = validator.New()

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment only. A numeric or duration variable that
// does not parse is an error, never a silent default.
func FromEnv() (Config, error) {
	var errs []error
	cfg := Config{
		DB: DBConfig{
			Driver: getenv("FREIGHTSLA_DB_DRIVER", "sqlite"),
			DSN:    getenv("FREIGHTSLA_DB_DSN", "freightsla.db"),
		},
		ProfilePath:   os.Getenv("FREIGHTSLA_PROFILE"),
		Port:          getenvInt("FREIGHTSLA_PORT", 8080, &errs),
		LogLevel:      getenv("FREIGHTSLA_LOG_LEVEL", "info"),
		LogFormat:     getenv("FREIGHTSLA_LOG_FORMAT", "json"),
		InboxDir:      os.Getenv("FREIGHTSLA_INBOX_DIR"),
		AlertInterval: getenvDuration("FREIGHTSLA_ALERT_INTERVAL", time.Hour, &errs),
		Workers:       getenvInt("FREIGHTSLA_WORKERS", 1, &errs),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not an integer", key, v))
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s=%q: not a duration (e.g. 30m, 1h)", key, v))
		return fallback
	}
	return d
}
