// Package config loads the pipeline's runtime configuration: transport,
// storage and delivery settings from the environment, and the emitter
// profile from a YAML file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/repuestocontrol/sri/pkg/mailer"
	"github.com/repuestocontrol/sri/pkg/soap"
)

// Config holds everything the control binary wires together.
type Config struct {
	LogLevel string

	// DatabaseURL selects the document/sequence store. A plain file path
	// or ":memory:" opens SQLite; a postgres:// URL opens Postgres.
	DatabaseURL string

	// RedisURL enables the sequence read-through cache when set.
	RedisURL string

	// SchemaDir holds the official XSD files. Empty enables the
	// structural fallback.
	SchemaDir string

	// EmitterProfile is the YAML file with the EmitterConfig.
	EmitterProfile string

	// SalesDir is where the point-of-sale system drops sale JSON
	// projections, one <ref>.json per committed sale.
	SalesDir string

	SOAP soap.Config
	SMTP mailer.Config

	Archive ArchiveConfig
}

// ArchiveConfig parameterizes the optional S3 artifact archive.
type ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Enabled reports whether the archive should be wired.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:    envOr("DATABASE_URL", "sri.db"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SchemaDir:      os.Getenv("SRI_SCHEMA_DIR"),
		EmitterProfile: envOr("SRI_EMITTER_PROFILE", "emitter.yaml"),
		SalesDir:       envOr("SRI_SALES_DIR", "sales"),
		SOAP: soap.Config{
			Timeout:       envDuration("SRI_SOAP_TIMEOUT", 0),
			RetryAttempts: envInt("SRI_RETRY_ATTEMPTS", 0),
			RetryBase:     envDuration("SRI_RETRY_BASE", 0),
			PollAttempts:  envInt("SRI_POLL_ATTEMPTS", 0),
			PollBudget:    envDuration("SRI_POLL_BUDGET", 0),
			PollBase:      envDuration("SRI_POLL_BASE", 0),
		},
		SMTP: mailer.Config{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
			UseTLS:   os.Getenv("SMTP_SSL") == "true",
			Timeout:  envDuration("SMTP_TIMEOUT", 30*time.Second),
		},
		Archive: ArchiveConfig{
			Bucket:   os.Getenv("ARCHIVE_BUCKET"),
			Region:   envOr("ARCHIVE_REGION", "us-east-1"),
			Endpoint: os.Getenv("ARCHIVE_ENDPOINT"),
			Prefix:   envOr("ARCHIVE_PREFIX", "comprobantes/"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
