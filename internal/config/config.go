// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// DatabaseURL is the Postgres DSN; required by worker, migrate, and seed.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// WorkerConcurrency is the number of concurrent queue workers (default 4).
	WorkerConcurrency int `mapstructure:"WORKER_CONCURRENCY"`
	// JobTimeout bounds a single handler invocation (e.g. "1m"). Exceeding it is a transient failure.
	JobTimeout string `mapstructure:"JOB_TIMEOUT"`
	// QueuePollInterval is how long an idle worker sleeps between claim attempts (e.g. "1s").
	QueuePollInterval string `mapstructure:"QUEUE_POLL_INTERVAL"`
	// QueueVisibilityTimeout is how long an in-flight job may go unacknowledged before
	// the reaper returns it to pending (e.g. "5m"). Must exceed JobTimeout.
	QueueVisibilityTimeout string `mapstructure:"QUEUE_VISIBILITY_TIMEOUT"`
	// QueueMaxAttempts is the retry ceiling before a job becomes failed_permanent (default 10).
	QueueMaxAttempts int `mapstructure:"QUEUE_MAX_ATTEMPTS"`
	// QueueBackoffBase is the first retry delay (e.g. "30s"); doubles per attempt.
	QueueBackoffBase string `mapstructure:"QUEUE_BACKOFF_BASE"`
	// QueueBackoffCap caps the retry delay (e.g. "1h").
	QueueBackoffCap string `mapstructure:"QUEUE_BACKOFF_CAP"`

	// AuditKafkaBrokers is a comma-separated list of Kafka broker addresses
	// (e.g. "localhost:9092"). When set, job lifecycle audit records are emitted to Kafka.
	AuditKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuditKafkaTopic is the Kafka topic for audit records (default beacon-audit).
	AuditKafkaTopic string `mapstructure:"AUDIT_KAFKA_TOPIC"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces (e.g. http://localhost:4317).
	// Empty disables tracing.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap log level (debug, info, warn, error). Default info.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogDev enables the human-readable development log encoder.
	LogDev bool `mapstructure:"LOG_DEV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("JOB_TIMEOUT", "1m")
	v.SetDefault("QUEUE_POLL_INTERVAL", "1s")
	v.SetDefault("QUEUE_VISIBILITY_TIMEOUT", "5m")
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 10)
	v.SetDefault("QUEUE_BACKOFF_BASE", "30s")
	v.SetDefault("QUEUE_BACKOFF_CAP", "1h")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUDIT_KAFKA_TOPIC", "beacon-audit")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEV", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.WorkerConcurrency < 1 {
		return nil, errors.New("config: WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.QueueMaxAttempts < 1 {
		return nil, errors.New("config: QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.VisibilityTimeout() <= cfg.Timeout() {
		return nil, errors.New("config: QUEUE_VISIBILITY_TIMEOUT must exceed JOB_TIMEOUT")
	}

	return &cfg, nil
}

// Timeout parses JobTimeout as a time.Duration. Returns 1m if unset or invalid.
func (c *Config) Timeout() time.Duration {
	return durationOr(c.JobTimeout, time.Minute)
}

// PollInterval parses QueuePollInterval. Returns 1s if unset or invalid.
func (c *Config) PollInterval() time.Duration {
	return durationOr(c.QueuePollInterval, time.Second)
}

// VisibilityTimeout parses QueueVisibilityTimeout. Returns 5m if unset or invalid.
func (c *Config) VisibilityTimeout() time.Duration {
	return durationOr(c.QueueVisibilityTimeout, 5*time.Minute)
}

// BackoffBase parses QueueBackoffBase. Returns 30s if unset or invalid.
func (c *Config) BackoffBase() time.Duration {
	return durationOr(c.QueueBackoffBase, 30*time.Second)
}

// BackoffCap parses QueueBackoffCap. Returns 1h if unset or invalid.
func (c *Config) BackoffCap() time.Duration {
	return durationOr(c.QueueBackoffCap, time.Hour)
}

// AuditKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if audit streaming is enabled (non-empty list) and to create the producer.
func (c *Config) AuditKafkaBrokersList() []string {
	if c == nil || c.AuditKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.AuditKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
