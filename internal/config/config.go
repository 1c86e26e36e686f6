// Package config loads FlakeGuard's configuration: a YAML file read
// first, then environment variables overlaid, then validated. This
// mirrors spec.md §6.5's enumerated environment surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP surfaces (webhook intake and REST API).
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
	APIPort     string `yaml:"api_port"`
}

// DatabaseConfig points at the Postgres persistence layer (C1).
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig points at the Redis-backed job queue (C7).
type QueueConfig struct {
	URL string `yaml:"url"`
}

// CIProviderConfig carries the GitHub App credentials used by C2.
type CIProviderConfig struct {
	AppID                 int64  `yaml:"app_id"`
	PrivateKeyBase64      string `yaml:"private_key_base64"`
	WebhookSecret         string `yaml:"webhook_secret"`
	DefaultInstallationID int64  `yaml:"default_installation_id"`
	BaseURL               string `yaml:"base_url"`
}

// PolicyConfig carries the default quarantine policy thresholds (C6).
type PolicyConfig struct {
	WarnThreshold        float64 `yaml:"warn_threshold"`
	QuarantineThreshold  float64 `yaml:"quarantine_threshold"`
	MinRunsForQuarantine int     `yaml:"min_runs_for_quarantine"`
	MinRecentFailures    int     `yaml:"min_recent_failures"`
	LookbackDays         int     `yaml:"lookback_days"`
	RollingWindowSize    int     `yaml:"rolling_window_size"`
	OverridesDir         string  `yaml:"overrides_dir"`
}

// ConcurrencyConfig bounds parallelism across the ingestion pipeline and
// queue workers (§5).
type ConcurrencyConfig struct {
	QueueConcurrency     int   `yaml:"queue_concurrency"`
	ArtifactParallelism  int   `yaml:"artifact_parallelism"`
	DownloadRetries      int   `yaml:"download_retries"`
	ArtifactMaxSizeBytes int64 `yaml:"artifact_max_size_bytes"`
	ArtifactMinSizeBytes int64 `yaml:"artifact_min_size_bytes"`
}

// RateLimitConfig tunes the CI-provider adapter's rate-limit posture.
type RateLimitConfig struct {
	ReservePercentage float64 `yaml:"reserve_percentage"`
	MinReserve        int     `yaml:"min_reserve"`
	ThrottleThreshold int     `yaml:"throttle_threshold"`
}

// CircuitBreakerConfig tunes the per-target breakers (§7).
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenProbes   uint32        `yaml:"half_open_probes"`
}

// TimeoutsConfig bounds blocking operations (§5).
type TimeoutsConfig struct {
	Request    time.Duration `yaml:"request"`
	Connection time.Duration `yaml:"connection"`
	Job        time.Duration `yaml:"job"`
	Artifact   time.Duration `yaml:"artifact"`
}

// LoggingConfig controls log level/format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebhookConfig carries a configured intake path. webhook.Handler.Mount
// serves the intake at the fixed route /webhook and does not read it.
type WebhookConfig struct {
	Path string `yaml:"path"`
}

// Config is the root configuration object.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Queue          QueueConfig          `yaml:"queue"`
	CIProvider     CIProviderConfig     `yaml:"ci_provider"`
	Policy         PolicyConfig         `yaml:"policy"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Timeouts       TimeoutsConfig       `yaml:"timeouts"`
	Logging        LoggingConfig        `yaml:"logging"`
	Webhook        WebhookConfig        `yaml:"webhook"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			WebhookPort: "8080",
			MetricsPort: "9090",
			APIPort:     "8090",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Policy: PolicyConfig{
			WarnThreshold:        0.3,
			QuarantineThreshold:  0.6,
			MinRunsForQuarantine: 5,
			MinRecentFailures:    2,
			LookbackDays:         7,
			RollingWindowSize:    50,
		},
		Concurrency: ConcurrencyConfig{
			QueueConcurrency:     5,
			ArtifactParallelism:  3,
			DownloadRetries:      3,
			ArtifactMaxSizeBytes: 100 * 1024 * 1024,
			ArtifactMinSizeBytes: 1,
		},
		RateLimit: RateLimitConfig{
			ReservePercentage: 0.1,
			MinReserve:        10,
			ThrottleThreshold: 100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenProbes:   2,
		},
		Timeouts: TimeoutsConfig{
			Request:    30 * time.Second,
			Connection: 10 * time.Second,
			Job:        5 * time.Minute,
			Artifact:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Webhook: WebhookConfig{
			Path: "/webhook",
		},
	}
}

// Load reads the YAML file at path, overlays environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv overlays the environment variables enumerated in
// spec.md §6.5 on top of cfg, leaving fields untouched when the
// corresponding variable is unset.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CI_APP_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CI_APP_ID: %w", err)
		}
		cfg.CIProvider.AppID = n
	}
	if v := os.Getenv("CI_PRIVATE_KEY_BASE64"); v != "" {
		cfg.CIProvider.PrivateKeyBase64 = v
	}
	if v := os.Getenv("CI_WEBHOOK_SECRET"); v != "" {
		cfg.CIProvider.WebhookSecret = v
	}
	if v := os.Getenv("CI_DEFAULT_INSTALLATION_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CI_DEFAULT_INSTALLATION_ID: %w", err)
		}
		cfg.CIProvider.DefaultInstallationID = n
	}
	if v := os.Getenv("POLICY_WARN_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POLICY_WARN_THRESHOLD: %w", err)
		}
		cfg.Policy.WarnThreshold = f
	}
	if v := os.Getenv("POLICY_QUARANTINE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POLICY_QUARANTINE_THRESHOLD: %w", err)
		}
		cfg.Policy.QuarantineThreshold = f
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		// Retained for parity with the environment surface described in
		// spec.md §6.5; FlakeGuard never mutates CI state regardless, so
		// this flag is accepted (it must parse as a bool) but has no
		// runtime effect, and /health does not report it.
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("DRY_RUN: %w", err)
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.WebhookPort == "" {
		return fmt.Errorf("server.webhook_port is required")
	}
	if cfg.Policy.WarnThreshold < 0 || cfg.Policy.WarnThreshold > 1 {
		return fmt.Errorf("policy.warn_threshold must be between 0.0 and 1.0")
	}
	if cfg.Policy.QuarantineThreshold < 0 || cfg.Policy.QuarantineThreshold > 1 {
		return fmt.Errorf("policy.quarantine_threshold must be between 0.0 and 1.0")
	}
	if cfg.Policy.QuarantineThreshold < cfg.Policy.WarnThreshold {
		return fmt.Errorf("policy.quarantine_threshold must be >= policy.warn_threshold")
	}
	if cfg.Policy.MinRunsForQuarantine <= 0 {
		return fmt.Errorf("policy.min_runs_for_quarantine must be greater than 0")
	}
	if cfg.Concurrency.ArtifactParallelism <= 0 {
		return fmt.Errorf("concurrency.artifact_parallelism must be greater than 0")
	}
	if cfg.Concurrency.QueueConcurrency <= 0 {
		return fmt.Errorf("concurrency.queue_concurrency must be greater than 0")
	}
	return nil
}
