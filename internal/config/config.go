// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leadgrid/scraperd/internal/protocol"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig                     `mapstructure:"server"`
	DB         DBConfig                         `mapstructure:"db"`
	Supervisor SupervisorConfig                 `mapstructure:"supervisor"`
	RateLimit  RateLimitConfig                  `mapstructure:"rate_limit"`
	Worker     WorkerConfig                     `mapstructure:"worker"`
	Health     HealthConfig                     `mapstructure:"health"`
	PubSub     PubSubConfig                     `mapstructure:"pubsub"`
	Archive    ArchiveConfig                    `mapstructure:"archive"`
	Logging    LoggingConfig                    `mapstructure:"logging"`
	Platforms  map[string]protocol.PlatformInfo `mapstructure:"platforms"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational task store. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SupervisorConfig governs worker process management.
type SupervisorConfig struct {
	WorkerBin        string `mapstructure:"worker_bin"`
	GraceSeconds     int    `mapstructure:"grace_seconds"`
	RetryBudget      int    `mapstructure:"retry_budget"`
	MaxActiveWorkers int    `mapstructure:"max_active_workers"`
}

// GracePeriod returns the termination grace period as a duration.
func (c SupervisorConfig) GracePeriod() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// RateLimitConfig bounds outbound request throughput per platform.
type RateLimitConfig struct {
	MaxPerMinute  int `mapstructure:"max_per_minute"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
	CooldownMs    int `mapstructure:"cooldown_ms"`
}

// Cooldown returns the per-acquisition cooldown as a duration.
func (c RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// WorkerConfig configures the scrape worker binary.
type WorkerConfig struct {
	UserAgent         string `mapstructure:"user_agent"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	DefaultDelayMs    int    `mapstructure:"default_delay_ms"`
	HeadlessParallel  int    `mapstructure:"headless_parallel"`
}

// HealthConfig controls the periodic self-test.
type HealthConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// PubSubConfig holds metadata for intervention notifications. An empty
// project id disables the Pub/Sub notifier.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where completed result sets are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"` // "local", "gcs", or "" to disable
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("supervisor.worker_bin", "scrapeworker")
	v.SetDefault("supervisor.grace_seconds", 5)
	v.SetDefault("supervisor.retry_budget", 3)
	v.SetDefault("supervisor.max_active_workers", 8)
	v.SetDefault("rate_limit.max_per_minute", 30)
	v.SetDefault("rate_limit.max_concurrent", 3)
	v.SetDefault("rate_limit.cooldown_ms", 500)
	v.SetDefault("worker.user_agent", "scraperd/1.0")
	v.SetDefault("worker.nav_timeout_seconds", 45)
	v.SetDefault("worker.default_delay_ms", 1000)
	v.SetDefault("worker.headless_parallel", 2)
	v.SetDefault("health.interval_seconds", 30)
	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.prefix", "results")
	v.SetDefault("logging.development", false)
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Supervisor.WorkerBin == "" {
		return fmt.Errorf("supervisor.worker_bin is required")
	}
	if c.Supervisor.GraceSeconds < 0 {
		return fmt.Errorf("supervisor.grace_seconds must be >= 0")
	}
	if c.Supervisor.RetryBudget < 0 {
		return fmt.Errorf("supervisor.retry_budget must be >= 0")
	}
	if c.RateLimit.MaxPerMinute < 0 || c.RateLimit.MaxConcurrent < 0 || c.RateLimit.CooldownMs < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	switch c.Archive.Backend {
	case "", "local", "gcs":
	default:
		return fmt.Errorf("archive.backend must be \"local\", \"gcs\", or empty, got %q", c.Archive.Backend)
	}
	if c.Archive.Backend == "local" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.local_dir is required for the local backend")
	}
	if c.Archive.Backend == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
	}
	for key, info := range c.Platforms {
		if info.SearchURL == "" && info.BaseURL == "" {
			return fmt.Errorf("platform %q: base_url or search_url is required", key)
		}
	}
	return nil
}
