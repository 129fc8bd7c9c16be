package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Broker  BrokerConfig  `yaml:"broker"`
	YtDlp   YtDlpConfig   `yaml:"ytdlp"`
	Quota   QuotaConfig   `yaml:"quota"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Address         string        `yaml:"address" env:"TUBEBROKER_ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"TUBEBROKER_READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TUBEBROKER_SHUTDOWN_TIMEOUT"`
	TrustedProxies  []string      `yaml:"trusted_proxies" env:"TUBEBROKER_TRUSTED_PROXIES"`
	// RequestsPerSecond throttles all requests; zero disables the throttle.
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"TUBEBROKER_RPS"`
	Burst             int     `yaml:"burst" env:"TUBEBROKER_BURST"`
}

// BrokerConfig holds job scheduling and retention settings.
type BrokerConfig struct {
	Workers       int           `yaml:"workers" env:"TUBEBROKER_WORKERS"`
	JobTimeout    time.Duration `yaml:"job_timeout" env:"TUBEBROKER_JOB_TIMEOUT"`
	DailyLimit    int           `yaml:"daily_limit" env:"TUBEBROKER_DAILY_LIMIT"`
	TokenTTL      time.Duration `yaml:"token_ttl" env:"TUBEBROKER_TOKEN_TTL"`
	FileDeadline  time.Duration `yaml:"file_deadline" env:"TUBEBROKER_FILE_DEADLINE"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"TUBEBROKER_SWEEP_INTERVAL"`
	DownloadDir   string        `yaml:"download_dir" env:"TUBEBROKER_DOWNLOAD_DIR"`
}

// YtDlpConfig configures the fetcher binary.
type YtDlpConfig struct {
	Binary    string `yaml:"binary" env:"YTDLP_BINARY"`
	Fragments int    `yaml:"fragments" env:"YTDLP_FRAGMENTS"`
}

// QuotaConfig selects the quota backend.
type QuotaConfig struct {
	Backend string      `yaml:"backend" env:"TUBEBROKER_QUOTA_BACKEND"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path    string `yaml:"path" env:"METRICS_PATH"`
}

// Quota backends.
const (
	QuotaMemory = "memory"
	QuotaRedis  = "redis"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":5000",
			ReadTimeout:       15 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Broker: BrokerConfig{
			Workers:       4,
			JobTimeout:    30 * time.Minute,
			DailyLimit:    10,
			TokenTTL:      5 * time.Minute,
			FileDeadline:  6 * time.Minute,
			SweepInterval: 5 * time.Second,
			DownloadDir:   "downloads",
		},
		YtDlp: YtDlpConfig{
			Binary:    "yt-dlp",
			Fragments: 8,
		},
		Quota: QuotaConfig{Backend: QuotaMemory},
		Log:   LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}

	if c.Server.Address == "" {
		add("server.address", "is required")
	}
	if c.Server.RequestsPerSecond < 0 {
		add("server.requests_per_second", "must not be negative")
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst < 1 {
		add("server.burst", "must be at least 1 when throttling")
	}

	b := c.Broker
	if b.Workers < 1 {
		add("broker.workers", "must be at least 1")
	}
	if b.DailyLimit < 1 {
		add("broker.daily_limit", "must be at least 1")
	}
	if b.JobTimeout <= 0 {
		add("broker.job_timeout", "must be positive")
	}
	if b.TokenTTL <= 0 {
		add("broker.token_ttl", "must be positive")
	}
	if b.SweepInterval <= 0 {
		add("broker.sweep_interval", "must be positive")
	}
	if b.TokenTTL+b.SweepInterval > b.FileDeadline {
		add("broker.file_deadline", "must be at least token_ttl + sweep_interval")
	}
	if b.DownloadDir == "" {
		add("broker.download_dir", "is required")
	}

	switch c.Quota.Backend {
	case QuotaMemory:
	case QuotaRedis:
		if c.Quota.Redis.Address == "" {
			add("quota.redis.address", "is required for the redis backend")
		}
	default:
		add("quota.backend", "must be one of: memory, redis")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "must be one of: debug, info, warn, error")
	}

	return errors.Join(errs...)
}
