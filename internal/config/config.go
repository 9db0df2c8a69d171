// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Database   DatabaseConfig  `yaml:"database"`
	FastStore  FastStoreConfig `yaml:"fast_store"`
	Vault      VaultConfig     `yaml:"vault"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	Retention  RetentionConfig `yaml:"retention"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	BaseURL         string        `yaml:"base_url"` // self-identification in webhooks and links
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// FastStoreConfig holds the Redis-compatible fast store settings.
type FastStoreConfig struct {
	URL string `yaml:"url"` // redis:// URL
}

// VaultConfig holds encryption settings.
type VaultConfig struct {
	// MasterKey is the vault master key; 32 bytes are used directly, any
	// other length is stretched. Usually supplied as ${FEEN_MASTER_KEY}.
	MasterKey string `yaml:"master_key"`
	// StorePlaintextTokens keeps minted access tokens retrievable. Off by
	// default: the hash alone serves every runtime path.
	StorePlaintextTokens bool `yaml:"store_plaintext_tokens"`
}

// AuthConfig holds control-plane authentication settings.
type AuthConfig struct {
	// SessionSecret signs admin session tokens. Required at boot.
	SessionSecret string `yaml:"session_secret"`
	// SessionTTL bounds admin session lifetime.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	// DefaultRPM applies to tokens created without an explicit limit.
	DefaultRPM int64 `yaml:"default_rpm"`
	// SyncDailyCap enforces daily_cap synchronously on every request in
	// addition to the recorder's lazy enforcement.
	SyncDailyCap bool `yaml:"sync_daily_cap"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RetentionConfig holds log retention settings.
type RetentionConfig struct {
	Days int `yaml:"days"` // audit and usage rows older than this are pruned
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database:  DatabaseConfig{DSN: "feen.db"},
		FastStore: FastStoreConfig{URL: "redis://localhost:6379/0"},
		Auth:      AuthConfig{SessionTTL: 12 * time.Hour},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Retention: RetentionConfig{Days: 90},
	}
}

func (c *Config) validate() error {
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("config: vault.master_key is required")
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("config: auth.session_secret is required")
	}
	return nil
}
