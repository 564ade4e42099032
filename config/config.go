package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/nodekit/errors"
)

// Config is the full runtime configuration.
type Config struct {
	Subscriptions SubscriptionConfig `json:"subscriptions" yaml:"subscriptions"`
	Resolver      ResolverConfig     `json:"resolver" yaml:"resolver"`
	Log           LogConfig          `json:"log" yaml:"log"`
	NATS          NATSConfig         `json:"nats" yaml:"nats"`
}

// SubscriptionConfig tunes the subscription cache.
type SubscriptionConfig struct {
	// GracePeriodMS is how long an unsubscribed node's low-level
	// subscription is kept alive for reuse.
	GracePeriodMS int `json:"grace_period_ms" yaml:"grace_period_ms"`
}

// GracePeriod returns the grace period as a duration.
func (c SubscriptionConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

// ResolverConfig tunes identifier resolution.
type ResolverConfig struct {
	// TimeoutMS bounds every blocking wait for node availability.
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"`
}

// Timeout returns the resolve timeout as a duration.
func (c ResolverConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text or json
}

// NATSConfig locates the JetStream KV bucket used by the natskv backend.
// Empty URL means no NATS backend is configured.
type NATSConfig struct {
	URL    string `json:"url" yaml:"url"`
	Bucket string `json:"bucket" yaml:"bucket"`
}

// Default returns a configuration with every knob at its working default.
func Default() *Config {
	return &Config{
		Subscriptions: SubscriptionConfig{GracePeriodMS: 5000},
		Resolver:      ResolverConfig{TimeoutMS: 5000},
		Log:           LogConfig{Level: "info", Format: "text"},
		NATS:          NATSConfig{Bucket: "nodekit"},
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Subscriptions.GracePeriodMS < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"subscriptions.grace_period_ms must not be negative")
	}
	if c.Resolver.TimeoutMS <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"resolver.timeout_ms must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"log.format must be text or json")
	}
	if c.NATS.URL != "" && c.NATS.Bucket == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"nats.bucket is required when nats.url is set")
	}
	return nil
}

// Load reads a YAML or JSON config file, applies environment overrides and
// validates the result. An empty path returns defaults with overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// yaml.v3 parses JSON too; one decoder covers both formats.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides file values from NODEKIT_* environment variables.
func (c *Config) applyEnv() error {
	if v, ok := lookupEnv("NODEKIT_NATS_URL"); ok {
		c.NATS.URL = v
	}
	if v, ok := lookupEnv("NODEKIT_NATS_BUCKET"); ok {
		c.NATS.Bucket = v
	}
	if v, ok := lookupEnv("NODEKIT_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookupEnv("NODEKIT_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookupEnv("NODEKIT_GRACE_PERIOD_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NODEKIT_GRACE_PERIOD_MS must be an integer: %w", err)
		}
		c.Subscriptions.GracePeriodMS = n
	}
	if v, ok := lookupEnv("NODEKIT_RESOLVE_TIMEOUT_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NODEKIT_RESOLVE_TIMEOUT_MS must be an integer: %w", err)
		}
		c.Resolver.TimeoutMS = n
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
