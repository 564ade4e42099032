package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Subscriptions.GracePeriod())
	assert.Equal(t, 5*time.Second, cfg.Resolver.Timeout())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero grace period allowed", func(c *Config) { c.Subscriptions.GracePeriodMS = 0 }, false},
		{"negative grace period", func(c *Config) { c.Subscriptions.GracePeriodMS = -1 }, true},
		{"zero timeout", func(c *Config) { c.Resolver.TimeoutMS = 0 }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"nats url without bucket", func(c *Config) { c.NATS.URL = "nats://localhost:4222"; c.NATS.Bucket = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodekit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subscriptions:
  grace_period_ms: 250
resolver:
  timeout_ms: 1000
log:
  level: debug
  format: json
nats:
  url: nats://localhost:4222
  bucket: testbucket
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Subscriptions.GracePeriod())
	assert.Equal(t, time.Second, cfg.Resolver.Timeout())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "testbucket", cfg.NATS.Bucket)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodekit.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"resolver": {"timeout_ms": 750}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.Resolver.TimeoutMS)
	// Untouched sections keep defaults.
	assert.Equal(t, 5000, cfg.Subscriptions.GracePeriodMS)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodekit.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NODEKIT_LOG_LEVEL", "warn")
	t.Setenv("NODEKIT_GRACE_PERIOD_MS", "100")
	t.Setenv("NODEKIT_NATS_URL", "nats://example:4222")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Subscriptions.GracePeriodMS)
	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
}

func TestEnvOverrideRejectsNonInteger(t *testing.T) {
	t.Setenv("NODEKIT_RESOLVE_TIMEOUT_MS", "fast")

	_, err := Load("")
	assert.Error(t, err)
}
