package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.6, cfg.Recognition.Threshold)
	assert.Equal(t, 2, cfg.Recognition.FrameSkip)
	assert.Equal(t, 0.5, cfg.Recognition.Scale)
	assert.Equal(t, 15*time.Second, cfg.Throttle.DenialInterval)
	assert.Equal(t, 300*time.Second, cfg.Throttle.ResetInterval)
	assert.Equal(t, int64(10<<20), cfg.HTTP.MaxUploadBytes())
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	data := `
recognition:
  threshold: 0.45
  frame_skip: 3
throttle:
  denial_interval: 30s
storage:
  root: /srv/facegate/users
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.45, cfg.Recognition.Threshold)
	assert.Equal(t, 3, cfg.Recognition.FrameSkip)
	assert.Equal(t, 0.5, cfg.Recognition.Scale, "untouched keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Throttle.DenialInterval)
	assert.Equal(t, "/srv/facegate/users", cfg.Storage.Root)
	assert.Equal(t, "./data/user_storage.json", cfg.Storage.IndexPath)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recognition:\n  threshold: 0.45\n"), 0o600))

	t.Setenv("FACEGATE_THRESHOLD", "0.5")
	t.Setenv("FACEGATE_RESET_INTERVAL", "600")
	t.Setenv("FACEGATE_DATABASE_URL", "postgres://localhost/facegate")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Recognition.Threshold)
	assert.Equal(t, 600*time.Second, cfg.Throttle.ResetInterval)
	assert.Equal(t, "postgres://localhost/facegate", cfg.Audit.DatabaseURL)
}

func TestLoad_NaNThresholdFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recognition:\n  threshold: .nan\n  scale: .nan\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")
	assert.Contains(t, err.Error(), "scale")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvInt(t *testing.T) {
	tests := []struct {
		name       string
		envValue   string
		defaultVal int
		want       int
	}{
		{"unset returns default", "", 2, 2},
		{"valid", "5", 2, 5},
		{"zero returns default", "0", 2, 2},
		{"negative returns default", "-1", 2, 2},
		{"garbage returns default", "abc", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FACEGATE_TEST_INT", tt.envValue)
			assert.Equal(t, tt.want, envInt("FACEGATE_TEST_INT", tt.defaultVal))
		})
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("FACEGATE_TEST_DUR", "1m")
	assert.Equal(t, time.Minute, envDuration("FACEGATE_TEST_DUR", time.Second))

	t.Setenv("FACEGATE_TEST_DUR", "20")
	assert.Equal(t, 20*time.Second, envDuration("FACEGATE_TEST_DUR", time.Second))

	t.Setenv("FACEGATE_TEST_DUR", "soon")
	assert.Equal(t, time.Second, envDuration("FACEGATE_TEST_DUR", time.Second))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"skip zero", func(c *Config) { c.Recognition.FrameSkip = 0 }},
		{"scale zero", func(c *Config) { c.Recognition.Scale = 0 }},
		{"scale above one", func(c *Config) { c.Recognition.Scale = 1.5 }},
		{"threshold zero", func(c *Config) { c.Recognition.Threshold = 0 }},
		{"threshold NaN", func(c *Config) { c.Recognition.Threshold = math.NaN() }},
		{"threshold infinite", func(c *Config) { c.Recognition.Threshold = math.Inf(1) }},
		{"scale NaN", func(c *Config) { c.Recognition.Scale = math.NaN() }},
		{"denial interval zero", func(c *Config) { c.Throttle.DenialInterval = 0 }},
		{"reset shorter than denial", func(c *Config) { c.Throttle.ResetInterval = time.Second }},
		{"empty key path", func(c *Config) { c.Storage.KeyPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
