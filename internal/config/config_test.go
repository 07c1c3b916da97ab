package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Cache.HydrationWait)
	assert.Equal(t, 20*time.Millisecond, cfg.Cache.HydrationPoll)
	assert.Equal(t, 30*time.Second, cfg.Engine.InFlightTimeout)
	assert.Equal(t, 2, cfg.Connectivity.FailureThreshold)
	assert.Equal(t, "http://127.0.0.1:8787/healthz", cfg.Backend.HealthURL)
	assert.True(t, filepath.IsAbs(cfg.Cache.Path))

	require.Error(t, cfg.Validate(), "user_id has no default")
}

func TestLoad_ParsesFile(t *testing.T) {
	path := writeConfig(t, `
user_id: " U1 "
backend:
  url: wss://api.example.com/v1/ws
cache:
  path: ":memory:"
  hydration_wait: 1500ms
connectivity:
  probe_interval: 10s
  failure_threshold: 3
engine:
  in_flight_timeout: 0s
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "U1", cfg.UserID)
	assert.Equal(t, "https://api.example.com/healthz", cfg.Backend.HealthURL)
	assert.Equal(t, ":memory:", cfg.Cache.Path)
	assert.Equal(t, 1500*time.Millisecond, cfg.Cache.HydrationWait)
	assert.Equal(t, 20*time.Millisecond, cfg.Cache.HydrationPoll, "unset keys keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 3, cfg.Connectivity.FailureThreshold)
	assert.Zero(t, cfg.Engine.InFlightTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default().Engine.InFlightTimeout, cfg.Engine.InFlightTimeout)
}

func TestLoad_UnknownFieldFails(t *testing.T) {
	_, err := Load(writeConfig(t, "user_id: U1\nbogus: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	_, err := Load(writeConfig(t, "user_id: [unclosed\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.UserID = "U1"
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http backend", func(c *Config) { c.Backend.URL = "http://localhost/v1/ws" }, "scheme"},
		{"negative wait", func(c *Config) { c.Cache.HydrationWait = -time.Second }, "cache.hydration_wait"},
		{"negative timeout", func(c *Config) { c.Engine.InFlightTimeout = -1 }, "engine.in_flight_timeout"},
		{"zero threshold", func(c *Config) { c.Connectivity.FailureThreshold = 0 }, "failure_threshold"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandPath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/oire/cache.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "oire", "cache.db"), got)

	_, err = expandPath("  ")
	require.Error(t, err)
}
