package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.ReadinessTimeout)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverlaysFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":9090"
environment: staging
heartbeatIntervalSeconds: 5
dispatch:
  readinessTimeout: 10s
log:
  level: debug
  json: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 5, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.ReadinessTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Dispatch.CancelWaitWindow)
	assert.Equal(t, "/var/lib/drover", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: \"\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDurationString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  readinessTimeout: soon\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readinessTimeout")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listenAddr: [unclosed\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatIntervalSeconds = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"negative window", func(c *Config) { c.Dispatch.FlushWaitWindow = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
