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
	assert.Equal(t, 30*24*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, 5*time.Minute, cfg.KeySync.Interval)
	assert.False(t, cfg.IsDualMode())
}

func TestParse(t *testing.T) {
	data := []byte(`
log:
  level: debug
storage:
  backend: bolt
  data_dir: /var/lib/meshbridge
  retention: 168h
meshtastic:
  enabled: true
  address: 10.0.0.5:4403
meshcore:
  enabled: true
  name: companion
  address: 10.0.0.6:5000
ingest:
  idle_timeout: 45s
loader:
  max_wait: 120s
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "debug", string(cfg.Log.Level))
	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, 168*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, "companion", cfg.MeshCore.Name)
	assert.Equal(t, 45*time.Second, cfg.Ingest.IdleTimeout)
	assert.Equal(t, 120*time.Second, cfg.Loader.MaxWait)
	// untouched fields keep their defaults
	assert.Equal(t, 3*time.Second, cfg.Loader.PollInterval)
	assert.True(t, cfg.IsDualMode())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no interfaces", mutate: func(c *Config) { c.Meshtastic.Enabled = false }},
		{name: "forced dual mode with one interface", mutate: func(c *Config) { v := true; c.DualMode = &v }},
		{name: "missing address", mutate: func(c *Config) { c.Meshtastic.Address = "" }},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "postgres" }},
		{name: "zero retention", mutate: func(c *Config) { c.Storage.Retention = 0 }},
		{name: "single mode with both interfaces", mutate: func(c *Config) {
			v := false
			c.DualMode = &v
			c.MeshCore.Enabled = true
		}},
		{name: "jitter out of range", mutate: func(c *Config) { c.Ingest.BackoffJitter = 1.5 }},
		{name: "backoff max below initial", mutate: func(c *Config) { c.Ingest.BackoffMax = time.Millisecond }},
		{name: "max wait below initial wait", mutate: func(c *Config) { c.Loader.MaxWait = time.Second }},
		{name: "same interface names", mutate: func(c *Config) {
			c.MeshCore.Enabled = true
			c.MeshCore.Name = c.Meshtastic.Name
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRejectsSingleModeWithBothNetworks(t *testing.T) {
	_, err := Parse([]byte("dual_mode: false\nmeshcore:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dual_mode cannot be false")

	cfg, err := Parse([]byte("meshcore:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.IsDualMode())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  retention: 48h\n"), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Storage.Retention)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
