package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "memory", cfg.Broker.Driver)
	assert.Equal(t, 20, cfg.Dispatch.MaxCandidates)
	assert.Equal(t, 3*time.Second, cfg.Estimate.Timeout)
	assert.Equal(t, []string{"log"}, cfg.Notify.SinkList())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
server:
  addr: ":9090"
dispatch:
  max_candidates: 5
estimate:
  timeout: 750ms
notify:
  sinks: log,webhook
  webhook_url: http://hooks.local/notify
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("ROADSIDE_DISPATCH__MAX_CANDIDATES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Dispatch.MaxCandidates)
	assert.Equal(t, 750*time.Millisecond, cfg.Estimate.Timeout)
	assert.Equal(t, []string{"log", "webhook"}, cfg.Notify.SinkList())
}

func TestLegacyEnv(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://localhost/roadside")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"postgres without url":     func(c *Config) { c.Store.Driver = "postgres" },
		"redis broker without url": func(c *Config) { c.Broker.Driver = "redis" },
		"radius out of range":      func(c *Config) { c.Dispatch.DefaultRadiusKm = 80 },
		"unknown sink":             func(c *Config) { c.Notify.Sinks = "pager" },
		"hmac without secret":      func(c *Config) { c.Auth.Mode = "hmac" },
		"http estimate no url":     func(c *Config) { c.Estimate.Mode = "http" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := &Config{}
			c.SetDefaults()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
