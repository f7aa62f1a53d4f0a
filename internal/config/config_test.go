package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "scrapeworker", cfg.Supervisor.WorkerBin)
	require.Equal(t, 3, cfg.Supervisor.RetryBudget)
	require.Equal(t, 30, cfg.RateLimit.MaxPerMinute)
	require.Equal(t, 3, cfg.RateLimit.MaxConcurrent)
	require.Equal(t, 500, cfg.RateLimit.CooldownMs)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scraperd.yaml")
	content := []byte(`
server:
  port: 9090
supervisor:
  worker_bin: /usr/local/bin/scrapeworker
  retry_budget: 1
archive:
  backend: local
  local_dir: /tmp/results
platforms:
  yellowpages:
    search_url: "https://example.com/search"
    selectors:
      result: ".listing"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 1, cfg.Supervisor.RetryBudget)
	require.Equal(t, "local", cfg.Archive.Backend)
	require.Contains(t, cfg.Platforms, "yellowpages")
	require.Equal(t, ".listing", cfg.Platforms["yellowpages"].Selectors["result"])
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"missing worker bin", func(c *Config) { c.Supervisor.WorkerBin = "" }},
		{"negative retry budget", func(c *Config) { c.Supervisor.RetryBudget = -1 }},
		{"negative cooldown", func(c *Config) { c.RateLimit.CooldownMs = -1 }},
		{"unknown archive backend", func(c *Config) { c.Archive.Backend = "s3" }},
		{"local backend without dir", func(c *Config) { c.Archive.Backend = "local" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
