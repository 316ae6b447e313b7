package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "commodex.db", cfg.Store.Path)
	require.Equal(t, "0.0.0.0:8080", cfg.API.Addr)
	require.Equal(t, 50, cfg.Orders.MaxPerUser)
	require.Equal(t, 24*time.Hour, cfg.Orders.Expiry)
	require.Equal(t, 5*time.Second, cfg.Matching.Interval)
	require.Equal(t, 0.001, cfg.Matching.CommissionRate)
	require.Equal(t, 60*time.Second, cfg.Matching.ConfirmDeadline)
	require.Equal(t, 30*time.Second, cfg.Matching.NegotiationDeadline)
	require.False(t, cfg.NATS.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commodex.yaml")
	data := `
log:
  level: debug
store:
  path: /var/lib/commodex/venue.db
api:
  addr: 127.0.0.1:9090
matching:
  commission_rate: 0.002
  interval: 5s
nats:
  enabled: true
  url: nats://broker:4222
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/var/lib/commodex/venue.db", cfg.Store.Path)
	require.Equal(t, "127.0.0.1:9090", cfg.API.Addr)
	require.Equal(t, 0.002, cfg.Matching.CommissionRate)
	require.Equal(t, 5*time.Second, cfg.Matching.Interval)
	require.True(t, cfg.NATS.Enabled)
	require.Equal(t, "nats://broker:4222", cfg.NATS.URL)

	// Unset keys keep their defaults.
	require.Equal(t, 50, cfg.Orders.MaxPerUser)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COMMODEX_API_ADDR", "127.0.0.1:7777")
	t.Setenv("COMMODEX_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7777", cfg.API.Addr)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative commission", func(c *Config) { c.Matching.CommissionRate = -0.1 }},
		{"commission at one", func(c *Config) { c.Matching.CommissionRate = 1.0 }},
		{"negative spread cap", func(c *Config) { c.Matching.SpreadAlertCap = -1 }},
		{"zero order cap", func(c *Config) { c.Orders.MaxPerUser = 0 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			require.Error(t, cfg.validate())
		})
	}
}
