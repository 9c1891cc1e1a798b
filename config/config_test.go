package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[[Chains]]
ID = "chain-1"

[[Chains]]
ID = "chain-2"
SubmissionDelayBlocks = 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, defaultListenAddress, cfg.ListenAddress)
	require.Equal(t, 100*time.Millisecond, cfg.BlockInterval())
	require.Equal(t, uint64(defaultCATLifetimeBlocks), cfg.CATLifetimeBlocks)
	require.Equal(t, defaultChannelBuffer, cfg.ChannelBuffer)
	require.Equal(t, 500*time.Millisecond, cfg.ShutdownGrace())
	require.False(t, cfg.AllowCATPendingDependencies)
	require.Len(t, cfg.Chains, 2)
	require.Equal(t, uint64(3), cfg.Chains[1].SubmissionDelayBlocks)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
ListenAddress = ":9999"
BlockIntervalSeconds = 2.5
CATLifetimeBlocks = 4
AllowCATPendingDependencies = true

[[Chains]]
ID = "solo"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddress)
	require.Equal(t, 2500*time.Millisecond, cfg.BlockInterval())
	require.Equal(t, uint64(4), cfg.CATLifetimeBlocks)
	require.True(t, cfg.AllowCATPendingDependencies)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
BlockInterval = 1

[[Chains]]
ID = "chain-1"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown field")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative interval", func(c *Config) { c.BlockIntervalSeconds = -1 }},
		{"zero lifetime", func(c *Config) { c.CATLifetimeBlocks = 0 }},
		{"zero buffer", func(c *Config) { c.ChannelBuffer = 0 }},
		{"no chains", func(c *Config) { c.Chains = nil }},
		{"empty chain id", func(c *Config) { c.Chains = []ChainConfig{{ID: "  "}} }},
		{"duplicate chain id", func(c *Config) {
			c.Chains = []ChainConfig{{ID: "a"}, {ID: "a"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, base().Validate())
}

func TestLoadRejectsNonPositiveInterval(t *testing.T) {
	path := writeConfig(t, `
BlockIntervalSeconds = -0.5

[[Chains]]
ID = "chain-1"
`)
	_, err := Load(path)
	require.Error(t, err)
}
