package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ChainConfig describes one coordinated chain.
type ChainConfig struct {
	ID string `toml:"ID"`
	// SubmissionDelayBlocks is applied by the orchestrator before Submit;
	// the core only requires monotone heights.
	SubmissionDelayBlocks uint64 `toml:"SubmissionDelayBlocks"`
}

type Config struct {
	ListenAddress               string        `toml:"ListenAddress"`
	BlockIntervalSeconds        float64       `toml:"BlockIntervalSeconds"`
	CATLifetimeBlocks           uint64        `toml:"CATLifetimeBlocks"`
	AllowCATPendingDependencies bool          `toml:"AllowCATPendingDependencies"`
	ChannelBuffer               int           `toml:"ChannelBuffer"`
	ShutdownGraceMillis         uint64        `toml:"ShutdownGraceMillis"`
	Chains                      []ChainConfig `toml:"Chains"`
}

const (
	defaultListenAddress        = ":8551"
	defaultBlockIntervalSeconds = 0.1
	defaultCATLifetimeBlocks    = 10
	defaultChannelBuffer        = 64
	defaultShutdownGraceMillis  = 500
)

// Load reads the configuration from path, fills in defaults and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Chains: []ChainConfig{{ID: "chain-1"}, {ID: "chain-2"}},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = defaultListenAddress
	}
	if c.BlockIntervalSeconds == 0 {
		c.BlockIntervalSeconds = defaultBlockIntervalSeconds
	}
	if c.CATLifetimeBlocks == 0 {
		c.CATLifetimeBlocks = defaultCATLifetimeBlocks
	}
	if c.ChannelBuffer == 0 {
		c.ChannelBuffer = defaultChannelBuffer
	}
	if c.ShutdownGraceMillis == 0 {
		c.ShutdownGraceMillis = defaultShutdownGraceMillis
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.BlockIntervalSeconds <= 0 {
		return fmt.Errorf("config: BlockIntervalSeconds must be positive, got %v", c.BlockIntervalSeconds)
	}
	if c.CATLifetimeBlocks == 0 {
		return fmt.Errorf("config: CATLifetimeBlocks must be positive")
	}
	if c.ChannelBuffer <= 0 {
		return fmt.Errorf("config: ChannelBuffer must be positive, got %d", c.ChannelBuffer)
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain is required")
	}
	seen := make(map[string]struct{}, len(c.Chains))
	for _, chain := range c.Chains {
		id := strings.TrimSpace(chain.ID)
		if id == "" {
			return fmt.Errorf("config: chain with empty ID")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("config: duplicate chain ID %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// BlockInterval returns the block cadence as a duration.
func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalSeconds * float64(time.Second))
}

// ShutdownGrace returns the drain window honoured on shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMillis) * time.Millisecond
}
