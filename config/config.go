package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// NetworkConfig holds network-level configuration for HTTP clients
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"` // Minimum delay in milliseconds
	MaxDelayMs   int  `json:"max_delay_ms"` // Maximum delay in milliseconds
}

// Config holds all configurable parameters for the engine.
// Shard count, capacity, block interval and the expansion threshold are
// deployment choices, not constants.
type Config struct {
	ShardCount          int           `json:"shard_count"`
	MaxShards           int           `json:"max_shards"`
	PerShardCapacity    int           `json:"per_shard_capacity"` // txs per shard per load window
	ExpansionThreshold  float64       `json:"expansion_threshold"`
	BlockTimeMs         int           `json:"block_time_ms"`
	CrossShardTimeoutMs int           `json:"cross_shard_timeout_ms"`
	WALDir              string        `json:"wal_dir"` // empty = in-memory WAL
	Network             NetworkConfig `json:"network"`
}

// Default returns the engine defaults used when no config.json is present.
func Default() *Config {
	return &Config{
		ShardCount:          8,
		MaxShards:           256,
		PerShardCapacity:    8000,
		ExpansionThreshold:  0.80,
		BlockTimeMs:         2000,
		CrossShardTimeoutMs: 5000,
	}
}

// Load reads and parses a JSON config file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the default config from config/config.json in the current directory
func LoadDefault() (*Config, error) {
	return Load("config/config.json")
}

// Validate rejects parameter combinations the engine cannot run with.
func (c *Config) Validate() error {
	if c.ShardCount <= 0 {
		return fmt.Errorf("shard_count must be positive, got %d", c.ShardCount)
	}
	if c.MaxShards < c.ShardCount {
		return fmt.Errorf("max_shards %d below shard_count %d", c.MaxShards, c.ShardCount)
	}
	if c.PerShardCapacity <= 0 {
		return fmt.Errorf("per_shard_capacity must be positive, got %d", c.PerShardCapacity)
	}
	if c.ExpansionThreshold <= 0 || c.ExpansionThreshold > 1 {
		return fmt.Errorf("expansion_threshold must be in (0,1], got %v", c.ExpansionThreshold)
	}
	return nil
}
