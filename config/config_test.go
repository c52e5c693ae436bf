package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"shard_count": 2,
		"expansion_threshold": 0.5,
		"network": {"delay_enabled": true, "min_delay_ms": 5, "max_delay_ms": 10}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.ShardCount)
	assert.Equal(t, 0.5, cfg.ExpansionThreshold)
	assert.True(t, cfg.Network.DelayEnabled)
	// Unspecified fields keep their defaults.
	assert.Equal(t, Default().MaxShards, cfg.MaxShards)
	assert.Equal(t, Default().PerShardCapacity, cfg.PerShardCapacity)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero shards", func(c *Config) { c.ShardCount = 0 }, false},
		{"negative shards", func(c *Config) { c.ShardCount = -1 }, false},
		{"max below count", func(c *Config) { c.MaxShards = c.ShardCount - 1 }, false},
		{"zero capacity", func(c *Config) { c.PerShardCapacity = 0 }, false},
		{"threshold zero", func(c *Config) { c.ExpansionThreshold = 0 }, false},
		{"threshold above one", func(c *Config) { c.ExpansionThreshold = 1.1 }, false},
		{"threshold at one", func(c *Config) { c.ExpansionThreshold = 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
