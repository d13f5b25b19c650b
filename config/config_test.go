package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestDefaultCarriesBenchmarkedValues(t *testing.T) {
	cfg := Default()
	require.EqualValues(t, 100_000, cfg.Engine.MaxThroughput)
	require.Equal(t, 256, cfg.Engine.MaxParallelism)
	require.Equal(t, 1_000_000, cfg.Engine.MemoryPoolSize)
	require.Equal(t, 1000, cfg.Engine.BatchSize)
	require.Equal(t, 100, cfg.Engine.MinBatchSize)
	require.Equal(t, 10_000, cfg.Engine.MaxBatchSize)
	require.Equal(t, 10, cfg.Engine.BatchIntervalMs)
	require.Equal(t, 0.8, cfg.Engine.HighLoadThreshold)
	require.Equal(t, 0.3, cfg.Engine.LowLoadThreshold)
	require.Equal(t, 30, cfg.Coordinator.TimeoutSec)
	require.Equal(t, 3, cfg.Coordinator.RetryCount)
	require.Equal(t, 10, cfg.Shard.InitialShards)
}

func TestLoadMissingPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Engine.BatchSize, cfg.Engine.BatchSize)
}

func TestLoadReadsJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	override := Default()
	override.Engine.BatchSize = 500
	override.Shard.InitialShards = 4
	data, err := json.Marshal(override)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Engine.BatchSize)
	require.Equal(t, 4, cfg.Shard.InitialShards)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHARDX_BIND_ADDRESS", "0.0.0.0:7000")
	t.Setenv("SHARDX_INITIAL_SHARDS", "3")
	t.Setenv("SHARDX_CPU_LIMIT", "75")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7000", cfg.Network.BindAddress)
	require.Equal(t, 3, cfg.Shard.InitialShards)
	require.Equal(t, 75, cfg.Parallel.CPULimitPercent)
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min shards zero", func(c *Config) { c.Shard.MinShards = 0 }},
		{"initial above max", func(c *Config) { c.Shard.InitialShards = c.Shard.MaxShards + 1 }},
		{"batch below min", func(c *Config) { c.Engine.BatchSize = c.Engine.MinBatchSize - 1 }},
		{"max batch below batch", func(c *Config) { c.Engine.MaxBatchSize = c.Engine.BatchSize - 1 }},
		{"empty pool", func(c *Config) { c.Engine.MemoryPoolSize = 0 }},
		{"threshold above one", func(c *Config) { c.Engine.HighLoadThreshold = 1.5 }},
		{"inverted thresholds", func(c *Config) { c.Engine.LowLoadThreshold = 0.9 }},
		{"cpu limit above 100", func(c *Config) { c.Parallel.CPULimitPercent = 150 }},
		{"zero coordinator timeout", func(c *Config) { c.Coordinator.TimeoutSec = 0 }},
		{"no bind address", func(c *Config) { c.Network.BindAddress = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
