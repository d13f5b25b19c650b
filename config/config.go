package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/asaskevich/govalidator"
	"github.com/joho/godotenv"
)

// Config is the full configuration for a node hosting the engine. The structs
// are immutable value objects: they are validated once at load time and never
// mutated after the owning component starts.
type Config struct {
	Network     NetworkConfig     `json:"network"`
	Shard       ShardConfig       `json:"shard"`
	Engine      EngineConfig      `json:"engine"`
	Parallel    ParallelConfig    `json:"parallel"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	DataDir     string            `json:"data_dir"`
}

// NetworkConfig governs the messaging transport used by the coordinator and
// the registry.
type NetworkConfig struct {
	BindAddress          string   `json:"bind_address" valid:"required"`
	Peers                []string `json:"peers"`
	MaxConnections       int      `json:"max_connections"`
	ConnectionTimeoutSec int      `json:"connection_timeout_sec"`
	PingIntervalSec      int      `json:"ping_interval_sec"`
	MaxMessageSize       int64    `json:"max_message_size"`
}

// ShardConfig bounds the registry's shard table and rebalancing policy.
type ShardConfig struct {
	InitialShards        int     `json:"initial_shards"`
	MinShards            int     `json:"min_shards"`
	MaxShards            int     `json:"max_shards"`
	MinNodesPerShard     int     `json:"min_nodes_per_shard"`
	MaxNodesPerShard     int     `json:"max_nodes_per_shard"`
	TargetShardSize      int     `json:"target_shard_size"`
	RebalanceThreshold   float64 `json:"rebalance_threshold"`
	RebalanceIntervalSec int     `json:"rebalance_interval_sec"`
}

// EngineConfig drives batching and throughput control.
type EngineConfig struct {
	MaxThroughput                uint64  `json:"max_throughput"`
	MaxParallelism               int     `json:"max_parallelism"`
	MemoryPoolSize               int     `json:"memory_pool_size"`
	BatchSize                    int     `json:"batch_size"`
	MinBatchSize                 int     `json:"min_batch_size"`
	MaxBatchSize                 int     `json:"max_batch_size"`
	BatchIntervalMs              int     `json:"batch_interval_ms"`
	ProcessingTimeoutMs          int     `json:"processing_timeout_ms"`
	MemoryPoolCleanupIntervalSec int     `json:"memory_pool_cleanup_interval_sec"`
	MaxTransactionAgeSec         int     `json:"max_transaction_age_sec"`
	StatsUpdateIntervalMs        int     `json:"stats_update_interval_ms"`
	HardwareAccelerationEnabled  bool    `json:"hardware_acceleration_enabled"`
	AdaptiveBatchingEnabled      bool    `json:"adaptive_batching_enabled"`
	HighLoadThreshold            float64 `json:"high_load_threshold"`
	LowLoadThreshold             float64 `json:"low_load_threshold"`
}

// ParallelConfig bounds the work-stealing scheduler.
type ParallelConfig struct {
	Workers           int `json:"workers"`
	CPULimitPercent   int `json:"cpu_limit_percent"`
	MonitorIntervalMs int `json:"monitor_interval_ms"`
	ChunkSize         int `json:"chunk_size"`
}

// CoordinatorConfig bounds the cross-shard two-phase protocol.
type CoordinatorConfig struct {
	TimeoutSec            int `json:"timeout_sec"`
	RetryCount            int `json:"retry_count"`
	RetryIntervalMs       int `json:"retry_interval_ms"`
	BatchSize             int `json:"batch_size"`
	BatchIntervalMs       int `json:"batch_interval_ms"`
	MaxParallelExecutions int `json:"max_parallel_executions"`
	CleanupIntervalSec    int `json:"cleanup_interval_sec"`
}

// Default returns the configuration the engine was benchmarked with.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			BindAddress:          "localhost:9760",
			MaxConnections:       DefaultMaxConnections,
			ConnectionTimeoutSec: 10,
			PingIntervalSec:      30,
			MaxMessageSize:       DefaultMaxMessageSize,
		},
		Shard: ShardConfig{
			InitialShards:        DefaultInitialShards,
			MinShards:            1,
			MaxShards:            DefaultMaxShards,
			MinNodesPerShard:     1,
			MaxNodesPerShard:     DefaultMaxNodesPerShard,
			TargetShardSize:      DefaultTargetShardSize,
			RebalanceThreshold:   0.2,
			RebalanceIntervalSec: 60,
		},
		Engine: EngineConfig{
			MaxThroughput:                DefaultMaxThroughput,
			MaxParallelism:               DefaultMaxParallelism,
			MemoryPoolSize:               DefaultMemoryPoolSize,
			BatchSize:                    DefaultBatchSize,
			MinBatchSize:                 DefaultMinBatchSize,
			MaxBatchSize:                 DefaultMaxBatchSize,
			BatchIntervalMs:              10,
			ProcessingTimeoutMs:          5000,
			MemoryPoolCleanupIntervalSec: 300,
			MaxTransactionAgeSec:         3600,
			StatsUpdateIntervalMs:        1000,
			HardwareAccelerationEnabled:  true,
			AdaptiveBatchingEnabled:      true,
			HighLoadThreshold:            0.8,
			LowLoadThreshold:             0.3,
		},
		Parallel: ParallelConfig{
			Workers:           0, // sized to available cores at construction
			CPULimitPercent:   DefaultCPULimitPercent,
			MonitorIntervalMs: 50,
			ChunkSize:         0, // derived from core count
		},
		Coordinator: CoordinatorConfig{
			TimeoutSec:            30,
			RetryCount:            3,
			RetryIntervalMs:       1000,
			BatchSize:             50,
			BatchIntervalMs:       100,
			MaxParallelExecutions: 10,
			CleanupIntervalSec:    3600,
		},
		DataDir: "./shardx_data",
	}
}

// Load reads a JSON configuration file, applies .env overrides and validates
// the result. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	// .env is optional; ignore a missing file.
	_ = godotenv.Load()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHARDX_BIND_ADDRESS"); v != "" {
		cfg.Network.BindAddress = v
	}
	if v := os.Getenv("SHARDX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SHARDX_INITIAL_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Shard.InitialShards = n
		}
	}
	if v := os.Getenv("SHARDX_MEMORY_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MemoryPoolSize = n
		}
	}
	if v := os.Getenv("SHARDX_CPU_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallel.CPULimitPercent = n
		}
	}
}

// Validate checks structural tags and cross-field constraints.
func (c *Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c.Network); err != nil {
		return fmt.Errorf("network config: %w", err)
	}

	s := c.Shard
	if s.MinShards < 1 || s.MaxShards < s.MinShards {
		return fmt.Errorf("shard config: need 1 <= min_shards <= max_shards, got [%d, %d]", s.MinShards, s.MaxShards)
	}
	if s.InitialShards < s.MinShards || s.InitialShards > s.MaxShards {
		return fmt.Errorf("shard config: initial_shards %d outside [%d, %d]", s.InitialShards, s.MinShards, s.MaxShards)
	}
	if s.MinNodesPerShard < 1 || s.MaxNodesPerShard < s.MinNodesPerShard {
		return fmt.Errorf("shard config: need 1 <= min_nodes_per_shard <= max_nodes_per_shard")
	}
	if s.RebalanceThreshold < 0 || s.RebalanceThreshold > 1 {
		return fmt.Errorf("shard config: rebalance_threshold %f outside [0, 1]", s.RebalanceThreshold)
	}

	e := c.Engine
	if e.MinBatchSize < 1 || e.BatchSize < e.MinBatchSize || e.MaxBatchSize < e.BatchSize {
		return fmt.Errorf("engine config: need 1 <= min_batch_size <= batch_size <= max_batch_size")
	}
	if e.MemoryPoolSize < 1 {
		return fmt.Errorf("engine config: memory_pool_size must be positive")
	}
	if e.HighLoadThreshold < 0 || e.HighLoadThreshold > 1 || e.LowLoadThreshold < 0 || e.LowLoadThreshold > 1 {
		return fmt.Errorf("engine config: load thresholds must be fractions in [0, 1]")
	}
	if e.LowLoadThreshold > e.HighLoadThreshold {
		return fmt.Errorf("engine config: low_load_threshold above high_load_threshold")
	}

	if c.Parallel.CPULimitPercent < 0 || c.Parallel.CPULimitPercent > 100 {
		return fmt.Errorf("parallel config: cpu_limit_percent %d outside [0, 100]", c.Parallel.CPULimitPercent)
	}

	if c.Coordinator.TimeoutSec < 1 || c.Coordinator.RetryCount < 0 {
		return fmt.Errorf("coordinator config: timeout_sec must be positive and retry_count non-negative")
	}
	return nil
}
