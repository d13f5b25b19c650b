package config

const (
	// Throughput related
	DefaultMaxThroughput  = 100_000 // target TPS
	DefaultMaxParallelism = 256

	// Memory pool related
	DefaultMemoryPoolSize = 1_000_000
	DefaultBatchSize      = 1000
	DefaultMinBatchSize   = 100
	DefaultMaxBatchSize   = 10_000

	// Shard related
	DefaultInitialShards    = 10
	DefaultMaxShards        = 256
	DefaultMaxNodesPerShard = 64
	DefaultTargetShardSize  = 10_000 // pending transactions per shard

	// Scheduler related
	DefaultCPULimitPercent = 50

	// Network related
	DefaultMaxConnections = 512
	DefaultMaxMessageSize = 4 << 20 // 4 MiB
)
