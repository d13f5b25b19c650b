// Package metrics exposes the engine's operational counters and gauges as
// Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardx-labs/shardx/types"
)

// Metrics bundles every collector the engine and coordinator report into.
type Metrics struct {
	registry *prometheus.Registry

	TxSubmitted prometheus.Counter
	TxConfirmed prometheus.Counter
	TxFailed    prometheus.Counter
	TxRejected  prometheus.Counter

	TPS          prometheus.Gauge
	PoolSize     prometheus.Gauge
	BatchSize    prometheus.Gauge
	LatencyMs    prometheus.Histogram
	ShardLoad    *prometheus.GaugeVec
	ActiveShards prometheus.Gauge

	CrossShardCommits prometheus.Counter
	CrossShardAborts  prometheus.Counter
}

// New builds and registers the collector set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TxSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardx", Name: "transactions_submitted_total",
			Help: "Transactions accepted into the memory pool.",
		}),
		TxConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardx", Name: "transactions_confirmed_total",
			Help: "Transactions applied to a shard ledger.",
		}),
		TxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardx", Name: "transactions_failed_total",
			Help: "Transactions that reached a terminal failure.",
		}),
		TxRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardx", Name: "transactions_rejected_total",
			Help: "Submissions rejected before entering the pool.",
		}),
		TPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardx", Name: "throughput_tps",
			Help: "Confirmed transactions per second over the last stats window.",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardx", Name: "memory_pool_size",
			Help: "Pending transactions held in the memory pool.",
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardx", Name: "batch_size",
			Help: "Current adaptive batch size.",
		}),
		LatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shardx", Name: "transaction_latency_ms",
			Help:    "Submit-to-terminal latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		ShardLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardx", Name: "shard_load",
			Help: "Per-shard load as a fraction of the target shard size.",
		}, []string{"shard"}),
		ActiveShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shardx", Name: "active_shards",
			Help: "Number of shards in Active state.",
		}),
		CrossShardCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardx", Name: "cross_shard_commits_total",
			Help: "Cross-shard transfers that committed on every participant.",
		}),
		CrossShardAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shardx", Name: "cross_shard_aborts_total",
			Help: "Cross-shard transfers aborted before commit.",
		}),
	}

	m.registry.MustRegister(
		m.TxSubmitted, m.TxConfirmed, m.TxFailed, m.TxRejected,
		m.TPS, m.PoolSize, m.BatchSize, m.LatencyMs, m.ShardLoad, m.ActiveShards,
		m.CrossShardCommits, m.CrossShardAborts,
	)
	return m
}

// SetShardLoad records a shard's load gauge.
func (m *Metrics) SetShardLoad(id types.ShardID, load float64) {
	m.ShardLoad.WithLabelValues(string(id)).Set(load)
}

// Handler serves the collector set in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
