package engine

import (
	"math"
	"time"

	"github.com/shardx-labs/shardx/types"
)

// Stats is a point-in-time snapshot of engine health.
type Stats struct {
	Pending   int     `json:"pending"`
	Confirmed uint64  `json:"confirmed"`
	Failed    uint64  `json:"failed"`
	TPS       float64 `json:"tps"`
	PeakTPS   float64 `json:"peak_tps"`
	BatchSize int     `json:"batch_size"`
	PoolLoad  float64 `json:"pool_load"`
	CPUUsage  float64 `json:"cpu_usage"`
}

// Stats returns the current snapshot.
func (e *Engine) Stats() Stats {
	return Stats{
		Pending:   e.pool.PendingCount(),
		Confirmed: e.pool.ConfirmedCount(),
		Failed:    e.pool.RejectedCount(),
		TPS:       math.Float64frombits(e.tps.Load()),
		PeakTPS:   math.Float64frombits(e.peakTPS.Load()),
		BatchSize: int(e.batchSize.Load()),
		PoolLoad:  e.pool.Load(),
		CPUUsage:  e.sched.CPUUsage(),
	}
}

// BatchSize returns the current adaptive batch size.
func (e *Engine) BatchSize() int { return int(e.batchSize.Load()) }

// Pool exposes the memory pool, used by status surfaces.
func (e *Engine) Pool() *Mempool { return e.pool }

// Transaction returns a pending or recently resolved transaction by id.
func (e *Engine) Transaction(id string) (*types.Transaction, bool) {
	return e.pool.Lookup(id)
}

// statsLoop recomputes throughput, publishes gauges and adapts the batch size
// on the configured cadence.
func (e *Engine) statsLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.StatsUpdateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.updateStats(interval)
		}
	}
}

func (e *Engine) updateStats(interval time.Duration) {
	confirmed := e.pool.ConfirmedCount()
	delta := confirmed - e.lastConfirmed.Swap(confirmed)
	tps := float64(delta) / interval.Seconds()
	e.tps.Store(math.Float64bits(tps))
	if tps > math.Float64frombits(e.peakTPS.Load()) {
		e.peakTPS.Store(math.Float64bits(tps))
	}

	load := e.pool.Load()
	e.adaptBatchSize(load)

	e.mets.TPS.Set(tps)
	e.mets.PoolSize.Set(float64(e.pool.PendingCount()))
	e.mets.BatchSize.Set(float64(e.batchSize.Load()))
	e.mets.ActiveShards.Set(float64(e.registry.ActiveShardCount()))

	// Consistent hashing spreads addresses close to uniformly, so pool
	// pressure and throughput are attributed to every active shard alike.
	active := e.registry.ActiveShards()
	perShardTPS := 0.0
	if len(active) > 0 {
		perShardTPS = tps / float64(len(active))
	}
	for _, info := range active {
		e.registry.UpdateLoad(info.ID, load)
		e.registry.UpdateThroughput(info.ID, perShardTPS)
		e.mets.SetShardLoad(info.ID, load)
	}
}

// adaptBatchSize grows the batch toward the maximum under high pool pressure
// so each cut drains more backlog, and shrinks it toward the minimum when the
// pool runs light to keep latency down.
func (e *Engine) adaptBatchSize(load float64) {
	if !e.cfg.AdaptiveBatchingEnabled {
		return
	}

	current := int(e.batchSize.Load())
	next := current

	switch {
	case load > e.cfg.HighLoadThreshold:
		next = current * 6 / 5
		if next == current {
			next = current + 1
		}
		if next > e.cfg.MaxBatchSize {
			next = e.cfg.MaxBatchSize
		}
	case load < e.cfg.LowLoadThreshold:
		next = current * 4 / 5
		if next < e.cfg.MinBatchSize {
			next = e.cfg.MinBatchSize
		}
	}

	if next != current {
		e.batchSize.Store(int32(next))
		e.logger.Debug("batch size adapted", "load", load, "from", current, "to", next)
	}
}
