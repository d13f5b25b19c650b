package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/amount"
	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/crossshard"
	"github.com/shardx-labs/shardx/crypto"
	"github.com/shardx-labs/shardx/metrics"
	"github.com/shardx-labs/shardx/parallel"
	"github.com/shardx-labs/shardx/shard"
	"github.com/shardx-labs/shardx/store"
	"github.com/shardx-labs/shardx/types"
)

const lockStripes = 256

// Engine drives transaction processing: submissions land in the memory pool,
// a batch loop cuts batches on a fixed cadence, single-shard transfers apply
// directly on the ledger through the scheduler and cross-shard ones hand off
// to the coordinator's optimizer.
type Engine struct {
	cfg      config.EngineConfig
	pool     *Mempool
	sched    *parallel.Scheduler
	registry *shard.Manager
	ledger   *store.Ledger
	xshard   *crossshard.Optimizer
	mets     *metrics.Metrics
	logger   hclog.Logger

	batchSize atomic.Int32
	// Striped per-address locks serialize balance updates within and across
	// batches without a global ledger lock.
	addrLocks  [lockStripes]sync.Mutex
	shardIndex func(addr string, numShards int) int

	// Submission rate cap, counted per wall-clock second.
	rateWindow atomic.Int64
	rateCount  atomic.Int64

	onComplete atomic.Pointer[func(tx *types.Transaction, err error)]

	lastConfirmed atomic.Uint64
	tps           atomic.Uint64 // float64 bits
	peakTPS       atomic.Uint64 // float64 bits

	running  atomic.Bool
	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the engine. The cross-shard optimizer may be nil, in which case
// cross-shard submissions are rejected.
func New(cfg config.EngineConfig, registry *shard.Manager, ledger *store.Ledger, sched *parallel.Scheduler, xshard *crossshard.Optimizer, mets *metrics.Metrics, logger hclog.Logger) (*Engine, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if mets == nil {
		mets = metrics.New()
	}

	pool, err := NewMempool(cfg.MemoryPoolSize, time.Duration(cfg.MaxTransactionAgeSec)*time.Second)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		pool:     pool,
		sched:    sched,
		registry: registry,
		ledger:   ledger,
		xshard:   xshard,
		mets:     mets,
		logger:   logger.Named("engine"),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	e.batchSize.Store(int32(cfg.BatchSize))

	// The pooled hasher is the accelerated path; both variants yield the
	// same index.
	e.shardIndex = store.CalculateShardIndex
	if cfg.HardwareAccelerationEnabled {
		e.shardIndex = store.CalculateShardIndexFast
	}
	return e, nil
}

// SetOnComplete installs a hook invoked once per transaction on its terminal
// outcome. Used by the benchmark to measure latency.
func (e *Engine) SetOnComplete(fn func(tx *types.Transaction, err error)) {
	if fn == nil {
		e.onComplete.Store(nil)
		return
	}
	e.onComplete.Store(&fn)
}

func (e *Engine) complete(tx *types.Transaction, err error) {
	if err == nil {
		e.pool.MarkConfirmed(tx)
		e.mets.TxConfirmed.Inc()
	} else {
		e.pool.MarkRejected(tx)
		e.mets.TxFailed.Inc()
	}
	if fn := e.onComplete.Load(); fn != nil {
		(*fn)(tx, err)
	}
}

// Submit validates a transaction, admits it into the memory pool and returns
// its id.
func (e *Engine) Submit(tx *types.Transaction) (string, error) {
	if err := e.validate(tx); err != nil {
		e.mets.TxRejected.Inc()
		return "", err
	}

	if !e.allowSubmit() {
		e.mets.TxRejected.Inc()
		return "", fmt.Errorf("%w: throughput cap %d/s", types.ErrRateLimitExceeded, e.cfg.MaxThroughput)
	}

	if err := e.pool.Add(tx); err != nil {
		e.mets.TxRejected.Inc()
		return "", err
	}

	// A full batch waiting in the pool cuts immediately instead of waiting
	// out the interval.
	if e.pool.PendingCount() >= int(e.batchSize.Load()) {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}

	e.mets.TxSubmitted.Inc()
	return tx.ID, nil
}

// allowSubmit enforces the configured throughput cap over one-second
// windows. The window roll is racy by a handful of submissions at the
// boundary, which is acceptable for an admission cap.
func (e *Engine) allowSubmit() bool {
	if e.cfg.MaxThroughput == 0 {
		return true
	}
	now := time.Now().Unix()
	if win := e.rateWindow.Load(); win != now && e.rateWindow.CompareAndSwap(win, now) {
		e.rateCount.Store(0)
	}
	return e.rateCount.Add(1) <= int64(e.cfg.MaxThroughput)
}

func (e *Engine) validate(tx *types.Transaction) error {
	if tx == nil || tx.From == "" || tx.To == "" {
		return fmt.Errorf("%w: transaction needs sender and receiver", types.ErrInvalidInput)
	}
	if tx.From == tx.To {
		return fmt.Errorf("%w: self-transfer", types.ErrInvalidTransaction)
	}
	if !amount.IsPositive(tx.Amount) {
		return fmt.Errorf("%w: amount %q must be positive", types.ErrInvalidTransaction, tx.Amount)
	}
	if tx.Fee != "" {
		if _, err := amount.Parse(tx.Fee); err != nil {
			return fmt.Errorf("%w: fee %q", types.ErrInvalidTransaction, tx.Fee)
		}
	}
	if tx.ID == "" {
		return fmt.Errorf("%w: missing transaction id", types.ErrInvalidInput)
	}
	if want := types.ComputeTransactionID(tx.From, tx.To, tx.Amount, tx.Nonce, tx.Timestamp); tx.ID != want {
		return fmt.Errorf("%w: id does not match identity fields", types.ErrInvalidTransaction)
	}
	if len(tx.Signature) > 0 {
		if err := crypto.VerifyTransaction(tx); err != nil {
			return fmt.Errorf("%w: %v", types.ErrSecurityViolation, err)
		}
	}
	return nil
}

// Start launches the batch, cleanup and stats loops. Idempotent.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}

	e.wg.Add(3)
	go e.batchLoop()
	go e.cleanupLoop()
	go e.statsLoop()

	e.logger.Info("engine started",
		"batch_size", e.batchSize.Load(),
		"pool_capacity", e.cfg.MemoryPoolSize,
		"adaptive_batching", e.cfg.AdaptiveBatchingEnabled)
}

// Stop drains what the batch loop already cut, stops the loops and waits for
// them. Idempotent; pending transactions remain in the pool.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.running.Store(false)
		close(e.stopCh)
		e.wg.Wait()
		e.logger.Info("engine stopped", "pending", e.pool.PendingCount())
	})
}

func (e *Engine) batchLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.BatchIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		case <-e.kick:
		}

		batch := e.pool.TakeBatch(int(e.batchSize.Load()))
		if len(batch) == 0 {
			continue
		}
		// Stop may have flipped the flag between the wakeup and the cut.
		if !e.running.Load() {
			e.pool.Requeue(batch)
			return
		}
		e.processBatch(batch)
	}
}

// processBatch partitions a batch by shard residency and applies each side
// under the configured processing deadline.
func (e *Engine) processBatch(batch []*types.Transaction) {
	started := time.Now()
	ctx, cancel := e.batchContext()
	defer cancel()

	var single []*types.Transaction

	for _, tx := range batch {
		crossShard, fromShard, _, err := e.route(tx)
		if err != nil {
			e.complete(tx, err)
			continue
		}
		if crossShard {
			e.dispatchCrossShard(tx)
			continue
		}
		tx.ShardID = fromShard
		single = append(single, tx)
	}

	if len(single) > 0 {
		errs := e.applySingleShard(ctx, single)
		for i, tx := range single {
			e.complete(tx, errs[i])
		}
	}

	e.mets.LatencyMs.Observe(float64(time.Since(started).Milliseconds()))
}

// batchContext bounds one batch by ProcessingTimeoutMs; zero disables the
// deadline.
func (e *Engine) batchContext() (context.Context, context.CancelFunc) {
	if e.cfg.ProcessingTimeoutMs <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), time.Duration(e.cfg.ProcessingTimeoutMs)*time.Millisecond)
}

// applySingleShard settles single-shard transfers in parallel. Items past the
// batch deadline fail individually; already-running applications finish.
func (e *Engine) applySingleShard(ctx context.Context, txs []*types.Transaction) []error {
	return parallel.Process(e.sched, txs, func(tx *types.Transaction) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: batch processing deadline exceeded", types.ErrTimeout)
		}
		return e.applyLocal(tx)
	})
}

func (e *Engine) route(tx *types.Transaction) (bool, types.ShardID, types.ShardID, error) {
	fromShard, err := e.registry.ShardForAddress(tx.From)
	if err != nil {
		return false, "", "", err
	}
	toShard, err := e.registry.ShardForAddress(tx.To)
	if err != nil {
		return false, "", "", err
	}
	return fromShard != toShard, fromShard, toShard, nil
}

func (e *Engine) dispatchCrossShard(tx *types.Transaction) {
	if e.xshard == nil {
		e.complete(tx, fmt.Errorf("%w: cross-shard transfers disabled", types.ErrInvalidOperation))
		return
	}
	if err := e.xshard.Submit(tx); err != nil {
		e.complete(tx, err)
	}
	// Terminal outcome arrives through the optimizer's result callback,
	// which the node wires back into CompleteCrossShard.
}

// CompleteCrossShard records the terminal outcome of a transfer the engine
// handed to the coordinator.
func (e *Engine) CompleteCrossShard(tx *types.Transaction, err error) {
	if err == nil {
		e.mets.CrossShardCommits.Inc()
	} else {
		e.mets.CrossShardAborts.Inc()
	}
	e.complete(tx, err)
}

// applyLocal settles a single-shard transfer on the ledger. Sender pays
// amount plus fee, receiver gains the amount.
func (e *Engine) applyLocal(tx *types.Transaction) error {
	fee := tx.Fee
	if fee == "" {
		fee = "0"
	}
	total, err := amount.Add(tx.Amount, fee)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTransaction, err)
	}

	unlock := e.lockAddrs(tx.From, tx.To)
	defer unlock()

	bal, err := e.ledger.GetBalance(tx.ShardID, tx.From)
	if err != nil {
		return err
	}
	cmp, err := amount.Cmp(bal, total)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTransaction, err)
	}
	if cmp < 0 {
		return fmt.Errorf("%w: balance %s below %s", types.ErrInvalidTransaction, bal, total)
	}

	if err := e.ledger.Debit(tx.ShardID, tx.From, total); err != nil {
		return err
	}
	if err := e.ledger.Credit(tx.ShardID, tx.To, tx.Amount); err != nil {
		return err
	}

	confirmed := *tx
	confirmed.Status = types.TxStatusConfirmed
	return e.ledger.PutTransaction(&confirmed)
}

// lockAddrs acquires the lock stripes for both addresses in a fixed order so
// concurrent transfers over the same accounts cannot deadlock.
func (e *Engine) lockAddrs(a, b string) func() {
	i, j := e.stripe(a), e.stripe(b)
	if i > j {
		i, j = j, i
	}
	e.addrLocks[i].Lock()
	if j != i {
		e.addrLocks[j].Lock()
	}
	return func() {
		if j != i {
			e.addrLocks[j].Unlock()
		}
		e.addrLocks[i].Unlock()
	}
}

func (e *Engine) stripe(addr string) int {
	return e.shardIndex(addr, lockStripes)
}

func (e *Engine) cleanupLoop() {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.MemoryPoolCleanupIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			stale := e.pool.EvictStale(time.Now())
			for _, tx := range stale {
				e.complete(tx, fmt.Errorf("%w: transaction exceeded maximum age", types.ErrTimeout))
			}
			if len(stale) > 0 {
				e.logger.Info("evicted stale transactions", "count", len(stale))
			}
		}
	}
}
