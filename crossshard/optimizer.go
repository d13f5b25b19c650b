package crossshard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/types"
)

// ResultFunc receives the terminal outcome of a queued transfer.
type ResultFunc func(tx *types.Transaction, err error)

// Optimizer batches cross-shard transfers before handing them to the Manager.
// Queued transfers are grouped by the pair of shards they touch and the
// largest groups run first, which keeps the number of distinct shard sets in
// flight low while the concurrency cap is saturated.
type Optimizer struct {
	cfg    config.CoordinatorConfig
	mgr    *Manager
	logger hclog.Logger
	onDone ResultFunc

	mu    sync.Mutex
	queue []*types.Transaction

	sem      chan struct{}
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewOptimizer builds the batching front end for mgr. onDone may be nil.
func NewOptimizer(cfg config.CoordinatorConfig, mgr *Manager, onDone ResultFunc, logger hclog.Logger) *Optimizer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if onDone == nil {
		onDone = func(*types.Transaction, error) {}
	}

	maxParallel := cfg.MaxParallelExecutions
	if maxParallel < 1 {
		maxParallel = 1
	}

	return &Optimizer{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger.Named("crossshard").Named("optimizer"),
		onDone: onDone,
		sem:    make(chan struct{}, maxParallel),
		stopCh: make(chan struct{}),
	}
}

// Submit queues a transfer. A full batch flushes immediately; otherwise the
// interval ticker picks it up.
func (o *Optimizer) Submit(tx *types.Transaction) error {
	select {
	case <-o.stopCh:
		return fmt.Errorf("%w: optimizer stopped", types.ErrInvalidOperation)
	default:
	}

	o.mu.Lock()
	o.queue = append(o.queue, tx)
	full := len(o.queue) >= o.cfg.BatchSize
	o.mu.Unlock()

	if full {
		o.Flush()
	}
	return nil
}

// QueueLen returns the number of transfers awaiting dispatch.
func (o *Optimizer) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Start runs the interval flush loop.
func (o *Optimizer) Start() {
	interval := time.Duration(o.cfg.BatchIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.Flush()
			}
		}
	}()
}

// Stop flushes the queue, waits for dispatched transfers to resolve and shuts
// the loop down.
func (o *Optimizer) Stop() {
	o.stopOnce.Do(func() {
		o.Flush()
		o.wg.Wait()
		close(o.stopCh)
	})
}

// Flush dispatches everything currently queued, ordered so transfers sharing
// a shard pair run back to back.
func (o *Optimizer) Flush() {
	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	for _, tx := range o.order(batch) {
		o.wg.Add(1)
		tx := tx
		go func() {
			defer o.wg.Done()

			o.sem <- struct{}{}
			defer func() { <-o.sem }()

			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(o.cfg.TimeoutSec)*time.Second*time.Duration(o.cfg.RetryCount+1))
			defer cancel()

			err := o.mgr.Execute(ctx, tx)
			if err != nil {
				o.logger.Debug("transfer failed", "tx", tx.ID, "error", err)
			}
			o.onDone(tx, err)
		}()
	}
}

// order groups the batch by shard pair and emits the largest groups first.
func (o *Optimizer) order(batch []*types.Transaction) []*types.Transaction {
	groups := make(map[string][]*types.Transaction)
	for _, tx := range batch {
		key := o.groupKey(tx)
		groups[key] = append(groups[key], tx)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(groups[keys[i]]) != len(groups[keys[j]]) {
			return len(groups[keys[i]]) > len(groups[keys[j]])
		}
		return keys[i] < keys[j]
	})

	ordered := make([]*types.Transaction, 0, len(batch))
	for _, k := range keys {
		ordered = append(ordered, groups[k]...)
	}
	return ordered
}

// groupKey is the unordered shard pair a transfer touches. Resolution
// failures group under a sentinel key and fail inside Execute with a real
// error.
func (o *Optimizer) groupKey(tx *types.Transaction) string {
	_, from, to, err := o.mgr.IsCrossShard(tx)
	if err != nil {
		return "unresolved"
	}
	if from > to {
		from, to = to, from
	}
	return string(from) + "|" + string(to)
}
