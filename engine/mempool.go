// Package engine is the high-throughput front end: it admits transactions
// into a bounded memory pool, cuts batches on a fixed cadence, routes each
// transaction to single-shard application or the cross-shard coordinator, and
// adapts its batch size to pool pressure.
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardx-labs/shardx/store"
	"github.com/shardx-labs/shardx/types"
)

// Mempool holds submitted transactions until a batch picks them up. Resolved
// transactions move into a bounded recent-history cache whose bloom filter
// keeps duplicate screening cheap even after the cache evicts them.
type Mempool struct {
	capacity int
	maxAge   time.Duration

	mu      sync.Mutex
	pending map[string]*types.Transaction

	recent         *store.TxCache
	confirmedCount atomic.Uint64
	rejectedCount  atomic.Uint64
}

// NewMempool builds a pool bounded at capacity entries, evicting pending
// transactions older than maxAge.
func NewMempool(capacity int, maxAge time.Duration) (*Mempool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: pool capacity %d", types.ErrInvalidInput, capacity)
	}

	recentSize := capacity / 10
	if recentSize < 1024 {
		recentSize = 1024
	}
	recent, err := store.NewTxCache(recentSize, uint(capacity), 0.01)
	if err != nil {
		return nil, err
	}

	return &Mempool{
		capacity: capacity,
		maxAge:   maxAge,
		pending:  make(map[string]*types.Transaction),
		recent:   recent,
	}, nil
}

// Add admits a transaction into the pool.
func (p *Mempool) Add(tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[tx.ID]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateTransaction, tx.ID)
	}
	// The bloom filter can produce false positives, so only a confirmed
	// cache hit rejects; a bare hint admits the transaction.
	if p.recent.MaybeSeen(tx.ID) {
		if _, hit := p.recent.Get(tx.ID); hit {
			return fmt.Errorf("%w: %s already resolved", types.ErrDuplicateTransaction, tx.ID)
		}
	}
	if len(p.pending) >= p.capacity {
		return fmt.Errorf("%w: memory pool at capacity %d", types.ErrResourceExhausted, p.capacity)
	}

	p.pending[tx.ID] = tx
	return nil
}

// TakeBatch removes and returns up to n pending transactions.
func (p *Mempool) TakeBatch(n int) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.pending) {
		n = len(p.pending)
	}
	if n == 0 {
		return nil
	}

	batch := make([]*types.Transaction, 0, n)
	for id, tx := range p.pending {
		batch = append(batch, tx)
		delete(p.pending, id)
		if len(batch) == n {
			break
		}
	}
	return batch
}

// Requeue returns transactions to the pool, used when a batch is cut but the
// engine stops before processing it. Capacity is not re-checked; the entries
// were admitted once already.
func (p *Mempool) Requeue(txs []*types.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		p.pending[tx.ID] = tx
	}
}

// MarkConfirmed records a terminal success.
func (p *Mempool) MarkConfirmed(tx *types.Transaction) {
	resolved := *tx
	resolved.Status = types.TxStatusConfirmed
	p.recent.Add(&resolved)
	p.confirmedCount.Add(1)
}

// MarkRejected records a terminal failure.
func (p *Mempool) MarkRejected(tx *types.Transaction) {
	resolved := *tx
	resolved.Status = types.TxStatusFailed
	p.recent.Add(&resolved)
	p.rejectedCount.Add(1)
}

// Lookup returns a pending or recently resolved transaction.
func (p *Mempool) Lookup(id string) (*types.Transaction, bool) {
	p.mu.Lock()
	if tx, ok := p.pending[id]; ok {
		p.mu.Unlock()
		return tx, true
	}
	p.mu.Unlock()
	return p.recent.Get(id)
}

// PendingCount returns the number of transactions awaiting a batch.
func (p *Mempool) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ConfirmedCount returns the number of terminal successes recorded.
func (p *Mempool) ConfirmedCount() uint64 { return p.confirmedCount.Load() }

// RejectedCount returns the number of terminal failures recorded.
func (p *Mempool) RejectedCount() uint64 { return p.rejectedCount.Load() }

// Load returns pool occupancy as a fraction of capacity.
func (p *Mempool) Load() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(len(p.pending)) / float64(p.capacity)
}

// EvictStale removes pending transactions older than the pool's maximum age
// and returns them so the caller can record the rejections.
func (p *Mempool) EvictStale(now time.Time) []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []*types.Transaction
	for id, tx := range p.pending {
		if tx.Age(now) > p.maxAge {
			evicted = append(evicted, tx)
			delete(p.pending, id)
		}
	}
	return evicted
}
