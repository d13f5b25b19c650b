package store

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"

	"github.com/shardx-labs/shardx/types"
)

// TxCache keeps recently seen transactions in memory. The bloom filter fronts
// the LRU so that duplicate-id screening on the submit path can answer
// "definitely new" without touching the cache lock.
type TxCache struct {
	cache       *lru.Cache[string, *types.Transaction]
	bloomFilter *bloom.BloomFilter
	mutex       sync.RWMutex
}

// NewTxCache creates a transaction cache sized for size entries, with a bloom
// filter dimensioned for expectedItems at the given false-positive rate.
func NewTxCache(size int, expectedItems uint, falsePositiveRate float64) (*TxCache, error) {
	c, err := lru.New[string, *types.Transaction](size)
	if err != nil {
		return nil, err
	}

	return &TxCache{
		cache:       c,
		bloomFilter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}, nil
}

// Get retrieves a cached transaction.
func (c *TxCache) Get(id string) (*types.Transaction, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.bloomFilter.TestString(id) {
		return nil, false
	}
	return c.cache.Get(id)
}

// Add caches a transaction and records its id in the bloom filter.
func (c *TxCache) Add(tx *types.Transaction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.bloomFilter.AddString(tx.ID)
	c.cache.Add(tx.ID, tx)
}

// MaybeSeen reports whether the id may have been cached before. False means
// definitely never seen; true requires a lookup to confirm.
func (c *TxCache) MaybeSeen(id string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.bloomFilter.TestString(id)
}

// Remove drops a transaction from the cache. The bloom filter retains the id;
// callers must treat MaybeSeen as a hint only.
func (c *TxCache) Remove(id string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache.Remove(id)
}

// Len returns the number of cached transactions.
func (c *TxCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.cache.Len()
}
