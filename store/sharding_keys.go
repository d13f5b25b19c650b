package store

import (
	"fmt"
	"math/big"

	"github.com/shardx-labs/shardx/crypto/hash"
	"github.com/shardx-labs/shardx/types"
)

// CalculateShardIndex deterministically maps an address onto one of numShards
// buckets.
func CalculateShardIndex(addr string, numShards int) int {
	return indexFromHash(hash.NewHash([]byte(addr)), numShards)
}

// CalculateShardIndexFast is CalculateShardIndex on the pooled hasher. Both
// produce the same index; this variant avoids per-call hasher allocation on
// hot paths when hardware acceleration is enabled.
func CalculateShardIndexFast(addr string, numShards int) int {
	return indexFromHash(hash.NewHashPooled([]byte(addr)), numShards)
}

func indexFromHash(h hash.Hash, numShards int) int {
	if numShards < 1 {
		return 0
	}
	bigIntHash := new(big.Int).SetBytes(h.Bytes())
	return int(bigIntHash.Mod(bigIntHash, big.NewInt(int64(numShards))).Int64())
}

// ShardedKey builds a store key scoped to a shard.
func ShardedKey(prefix string, shardID types.ShardID, parts ...string) []byte {
	key := prefix + string(shardID)
	for _, part := range parts {
		key += "-" + part
	}
	return []byte(key)
}

// TransactionKey is the canonical key for a persisted transaction record.
func TransactionKey(shardID types.ShardID, txID string) []byte {
	return ShardedKey(TransactionPrefix, shardID, txID)
}

// BalanceKey is the canonical key for an address balance within a shard.
func BalanceKey(shardID types.ShardID, addr string) []byte {
	return ShardedKey(BalancePrefix, shardID, addr)
}

// IntentKey is the canonical key for a cross-shard commit intent record.
func IntentKey(txID string) []byte {
	return []byte(fmt.Sprintf("%s%s", IntentPrefix, txID))
}

// CrossShardKey is the canonical key for a committed cross-shard parent
// record. Parents span two shards, so they are kept outside any single
// shard's scope.
func CrossShardKey(txID string) []byte {
	return []byte(fmt.Sprintf("%s%s", CrossShardPrefix, txID))
}
