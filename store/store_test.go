package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardx-labs/shardx/types"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDatabaseCRUD(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, db.Set([]byte("k"), []byte("v")))
	val, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestScanPrefix(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Set([]byte(fmt.Sprintf("in-tx%d", i)), []byte("x")))
	}
	require.NoError(t, db.Set([]byte("tx-other"), []byte("y")))

	var keys []string
	require.NoError(t, db.ScanPrefix([]byte(IntentPrefix), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	require.Len(t, keys, 5)
	for _, k := range keys {
		require.Contains(t, k, "in-tx")
	}
}

func TestLedgerBalances(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedger(db)

	bal, err := ledger.GetBalance("shard-0", "alice")
	require.NoError(t, err)
	require.Equal(t, "0", bal, "missing balance reads as zero")

	require.NoError(t, ledger.SetBalance("shard-0", "alice", "100"))
	require.NoError(t, ledger.Credit("shard-0", "alice", "0.5"))
	require.NoError(t, ledger.Debit("shard-0", "alice", "30"))

	bal, err = ledger.GetBalance("shard-0", "alice")
	require.NoError(t, err)
	require.Equal(t, "70.5", bal)
}

func TestLedgerBalancesAreShardScoped(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedger(db)

	require.NoError(t, ledger.SetBalance("shard-0", "alice", "100"))

	bal, err := ledger.GetBalance("shard-1", "alice")
	require.NoError(t, err)
	require.Equal(t, "0", bal)
}

func TestLedgerTransactionRecords(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedger(db)

	tx := types.NewTransaction("alice", "bob", "10", "1", nil, 1, "shard-0", nil)
	require.NoError(t, ledger.PutTransaction(tx))

	got, err := ledger.GetTransaction("shard-0", tx.ID)
	require.NoError(t, err)
	require.Equal(t, tx.ID, got.ID)
	require.Equal(t, tx.Amount, got.Amount)

	_, err = ledger.GetTransaction("shard-1", tx.ID)
	require.ErrorIs(t, err, types.ErrNotFound)
}

func TestTxCacheBloomFronting(t *testing.T) {
	cache, err := NewTxCache(4, 1000, 0.01)
	require.NoError(t, err)

	tx := types.NewTransaction("alice", "bob", "10", "1", nil, 1, "shard-0", nil)
	require.False(t, cache.MaybeSeen(tx.ID))

	cache.Add(tx)
	require.True(t, cache.MaybeSeen(tx.ID))

	got, ok := cache.Get(tx.ID)
	require.True(t, ok)
	require.Equal(t, tx.ID, got.ID)

	cache.Remove(tx.ID)
	_, ok = cache.Get(tx.ID)
	require.False(t, ok)
	// The bloom filter never forgets, so the hint survives removal.
	require.True(t, cache.MaybeSeen(tx.ID))
}

func TestTxCacheEvictsLRU(t *testing.T) {
	cache, err := NewTxCache(2, 1000, 0.01)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		cache.Add(types.NewTransaction("a", "b", "1", "0", nil, uint64(i), "shard-0", nil))
	}
	require.Equal(t, 2, cache.Len())
}

func TestShardedKeys(t *testing.T) {
	require.Equal(t, []byte("bal-shard-0-alice"), BalanceKey("shard-0", "alice"))
	require.Equal(t, []byte("tx-shard-1-abc"), TransactionKey("shard-1", "abc"))
	require.Equal(t, []byte("in-abc"), IntentKey("abc"))
	require.Equal(t, []byte("xs-abc"), CrossShardKey("abc"))
}

func TestCalculateShardIndexStableAndBounded(t *testing.T) {
	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("addr-%d", i)
		idx := CalculateShardIndex(addr, 16)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 16)
		require.Equal(t, idx, CalculateShardIndex(addr, 16))
	}
	require.Zero(t, CalculateShardIndex("anything", 0))
}

func TestCalculateShardIndexFastMatchesOneShot(t *testing.T) {
	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("addr-%d", i)
		require.Equal(t, CalculateShardIndex(addr, 16), CalculateShardIndexFast(addr, 16))
	}
}
