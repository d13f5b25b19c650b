package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardx-labs/shardx/config"
	"github.com/shardx-labs/shardx/crossshard"
	"github.com/shardx-labs/shardx/crypto"
	"github.com/shardx-labs/shardx/network"
	"github.com/shardx-labs/shardx/parallel"
	"github.com/shardx-labs/shardx/shard"
	"github.com/shardx-labs/shardx/store"
	"github.com/shardx-labs/shardx/types"
)

func fastEngineConfig() config.EngineConfig {
	cfg := config.Default().Engine
	cfg.BatchSize = 10
	cfg.MinBatchSize = 5
	cfg.MaxBatchSize = 50
	cfg.BatchIntervalMs = 5
	cfg.MemoryPoolSize = 10000
	cfg.StatsUpdateIntervalMs = 50
	return cfg
}

type engineHarness struct {
	eng      *Engine
	registry *shard.Manager
	ledger   *store.Ledger
}

func newEngineHarness(t *testing.T, cfg config.EngineConfig) *engineHarness {
	t.Helper()

	db, err := store.NewInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	shardCfg := config.Default().Shard
	shardCfg.InitialShards = 2
	registry, err := shard.NewManager(shardCfg, nil)
	require.NoError(t, err)
	t.Cleanup(registry.Stop)
	registry.RegisterNode(types.NodeSpec{ID: "node-1", CPUCores: 4, MemoryGB: 8})

	sched := parallel.NewScheduler(config.ParallelConfig{Workers: 4, CPULimitPercent: 100, MonitorIntervalMs: 1000}, nil)
	t.Cleanup(sched.Close)

	transport := network.NewLocalTransport(nil)
	t.Cleanup(func() { transport.Close() })

	ledger := store.NewLedger(db)
	for _, info := range registry.ActiveShards() {
		crossshard.NewParticipant(info.ID, ledger, nil).Register(transport)
	}

	ccfg := config.Default().Coordinator
	ccfg.TimeoutSec = 2
	ccfg.RetryCount = 0
	ccfg.BatchSize = 50
	ccfg.BatchIntervalMs = 10

	mgr, err := crossshard.NewManager(ccfg, transport, registry, sched, db, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	var eng *Engine
	opt := crossshard.NewOptimizer(ccfg, mgr, func(tx *types.Transaction, err error) {
		eng.CompleteCrossShard(tx, err)
	}, nil)
	opt.Start()
	t.Cleanup(opt.Stop)

	eng, err = New(cfg, registry, ledger, sched, opt, nil, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	return &engineHarness{eng: eng, registry: registry, ledger: ledger}
}

func (h *engineHarness) fund(t *testing.T, addr, balance string) types.ShardID {
	t.Helper()
	shardID, err := h.registry.ShardForAddress(addr)
	require.NoError(t, err)
	require.NoError(t, h.ledger.SetBalance(shardID, addr, balance))
	return shardID
}

func TestSubmitValidation(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	cases := []struct {
		name string
		tx   *types.Transaction
		want error
	}{
		{"missing sender", types.NewTransaction("", "bob", "1", "0", nil, 1, "", nil), types.ErrInvalidInput},
		{"missing receiver", types.NewTransaction("alice", "", "1", "0", nil, 1, "", nil), types.ErrInvalidInput},
		{"self transfer", types.NewTransaction("alice", "alice", "1", "0", nil, 1, "", nil), types.ErrInvalidTransaction},
		{"zero amount", types.NewTransaction("alice", "bob", "0", "0", nil, 1, "", nil), types.ErrInvalidTransaction},
		{"negative amount", types.NewTransaction("alice", "bob", "-5", "0", nil, 1, "", nil), types.ErrInvalidTransaction},
		{"garbage fee", types.NewTransaction("alice", "bob", "1", "abc", nil, 1, "", nil), types.ErrInvalidTransaction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.eng.Submit(tc.tx)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSubmitRejectsTamperedID(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	tx := types.NewTransaction("alice", "bob", "1", "0", nil, 1, "", nil)
	tx.Amount = "999"
	_, err := h.eng.Submit(tx)
	require.ErrorIs(t, err, types.ErrInvalidTransaction)
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	tx := types.NewTransaction("alice", "bob", "1", "0", nil, 1, "", nil)
	id, err := h.eng.Submit(tx)
	require.NoError(t, err)
	require.Equal(t, tx.ID, id)

	_, err = h.eng.Submit(tx)
	require.ErrorIs(t, err, types.ErrDuplicateTransaction)
}

func TestSubmitPoolCapacity(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.MemoryPoolSize = 2
	h := newEngineHarness(t, cfg)

	for i := 0; i < 2; i++ {
		tx := types.NewTransaction("alice", "bob", "1", "0", nil, uint64(i), "", nil)
		_, err := h.eng.Submit(tx)
		require.NoError(t, err)
	}
	tx := types.NewTransaction("alice", "bob", "1", "0", nil, 99, "", nil)
	_, err := h.eng.Submit(tx)
	require.ErrorIs(t, err, types.ErrResourceExhausted)
}

func TestSubmitRateLimit(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.MaxThroughput = 3
	h := newEngineHarness(t, cfg)

	var rateLimited int
	for i := 0; i < 10; i++ {
		tx := types.NewTransaction("alice", "bob", "1", "0", nil, uint64(i), "", nil)
		if _, err := h.eng.Submit(tx); err != nil {
			require.ErrorIs(t, err, types.ErrRateLimitExceeded)
			rateLimited++
		}
	}
	require.Greater(t, rateLimited, 0, "cap of 3/s must reject part of a 10-burst")
}

func TestEngineProcessesMixedBatch(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	h.fund(t, "alice", "1000")

	// One receiver on alice's shard, one on the other.
	aliceShard, err := h.registry.ShardForAddress("alice")
	require.NoError(t, err)

	var sameShard, otherShard string
	for i := 0; sameShard == "" || otherShard == ""; i++ {
		require.Less(t, i, 1000)
		addr := walkAddr(i)
		s, err := h.registry.ShardForAddress(addr)
		require.NoError(t, err)
		if s == aliceShard && sameShard == "" {
			sameShard = addr
		}
		if s != aliceShard && otherShard == "" {
			otherShard = addr
		}
	}

	done := make(chan error, 2)
	h.eng.SetOnComplete(func(tx *types.Transaction, err error) { done <- err })

	h.eng.Start()

	local := types.NewTransaction("alice", sameShard, "10", "2", nil, 1, "", nil)
	remote := types.NewTransaction("alice", otherShard, "10", "2", nil, 2, "", nil)
	for _, tx := range []*types.Transaction{local, remote} {
		_, err := h.eng.Submit(tx)
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for transactions to resolve")
		}
	}

	stats := h.eng.Stats()
	require.EqualValues(t, 2, stats.Confirmed)
	require.EqualValues(t, 0, stats.Failed)

	resolved, ok := h.eng.Transaction(local.ID)
	require.True(t, ok)
	require.True(t, resolved.IsConfirmed())

	// Local transfer: alice pays 12, receiver gets 10. Cross-shard: alice
	// pays 10 plus her shard's fee share of 1, receiver gets 10 minus the
	// receiving shard's share of 1.
	bal, err := h.ledger.GetBalance(aliceShard, "alice")
	require.NoError(t, err)
	require.Equal(t, "977", bal)

	localBal, err := h.ledger.GetBalance(aliceShard, sameShard)
	require.NoError(t, err)
	require.Equal(t, "10", localBal)

	remoteShardID, err := h.registry.ShardForAddress(otherShard)
	require.NoError(t, err)
	remoteBal, err := h.ledger.GetBalance(remoteShardID, otherShard)
	require.NoError(t, err)
	require.Equal(t, "9", remoteBal)
}

func walkAddr(i int) string {
	return "recv-" + string(rune('a'+i%26)) + "-" + string(rune('0'+(i/26)%10))
}

func TestEngineInsufficientFundsFailsTransaction(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	aliceShard := h.fund(t, "alice", "5")

	// Find a same-shard receiver so the transfer settles locally.
	var receiver string
	for i := 0; receiver == ""; i++ {
		require.Less(t, i, 1000)
		addr := walkAddr(i)
		s, err := h.registry.ShardForAddress(addr)
		require.NoError(t, err)
		if s == aliceShard {
			receiver = addr
		}
	}

	done := make(chan error, 1)
	h.eng.SetOnComplete(func(tx *types.Transaction, err error) { done <- err })
	h.eng.Start()

	tx := types.NewTransaction("alice", receiver, "100", "1", nil, 1, "", nil)
	_, err := h.eng.Submit(tx)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, types.ErrInvalidTransaction)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}

	bal, err := h.ledger.GetBalance(aliceShard, "alice")
	require.NoError(t, err)
	require.Equal(t, "5", bal)
}

func TestAdaptiveBatchSizeGrowsUnderLoad(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	start := h.eng.BatchSize()
	h.eng.adaptBatchSize(0.95)
	require.Greater(t, h.eng.BatchSize(), start)

	// Repeated high load saturates at the maximum.
	for i := 0; i < 100; i++ {
		h.eng.adaptBatchSize(0.95)
	}
	require.Equal(t, 50, h.eng.BatchSize())
}

func TestAdaptiveBatchSizeShrinksWhenIdle(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	start := h.eng.BatchSize()
	h.eng.adaptBatchSize(0.01)
	require.Less(t, h.eng.BatchSize(), start)

	for i := 0; i < 100; i++ {
		h.eng.adaptBatchSize(0.01)
	}
	require.Equal(t, 5, h.eng.BatchSize())
}

func TestAdaptiveBatchSizeStableInBand(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	start := h.eng.BatchSize()
	h.eng.adaptBatchSize(0.5)
	require.Equal(t, start, h.eng.BatchSize())
}

func TestAdaptiveBatchingDisabled(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.AdaptiveBatchingEnabled = false
	h := newEngineHarness(t, cfg)

	start := h.eng.BatchSize()
	h.eng.adaptBatchSize(0.95)
	require.Equal(t, start, h.eng.BatchSize())
}

func TestStartStopIdempotent(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	h.eng.Start()
	h.eng.Start()
	h.eng.Stop()
	h.eng.Stop()
}

func TestMempoolEvictStale(t *testing.T) {
	pool, err := NewMempool(100, time.Hour)
	require.NoError(t, err)

	fresh := types.NewTransaction("a", "b", "1", "0", nil, 1, "", nil)
	stale := types.NewTransaction("a", "b", "1", "0", nil, 2, "", nil)
	stale.Timestamp = time.Now().Add(-2 * time.Hour).Unix()
	stale.ID = types.ComputeTransactionID(stale.From, stale.To, stale.Amount, stale.Nonce, stale.Timestamp)

	require.NoError(t, pool.Add(fresh))
	require.NoError(t, pool.Add(stale))

	evicted := pool.EvictStale(time.Now())
	require.Len(t, evicted, 1)
	require.Equal(t, stale.ID, evicted[0].ID)
	require.Equal(t, 1, pool.PendingCount())
}

func TestMempoolRejectsResolvedDuplicate(t *testing.T) {
	pool, err := NewMempool(100, time.Hour)
	require.NoError(t, err)

	tx := types.NewTransaction("a", "b", "1", "0", nil, 1, "", nil)
	require.NoError(t, pool.Add(tx))

	taken := pool.TakeBatch(10)
	require.Len(t, taken, 1)
	pool.MarkConfirmed(tx)

	require.ErrorIs(t, pool.Add(tx), types.ErrDuplicateTransaction)
	require.EqualValues(t, 1, pool.ConfirmedCount())
}

func TestApplySingleShardHonorsBatchDeadline(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	aliceShard := h.fund(t, "alice", "100")
	var receiver string
	for i := 0; receiver == ""; i++ {
		require.Less(t, i, 1000)
		addr := walkAddr(i)
		s, err := h.registry.ShardForAddress(addr)
		require.NoError(t, err)
		if s == aliceShard {
			receiver = addr
		}
	}

	tx := types.NewTransaction("alice", receiver, "10", "0", nil, 1, "", nil)
	tx.ShardID = aliceShard

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := h.eng.applySingleShard(ctx, []*types.Transaction{tx})
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], types.ErrTimeout)

	bal, err := h.ledger.GetBalance(aliceShard, "alice")
	require.NoError(t, err)
	require.Equal(t, "100", bal, "an expired batch must not move value")
}

func TestBatchContextFollowsProcessingTimeout(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.ProcessingTimeoutMs = 50
	h := newEngineHarness(t, cfg)

	ctx, cancel := h.eng.batchContext()
	defer cancel()
	_, ok := ctx.Deadline()
	require.True(t, ok)

	cfg.ProcessingTimeoutMs = 0
	h2 := newEngineHarness(t, cfg)
	ctx2, cancel2 := h2.eng.batchContext()
	defer cancel2()
	_, ok = ctx2.Deadline()
	require.False(t, ok, "zero timeout disables the deadline")
}

func TestStripeStableAcrossHashPaths(t *testing.T) {
	cfg := fastEngineConfig()
	cfg.HardwareAccelerationEnabled = true
	accel := newEngineHarness(t, cfg)

	cfg.HardwareAccelerationEnabled = false
	plain := newEngineHarness(t, cfg)

	for i := 0; i < 50; i++ {
		addr := fmt.Sprintf("addr-%d", i)
		require.Equal(t, accel.eng.stripe(addr), plain.eng.stripe(addr))
	}
}

func TestMempoolRequeueRestoresBatch(t *testing.T) {
	pool, err := NewMempool(10, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Add(types.NewTransaction("a", "b", "1", "0", nil, uint64(i), "", nil)))
	}

	batch := pool.TakeBatch(3)
	require.Len(t, batch, 3)
	require.Zero(t, pool.PendingCount())

	pool.Requeue(batch)
	require.Equal(t, 3, pool.PendingCount())
}

func TestBenchmarkResolvesEveryTransaction(t *testing.T) {
	if testing.Short() {
		t.Skip("benchmark run")
	}
	h := newEngineHarness(t, fastEngineConfig())
	h.eng.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := h.eng.RunBenchmark(ctx, 200, 4)
	require.NoError(t, err)
	require.Equal(t, 200, result.TransactionCount)
	require.EqualValues(t, 200, result.Successful+result.Failed)
	require.Greater(t, result.TPS, 0.0)
	require.GreaterOrEqual(t, result.MaxLatencyMs, result.MinLatencyMs)
}

func TestSubmitAcceptsSignedTransaction(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.AddressFromPublicKey(priv.PublicKey())

	tx := types.NewTransaction(from, "bob", "1", "0", nil, 1, "", nil)
	require.NoError(t, crypto.SignTransaction(priv, tx))
	_, err = h.eng.Submit(tx)
	require.NoError(t, err)
}

func TestSubmitRejectsForgedSignature(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.AddressFromPublicKey(priv.PublicKey())

	tx := types.NewTransaction(from, "bob", "1", "0", nil, 1, "", nil)
	require.NoError(t, crypto.SignTransaction(priv, tx))
	tx.Signature[0] ^= 0xff

	_, err = h.eng.Submit(tx)
	require.ErrorIs(t, err, types.ErrSecurityViolation)
}

func TestBenchmarkRequiresRunningEngine(t *testing.T) {
	h := newEngineHarness(t, fastEngineConfig())

	_, err := h.eng.RunBenchmark(context.Background(), 10, 1)
	require.ErrorIs(t, err, types.ErrInvalidOperation)
}
