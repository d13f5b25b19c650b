package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/shardx-labs/shardx/types"
)

// BenchmarkResult summarizes one throughput run.
type BenchmarkResult struct {
	TransactionCount int     `json:"transaction_count"`
	Successful       uint64  `json:"successful"`
	Failed           uint64  `json:"failed"`
	TotalTimeMs      int64   `json:"total_time_ms"`
	TPS              float64 `json:"tps"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	MinLatencyMs     float64 `json:"min_latency_ms"`
	MaxLatencyMs     float64 `json:"max_latency_ms"`
}

// Stall detection: the run aborts when this many consecutive progress samples
// show no newly resolved transactions.
const stallSamples = 10

// RunBenchmark funds a set of synthetic accounts, submits count transfers
// from the given number of workers and waits until every transfer reaches a
// terminal state, the context expires, or progress stalls. The engine must be
// started before the run.
func (e *Engine) RunBenchmark(ctx context.Context, count, concurrency int) (*BenchmarkResult, error) {
	if count < 1 || concurrency < 1 {
		return nil, fmt.Errorf("%w: count and concurrency must be positive", types.ErrInvalidInput)
	}
	if !e.running.Load() {
		return nil, fmt.Errorf("%w: engine not started", types.ErrInvalidOperation)
	}

	accounts, err := e.fundBenchmarkAccounts(concurrency * 2)
	if err != nil {
		return nil, err
	}

	var (
		latMu     sync.Mutex
		latencies = make(map[string]time.Time, count)
		resolved  = make(chan time.Duration, count)
	)
	e.SetOnComplete(func(tx *types.Transaction, err error) {
		latMu.Lock()
		submitted, ok := latencies[tx.ID]
		delete(latencies, tx.ID)
		latMu.Unlock()
		if ok {
			resolved <- time.Since(submitted)
		}
	})
	defer e.SetOnComplete(nil)

	start := time.Now()
	baseConfirmed := e.pool.ConfirmedCount()
	baseRejected := e.pool.RejectedCount()

	var wg sync.WaitGroup
	perWorker := count / concurrency
	extra := count % concurrency
	var submitFailures sync.Map

	for w := 0; w < concurrency; w++ {
		n := perWorker
		if w < extra {
			n++
		}
		wg.Add(1)
		go func(worker, n int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(worker)))

			for i := 0; i < n; i++ {
				from := accounts[rng.Intn(len(accounts))]
				to := accounts[rng.Intn(len(accounts))]
				for to == from {
					to = accounts[rng.Intn(len(accounts))]
				}

				tx := types.NewTransaction(from, to, "1", "0", nil, uint64(worker)<<32|uint64(i), "", nil)
				latMu.Lock()
				latencies[tx.ID] = time.Now()
				latMu.Unlock()

				if _, err := e.Submit(tx); err != nil {
					latMu.Lock()
					delete(latencies, tx.ID)
					latMu.Unlock()
					submitFailures.Store(tx.ID, err)
					resolved <- 0
				}
			}
		}(w, n)
	}
	wg.Wait()

	// Wait for terminal outcomes with stall detection.
	var (
		done         int
		minLat       time.Duration = -1
		maxLat       time.Duration
		totalLat     time.Duration
		measured     int
		stalledTicks int
		lastDone     int
	)
	progress := time.NewTicker(500 * time.Millisecond)
	defer progress.Stop()

	for done < count {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: benchmark cancelled with %d/%d resolved", types.ErrTimeout, done, count)
		case lat := <-resolved:
			done++
			if lat > 0 {
				measured++
				totalLat += lat
				if minLat < 0 || lat < minLat {
					minLat = lat
				}
				if lat > maxLat {
					maxLat = lat
				}
			}
		case <-progress.C:
			if done == lastDone {
				stalledTicks++
				if stalledTicks >= stallSamples {
					return nil, fmt.Errorf("%w: benchmark stalled at %d/%d resolved", types.ErrTimeout, done, count)
				}
			} else {
				stalledTicks = 0
				lastDone = done
			}
		}
	}

	elapsed := time.Since(start)
	result := &BenchmarkResult{
		TransactionCount: count,
		Successful:       e.pool.ConfirmedCount() - baseConfirmed,
		Failed:           e.pool.RejectedCount() - baseRejected,
		TotalTimeMs:      elapsed.Milliseconds(),
		TPS:              float64(count) / elapsed.Seconds(),
	}
	submitFailures.Range(func(_, _ any) bool {
		result.Failed++
		return true
	})
	if measured > 0 {
		result.AvgLatencyMs = float64(totalLat.Microseconds()) / float64(measured) / 1000
		result.MinLatencyMs = float64(minLat.Microseconds()) / 1000
		result.MaxLatencyMs = float64(maxLat.Microseconds()) / 1000
	}

	e.logger.Info("benchmark complete",
		"count", result.TransactionCount,
		"successful", result.Successful,
		"failed", result.Failed,
		"tps", fmt.Sprintf("%.0f", result.TPS),
		"avg_latency_ms", fmt.Sprintf("%.2f", result.AvgLatencyMs))
	return result, nil
}

// fundBenchmarkAccounts seeds n accounts with enough balance that transfers
// never fail on funds.
func (e *Engine) fundBenchmarkAccounts(n int) ([]string, error) {
	accounts := make([]string, n)
	for i := range accounts {
		addr := fmt.Sprintf("bench-%d", i)
		shardID, err := e.registry.ShardForAddress(addr)
		if err != nil {
			return nil, err
		}
		if err := e.ledger.SetBalance(shardID, addr, "1000000000"); err != nil {
			return nil, err
		}
		accounts[i] = addr
	}
	return accounts, nil
}
