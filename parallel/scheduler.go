// Package parallel provides a CPU-bounded batch executor. It has no knowledge
// of shards or transactions; callers hand it a slice of work items and a
// processor and get back one outcome per item, in input order.
package parallel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/shardx-labs/shardx/config"
)

const (
	// Chunk sizes scale with core count: larger chunks on many-core nodes
	// amortize scheduling overhead, smaller chunks keep constrained nodes
	// responsive.
	chunkSizeHighSpec = 50
	chunkSizeLowSpec  = 10

	// Pause inserted between chunks while the throttle gauge is above the
	// limit. Bounded, so a 0% limit still makes progress.
	throttlePause = 50 * time.Millisecond
)

// Scheduler executes batches of independent work items across a fixed-size
// worker pool sized to available cores. A background monitor samples system
// CPU usage and publishes it through an atomically read gauge; workers consult
// the gauge between chunks and pause briefly when usage exceeds the configured
// limit. This is advisory backpressure: a chunk already running is never
// preempted.
type Scheduler struct {
	workers   int
	chunkSize int

	cpuLimit atomic.Int32
	cpuUsage atomic.Uint64 // float64 bits of the last sample

	logger   hclog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler builds a scheduler from config. Zero values fall back to
// core-count derived defaults.
func NewScheduler(cfg config.ParallelConfig, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		if runtime.NumCPU() >= 8 {
			chunkSize = chunkSizeHighSpec
		} else {
			chunkSize = chunkSizeLowSpec
		}
	}

	interval := time.Duration(cfg.MonitorIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	s := &Scheduler{
		workers:   workers,
		chunkSize: chunkSize,
		logger:    logger.Named("parallel"),
		stopCh:    make(chan struct{}),
	}
	s.cpuLimit.Store(int32(cfg.CPULimitPercent))

	go s.monitor(interval)

	return s
}

// Workers returns the pool size.
func (s *Scheduler) Workers() int { return s.workers }

// SetCPULimit updates the throttle limit atomically. It takes effect on the
// next monitor sample, not mid-chunk.
func (s *Scheduler) SetCPULimit(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	s.cpuLimit.Store(int32(percent))
}

// CPULimit returns the current throttle limit.
func (s *Scheduler) CPULimit() int {
	return int(s.cpuLimit.Load())
}

// CPUUsage returns the most recent usage sample, as a percentage.
func (s *Scheduler) CPUUsage() float64 {
	return loadFloat(&s.cpuUsage)
}

// Close stops the CPU monitor. In-flight batches run to completion.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// throttled reports whether workers should pause before their next chunk. A
// limit of 100 disables throttling entirely.
func (s *Scheduler) throttled() bool {
	limit := s.cpuLimit.Load()
	if limit >= 100 {
		return false
	}
	return loadFloat(&s.cpuUsage) > float64(limit)
}

// monitor samples system CPU usage at a fixed interval and publishes it on
// the shared gauge. Workers read the gauge non-blockingly, so a sample is
// never dropped the way a channel send could be.
func (s *Scheduler) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			usage, err := sampleCPU()
			if err != nil {
				s.logger.Debug("cpu sample failed", "error", err)
				continue
			}
			storeFloat(&s.cpuUsage, usage)
		}
	}
}

// Process executes items in parallel and returns one outcome per input item,
// with results[i] corresponding to items[i]. A processor failure (or panic) is
// captured as that item's error and never aborts sibling items.
func Process[T any](s *Scheduler, items []T, processor func(T) error) []error {
	results := make([]error, len(items))
	if len(items) == 0 {
		return results
	}

	type chunk struct{ start, end int }

	numChunks := (len(items) + s.chunkSize - 1) / s.chunkSize
	chunks := make(chan chunk, numChunks)
	for start := 0; start < len(items); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks <- chunk{start, end}
	}
	close(chunks)

	workers := s.workers
	if workers > numChunks {
		workers = numChunks
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Idle workers pull the next chunk from the shared queue,
			// so load balances itself across the pool.
			for c := range chunks {
				if s.throttled() {
					time.Sleep(throttlePause)
				}
				for i := c.start; i < c.end; i++ {
					results[i] = runItem(processor, items[i])
				}
			}
		}()
	}
	wg.Wait()

	return results
}

func runItem[T any](processor func(T) error, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return processor(item)
}

func storeFloat(a *atomic.Uint64, f float64) {
	a.Store(floatBits(f))
}

func loadFloat(a *atomic.Uint64) float64 {
	return floatFromBits(a.Load())
}
