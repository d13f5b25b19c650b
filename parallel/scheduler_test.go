package parallel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardx-labs/shardx/config"
)

func newTestScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := NewScheduler(config.ParallelConfig{
		Workers:           workers,
		CPULimitPercent:   100,
		MonitorIntervalMs: 1000,
		ChunkSize:         4,
	}, nil)
	t.Cleanup(s.Close)
	return s
}

func TestProcessPreservesOrder(t *testing.T) {
	s := newTestScheduler(t, 4)

	items := make([]int, 1000)
	for i := range items {
		items[i] = i
	}

	out := make([]int64, len(items))
	errs := Process(s, items, func(i int) error {
		atomic.StoreInt64(&out[i], int64(i)*2)
		return nil
	})

	require.Len(t, errs, len(items))
	for i := range items {
		require.NoError(t, errs[i])
		require.Equal(t, int64(i)*2, out[i])
	}
}

func TestProcessMatchesErrorsToItems(t *testing.T) {
	s := newTestScheduler(t, 4)

	boom := errors.New("boom")
	items := []int{0, 1, 2, 3, 4, 5, 6, 7}
	errs := Process(s, items, func(i int) error {
		if i%3 == 0 {
			return boom
		}
		return nil
	})

	for i := range items {
		if i%3 == 0 {
			require.ErrorIs(t, errs[i], boom)
		} else {
			require.NoError(t, errs[i])
		}
	}
}

func TestProcessEmptyInput(t *testing.T) {
	s := newTestScheduler(t, 4)
	require.Empty(t, Process(s, nil, func(int) error { return nil }))
}

func TestProcessCapturesPanics(t *testing.T) {
	s := newTestScheduler(t, 2)

	errs := Process(s, []int{1, 2, 3}, func(i int) error {
		if i == 2 {
			panic("processor exploded")
		}
		return nil
	})

	require.NoError(t, errs[0])
	require.Error(t, errs[1])
	require.Contains(t, errs[1].Error(), "processor exploded")
	require.NoError(t, errs[2])
}

func TestProcessSingleWorkerStillCompletes(t *testing.T) {
	s := newTestScheduler(t, 1)

	var count atomic.Int64
	errs := Process(s, make([]struct{}, 100), func(struct{}) error {
		count.Add(1)
		return nil
	})

	require.Len(t, errs, 100)
	require.EqualValues(t, 100, count.Load())
}

func TestCPULimitClamped(t *testing.T) {
	s := newTestScheduler(t, 2)

	s.SetCPULimit(-10)
	require.Equal(t, 0, s.CPULimit())

	s.SetCPULimit(250)
	require.Equal(t, 100, s.CPULimit())

	s.SetCPULimit(50)
	require.Equal(t, 50, s.CPULimit())
}

func TestFullLimitDisablesThrottle(t *testing.T) {
	s := newTestScheduler(t, 2)

	s.SetCPULimit(100)
	storeFloat(&s.cpuUsage, 99.9)
	require.False(t, s.throttled())

	s.SetCPULimit(50)
	storeFloat(&s.cpuUsage, 80)
	require.True(t, s.throttled())

	storeFloat(&s.cpuUsage, 20)
	require.False(t, s.throttled())
}

func TestZeroLimitStillMakesProgress(t *testing.T) {
	s := newTestScheduler(t, 2)
	s.SetCPULimit(0)
	storeFloat(&s.cpuUsage, 50)

	var count atomic.Int64
	errs := Process(s, make([]struct{}, 8), func(struct{}) error {
		count.Add(1)
		return nil
	})
	require.Len(t, errs, 8)
	require.EqualValues(t, 8, count.Load())
}

func TestWorkerDefaultsFromCores(t *testing.T) {
	s := NewScheduler(config.ParallelConfig{}, nil)
	defer s.Close()
	require.Greater(t, s.Workers(), 0)
}
