package voxman

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives timing hooks from the chunk cache.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Implementations must be safe for concurrent use and must not block: hooks
// run on the goroutine doing the work, sometimes while a chunk is held.
type MetricsObserver interface {
	// OnLoad is called after a chunk was read from the backing store.
	// bytes is the chunk size, err is nil if successful.
	OnLoad(d time.Duration, bytes int, err error)

	// OnFlush is called after a dirty chunk was written back.
	OnFlush(d time.Duration, bytes int, err error)

	// OnEvict is called with the number of chunks evicted by one pass.
	OnEvict(n int)

	// OnLockWait is called after Lock or TryLock finished acquiring chunks.
	// d includes time spent blocked on other accesses and loading.
	OnLockWait(d time.Duration, mode Mode, err error)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnLoad(time.Duration, int, error)      {}
func (NoopMetricsObserver) OnFlush(time.Duration, int, error)     {}
func (NoopMetricsObserver) OnEvict(int)                           {}
func (NoopMetricsObserver) OnLockWait(time.Duration, Mode, error) {}

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	LoadCount       atomic.Int64
	LoadErrors      atomic.Int64
	LoadBytes       atomic.Int64
	LoadTotalNanos  atomic.Int64
	FlushCount      atomic.Int64
	FlushErrors     atomic.Int64
	FlushBytes      atomic.Int64
	FlushTotalNanos atomic.Int64
	Evictions       atomic.Int64
	LockCount       atomic.Int64
	LockErrors      atomic.Int64
	WriteLockCount  atomic.Int64
	LockTotalNanos  atomic.Int64
}

// OnLoad implements MetricsObserver.
func (b *BasicMetricsObserver) OnLoad(d time.Duration, bytes int, err error) {
	b.LoadCount.Add(1)
	b.LoadTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.LoadErrors.Add(1)
		return
	}
	b.LoadBytes.Add(int64(bytes))
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(d time.Duration, bytes int, err error) {
	b.FlushCount.Add(1)
	b.FlushTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushBytes.Add(int64(bytes))
}

// OnEvict implements MetricsObserver.
func (b *BasicMetricsObserver) OnEvict(n int) {
	b.Evictions.Add(int64(n))
}

// OnLockWait implements MetricsObserver.
func (b *BasicMetricsObserver) OnLockWait(d time.Duration, mode Mode, err error) {
	b.LockCount.Add(1)
	b.LockTotalNanos.Add(d.Nanoseconds())
	if mode == Write {
		b.WriteLockCount.Add(1)
	}
	if err != nil {
		b.LockErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		LoadCount:     b.LoadCount.Load(),
		LoadErrors:    b.LoadErrors.Load(),
		LoadBytes:     b.LoadBytes.Load(),
		LoadAvgNanos:  avg(b.LoadTotalNanos.Load(), b.LoadCount.Load()),
		FlushCount:    b.FlushCount.Load(),
		FlushErrors:   b.FlushErrors.Load(),
		FlushBytes:    b.FlushBytes.Load(),
		FlushAvgNanos: avg(b.FlushTotalNanos.Load(), b.FlushCount.Load()),
		Evictions:     b.Evictions.Load(),
		LockCount:     b.LockCount.Load(),
		LockErrors:    b.LockErrors.Load(),
		WriteLocks:    b.WriteLockCount.Load(),
		LockAvgNanos:  avg(b.LockTotalNanos.Load(), b.LockCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	LoadCount     int64
	LoadErrors    int64
	LoadBytes     int64
	LoadAvgNanos  int64
	FlushCount    int64
	FlushErrors   int64
	FlushBytes    int64
	FlushAvgNanos int64
	Evictions     int64
	LockCount     int64
	LockErrors    int64
	WriteLocks    int64
	LockAvgNanos  int64
}
