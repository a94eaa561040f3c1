package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes caps chunk memory. If 0, usage is tracked but unlimited.
	MemoryLimitBytes int64

	// FlushWorkers bounds concurrent write-backs. If <= 0, defaults to 1.
	FlushWorkers int64

	// FlushBytesPerSec throttles write-back bandwidth. If 0, unlimited.
	FlushBytesPerSec int64
}

// Controller tracks chunk memory and write-back capacity.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64
	memPeak atomic.Int64

	flushSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 1
	}

	c := &Controller{
		cfg:      cfg,
		flushSem: semaphore.NewWeighted(cfg.FlushWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.FlushBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.FlushBytesPerSec), int(cfg.FlushBytesPerSec))
	}

	return c
}

// TryAcquireMemory reserves bytes without blocking.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	used := c.memUsed.Add(bytes)
	for {
		peak := c.memPeak.Load()
		if used <= peak || c.memPeak.CompareAndSwap(peak, used) {
			break
		}
	}
	return true
}

// AcquireMemory is TryAcquireMemory returning ErrMemoryLimitExceeded on failure.
func (c *Controller) AcquireMemory(bytes int64) error {
	if !c.TryAcquireMemory(bytes) {
		return ErrMemoryLimitExceeded
	}
	return nil
}

// ReleaseMemory returns a reservation.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryPeak returns the highest reservation observed.
func (c *Controller) MemoryPeak() int64 {
	if c == nil {
		return 0
	}
	return c.memPeak.Load()
}

// MemoryLimit returns the configured limit (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// FlushWorkers returns the number of flush slots.
func (c *Controller) FlushWorkers() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.FlushWorkers)
}

// AcquireFlush reserves a flush slot, blocking until one is free.
func (c *Controller) AcquireFlush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.flushSem.Acquire(ctx, 1)
}

// TryAcquireFlush reserves a flush slot without blocking.
func (c *Controller) TryAcquireFlush() bool {
	if c == nil {
		return true
	}
	return c.flushSem.TryAcquire(1)
}

// ReleaseFlush returns a flush slot.
func (c *Controller) ReleaseFlush() {
	if c == nil {
		return
	}
	c.flushSem.Release(1)
}

// AcquireIO waits until the bandwidth budget allows writing bytes.
// Requests larger than the bucket are split into bucket-sized waits.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
