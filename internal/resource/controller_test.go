package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(50))
	require.NoError(t, c.AcquireMemory(40))
	assert.Equal(t, int64(90), c.MemoryUsage())

	// Fails fast instead of blocking.
	assert.ErrorIs(t, c.AcquireMemory(20), ErrMemoryLimitExceeded)
	assert.Equal(t, int64(90), c.MemoryUsage())

	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())

	assert.True(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(60), c.MemoryUsage())
	assert.Equal(t, int64(90), c.MemoryPeak())
	assert.Equal(t, int64(100), c.MemoryLimit())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(1 << 40))
	assert.Equal(t, int64(1<<40), c.MemoryUsage())
	c.ReleaseMemory(1 << 40)
	assert.Zero(t, c.MemoryUsage())
}

func TestController_FlushSlots(t *testing.T) {
	c := NewController(Config{FlushWorkers: 2})
	assert.Equal(t, 2, c.FlushWorkers())

	require.NoError(t, c.AcquireFlush(t.Context()))
	require.NoError(t, c.AcquireFlush(t.Context()))
	assert.False(t, c.TryAcquireFlush())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireFlush(ctx), context.DeadlineExceeded)

	c.ReleaseFlush()
	assert.True(t, c.TryAcquireFlush())
}

func TestController_IOLargerThanBurst(t *testing.T) {
	c := NewController(Config{FlushBytesPerSec: 1 << 20})

	// 1.5x the bucket: split into two waits instead of failing.
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.AcquireIO(ctx, 3<<19))
}

func TestController_Nil(t *testing.T) {
	var c *Controller

	assert.NoError(t, c.AcquireMemory(10))
	assert.True(t, c.TryAcquireMemory(10))
	c.ReleaseMemory(10)
	assert.Zero(t, c.MemoryUsage())
	assert.NoError(t, c.AcquireFlush(t.Context()))
	assert.True(t, c.TryAcquireFlush())
	c.ReleaseFlush()
	assert.NoError(t, c.AcquireIO(t.Context(), 1<<30))
	assert.Equal(t, 1, c.FlushWorkers())
}
