package voxman

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeVoxel write-locks the chunk holding p, sets it and unlocks.
func writeVoxel(t *testing.T, f *fixture, p Point, v byte) {
	t.Helper()
	ah := f.access(t, "density", NewBox(p.X, p.Y, p.Z, 1, 1, 1), Write)
	require.NoError(t, f.m.Lock(t.Context(), ah))
	wv, err := f.m.ReadWriteVoxelLayer(ah)
	require.NoError(t, err)
	require.NoError(t, wv.Set(p, []byte{v}))
	require.NoError(t, f.m.Unlock(ah))
	require.NoError(t, f.m.DeleteAccess(ah))
}

func readVoxel(t *testing.T, f *fixture, p Point) byte {
	t.Helper()
	ah := f.access(t, "density", NewBox(p.X, p.Y, p.Z, 1, 1, 1), Read)
	require.NoError(t, f.m.Lock(t.Context(), ah))
	rv, err := f.m.ReadVoxelLayer(ah)
	require.NoError(t, err)
	v, err := rv.Voxel(p)
	require.NoError(t, err)
	require.NoError(t, f.m.Unlock(ah))
	require.NoError(t, f.m.DeleteAccess(ah))
	return v[0]
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"MemoryLimit", WithMemoryLimit(-1)},
		{"FlushWorkers", WithFlushWorkers(0)},
		{"FlushRate", WithFlushRateLimit(-1)},
		{"SweepInterval", WithSweepInterval(-time.Second)},
		{"Timeouts", WithDefaultTimeouts(Timeouts{Unused: -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			var pe *InvalidParamError
			require.ErrorAs(t, err, &pe)
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestCreateVolume_Validation(t *testing.T) {
	m, err := New(WithSweepInterval(0))
	require.NoError(t, err)
	defer m.Close(context.Background())

	tests := []struct {
		name   string
		mutate func(p *VolumeParams)
	}{
		{"EmptyName", func(p *VolumeParams) { p.Name = "" }},
		{"PathName", func(p *VolumeParams) { p.Name = "a/b" }},
		{"ZeroChunkDimension", func(p *VolumeParams) { p.ChunkSize.H = 0 }},
		{"NegativeChunkDimension", func(p *VolumeParams) { p.ChunkSize.W = -16 }},
		{"NoLayers", func(p *VolumeParams) { p.Layers = nil }},
		{"DuplicateLayer", func(p *VolumeParams) { p.Layers[1].Name = p.Layers[0].Name }},
		{"LongLayerName", func(p *VolumeParams) { p.Layers[0].Name = "abcdefghijklmnopqrstuvwxyz0123456" }},
		{"ZeroVoxelSize", func(p *VolumeParams) { p.Layers[0].VoxelSize = 0 }},
		{"ZeroRevision", func(p *VolumeParams) { p.Layers[0].Revision = 0 }},
		{"NegativeTimeout", func(p *VolumeParams) { p.Timeouts = &Timeouts{Modified: -time.Second} }},
		{"EmptyBounds", func(p *VolumeParams) { p.Bounds = NewBox(1, 1, 1, 0, 4, 4) }},
		{"HugeBounds", func(p *VolumeParams) { p.Bounds = NewBox(0, 0, 0, 16*40000, 16, 16) }},
		{"OverflowingBounds", func(p *VolumeParams) { p.Bounds = NewBox(1, 0, 0, math.MaxInt, 16, 16) }},
		{"HugeChunk", func(p *VolumeParams) { p.ChunkSize = Extent{W: 1 << 20, H: 1 << 20, D: 1 << 20} }},
		{"OverflowingChunk", func(p *VolumeParams) { p.ChunkSize = Extent{W: math.MaxInt, H: 2, D: 2} }},
		{"HugeChunkLayer", func(p *VolumeParams) {
			p.ChunkSize = Extent{W: 1 << 10, H: 1 << 10, D: 1 << 10}
			p.Layers[1].VoxelSize = 8
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			_, err := m.CreateVolume(t.Context(), p)
			assert.ErrorIs(t, err, ErrOutOfRange)
		})
	}
	assert.Equal(t, int64(0), m.MemoryUsage())

	t.Run("DuplicateName", func(t *testing.T) {
		_, err := m.CreateVolume(t.Context(), testParams())
		require.NoError(t, err)
		_, err = m.CreateVolume(t.Context(), testParams())
		assert.ErrorIs(t, err, ErrOutOfRange)
	})
}

func TestSweep_EvictionTiming(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	readVoxel(t, f, Point{})
	assert.Equal(t, chunk.Clean, f.inspect(t, 0, Coord{}).State)

	f.clock.Advance(DefaultUnusedChunkTimeout - time.Millisecond)
	require.NoError(t, f.m.Sweep(ctx))
	assert.Equal(t, chunk.Clean, f.inspect(t, 0, Coord{}).State)

	f.clock.Advance(time.Millisecond)
	require.NoError(t, f.m.Sweep(ctx))
	assert.Equal(t, chunk.Unloaded, f.inspect(t, 0, Coord{}).State)
	assert.Equal(t, int64(0), f.m.MemoryUsage())
}

func TestSweep_WriteBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	writeVoxel(t, f, Point{X: 1, Y: 2, Z: 3}, 9)
	assert.Equal(t, chunk.Dirty, f.inspect(t, 0, Coord{}).State)

	f.clock.Advance(DefaultModifiedChunkTimeout - time.Millisecond)
	require.NoError(t, f.m.Sweep(ctx))
	assert.Equal(t, int64(0), f.backend.stores.Load())

	f.clock.Advance(time.Millisecond)
	require.NoError(t, f.m.Sweep(ctx))
	data, ok := f.backend.get("vol", "density", Coord{})
	require.True(t, ok)
	assert.Equal(t, byte(9), data[1+2*16+3*256])
	assert.Equal(t, chunk.Clean, f.inspect(t, 0, Coord{}).State)

	// Evicted after the unused timeout, then reloaded from the backend.
	f.clock.Advance(DefaultUnusedChunkTimeout)
	require.NoError(t, f.m.Sweep(ctx))
	assert.Equal(t, chunk.Unloaded, f.inspect(t, 0, Coord{}).State)
	assert.Equal(t, byte(9), readVoxel(t, f, Point{X: 1, Y: 2, Z: 3}))

	st, err := f.m.Statistics(f.vol)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Flushes)
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, int64(1), st.Loads)
	assert.Equal(t, int64(1), st.Allocations)
}

func TestSweep_UntouchedWriteStaysClean(t *testing.T) {
	f := newFixture(t, nil)
	ah := f.access(t, "density", chunkBox(0, 0, 0), Write)
	require.NoError(t, f.m.Lock(t.Context(), ah))
	require.NoError(t, f.m.Unlock(ah))
	assert.Equal(t, chunk.Clean, f.inspect(t, 0, Coord{}).State)
}

func TestSweep_FlushErrorIsReported(t *testing.T) {
	f := newFixture(t, nil, WithDefaultTimeouts(Timeouts{Unused: 0, Modified: 0}))
	boom := errors.New("disk full")
	f.backend.setSaveErr(boom)

	writeVoxel(t, f, Point{}, 1)
	err := f.m.Sweep(t.Context())
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, chunk.Dirty, f.inspect(t, 0, Coord{}).State)

	f.backend.setSaveErr(nil)
	require.NoError(t, f.m.Sweep(t.Context()))
	assert.Equal(t, chunk.Unloaded, f.inspect(t, 0, Coord{}).State)

	st, err := f.m.Statistics(f.vol)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.FlushErrors)
	assert.Equal(t, int64(1), st.Flushes)
}

func TestBackgroundSweeper_ZeroTimeouts(t *testing.T) {
	backend := newRecordingBackend()
	m, err := New(
		WithBackingStore(backend),
		WithSweepInterval(time.Hour),
		WithPrefetch(false),
		WithDefaultTimeouts(Timeouts{Unused: 0, Modified: 0}),
	)
	require.NoError(t, err)
	defer m.Close(context.Background())

	vol, err := m.CreateVolume(t.Context(), testParams())
	require.NoError(t, err)
	ah, err := m.CreateAccess(vol, "density")
	require.NoError(t, err)
	require.NoError(t, m.Select(ah, chunkBox(0, 0, 0), Write))
	require.NoError(t, m.Lock(t.Context(), ah))
	wv, err := m.ReadWriteVoxelLayer(ah)
	require.NoError(t, err)
	require.NoError(t, wv.Set(Point{}, []byte{5}))
	require.NoError(t, m.Unlock(ah))

	// The unlock wakes the sweeper long before the next tick.
	require.Eventually(t, func() bool {
		st, err := m.Statistics(vol)
		return err == nil && st.Flushes == 1 && st.LoadedChunks == 0
	}, 2*time.Second, 5*time.Millisecond)

	data, ok := backend.get("vol", "density", Coord{})
	require.True(t, ok)
	assert.Equal(t, byte(5), data[0])
}

func TestOutOfMemory(t *testing.T) {
	f := newFixture(t, nil, WithMemoryLimit(chunkBytes))
	ctx := t.Context()

	a := f.access(t, "density", chunkBox(0, 0, 0), Read)
	require.NoError(t, f.m.Lock(ctx, a))

	b := f.access(t, "density", chunkBox(1, 0, 0), Read)
	assert.ErrorIs(t, f.m.Lock(ctx, b), ErrOutOfMemory)
	st, err := f.m.AccessState(b)
	require.NoError(t, err)
	assert.Equal(t, Unlocked, st)

	// Unreferenced but not expired: still no room, nothing is evicted early.
	require.NoError(t, f.m.Unlock(a))
	assert.ErrorIs(t, f.m.Lock(ctx, b), ErrOutOfMemory)
	assert.Equal(t, chunk.Clean, f.inspect(t, 0, Coord{}).State)

	// Expired chunks make room.
	f.clock.Advance(DefaultUnusedChunkTimeout)
	require.NoError(t, f.m.Lock(ctx, b))
	assert.Equal(t, chunk.Unloaded, f.inspect(t, 0, Coord{}).State)
	assert.Equal(t, int64(chunkBytes), f.m.MemoryUsage())
}

func TestOutOfMemory_DirtyChunksAreNotReclaimed(t *testing.T) {
	f := newFixture(t, nil, WithMemoryLimit(chunkBytes))
	writeVoxel(t, f, Point{}, 1)

	f.clock.Advance(time.Hour)
	b := f.access(t, "density", chunkBox(1, 0, 0), Read)
	assert.ErrorIs(t, f.m.Lock(t.Context(), b), ErrOutOfMemory)

	// A sweep writes the chunk back and evicts it.
	require.NoError(t, f.m.Sweep(t.Context()))
	require.NoError(t, f.m.Lock(t.Context(), b))
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	r := f.access(t, "density", NewBox(0, 0, 0, 32, 16, 16), Read)
	require.NoError(t, f.m.Lock(ctx, r))
	require.NoError(t, f.m.Unlock(r))
	require.NoError(t, f.m.Lock(ctx, r))
	require.NoError(t, f.m.Unlock(r))
	writeVoxel(t, f, Point{}, 1)

	st, err := f.m.Statistics(f.vol)
	require.NoError(t, err)
	assert.Equal(t, Statistics{
		Allocations:     2,
		Hits:            3,
		Misses:          2,
		ReadLocks:       2,
		WriteLocks:      1,
		LoadedChunks:    2,
		DirtyChunks:     1,
		MaxLoadedChunks: 2,
	}, st)
	assert.Equal(t, int64(0), f.backend.loads.Load(), "the persisted index is empty, so nothing is loaded")

	require.NoError(t, f.m.ResetStatistics(f.vol))
	st, err = f.m.Statistics(f.vol)
	require.NoError(t, err)
	assert.Equal(t, Statistics{LoadedChunks: 2, DirtyChunks: 1, MaxLoadedChunks: 2}, st)
}

func TestTimeouts(t *testing.T) {
	f := newFixture(t, nil)

	got, err := f.m.VolumeTimeouts(f.vol)
	require.NoError(t, err)
	assert.Equal(t, Timeouts{Unused: DefaultUnusedChunkTimeout, Modified: DefaultModifiedChunkTimeout}, got)

	assert.ErrorIs(t, f.m.SetUnusedChunkTimeout(f.vol, -1), ErrOutOfRange)
	assert.ErrorIs(t, f.m.SetModifiedChunkTimeout(f.vol, -1), ErrOutOfRange)

	readVoxel(t, f, Point{})
	require.NoError(t, f.m.SetUnusedChunkTimeout(f.vol, TimeoutNever))
	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.m.Sweep(t.Context()))
	assert.Equal(t, chunk.Clean, f.inspect(t, 0, Coord{}).State)

	require.NoError(t, f.m.SetUnusedChunkTimeout(f.vol, 0))
	require.NoError(t, f.m.Sweep(t.Context()))
	assert.Equal(t, chunk.Unloaded, f.inspect(t, 0, Coord{}).State)

	require.NoError(t, f.m.SetModifiedChunkTimeout(f.vol, time.Minute))
	got, err = f.m.VolumeTimeouts(f.vol)
	require.NoError(t, err)
	assert.Equal(t, Timeouts{Unused: 0, Modified: time.Minute}, got)
}

func TestDeleteVolume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	writeVoxel(t, f, Point{}, 3)
	locked := f.access(t, "density", chunkBox(1, 0, 0), Read)
	require.NoError(t, f.m.Lock(ctx, locked))

	assert.ErrorIs(t, f.m.DeleteVolume(ctx, f.vol), ErrVolumeBusy)
	require.NoError(t, f.m.Unlock(locked))

	require.NoError(t, f.m.DeleteVolume(ctx, f.vol))
	data, ok := f.backend.get("vol", "density", Coord{})
	require.True(t, ok, "dirty chunks are written back")
	assert.Equal(t, byte(3), data[0])
	assert.Equal(t, int64(0), f.m.MemoryUsage())

	assert.ErrorIs(t, f.m.DeleteVolume(ctx, f.vol), ErrInvalidHandle)
	assert.ErrorIs(t, f.m.Lock(ctx, locked), ErrInvalidHandle)
	_, err := f.m.CreateAccess(f.vol, "density")
	assert.ErrorIs(t, err, ErrInvalidHandle)
	_, err = f.m.Statistics(f.vol)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	// The name can be reused and sees the persisted data.
	f.vol, err = f.m.CreateVolume(ctx, testParams())
	require.NoError(t, err)
	assert.Equal(t, byte(3), readVoxel(t, f, Point{}))
}

func TestDeleteVolume_BusyLeavesLockersWaiting(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	holder := f.access(t, "density", chunkBox(0, 0, 0), Write)
	require.NoError(t, f.m.Lock(ctx, holder))

	waiter := f.access(t, "density", chunkBox(0, 0, 0), Read)
	done := make(chan error, 1)
	go func() { done <- f.m.Lock(ctx, waiter) }()
	require.Eventually(t, func() bool {
		st, _ := f.m.AccessState(waiter)
		return st == Locking
	}, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.m.DeleteVolume(ctx, f.vol), ErrVolumeBusy)
	select {
	case err := <-done:
		t.Fatalf("waiter woken by a failed delete: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, f.m.Unlock(holder))
	require.NoError(t, <-done)
	require.NoError(t, f.m.Unlock(waiter))
	require.NoError(t, f.m.DeleteVolume(ctx, f.vol))
}

func TestClose(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	writeVoxel(t, f, Point{X: -1}, 8)
	require.NoError(t, f.m.Close(ctx))

	data, ok := f.backend.get("vol", "density", Coord{X: -1})
	require.True(t, ok)
	assert.Equal(t, byte(8), data[15])

	assert.ErrorIs(t, f.m.Close(ctx), ErrClosed)
	assert.ErrorIs(t, f.m.Sweep(ctx), ErrClosed)
	_, err := f.m.CreateVolume(ctx, testParams())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = f.m.Statistics(f.vol)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestClose_WritesBackReadLockedChunks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := t.Context()

	writeVoxel(t, f, Point{}, 6)
	reader := f.access(t, "density", chunkBox(0, 0, 0), Read)
	require.NoError(t, f.m.Lock(ctx, reader))
	assert.Equal(t, chunk.Dirty, f.inspect(t, 0, Coord{}).State)

	require.NoError(t, f.m.Close(ctx))
	data, ok := f.backend.get("vol", "density", Coord{})
	require.True(t, ok)
	assert.Equal(t, byte(6), data[0])
}

func TestPanicExit(t *testing.T) {
	f := newFixture(t, nil)
	writeVoxel(t, f, Point{}, 4)

	PanicExit()

	data, ok := f.backend.get("vol", "density", Coord{})
	require.True(t, ok)
	assert.Equal(t, byte(4), data[0])
	assert.ErrorIs(t, f.m.Close(context.Background()), ErrClosed)

	// Idempotent.
	f.m.PanicExit()
}

func TestFaultHandler(t *testing.T) {
	var got *FaultError
	m, err := New(WithSweepInterval(0), WithFaultHandler(func(err *FaultError) { got = err }))
	require.NoError(t, err)
	defer m.Close(context.Background())

	cause := errors.New("refcount underflow")
	err = m.fault("release", cause)
	require.NotNil(t, got)
	assert.Equal(t, "release", got.Op)
	assert.ErrorIs(t, err, ErrUnrecoverableFault)
	assert.ErrorIs(t, err, cause)
}

func TestFaultHandler_DefaultPanics(t *testing.T) {
	m, err := New(WithSweepInterval(0))
	require.NoError(t, err)
	defer m.Close(context.Background())

	assert.PanicsWithError(t, "unrecoverable fault in release: boom", func() {
		_ = m.fault("release", errors.New("boom"))
	})
}

func TestMetricsObserver(t *testing.T) {
	metrics := &BasicMetricsObserver{}
	f := newFixture(t, nil,
		WithMetricsObserver(metrics),
		WithDefaultTimeouts(Timeouts{Unused: 0, Modified: 0}),
	)

	writeVoxel(t, f, Point{}, 1)
	require.NoError(t, f.m.Sweep(t.Context()))
	assert.Equal(t, byte(1), readVoxel(t, f, Point{}))

	st := metrics.GetStats()
	assert.Equal(t, int64(2), st.LockCount)
	assert.Equal(t, int64(1), st.WriteLocks)
	assert.Equal(t, int64(1), st.FlushCount)
	assert.Equal(t, int64(chunkBytes), st.FlushBytes)
	assert.Equal(t, int64(1), st.LoadCount)
	assert.Equal(t, int64(1), st.Evictions)
}
