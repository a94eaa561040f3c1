package voxman

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingBackend keeps chunks in a map and counts calls.
type recordingBackend struct {
	mu      sync.Mutex
	chunks  map[string][]byte
	loads   atomic.Int64
	stores  atomic.Int64
	saveErr error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{chunks: make(map[string][]byte)}
}

func refName(ref ChunkRef) string {
	return ref.Volume + "/" + ref.Layer.Name + "/" + ref.Coord.String()
}

func (b *recordingBackend) Load(_ context.Context, ref ChunkRef) ([]byte, error) {
	b.loads.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.chunks[refName(ref)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (b *recordingBackend) Store(_ context.Context, ref ChunkRef, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.stores.Add(1)
	b.chunks[refName(ref)] = append([]byte(nil), data...)
	return nil
}

// ListChunks implements ChunkLister.
func (b *recordingBackend) ListChunks(_ context.Context, volume, layer string) ([]Coord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := volume + "/" + layer + "/"
	var coords []Coord
	for name := range b.chunks {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		var c Coord
		if _, err := fmt.Sscanf(rest, "%d|%d|%d", &c.X, &c.Y, &c.Z); err != nil {
			return nil, err
		}
		coords = append(coords, c)
	}
	return coords, nil
}

func (b *recordingBackend) get(volume, layer string, c Coord) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.chunks[volume+"/"+layer+"/"+c.String()]
	return data, ok
}

func (b *recordingBackend) setSaveErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveErr = err
}

type fixture struct {
	m       *Manager
	clock   *fakeClock
	backend *recordingBackend
	vol     VolumeHandle
}

// testParams is a volume with 16³ chunks and one single-byte layer.
func testParams() VolumeParams {
	return VolumeParams{
		Name:      "vol",
		ChunkSize: Extent{W: 16, H: 16, D: 16},
		Layers: []LayerSpec{
			{Name: "density", VoxelSize: 1, Revision: 1},
			{Name: "color", VoxelSize: 4, Revision: 1},
		},
	}
}

const chunkBytes = 16 * 16 * 16

func newFixture(t *testing.T, params *VolumeParams, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{clock: newFakeClock(), backend: newRecordingBackend()}
	base := []Option{
		WithSweepInterval(0),
		WithPrefetch(false),
		WithClock(f.clock.Now),
		WithBackingStore(f.backend),
	}
	m, err := New(append(base, opts...)...)
	require.NoError(t, err)
	f.m = m
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	p := testParams()
	if params != nil {
		p = *params
	}
	f.vol, err = m.CreateVolume(t.Context(), p)
	require.NoError(t, err)
	return f
}

// access creates an access on layer with the given selection.
func (f *fixture) access(t *testing.T, layer string, box Box, mode Mode) AccessHandle {
	t.Helper()
	ah, err := f.m.CreateAccess(f.vol, layer)
	require.NoError(t, err)
	require.NoError(t, f.m.Select(ah, box, mode))
	return ah
}

func (f *fixture) inspect(t *testing.T, layer int, c Coord) chunk.Info {
	t.Helper()
	v, err := f.m.volume(f.vol)
	require.NoError(t, err)
	return v.store.Inspect(chunkKey{Layer: layer, Coord: c})
}

func chunkBox(x, y, z int) Box {
	return NewBox(x*16, y*16, z*16, 16, 16, 16)
}
