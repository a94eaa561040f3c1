package voxman

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/voxman/codec"
	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/hupe1980/voxman/internal/handle"
	"github.com/hupe1980/voxman/internal/region"
)

// VolumeHandle identifies a volume of a Manager.
type VolumeHandle uint64

// LayerSpec describes one voxel layer of a volume.
type LayerSpec struct {
	// Name identifies the layer within its volume (1..31 bytes).
	Name string
	// VoxelSize is the number of bytes per voxel.
	VoxelSize int
	// Revision is stored with each persisted chunk. Chunks persisted with
	// another revision or voxel size are ignored when loaded.
	Revision uint32
}

// VolumeParams configures CreateVolume.
type VolumeParams struct {
	// Name is the namespace of the volume in the backing store. It must be
	// unique among the live volumes of a manager.
	Name string

	// ChunkSize is the chunk size in voxels. All layers share it.
	ChunkSize Extent

	// Bounds limits the addressable voxels. The zero Box allows every
	// voxel whose chunk coordinate fits 16 bits per axis.
	Bounds Box

	Layers []LayerSpec

	// Timeouts overrides the manager defaults when set.
	Timeouts *Timeouts
}

const maxVolumeName = 255

const (
	// MaxChunkBytes bounds the size of one chunk of one layer. The chunk
	// format records sizes in 32 bits.
	MaxChunkBytes int64 = math.MaxUint32

	// MaxSelectionChunks bounds the number of chunks a selection may cover.
	MaxSelectionChunks = 1 << 20
)

// chunkLayerBytes returns the byte size of one chunk of a layer, or false if
// it exceeds MaxChunkBytes. Every factor must be positive.
func chunkLayerBytes(size Extent, voxelSize int) (int64, bool) {
	n := int64(1)
	for _, f := range []int{size.W, size.H, size.D, voxelSize} {
		if int64(f) > MaxChunkBytes/n {
			return 0, false
		}
		n *= int64(f)
	}
	return n, true
}

func validName(s string, limit int) bool {
	return s != "" && len(s) <= limit && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

func (p VolumeParams) validate() error {
	if !validName(p.Name, maxVolumeName) {
		return invalidParam("volume name", p.Name, "must be 1..255 bytes without path separators")
	}
	grid, err := region.NewGrid(p.ChunkSize)
	if err != nil {
		return invalidParam("chunk size", p.ChunkSize, "must be positive on every axis")
	}
	if _, ok := chunkLayerBytes(p.ChunkSize, 1); !ok {
		return invalidParam("chunk size", p.ChunkSize, fmt.Sprintf("must hold at most %d voxels", MaxChunkBytes))
	}
	if !p.Bounds.IsZero() && !grid.Addressable().ContainsBox(p.Bounds) {
		return invalidParam("bounds", p.Bounds, "must have a positive extent inside "+grid.Addressable().String())
	}
	if len(p.Layers) == 0 {
		return invalidParam("layers", len(p.Layers), "at least one layer is required")
	}
	seen := make(map[string]struct{}, len(p.Layers))
	for _, l := range p.Layers {
		if !validName(l.Name, codec.MaxLayerName) {
			return invalidParam("layer name", l.Name, fmt.Sprintf("must be 1..%d bytes without path separators", codec.MaxLayerName))
		}
		if _, dup := seen[l.Name]; dup {
			return invalidParam("layer name", l.Name, "duplicate")
		}
		seen[l.Name] = struct{}{}
		if l.VoxelSize <= 0 {
			return invalidParam("voxel size", l.VoxelSize, "must be positive")
		}
		if _, ok := chunkLayerBytes(p.ChunkSize, l.VoxelSize); !ok {
			return invalidParam("voxel size", l.VoxelSize, fmt.Sprintf("chunks of layer %s would exceed %d bytes", l.Name, MaxChunkBytes))
		}
		if l.Revision == 0 {
			return invalidParam("revision", l.Revision, "must be positive")
		}
	}
	if p.Timeouts != nil {
		return p.Timeouts.validate()
	}
	return nil
}

type volume struct {
	handle VolumeHandle
	name   string
	grid   region.Grid
	bounds Box
	layers []LayerSpec
	byName map[string]int
	store  *chunk.Store
	logger *Logger

	readLocks  atomic.Int64
	writeLocks atomic.Int64

	mu       sync.Mutex
	accesses map[*access]struct{}

	// lockers counts Lock and TryLock calls in progress.
	lockers sync.WaitGroup
}

func (v *volume) ref(k chunkKey) ChunkRef {
	return ChunkRef{
		Volume:    v.name,
		Layer:     v.layers[k.Layer],
		ChunkSize: v.grid.Size,
		Coord:     k.Coord,
	}
}

func (v *volume) accessList() []*access {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*access, 0, len(v.accesses))
	for a := range v.accesses {
		out = append(out, a)
	}
	return out
}

// selection resolves box on layer into the ordered chunk keys covering it.
// A selection whose chunks cannot all be loaded within memLimit (if > 0)
// fails with ErrOutOfMemory.
func (v *volume) selection(layer int, box Box, mode Mode, memLimit int64) (*selection, error) {
	if mode != Read && mode != Write {
		return nil, invalidParam("mode", mode, "")
	}
	if !box.Valid() {
		return nil, invalidParam("region", box, "extent must be positive and the end representable")
	}
	if !v.bounds.ContainsBox(box) {
		return nil, fmt.Errorf("%w: region %s outside volume bounds %s", ErrOutOfRange, box, v.bounds)
	}
	cover, err := v.grid.Cover(box)
	if err != nil {
		return nil, fmt.Errorf("region %s: %w", box, err)
	}
	n := cover.Len()
	if n > MaxSelectionChunks {
		return nil, invalidParam("region", box, fmt.Sprintf("covers %d chunks, at most %d allowed", n, MaxSelectionChunks))
	}
	if need := n * int64(v.store.ChunkBytes(layer)); memLimit > 0 && need > memLimit {
		return nil, fmt.Errorf("%w: region %s needs %d bytes, limit is %d", ErrOutOfMemory, box, need, memLimit)
	}
	coords := cover.Coords()
	keys := make([]chunkKey, len(coords))
	for i, c := range coords {
		keys[i] = chunkKey{Layer: layer, Coord: c}
	}
	return &selection{box: box, mode: mode, cover: cover, keys: keys}, nil
}

// CreateVolume creates a volume. Layers whose chunks can be listed from the
// backing store are indexed so never-written chunks are zero-filled without
// asking the backend.
func (m *Manager) CreateVolume(ctx context.Context, params VolumeParams) (VolumeHandle, error) {
	if err := params.validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return 0, ErrClosed
	}

	if _, taken := m.names[params.Name]; taken {
		return 0, invalidParam("volume name", params.Name, "already in use")
	}

	timeouts := m.opts.timeouts
	if params.Timeouts != nil {
		timeouts = *params.Timeouts
	}

	grid, _ := region.NewGrid(params.ChunkSize)
	v := &volume{
		name:     params.Name,
		grid:     grid,
		bounds:   params.Bounds,
		layers:   append([]LayerSpec(nil), params.Layers...),
		byName:   make(map[string]int, len(params.Layers)),
		logger:   m.logger.WithVolume(params.Name),
		accesses: make(map[*access]struct{}),
	}
	if v.bounds.IsZero() {
		v.bounds = grid.Addressable()
	}
	layerBytes := make([]int, len(v.layers))
	for i, l := range v.layers {
		v.byName[l.Name] = i
		n, _ := chunkLayerBytes(grid.Size, l.VoxelSize)
		layerBytes[i] = int(n)
	}

	store, err := chunk.New(chunk.Config{
		LayerBytes:      layerBytes,
		Backend:         &volumeBackend{v: v, backing: m.opts.backing},
		Resources:       m.opts.resources,
		Index:           m.seedIndex(ctx, v),
		Reclaim:         m.reclaim,
		OnIdle:          m.wake,
		Now:             m.opts.now,
		Logger:          v.logger.Logger,
		Observer:        m.opts.metrics,
		UnusedTimeout:   timeouts.Unused,
		ModifiedTimeout: timeouts.Modified,
	})
	if err != nil {
		return 0, err
	}
	v.store = store

	v.handle = VolumeHandle(m.volumes.Insert(v))
	m.names[v.name] = v.handle
	m.logger.LogVolume(ctx, "create volume", v.name, nil)
	return v.handle, nil
}

// seedIndex lists the persisted chunks of every layer. Layers that cannot be
// listed stay unindexed.
func (m *Manager) seedIndex(ctx context.Context, v *volume) []*roaring64.Bitmap {
	lister, ok := m.opts.backing.(ChunkLister)
	if !ok {
		return nil
	}
	index := make([]*roaring64.Bitmap, len(v.layers))
	for i, l := range v.layers {
		coords, err := lister.ListChunks(ctx, v.name, l.Name)
		if err != nil {
			v.logger.WarnContext(ctx, "cannot list persisted chunks", "layer", l.Name, "error", err)
			continue
		}
		bm := roaring64.New()
		for _, c := range coords {
			bm.Add(c.ID())
		}
		index[i] = bm
	}
	return index
}

// DeleteVolume writes back the modified chunks of a volume, releases its
// memory and invalidates its access handles. Lock calls blocked on the
// volume fail with ErrVolumeClosed.
//
// It fails with ErrVolumeBusy while an access of the volume is locked.
func (m *Manager) DeleteVolume(ctx context.Context, vh VolumeHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	v, err := m.volume(vh)
	if err != nil {
		return err
	}
	if err := m.closeAccesses(v, ErrVolumeClosed, true); err != nil {
		return err
	}
	err = m.shutdownVolume(ctx, v, ErrVolumeClosed)
	m.logger.LogVolume(ctx, "delete volume", v.name, err)
	return err
}

// closeAccesses fails every access of v with cause and waits for lockers in
// progress to back out. With busyCheck, nothing is changed and ErrVolumeBusy
// is returned if an access is locked.
func (m *Manager) closeAccesses(v *volume, cause error, busyCheck bool) error {
	accs := v.accessList()
	for _, a := range accs {
		a.mu.Lock()
	}
	if busyCheck {
		for _, a := range accs {
			if a.state == Locked {
				for _, a := range accs {
					a.mu.Unlock()
				}
				return fmt.Errorf("%w: volume %s", ErrVolumeBusy, v.name)
			}
		}
	}
	for _, a := range accs {
		a.closeLocked(cause)
		a.mu.Unlock()
		m.accesses.Remove(handle.Handle(a.handle))
	}

	v.lockers.Wait()
	return nil
}

// shutdownVolume flushes and closes the chunk store and forgets v.
func (m *Manager) shutdownVolume(ctx context.Context, v *volume, cause error) error {
	err := v.store.FlushAll(ctx)
	v.store.Close(cause)
	m.volumes.Remove(handle.Handle(v.handle))
	delete(m.names, v.name)
	if err != nil {
		return fmt.Errorf("volume %s: %w", v.name, err)
	}
	return nil
}

func (m *Manager) volume(vh VolumeHandle) (*volume, error) {
	v, ok := m.volumes.Get(handle.Handle(vh))
	if !ok {
		return nil, fmt.Errorf("%w: volume %d", ErrInvalidHandle, vh)
	}
	return v, nil
}

// SetUnusedChunkTimeout sets how long clean chunks of the volume stay loaded
// after their last access. It applies from the next sweep on.
func (m *Manager) SetUnusedChunkTimeout(vh VolumeHandle, d time.Duration) error {
	if d < 0 {
		return invalidParam("unused chunk timeout", d, "must not be negative")
	}
	v, err := m.volume(vh)
	if err != nil {
		return err
	}
	v.store.SetUnusedTimeout(d)
	return nil
}

// SetModifiedChunkTimeout sets how long modified chunks of the volume stay
// dirty before they are written back. It applies from the next sweep on.
func (m *Manager) SetModifiedChunkTimeout(vh VolumeHandle, d time.Duration) error {
	if d < 0 {
		return invalidParam("modified chunk timeout", d, "must not be negative")
	}
	v, err := m.volume(vh)
	if err != nil {
		return err
	}
	v.store.SetModifiedTimeout(d)
	return nil
}

// VolumeTimeouts returns the current timeouts of the volume.
func (m *Manager) VolumeTimeouts(vh VolumeHandle) (Timeouts, error) {
	v, err := m.volume(vh)
	if err != nil {
		return Timeouts{}, err
	}
	unused, modified := v.store.Timeouts()
	return Timeouts{Unused: unused, Modified: modified}, nil
}
