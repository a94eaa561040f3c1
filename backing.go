package voxman

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/hupe1980/voxman/blobstore"
	"github.com/hupe1980/voxman/codec"
)

// ChunkRef identifies one chunk layer in a backing store.
type ChunkRef struct {
	Volume    string
	Layer     LayerSpec
	ChunkSize Extent
	Coord     Coord
}

// Bytes returns the size of the chunk layer in bytes.
func (r ChunkRef) Bytes() int {
	return r.ChunkSize.Volume() * r.Layer.VoxelSize
}

// BackingStore persists chunk layers.
//
// Load returns ErrNotFound (or an error wrapping it) for chunks that were
// never written; the cache zero-fills those. A *LayoutMismatchError makes the
// cache log the mismatch and treat the chunk as never written. Store must not
// retain data after returning.
//
// Implementations must be safe for concurrent use.
type BackingStore interface {
	Load(ctx context.Context, ref ChunkRef) ([]byte, error)
	Store(ctx context.Context, ref ChunkRef, data []byte) error
}

// ChunkLister is implemented by backing stores that can enumerate the chunks
// persisted for a layer. CreateVolume uses it to skip backend round trips for
// chunks that were never written.
type ChunkLister interface {
	ListChunks(ctx context.Context, volume, layer string) ([]Coord, error)
}

// BlobBackingStore stores each chunk layer as one blob named
// <prefix>/<volume>/<layer>/<x>_<y>_<z>.chunk and encoded with package codec.
type BlobBackingStore struct {
	blobs       blobstore.BlobStore
	prefix      string
	compression codec.Compression
}

// BlobOption configures a BlobBackingStore.
type BlobOption func(*BlobBackingStore)

// WithCompression sets the compression of written chunks. Reading handles
// every compression regardless. Default: LZ4.
func WithCompression(c codec.Compression) BlobOption {
	return func(b *BlobBackingStore) {
		b.compression = c
	}
}

// WithPrefix stores all chunks under prefix.
func WithPrefix(prefix string) BlobOption {
	return func(b *BlobBackingStore) {
		b.prefix = strings.Trim(prefix, "/")
	}
}

// NewBlobBackingStore returns a BackingStore on top of a blob store.
func NewBlobBackingStore(blobs blobstore.BlobStore, optFns ...BlobOption) *BlobBackingStore {
	b := &BlobBackingStore{
		blobs:       blobs,
		compression: codec.CompressionLZ4,
	}
	for _, fn := range optFns {
		fn(b)
	}
	return b
}

func (b *BlobBackingStore) layerDir(volume, layer string) string {
	return path.Join(b.prefix, volume, layer)
}

func (b *BlobBackingStore) name(ref ChunkRef) string {
	c := ref.Coord
	return path.Join(b.layerDir(ref.Volume, ref.Layer.Name), fmt.Sprintf("%d_%d_%d.chunk", c.X, c.Y, c.Z))
}

// Load implements BackingStore.
func (b *BlobBackingStore) Load(ctx context.Context, ref ChunkRef) ([]byte, error) {
	name := b.name(ref)
	p, err := blobstore.ReadAll(ctx, b.blobs, name)
	if err != nil {
		return nil, err
	}
	// The header geometry sizes the decode buffer, so it must match first.
	h, err := codec.DecodeHeader(p)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	got := Extent{W: int(h.ChunkW), H: int(h.ChunkH), D: int(h.ChunkD)}
	if int(h.VoxelSize) != ref.Layer.VoxelSize || h.Revision != ref.Layer.Revision || got != ref.ChunkSize {
		return nil, &LayoutMismatchError{
			Ref:       ref,
			VoxelSize: int(h.VoxelSize),
			Revision:  h.Revision,
			ChunkSize: got,
		}
	}
	_, data, err := codec.Decode(p)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return data, nil
}

// Store implements BackingStore.
func (b *BlobBackingStore) Store(ctx context.Context, ref ChunkRef, data []byte) error {
	p, err := codec.Encode(codec.Header{
		ChunkW:      uint32(ref.ChunkSize.W),
		ChunkH:      uint32(ref.ChunkSize.H),
		ChunkD:      uint32(ref.ChunkSize.D),
		VoxelSize:   uint32(ref.Layer.VoxelSize),
		Revision:    ref.Layer.Revision,
		Layer:       ref.Layer.Name,
		Compression: b.compression,
	}, data)
	if err != nil {
		return err
	}
	return b.blobs.Put(ctx, b.name(ref), p)
}

// ListChunks implements ChunkLister. Blobs that do not follow the chunk
// naming scheme are skipped.
func (b *BlobBackingStore) ListChunks(ctx context.Context, volume, layer string) ([]Coord, error) {
	dir := b.layerDir(volume, layer) + "/"
	names, err := b.blobs.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	coords := make([]Coord, 0, len(names))
	for _, name := range names {
		c, ok := parseChunkName(strings.TrimPrefix(name, dir))
		if ok {
			coords = append(coords, c)
		}
	}
	return coords, nil
}

func parseChunkName(name string) (Coord, bool) {
	base, ok := strings.CutSuffix(name, ".chunk")
	if !ok || strings.Contains(base, "/") {
		return Coord{}, false
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return Coord{}, false
	}
	var v [3]int32
	for i, s := range parts {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return Coord{}, false
		}
		v[i] = int32(n)
	}
	c := Coord{X: v[0], Y: v[1], Z: v[2]}
	return c, c.Valid()
}

// volumeBackend adapts a BackingStore to the chunk store of one volume.
type volumeBackend struct {
	v       *volume
	backing BackingStore
}

func (b *volumeBackend) Load(ctx context.Context, key chunkKey) ([]byte, error) {
	ref := b.v.ref(key)
	data, err := b.backing.Load(ctx, ref)
	var mismatch *LayoutMismatchError
	if errors.As(err, &mismatch) {
		b.v.logger.ErrorContext(ctx, "ignoring persisted chunk with different layout",
			"layer", ref.Layer.Name,
			"chunk", ref.Coord.String(),
			"error", err,
		)
		return nil, ErrNotFound
	}
	return data, err
}

func (b *volumeBackend) Store(ctx context.Context, key chunkKey, data []byte) error {
	return b.backing.Store(ctx, b.v.ref(key), data)
}
