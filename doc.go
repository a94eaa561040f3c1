// Package voxman virtualizes large, sparsely populated multi-layer voxel
// volumes.
//
// A volume is partitioned into fixed-size chunks. Chunks are loaded from a
// BackingStore when first locked, kept in memory while in use and for a
// while afterwards, written back once they have been modified and left
// alone for the modified timeout, and evicted once they have been unused for
// the unused timeout. Chunks that were never written read as zero.
//
// # Quick Start
//
//	ctx := context.Background()
//	m, _ := voxman.New()
//	defer m.Close(ctx)
//
//	vol, _ := m.CreateVolume(ctx, voxman.VolumeParams{
//	    Name:      "terrain",
//	    ChunkSize: voxman.Extent{W: 32, H: 32, D: 32},
//	    Layers:    []voxman.LayerSpec{{Name: "density", VoxelSize: 1, Revision: 1}},
//	})
//
//	acc, _ := m.CreateAccess(vol, "density")
//	_ = m.Select(acc, voxman.NewBox(0, 0, 0, 64, 64, 64), voxman.Write)
//	_ = m.Lock(ctx, acc)
//	view, _ := m.ReadWriteVoxelLayer(acc)
//	_ = view.Set(voxman.Point{X: 1, Y: 2, Z: 3}, []byte{255})
//	_ = m.Unlock(acc)
//
// # Locking
//
// An access binds one region of one layer (its selection) and a mode. Lock
// acquires every chunk covering the selection: any number of accesses may
// hold a chunk in Read mode, a Write hold is exclusive. Chunks are always
// acquired in the same total order (Z, then Y, then X), so concurrent Lock
// calls cannot deadlock. TryLock acquires all chunks or none without
// waiting.
//
// Views returned by ReadVoxelLayer and ReadWriteVoxelLayer address voxels by
// absolute coordinates and become invalid on Unlock.
//
// # Persistence
//
// NewBlobBackingStore stores chunks in any blobstore.BlobStore: in memory,
// on the local file system, in S3 (blobstore/s3) or MinIO
// (blobstore/minio). Payloads are checksummed and optionally compressed by
// package codec.
//
// # Memory
//
// WithMemoryLimit caps chunk memory. A Lock that needs to load a chunk first
// evicts chunks whose unused timeout has elapsed; if that is not enough it
// fails with ErrOutOfMemory. Chunks are never evicted early.
package voxman
