// Package blobstore provides the storage abstraction behind persisted chunks.
//
// BlobStore is the interface for reading and writing named blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, the default backend
//   - LocalStore: local filesystem with atomic writes and an exclusive directory lock
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible services
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends:
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)      // Open for reading
//	    Put(ctx, name, data) error         // Atomic write
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Stores that can fetch a whole blob in a single request should also implement
// Getter; ReadAll prefers it over Open + ReadAt.
package blobstore
