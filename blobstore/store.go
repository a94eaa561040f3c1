package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for reading and writing named data blobs.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of all blobs with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes starting at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// Getter is an optional interface for stores that can fetch a whole blob in
// one round trip.
type Getter interface {
	Get(ctx context.Context, name string) ([]byte, error)
}

// ReadAll returns the full content of the named blob.
func ReadAll(ctx context.Context, s BlobStore, name string) ([]byte, error) {
	if g, ok := s.(Getter); ok {
		return g.Get(ctx, name)
	}

	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = b.Close() }()

	buf := make([]byte, b.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	n, err := b.ReadAt(ctx, buf, 0)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if n != len(buf) {
		return nil, fmt.Errorf("read %s: short read %d/%d", name, n, len(buf))
	}
	return buf, nil
}
