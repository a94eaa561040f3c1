package voxman

import (
	"errors"
	"fmt"

	"github.com/hupe1980/voxman/blobstore"
	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/hupe1980/voxman/internal/region"
)

var (
	// ErrOutOfMemory is returned when a chunk cannot be loaded because the
	// memory budget is exhausted and no loaded chunk has expired.
	ErrOutOfMemory = chunk.ErrOutOfMemory

	// ErrOutOfRange is returned for regions, points and parameters outside
	// the valid range.
	ErrOutOfRange = region.ErrOutOfRange

	// ErrWouldBlock is returned by non-blocking operations on contention.
	ErrWouldBlock = chunk.ErrWouldBlock

	// ErrIO is returned when the backing store fails.
	ErrIO = chunk.ErrIO

	// ErrNotFound is reported by backing stores for chunks that were never
	// written.
	ErrNotFound = blobstore.ErrNotFound

	// ErrNotLocked is returned when an operation needs a locked access.
	ErrNotLocked = errors.New("access is not locked")

	// ErrAccessDenied is returned when writing through a read selection.
	ErrAccessDenied = errors.New("access denied")

	// ErrVolumeBusy is returned when deleting a volume with locked accesses.
	ErrVolumeBusy = errors.New("volume has locked accesses")

	// ErrAccessBusy is returned when an access is locked or being locked.
	ErrAccessBusy = errors.New("access is locked")

	// ErrUnrecoverableFault marks internal invariant violations.
	ErrUnrecoverableFault = errors.New("unrecoverable fault")

	// ErrInvalidHandle is returned for unknown or stale handles.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrNoSelection is returned when locking an access that has no selection.
	ErrNoSelection = errors.New("access has no selection")

	// ErrClosed is returned after the manager was closed.
	ErrClosed = errors.New("manager is closed")

	// ErrVolumeClosed wakes lockers blocked on a deleted volume.
	ErrVolumeClosed = errors.New("volume was deleted")

	// ErrAccessClosed wakes a locker whose access was deleted.
	ErrAccessClosed = errors.New("access was deleted")
)

// IOError describes a failed chunk load or write-back. It matches ErrIO.
type IOError = chunk.IOError

// InvalidParamError indicates a rejected parameter. It matches ErrOutOfRange.
type InvalidParamError struct {
	Param  string
	Value  any
	Reason string
}

func (e *InvalidParamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s: %v", e.Param, e.Value)
	}
	return fmt.Sprintf("invalid %s %v: %s", e.Param, e.Value, e.Reason)
}

func (e *InvalidParamError) Unwrap() error { return ErrOutOfRange }

func invalidParam(param string, value any, reason string) error {
	return &InvalidParamError{Param: param, Value: value, Reason: reason}
}

// FaultError reports a broken internal invariant. It matches
// ErrUnrecoverableFault.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type FaultError struct {
	Op    string
	cause error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("unrecoverable fault in %s: %v", e.Op, e.cause)
}

func (e *FaultError) Unwrap() error { return e.cause }

func (e *FaultError) Is(target error) bool { return target == ErrUnrecoverableFault }

// LayoutMismatchError is returned by BackingStore.Load when a persisted
// chunk was written with a different layer layout.
type LayoutMismatchError struct {
	Ref       ChunkRef
	VoxelSize int
	Revision  uint32
	ChunkSize Extent
}

func (e *LayoutMismatchError) Error() string {
	return fmt.Sprintf("chunk %s/%s/%s: stored layout voxel=%d revision=%d size=%s, want voxel=%d revision=%d size=%s",
		e.Ref.Volume, e.Ref.Layer.Name, e.Ref.Coord,
		e.VoxelSize, e.Revision, e.ChunkSize,
		e.Ref.Layer.VoxelSize, e.Ref.Layer.Revision, e.Ref.ChunkSize)
}
