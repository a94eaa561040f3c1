package chunk

import (
	"errors"
	"fmt"

	"github.com/hupe1980/voxman/blobstore"
)

var (
	// ErrWouldBlock is returned by a non-blocking Acquire on a contended chunk.
	ErrWouldBlock = errors.New("operation would block")

	// ErrOutOfMemory is returned when chunk memory cannot be reserved even
	// after evicting every chunk whose unused timeout has elapsed.
	ErrOutOfMemory = errors.New("out of chunk memory")

	// ErrIO marks backing store failures. Match with errors.Is.
	ErrIO = errors.New("backing store i/o error")

	// ErrNotFound is reported by a Backend for chunks that were never written.
	ErrNotFound = blobstore.ErrNotFound

	// ErrReleased is returned when a hold is released twice or its chunk
	// bookkeeping no longer matches the hold. It indicates a bug, not a
	// recoverable condition.
	ErrReleased = errors.New("chunk hold already released")

	// ErrUnknownLayer is returned for keys outside the configured layers.
	ErrUnknownLayer = errors.New("unknown layer")
)

// errSkipped reports a prefetch load that did not fit the memory budget.
var errSkipped = errors.New("prefetch skipped")

// IOError describes a failed load or flush of a single chunk.
type IOError struct {
	Op  string // "load" or "flush"
	Key Key
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s chunk %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes every IOError match ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }
