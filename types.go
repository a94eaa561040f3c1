package voxman

import (
	"math"
	"time"

	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/hupe1980/voxman/internal/region"
)

type (
	// Point is a voxel coordinate. Coordinates may be negative.
	Point = region.Point

	// Extent is the size of a box along each axis.
	Extent = region.Extent

	// Box is an axis-aligned voxel region: Origin inclusive, Origin+Extent
	// exclusive.
	Box = region.Box

	// Coord is a chunk coordinate. Chunks are ordered by Z, then Y, then X.
	Coord = region.Coord

	// Mode selects shared (Read) or exclusive (Write) chunk locks.
	Mode = chunk.Mode
)

const (
	// Read locks are shared between accesses.
	Read = chunk.Read
	// Write locks are exclusive.
	Write = chunk.Write
)

// NewBox returns the box at (x,y,z) with extent (w,h,d).
func NewBox(x, y, z, w, h, d int) Box {
	return region.NewBox(x, y, z, w, h, d)
}

// TimeoutNever disables a timeout: chunks stay loaded or dirty until their
// volume is deleted or the manager closes.
const TimeoutNever = time.Duration(math.MaxInt64)

// Timeouts controls when unreferenced chunks are written back and evicted.
// A zero timeout acts on the next sweep.
type Timeouts struct {
	// Unused is how long a clean chunk stays loaded after its last access.
	Unused time.Duration
	// Modified is how long a modified chunk stays dirty before write-back.
	Modified time.Duration
}

func (t Timeouts) validate() error {
	if t.Unused < 0 {
		return invalidParam("unused chunk timeout", t.Unused, "must not be negative")
	}
	if t.Modified < 0 {
		return invalidParam("modified chunk timeout", t.Modified, "must not be negative")
	}
	return nil
}

type chunkKey = chunk.Key
