// Package region implements the voxel/chunk coordinate math used by selections.
//
// Voxel space is addressed by Point, chunk space by Coord. A Grid describes the
// chunk geometry of a volume and converts between the two. Coordinates may be
// negative; conversions use floor division so chunk (-1,-1,-1) covers voxels
// [-size, -1] on every axis.
//
// Coord defines the global total order used for lock acquisition: Z is the most
// significant axis, then Y, then X. Range.Coords enumerates chunks in exactly
// that order.
package region

import (
	"fmt"
	"math"
)

// Point is a voxel coordinate.
type Point struct {
	X, Y, Z int
}

func (p Point) String() string {
	return fmt.Sprintf("%d|%d|%d", p.X, p.Y, p.Z)
}

// Extent is the size of a box along each axis.
type Extent struct {
	W, H, D int
}

// Positive reports whether every axis is > 0.
func (e Extent) Positive() bool {
	return e.W > 0 && e.H > 0 && e.D > 0
}

// Volume returns W*H*D.
func (e Extent) Volume() int {
	return e.W * e.H * e.D
}

func (e Extent) String() string {
	return fmt.Sprintf("%dx%dx%d", e.W, e.H, e.D)
}

// Box is an axis-aligned region: Origin is inclusive, Origin+Extent exclusive.
type Box struct {
	Origin Point
	Extent Extent
}

// NewBox returns the box at (x,y,z) with extent (w,h,d).
func NewBox(x, y, z, w, h, d int) Box {
	return Box{Origin: Point{x, y, z}, Extent: Extent{w, h, d}}
}

// IsZero reports whether b is the zero box.
func (b Box) IsZero() bool {
	return b == Box{}
}

// Valid reports whether b has a positive extent and its exclusive upper
// corner is representable.
func (b Box) Valid() bool {
	return b.Extent.Positive() &&
		b.Origin.X+b.Extent.W > b.Origin.X &&
		b.Origin.Y+b.Extent.H > b.Origin.Y &&
		b.Origin.Z+b.Extent.D > b.Origin.Z
}

// End returns the exclusive upper corner. It wraps for boxes that are not
// Valid.
func (b Box) End() Point {
	return Point{b.Origin.X + b.Extent.W, b.Origin.Y + b.Extent.H, b.Origin.Z + b.Extent.D}
}

// Contains reports whether p lies inside b.
func (b Box) Contains(p Point) bool {
	e := b.End()
	return p.X >= b.Origin.X && p.X < e.X &&
		p.Y >= b.Origin.Y && p.Y < e.Y &&
		p.Z >= b.Origin.Z && p.Z < e.Z
}

// ContainsBox reports whether o lies completely inside b. Boxes that are not
// Valid contain nothing and are contained by nothing.
func (b Box) ContainsBox(o Box) bool {
	if !b.Valid() || !o.Valid() {
		return false
	}
	be, oe := b.End(), o.End()
	return o.Origin.X >= b.Origin.X && oe.X <= be.X &&
		o.Origin.Y >= b.Origin.Y && oe.Y <= be.Y &&
		o.Origin.Z >= b.Origin.Z && oe.Z <= be.Z
}

// Intersects reports whether the two boxes share at least one voxel.
func (b Box) Intersects(o Box) bool {
	be, oe := b.End(), o.End()
	return b.Origin.X < oe.X && o.Origin.X < be.X &&
		b.Origin.Y < oe.Y && o.Origin.Y < be.Y &&
		b.Origin.Z < oe.Z && o.Origin.Z < be.Z
}

func (b Box) String() string {
	return fmt.Sprintf("%s+%s", b.Origin, b.Extent)
}

// Coord limits. Chunk ids pack each axis into 16 bits.
const (
	MinCoord = math.MinInt16
	MaxCoord = math.MaxInt16
)

// Coord is a chunk coordinate.
type Coord struct {
	X, Y, Z int32
}

// Compare orders coordinates by Z, then Y, then X.
func (c Coord) Compare(o Coord) int {
	switch {
	case c.Z != o.Z:
		return cmp32(c.Z, o.Z)
	case c.Y != o.Y:
		return cmp32(c.Y, o.Y)
	default:
		return cmp32(c.X, o.X)
	}
}

func cmp32(a, b int32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Valid reports whether every axis fits the packable range.
func (c Coord) Valid() bool {
	return inRange(c.X) && inRange(c.Y) && inRange(c.Z)
}

func inRange(v int32) bool {
	return v >= MinCoord && v <= MaxCoord
}

// ID packs the coordinate into a uint64 (16 bits per axis, top 16 bits zero).
// The caller must ensure Valid.
func (c Coord) ID() uint64 {
	return uint64(uint16(int16(c.X))) |
		uint64(uint16(int16(c.Y)))<<16 |
		uint64(uint16(int16(c.Z)))<<32
}

// FromID is the inverse of Coord.ID.
func FromID(id uint64) Coord {
	return Coord{
		X: int32(int16(uint16(id))),
		Y: int32(int16(uint16(id >> 16))),
		Z: int32(int16(uint16(id >> 32))),
	}
}

func (c Coord) String() string {
	return fmt.Sprintf("%d|%d|%d", c.X, c.Y, c.Z)
}

// Range is an inclusive range of chunk coordinates.
type Range struct {
	Min, Max Coord
}

// Len returns the number of chunks in r. With 16-bit axes it is at most
// 2^48, so it fits int64 on every platform.
func (r Range) Len() int64 {
	if r.Max.X < r.Min.X || r.Max.Y < r.Min.Y || r.Max.Z < r.Min.Z {
		return 0
	}
	return int64(r.Max.X-r.Min.X+1) * int64(r.Max.Y-r.Min.Y+1) * int64(r.Max.Z-r.Min.Z+1)
}

// Contains reports whether c lies inside r.
func (r Range) Contains(c Coord) bool {
	return c.X >= r.Min.X && c.X <= r.Max.X &&
		c.Y >= r.Min.Y && c.Y <= r.Max.Y &&
		c.Z >= r.Min.Z && c.Z <= r.Max.Z
}

// Index returns the position of c within Coords().
func (r Range) Index(c Coord) int {
	w := int(r.Max.X - r.Min.X + 1)
	h := int(r.Max.Y - r.Min.Y + 1)
	return int(c.X-r.Min.X) + int(c.Y-r.Min.Y)*w + int(c.Z-r.Min.Z)*w*h
}

// Coords enumerates r in ascending Compare order (X fastest). Callers bound
// Len first.
func (r Range) Coords() []Coord {
	out := make([]Coord, 0, int(r.Len()))
	for z := r.Min.Z; z <= r.Max.Z; z++ {
		for y := r.Min.Y; y <= r.Max.Y; y++ {
			for x := r.Min.X; x <= r.Max.X; x++ {
				out = append(out, Coord{x, y, z})
			}
		}
	}
	return out
}
