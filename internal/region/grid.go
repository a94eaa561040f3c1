package region

import "errors"

// ErrOutOfRange is returned when a region falls outside the addressable space.
var ErrOutOfRange = errors.New("region out of range")

// Grid describes the chunk geometry of a volume.
type Grid struct {
	Size Extent
}

// NewGrid returns a grid with the given chunk size.
func NewGrid(size Extent) (Grid, error) {
	if !size.Positive() {
		return Grid{}, ErrOutOfRange
	}
	return Grid{Size: size}, nil
}

// VoxelsPerChunk returns the number of voxels one chunk holds.
func (g Grid) VoxelsPerChunk() int {
	return g.Size.Volume()
}

// ChunkOf returns the chunk that contains voxel p.
func (g Grid) ChunkOf(p Point) Coord {
	return Coord{
		X: int32(floorDiv(p.X, g.Size.W)),
		Y: int32(floorDiv(p.Y, g.Size.H)),
		Z: int32(floorDiv(p.Z, g.Size.D)),
	}
}

// Local returns p relative to the origin of its chunk.
func (g Grid) Local(p Point) Point {
	return Point{
		X: floorMod(p.X, g.Size.W),
		Y: floorMod(p.Y, g.Size.H),
		Z: floorMod(p.Z, g.Size.D),
	}
}

// Index returns the linear voxel index of a chunk-local point (X fastest).
func (g Grid) Index(local Point) int {
	return local.X + local.Y*g.Size.W + local.Z*g.Size.W*g.Size.H
}

// ChunkBox returns the voxel box covered by chunk c.
func (g Grid) ChunkBox(c Coord) Box {
	return Box{
		Origin: Point{int(c.X) * g.Size.W, int(c.Y) * g.Size.H, int(c.Z) * g.Size.D},
		Extent: g.Size,
	}
}

// Cover returns the minimal chunk range whose union contains b.
func (g Grid) Cover(b Box) (Range, error) {
	if !b.Valid() {
		return Range{}, ErrOutOfRange
	}
	last := b.End()
	last = Point{last.X - 1, last.Y - 1, last.Z - 1}
	r := Range{Min: g.ChunkOf(b.Origin), Max: g.ChunkOf(last)}
	if !r.Min.Valid() || !r.Max.Valid() {
		return Range{}, ErrOutOfRange
	}
	return r, nil
}

// Addressable returns the voxel box spanned by every packable chunk coordinate.
func (g Grid) Addressable() Box {
	lo := g.ChunkBox(Coord{MinCoord, MinCoord, MinCoord}).Origin
	n := MaxCoord - MinCoord + 1
	return Box{
		Origin: lo,
		Extent: Extent{n * g.Size.W, n * g.Size.H, n * g.Size.D},
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
