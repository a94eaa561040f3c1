package voxman

import (
	"fmt"
	"sync/atomic"

	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/hupe1980/voxman/internal/region"
)

// ReadView reads the voxels of a locked selection. Points are absolute voxel
// coordinates and must lie inside the selected region.
//
// A view is valid until its access is unlocked; afterwards every method
// fails with ErrNotLocked.
type ReadView struct {
	a         *access
	epoch     uint64
	sel       *selection
	holds     []*chunk.Hold
	grid      region.Grid
	voxelSize int
}

func (a *access) readView() *ReadView {
	return &ReadView{
		a:         a,
		epoch:     a.epoch.Load(),
		sel:       a.sel,
		holds:     a.holds,
		grid:      a.v.grid,
		voxelSize: a.v.layers[a.layer].VoxelSize,
	}
}

// Region returns the selected region.
func (r *ReadView) Region() Box { return r.sel.box }

// VoxelSize returns the number of bytes per voxel.
func (r *ReadView) VoxelSize() int { return r.voxelSize }

func (r *ReadView) check() error {
	if r.a.epoch.Load() != r.epoch {
		return ErrNotLocked
	}
	return nil
}

// locate returns the hold index and byte offset of voxel p.
func (r *ReadView) locate(p Point) (int, int, error) {
	if err := r.check(); err != nil {
		return 0, 0, err
	}
	if !r.sel.box.Contains(p) {
		return 0, 0, fmt.Errorf("%w: voxel %s outside selection %s", ErrOutOfRange, p, r.sel.box)
	}
	i := r.sel.cover.Index(r.grid.ChunkOf(p))
	off := r.grid.Index(r.grid.Local(p)) * r.voxelSize
	return i, off, nil
}

// Voxel returns a copy of the bytes of voxel p.
func (r *ReadView) Voxel(p Point) ([]byte, error) {
	i, off, err := r.locate(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, r.voxelSize)
	copy(out, r.holds[i].Data()[off:])
	return out, nil
}

// Chunk returns a copy of the whole chunk c, which must intersect the
// selection. Voxels are laid out X fastest, then Y, then Z.
func (r *ReadView) Chunk(c Coord) ([]byte, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if !r.sel.cover.Contains(c) {
		return nil, fmt.Errorf("%w: chunk %s outside selection %s", ErrOutOfRange, c, r.sel.box)
	}
	return append([]byte(nil), r.holds[r.sel.cover.Index(c)].Data()...), nil
}

// WriteView reads and writes the voxels of a selection locked in Write mode.
// Chunks written through the view are marked dirty on Unlock.
type WriteView struct {
	ReadView
	touched []atomic.Bool
}

// Voxel returns the live bytes of voxel p. The chunk is considered modified.
func (w *WriteView) Voxel(p Point) ([]byte, error) {
	i, off, err := w.locate(p)
	if err != nil {
		return nil, err
	}
	w.touched[i].Store(true)
	return w.holds[i].Data()[off : off+w.voxelSize : off+w.voxelSize], nil
}

// Set overwrites voxel p with value, which must be VoxelSize bytes long.
func (w *WriteView) Set(p Point, value []byte) error {
	if len(value) != w.voxelSize {
		return invalidParam("voxel value length", len(value), fmt.Sprintf("want %d", w.voxelSize))
	}
	i, off, err := w.locate(p)
	if err != nil {
		return err
	}
	copy(w.holds[i].Data()[off:], value)
	w.touched[i].Store(true)
	return nil
}

// Fill sets every voxel of box to value. box must lie inside the selection.
func (w *WriteView) Fill(box Box, value []byte) error {
	if len(value) != w.voxelSize {
		return invalidParam("voxel value length", len(value), fmt.Sprintf("want %d", w.voxelSize))
	}
	if err := w.check(); err != nil {
		return err
	}
	if !w.sel.box.ContainsBox(box) {
		return fmt.Errorf("%w: box %s outside selection %s", ErrOutOfRange, box, w.sel.box)
	}

	cover, err := w.grid.Cover(box)
	if err != nil {
		return err
	}
	end := box.End()
	for _, c := range cover.Coords() {
		cb := w.grid.ChunkBox(c)
		ce := cb.End()
		lo := Point{X: max(box.Origin.X, cb.Origin.X), Y: max(box.Origin.Y, cb.Origin.Y), Z: max(box.Origin.Z, cb.Origin.Z)}
		hi := Point{X: min(end.X, ce.X), Y: min(end.Y, ce.Y), Z: min(end.Z, ce.Z)}

		i := w.sel.cover.Index(c)
		data := w.holds[i].Data()
		for z := lo.Z; z < hi.Z; z++ {
			for y := lo.Y; y < hi.Y; y++ {
				off := w.grid.Index(w.grid.Local(Point{X: lo.X, Y: y, Z: z})) * w.voxelSize
				for x := lo.X; x < hi.X; x++ {
					copy(data[off:], value)
					off += w.voxelSize
				}
			}
		}
		w.touched[i].Store(true)
	}
	return nil
}
