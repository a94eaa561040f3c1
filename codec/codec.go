// Package codec defines the persisted chunk payload format.
//
// A payload is a fixed-size header followed by the (optionally compressed)
// voxel bytes of one chunk layer:
//
//	[Magic "VXCK"][Version u16][Compression u8][reserved u8]
//	[ChunkW u32][ChunkH u32][ChunkD u32][VoxelSize u32][Revision u32]
//	[Layer [32]byte, NUL padded]
//	[RawSize u32][StoredSize u32][CRC32C u32]
//	[Data...]
//
// All integers are little endian. The checksum covers the uncompressed bytes.
// Changing the layout requires bumping Version; older payloads are rejected
// with ErrIncompatibleFormat.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

const (
	// Version is the current payload format version.
	Version uint16 = 1

	// MaxLayerName is the longest layer name that fits the header.
	MaxLayerName = 31

	headerSize = 72
)

var magic = [4]byte{'V', 'X', 'C', 'K'}

var (
	// ErrCorrupt is returned when a payload fails validation.
	ErrCorrupt = errors.New("codec: corrupt payload")

	// ErrIncompatibleFormat is returned for payloads written by another format version.
	ErrIncompatibleFormat = errors.New("codec: incompatible format version")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32-Castagnoli checksum of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// Header describes the chunk layer stored in a payload.
type Header struct {
	ChunkW, ChunkH, ChunkD uint32
	VoxelSize              uint32
	Revision               uint32
	Layer                  string
	Compression            Compression
}

// RawSize returns the uncompressed payload size implied by the geometry.
func (h Header) RawSize() int {
	return int(h.ChunkW) * int(h.ChunkH) * int(h.ChunkD) * int(h.VoxelSize)
}

func (h Header) validate() error {
	if h.ChunkW == 0 || h.ChunkH == 0 || h.ChunkD == 0 || h.VoxelSize == 0 {
		return fmt.Errorf("codec: invalid geometry %dx%dx%d voxel %d", h.ChunkW, h.ChunkH, h.ChunkD, h.VoxelSize)
	}
	// The raw size is stored as a uint32.
	size := uint64(h.ChunkW)
	for _, n := range []uint32{h.ChunkH, h.ChunkD, h.VoxelSize} {
		if size > math.MaxUint32/uint64(n) {
			return fmt.Errorf("codec: geometry %dx%dx%d voxel %d exceeds %d bytes", h.ChunkW, h.ChunkH, h.ChunkD, h.VoxelSize, uint64(math.MaxUint32))
		}
		size *= uint64(n)
	}
	if len(h.Layer) == 0 || len(h.Layer) > MaxLayerName {
		return fmt.Errorf("codec: layer name %q must be 1..%d bytes", h.Layer, MaxLayerName)
	}
	return nil
}

// Encode serializes data under h. len(data) must equal h.RawSize.
// If compressing does not shrink the data noticeably it is stored raw and the
// header records CompressionNone.
func Encode(h Header, data []byte) ([]byte, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if len(data) != h.RawSize() {
		return nil, fmt.Errorf("codec: data size %d does not match geometry %d", len(data), h.RawSize())
	}

	stored, comp, err := compress(data, h.Compression)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+len(stored))
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint16(out[4:], Version)
	out[6] = byte(comp)
	binary.LittleEndian.PutUint32(out[8:], h.ChunkW)
	binary.LittleEndian.PutUint32(out[12:], h.ChunkH)
	binary.LittleEndian.PutUint32(out[16:], h.ChunkD)
	binary.LittleEndian.PutUint32(out[20:], h.VoxelSize)
	binary.LittleEndian.PutUint32(out[24:], h.Revision)
	copy(out[28:60], h.Layer)
	binary.LittleEndian.PutUint32(out[60:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[64:], uint32(len(stored)))
	binary.LittleEndian.PutUint32(out[68:], Checksum(data))
	copy(out[headerSize:], stored)
	return out, nil
}

// DecodeHeader parses and validates the header without touching the data.
func DecodeHeader(p []byte) (Header, error) {
	if len(p) < headerSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(p))
	}
	if [4]byte(p[0:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(p[4:]); v != Version {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleFormat, v, Version)
	}

	name := p[28:60]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}

	h := Header{
		ChunkW:      binary.LittleEndian.Uint32(p[8:]),
		ChunkH:      binary.LittleEndian.Uint32(p[12:]),
		ChunkD:      binary.LittleEndian.Uint32(p[16:]),
		VoxelSize:   binary.LittleEndian.Uint32(p[20:]),
		Revision:    binary.LittleEndian.Uint32(p[24:]),
		Layer:       string(name[:n]),
		Compression: Compression(p[6]),
	}
	if err := h.validate(); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return h, nil
}

// Decode parses p and returns its header and uncompressed data.
func Decode(p []byte) (Header, []byte, error) {
	h, err := DecodeHeader(p)
	if err != nil {
		return Header{}, nil, err
	}

	rawSize := binary.LittleEndian.Uint32(p[60:])
	storedSize := binary.LittleEndian.Uint32(p[64:])
	sum := binary.LittleEndian.Uint32(p[68:])

	if int(rawSize) != h.RawSize() {
		return Header{}, nil, fmt.Errorf("%w: raw size %d does not match geometry %d", ErrCorrupt, rawSize, h.RawSize())
	}
	if uint64(len(p)-headerSize) != uint64(storedSize) {
		return Header{}, nil, fmt.Errorf("%w: stored size %d, have %d", ErrCorrupt, storedSize, len(p)-headerSize)
	}

	data, err := decompress(p[headerSize:], h.Compression, int(rawSize))
	if err != nil {
		return Header{}, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if Checksum(data) != sum {
		return Header{}, nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	return h, data, nil
}
