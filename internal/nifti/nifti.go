// Package nifti decodes and re-encodes NIfTI-1 volumes just deeply enough
// to address individual voxels. Everything before the voxel block is kept
// as raw bytes, so a rewritten file preserves header extensions and vendor
// fields bit for bit.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

const headerSize = 348

// NIfTI-1 datatype codes.
const (
	DTUInt8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUInt16  int16 = 512
	DTUInt32  int16 = 768
	DTInt64   int16 = 1024
	DTUInt64  int16 = 1280
)

// ErrInvalid means the data is not a usable single-file NIfTI-1 volume.
var ErrInvalid = errors.New("invalid NIfTI-1 data")

var voxelWidths = map[int16]int{
	DTUInt8:   1,
	DTInt8:    1,
	DTInt16:   2,
	DTUInt16:  2,
	DTInt32:   4,
	DTUInt32:  4,
	DTFloat32: 4,
	DTFloat64: 8,
	DTInt64:   8,
	DTUInt64:  8,
}

// Header carries the NIfTI-1 fields needed to locate and address voxels.
type Header struct {
	Dim       [8]int16
	Datatype  int16
	Bitpix    int16
	VoxOffset int64
	ByteOrder binary.ByteOrder
}

// DecodeHeader parses the fixed 348-byte header, detecting byte order from
// the sizeof_hdr field. Only single-file volumes (magic "n+1") are accepted.
func DecodeHeader(raw []byte) (*Header, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrInvalid, len(raw))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(raw[0:4]) != headerSize {
		order = binary.BigEndian
		if order.Uint32(raw[0:4]) != headerSize {
			return nil, fmt.Errorf("%w: sizeof_hdr is not %d in either byte order", ErrInvalid, headerSize)
		}
	}

	magic := raw[344:348]
	switch {
	case bytes.Equal(magic, []byte("n+1\x00")):
	case bytes.Equal(magic, []byte("ni1\x00")):
		return nil, fmt.Errorf("%w: detached .hdr/.img pairs are not supported", ErrInvalid)
	default:
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalid, magic)
	}

	h := &Header{ByteOrder: order}
	for i := range h.Dim {
		h.Dim[i] = int16(order.Uint16(raw[40+2*i : 42+2*i]))
	}
	h.Datatype = int16(order.Uint16(raw[70:72]))
	h.Bitpix = int16(order.Uint16(raw[72:74]))
	h.VoxOffset = int64(math.Float32frombits(order.Uint32(raw[108:112])))

	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("%w: dim[0] = %d", ErrInvalid, ndim)
	}
	for i := 1; i <= ndim; i++ {
		if h.Dim[i] < 0 {
			return nil, fmt.Errorf("%w: dim[%d] = %d", ErrInvalid, i, h.Dim[i])
		}
	}

	width, ok := voxelWidths[h.Datatype]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported datatype %d", ErrInvalid, h.Datatype)
	}
	if int(h.Bitpix) != width*8 {
		return nil, fmt.Errorf("%w: bitpix %d does not match datatype %d", ErrInvalid, h.Bitpix, h.Datatype)
	}
	if h.VoxOffset < headerSize {
		return nil, fmt.Errorf("%w: vox_offset %d inside the header", ErrInvalid, h.VoxOffset)
	}

	return h, nil
}

// VoxelCount is the number of voxels across all used dimensions. Unused
// dimensions (zero) count as one, as the format prescribes.
func (h *Header) VoxelCount() int64 {
	count := int64(1)
	for i := 1; i <= int(h.Dim[0]); i++ {
		d := int64(h.Dim[i])
		if d < 1 {
			d = 1
		}
		count *= d
	}
	return count
}

// BytesPerVoxel is the storage width of one voxel.
func (h *Header) BytesPerVoxel() int {
	return voxelWidths[h.Datatype]
}

// Volume is a NIfTI-1 image held in memory. Prefix spans everything before
// the voxel block (header plus extensions), Suffix any trailing bytes.
type Volume struct {
	Header *Header
	Prefix []byte
	Voxels []byte
	Suffix []byte
}

// Decode reads a complete single-file NIfTI-1 volume.
func Decode(r io.Reader) (*Volume, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume: %w", err)
	}
	return DecodeBytes(raw)
}

// DecodeBytes parses a complete volume already in memory. The returned
// Volume aliases raw.
func DecodeBytes(raw []byte) (*Volume, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}

	off := h.VoxOffset
	if off > int64(len(raw)) {
		return nil, fmt.Errorf("%w: vox_offset %d beyond file size %d", ErrInvalid, off, len(raw))
	}
	want := h.VoxelCount() * int64(h.BytesPerVoxel())
	if int64(len(raw))-off < want {
		return nil, fmt.Errorf("%w: voxel block truncated, want %d bytes, have %d", ErrInvalid, want, int64(len(raw))-off)
	}

	return &Volume{
		Header: h,
		Prefix: raw[:off],
		Voxels: raw[off : off+want],
		Suffix: raw[off+want:],
	}, nil
}

// Encode writes the volume back out, byte-identical where voxels were not
// touched.
func (v *Volume) Encode(w io.Writer) error {
	for _, part := range [][]byte{v.Prefix, v.Voxels, v.Suffix} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("failed to write volume: %w", err)
		}
	}
	return nil
}

// VoxelCount is the number of voxels in the volume.
func (v *Volume) VoxelCount() int64 {
	return v.Header.VoxelCount()
}

// LabelAt reads voxel i as an integer label. Float voxels carry a label
// only when they hold an exact whole number; anything fractional maps to
// noLabel so it can never match a requested id.
func (v *Volume) LabelAt(i int64) int64 {
	w := int64(v.Header.BytesPerVoxel())
	b := v.Voxels[i*w : i*w+w]
	order := v.Header.ByteOrder

	switch v.Header.Datatype {
	case DTUInt8:
		return int64(b[0])
	case DTInt8:
		return int64(int8(b[0]))
	case DTInt16:
		return int64(int16(order.Uint16(b)))
	case DTUInt16:
		return int64(order.Uint16(b))
	case DTInt32:
		return int64(int32(order.Uint32(b)))
	case DTUInt32:
		return int64(order.Uint32(b))
	case DTInt64, DTUInt64:
		return int64(order.Uint64(b))
	case DTFloat32:
		return labelFromFloat(float64(math.Float32frombits(order.Uint32(b))))
	case DTFloat64:
		return labelFromFloat(math.Float64frombits(order.Uint64(b)))
	default:
		return 0
	}
}

// noLabel marks a float voxel with no integer label. Segmentation ids are
// non-negative, so it collides with nothing a caller can request.
const noLabel = int64(-1)

func labelFromFloat(f float64) int64 {
	// NaN fails the Trunc comparison on its own.
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return noLabel
	}
	return int64(f)
}

// ZeroAt clears voxel i. All supported datatypes encode zero as zero bytes.
func (v *Volume) ZeroAt(i int64) {
	w := int64(v.Header.BytesPerVoxel())
	clear(v.Voxels[i*w : i*w+w])
}

// UniqueLabels scans the whole voxel block and returns the distinct label
// values in ascending order.
func (v *Volume) UniqueLabels() []int64 {
	seen := make(map[int64]struct{})
	n := v.VoxelCount()
	for i := int64(0); i < n; i++ {
		seen[v.LabelAt(i)] = struct{}{}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
