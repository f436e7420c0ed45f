package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerSize = 348
	// dataOffset is where voxel data starts in files this package writes:
	// the header followed by an empty 4-byte extension flag.
	dataOffset = headerSize + 4
)

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// Header is the fixed 348-byte NIfTI-1 header. Field order and sizes match the
// on-disk layout so the struct can be decoded with encoding/binary directly.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QOffsetX      float32
	QOffsetY      float32
	QOffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// decodeHeader reads a header in either byte order and reports which one
// the file uses.
func decodeHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: short header: %v", ErrNotNIfTI, err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[:4]) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[:4]) == headerSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: sizeof_hdr is not %d", ErrNotNIfTI, headerSize)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("%w: dim[0]=%d", ErrNotNIfTI, h.Dim[0])
	}
	return h, order, nil
}

// encode writes the header and the empty extension flag in little-endian order.
func (h *Header) encode(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("write extension flag: %w", err)
	}
	return nil
}

// Shape returns the array dimensions declared by the header. Trailing
// dimensions of length one beyond the fourth are dropped.
func (h *Header) Shape() []int {
	n := int(h.Dim[0])
	for n > 4 && h.Dim[n] == 1 {
		n--
	}
	shape := make([]int, n)
	for i := range shape {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// SpatialShape returns the first three dimensions, padding with ones for
// lower-rank images.
func (h *Header) SpatialShape() [3]int {
	s := [3]int{1, 1, 1}
	for i, d := range h.Shape() {
		if i == 3 {
			break
		}
		s[i] = d
	}
	return s
}

// Affine returns the voxel-to-world transform as the top three rows of a 4x4
// matrix. The sform rows are used when present; otherwise the voxel sizes in
// pixdim give a scaling-only transform.
func (h *Header) Affine() [3][4]float64 {
	var a [3][4]float64
	if h.SformCode > 0 {
		for i, row := range [3][4]float32{h.SrowX, h.SrowY, h.SrowZ} {
			for j, v := range row {
				a[i][j] = float64(v)
			}
		}
		return a
	}
	for i := 0; i < 3; i++ {
		p := float64(h.Pixdim[i+1])
		if p == 0 {
			p = 1
		}
		a[i][i] = p
	}
	return a
}

// bytesPerVoxel validates the datatype/bitpix pair.
func (h *Header) bytesPerVoxel() (int, error) {
	want := map[int16]int16{
		DTUint8: 8, DTInt8: 8,
		DTInt16: 16, DTUint16: 16,
		DTInt32: 32, DTUint32: 32, DTFloat32: 32,
		DTFloat64: 64,
	}
	bits, ok := want[h.Datatype]
	if !ok {
		return 0, fmt.Errorf("%w: datatype %d", ErrUnsupported, h.Datatype)
	}
	if h.Bitpix != 0 && h.Bitpix != bits {
		return 0, fmt.Errorf("%w: datatype %d with bitpix %d", ErrUnsupported, h.Datatype, h.Bitpix)
	}
	return int(bits / 8), nil
}

// setShape updates dim[] for the given shape.
func (h *Header) setShape(shape []int) {
	h.Dim = [8]int16{int16(len(shape)), 1, 1, 1, 1, 1, 1, 1}
	for i, d := range shape {
		h.Dim[i+1] = int16(d)
	}
}

// newHeader returns a float32 header with unit voxels and an identity sform.
func newHeader(shape []int) Header {
	h := Header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: dataOffset,
		SclSlope:  1,
		XYZTUnits: 2 | 8, // mm, seconds
		SformCode: 1,
		QformCode: 0,
		SrowX:     [4]float32{1, 0, 0, 0},
		SrowY:     [4]float32{0, 1, 0, 0},
		SrowZ:     [4]float32{0, 0, 1, 0},
		Magic:     magicSingle,
	}
	h.Pixdim = [8]float32{1, 1, 1, 1, 1, 1, 1, 1}
	h.setShape(shape)
	return h
}
