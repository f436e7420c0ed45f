// Package volume reads and writes 4-D NIfTI-1 images (three spatial axes plus
// time) and implements the spatial subsampling used to shrink them on disk.
//
// In memory a Volume is float32 in C order over (X, Y, Z, T), so the time
// series of one voxel is contiguous. On disk NIfTI stores x fastest; Read and
// Write transpose between the two layouts one row at a time.
package volume

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const ioBufferSize = 1 << 20

// Volume is a decoded image. Shape has three or four entries.
type Volume struct {
	Header Header
	Shape  []int
	Data   []float32
}

// New allocates a zeroed float32 volume with a default header.
func New(shape []int) *Volume {
	s := append([]int(nil), shape...)
	return &Volume{
		Header: newHeader(s),
		Shape:  s,
		Data:   make([]float32, product(s)),
	}
}

// dims4 pads the shape to (X, Y, Z, T).
func (v *Volume) dims4() [4]int {
	return pad4(v.Shape)
}

// SpatialShape returns the first three axes.
func (v *Volume) SpatialShape() [3]int {
	d := v.dims4()
	return [3]int{d[0], d[1], d[2]}
}

// Timepoints returns the length of the temporal axis (1 for 3-D images).
func (v *Volume) Timepoints() int {
	return v.dims4()[3]
}

// Index returns the offset of (x, y, z, t) in Data.
func (v *Volume) Index(x, y, z, t int) int {
	d := v.dims4()
	return ((x*d[1]+y)*d[2]+z)*d[3] + t
}

// HasShape reports whether the volume's shape equals want exactly.
func (v *Volume) HasShape(want []int) bool {
	if len(v.Shape) != len(want) {
		return false
	}
	for i := range want {
		if v.Shape[i] != want[i] {
			return false
		}
	}
	return true
}

// ReadHeader decodes only the header of a .nii or .nii.gz file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r, closeFn, err := openStream(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer closeFn()

	h, _, err := decodeHeader(r)
	return h, err
}

// Read decodes a full volume, applying the header's intensity scaling.
func Read(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r, closeFn, err := openStream(bufio.NewReaderSize(f, ioBufferSize))
	if err != nil {
		return nil, err
	}
	defer closeFn()
	br := bufio.NewReaderSize(r, ioBufferSize)

	h, order, err := decodeHeader(br)
	if err != nil {
		return nil, err
	}
	bpv, err := h.bytesPerVoxel()
	if err != nil {
		return nil, err
	}
	shape := h.Shape()
	if len(shape) > 4 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrUnsupported, len(shape))
	}
	for _, d := range shape {
		if d < 1 {
			return nil, fmt.Errorf("%w: dimension %v", ErrUnsupported, shape)
		}
	}

	offset := int64(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	if _, err := io.CopyN(io.Discard, br, offset-headerSize); err != nil {
		return nil, fmt.Errorf("%w: skip to voxel offset: %v", ErrTruncated, err)
	}

	v := &Volume{Header: *h, Shape: shape, Data: make([]float32, product(shape))}
	dec := newDecoder(h, order, bpv)
	if err := v.readData(br, dec); err != nil {
		return nil, err
	}
	return v, nil
}

// readData scatters x-rows from disk order into C order.
func (v *Volume) readData(r io.Reader, dec decoder) error {
	d := v.dims4()
	nx, ny, nz, nt := d[0], d[1], d[2], d[3]
	stride := ny * nz * nt
	raw := make([]byte, nx*dec.size)
	row := make([]float32, nx)

	for t := 0; t < nt; t++ {
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				if _, err := io.ReadFull(r, raw); err != nil {
					return fmt.Errorf("%w: %v", ErrTruncated, err)
				}
				dec.decode(row, raw)
				base := (y*nz+z)*nt + t
				for x, val := range row {
					v.Data[base+x*stride] = val
				}
			}
		}
	}
	return nil
}

// Write stores the volume as little-endian float32 at path, gzip-compressed
// when the name ends in ".gz". The file is written to a sibling temporary
// name and renamed into place, so path never holds a partial image.
func Write(path string, v *Volume) (err error) {
	if want := product(v.Shape); want != len(v.Data) {
		return fmt.Errorf("%w: shape %v needs %d values, have %d", ErrUnsupported, v.Shape, want, len(v.Data))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriterSize(tmp, ioBufferSize)
	var out io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		out = gz
	}

	h := v.Header
	h.SizeofHdr = headerSize
	h.setShape(v.Shape)
	h.Datatype = DTFloat32
	h.Bitpix = 32
	h.VoxOffset = dataOffset
	h.SclSlope = 1
	h.SclInter = 0
	h.Magic = magicSingle
	if err = h.encode(out); err != nil {
		return err
	}
	if err = v.writeData(out); err != nil {
		return err
	}

	if gz != nil {
		if err = gz.Close(); err != nil {
			return fmt.Errorf("close gzip stream: %w", err)
		}
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename volume: %w", err)
	}
	return nil
}

// writeData gathers C-order values into x-rows in disk order.
func (v *Volume) writeData(w io.Writer) error {
	d := v.dims4()
	nx, ny, nz, nt := d[0], d[1], d[2], d[3]
	stride := ny * nz * nt
	raw := make([]byte, nx*4)

	for t := 0; t < nt; t++ {
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				base := (y*nz+z)*nt + t
				for x := 0; x < nx; x++ {
					binary.LittleEndian.PutUint32(raw[x*4:], math.Float32bits(v.Data[base+x*stride]))
				}
				if _, err := w.Write(raw); err != nil {
					return fmt.Errorf("write voxels: %w", err)
				}
			}
		}
	}
	return nil
}

// openStream sniffs the gzip magic and wraps the reader accordingly.
func openStream(br *bufio.Reader) (io.Reader, func(), error) {
	magic, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("%w: empty file", ErrNotNIfTI)
		}
		return nil, nil, err
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return br, func() {}, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gzip: %v", ErrNotNIfTI, err)
	}
	return gz, func() { _ = gz.Close() }, nil
}

func pad4(shape []int) [4]int {
	d := [4]int{1, 1, 1, 1}
	copy(d[:], shape)
	return d
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
