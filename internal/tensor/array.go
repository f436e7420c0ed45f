package tensor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

const chunkElems = 1 << 16

// Array is a dense float32 array in C order.
type Array struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed array.
func New(shape ...int) *Array {
	return &Array{Shape: append([]int(nil), shape...), Data: make([]float32, product(shape))}
}

// ByteLen is the encoded size of the data section.
func (a *Array) ByteLen() int64 {
	return int64(len(a.Data)) * 4
}

// Release drops the reference to the backing data so it can be collected.
func (a *Array) Release() {
	a.Data = nil
}

// ReadFile loads a whole .npy file. The file size is checked against the
// header before any data is read.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	rd, h, err := newReader(&fullReader{r: bufio.NewReaderSize(f, 1<<20)})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := checkSize(path, h, fi.Size()); err != nil {
		return nil, err
	}

	a := &Array{Shape: h.Shape, Data: make([]float32, h.Len())}
	if len(a.Data) == 0 {
		return a, nil
	}
	if err := rd.Read(&a.Data); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrTruncated, err)
	}
	return a, nil
}

// WriteStacked stores parts stacked along a new leading axis, writing each
// part's data in turn rather than building the stacked array in memory.
// All parts must share one shape.
func WriteStacked(path string, parts []*Array) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: nothing to stack", ErrShapeMismatch)
	}
	row := parts[0].Shape
	for i, p := range parts {
		if !sameShape(p.Shape, row) {
			return fmt.Errorf("%w: part %d has shape %v, want %v", ErrShapeMismatch, i, p.Shape, row)
		}
		if product(p.Shape) != len(p.Data) {
			return fmt.Errorf("%w: part %d shape %v with %d values", ErrShapeMismatch, i, p.Shape, len(p.Data))
		}
	}
	shape := append([]int{len(parts)}, row...)
	return writeAtomic(path, shape, parts)
}

// writeAtomic writes header and parts to a sibling temporary file and renames
// it over path once everything is on disk.
func writeAtomic(path string, shape []int, parts []*Array) (err error) {
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

	bw := bufio.NewWriterSize(tmp, 1<<20)
	if _, err = bw.Write(EncodeHeader(shape)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	buf := make([]byte, chunkElems*4)
	for _, p := range parts {
		for off := 0; off < len(p.Data); off += chunkElems {
			n := min(chunkElems, len(p.Data)-off)
			EncodeFloat32s(buf[:n*4], p.Data[off:off+n])
			if _, err = bw.Write(buf[:n*4]); err != nil {
				return fmt.Errorf("write data: %w", err)
			}
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
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// EncodeFloat32s writes src as little-endian float32 into dst, which must
// hold at least 4*len(src) bytes.
func EncodeFloat32s(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	return sameShape(a, b)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
