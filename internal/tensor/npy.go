// Package tensor stores float32 arrays in the NumPy .npy format, the
// container used for batch artifacts and consolidated tensors.
package tensor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/sbinet/npyio/npy"
	"github.com/sourcegraph/conc/panics"
)

const (
	magic       = "\x93NUMPY"
	headerAlign = 64
	// Descr is the only element type this package reads or writes.
	Descr = "<f4"
)

// Header describes an .npy file without its data.
type Header struct {
	Shape []int
	// DataOffset is the byte offset of the first element.
	DataOffset int64
}

// Rows returns the leading dimension.
func (h Header) Rows() int {
	if len(h.Shape) == 0 {
		return 0
	}
	return h.Shape[0]
}

// RowShape returns the shape of one leading-axis slice.
func (h Header) RowShape() []int {
	if len(h.Shape) == 0 {
		return nil
	}
	return append([]int(nil), h.Shape[1:]...)
}

// Len returns the number of elements.
func (h Header) Len() int {
	return product(h.Shape)
}

// EncodeHeader renders a version 1.0 header for a little-endian float32
// C-order array, padded so the data starts on a 64-byte boundary.
func EncodeHeader(shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", Descr, tuple)

	// magic(6) + version(2) + length(2) + dict + padding + '\n'
	total := len(magic) + 2 + 2 + len(dict) + 1
	pad := (headerAlign - total%headerAlign) % headerAlign

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(dict)+pad+1))
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", pad))
	buf.WriteByte('\n')
	return buf.Bytes()
}

// DecodeHeader parses the header at the start of r. Versions 1.0 and 2.0
// are accepted; only C-order little-endian float32 arrays are.
func DecodeHeader(r io.Reader) (Header, error) {
	_, h, err := newReader(&fullReader{r: r})
	return h, err
}

// newReader reads the header through npy and checks the layout.
func newReader(fr *fullReader) (rd *npy.Reader, h Header, err error) {
	if rec := panics.Try(func() { rd, err = npy.NewReader(fr) }); rec != nil {
		return nil, Header{}, fmt.Errorf("%w: malformed header: %v", ErrNotNPY, rec.Value)
	}
	if err != nil {
		return nil, Header{}, fmt.Errorf("%w: %v", ErrNotNPY, err)
	}

	d := rd.Header.Descr
	if d.Type != Descr {
		return nil, Header{}, fmt.Errorf("%w: dtype %s", ErrUnsupported, d.Type)
	}
	if d.Fortran {
		return nil, Header{}, fmt.Errorf("%w: fortran order", ErrUnsupported)
	}
	for _, n := range d.Shape {
		if n < 0 {
			return nil, Header{}, fmt.Errorf("%w: shape %v", ErrNotNPY, d.Shape)
		}
	}
	return rd, Header{Shape: d.Shape, DataOffset: fr.n}, nil
}

// fullReader fills every Read completely and counts the bytes consumed.
// npy reads one element per call and does not retry short reads; a
// premature end of input is reported as io.ErrUnexpectedEOF.
type fullReader struct {
	r io.Reader
	n int64
}

func (f *fullReader) Read(p []byte) (int, error) {
	n, err := io.ReadFull(f.r, p)
	f.n += int64(n)
	if err == io.EOF && len(p) > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// checkSize verifies that a file of size bytes holds exactly the data h
// declares.
func checkSize(path string, h Header, size int64) error {
	if want := h.DataOffset + int64(h.Len())*4; size != want {
		return fmt.Errorf("%s: %w: size %d, header implies %d", path, ErrTruncated, size, want)
	}
	return nil
}

// ReadHeaderFile opens path just long enough to decode its header and check
// that the file holds exactly the data the header declares.
func ReadHeaderFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer func() { _ = f.Close() }()

	h, err := DecodeHeader(f)
	if err != nil {
		return Header{}, fmt.Errorf("%s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		return Header{}, err
	}
	if err := checkSize(path, h, fi.Size()); err != nil {
		return Header{}, err
	}
	return h, nil
}
