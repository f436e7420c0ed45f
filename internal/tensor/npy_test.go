package tensor

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaderAlignment(t *testing.T) {
	for _, shape := range [][]int{{3}, {2, 3}, {300, 46, 55, 46, 1200}, {}} {
		hdr := EncodeHeader(shape)
		assert.Zero(t, len(hdr)%headerAlign, "shape %v", shape)
		assert.Equal(t, byte('\n'), hdr[len(hdr)-1])

		h, err := DecodeHeader(bytes.NewReader(hdr))
		require.NoError(t, err)
		assert.Equal(t, int64(len(hdr)), h.DataOffset)
		if len(shape) == 0 {
			assert.Empty(t, h.Shape)
		} else {
			assert.Equal(t, shape, h.Shape)
		}
	}
}

func TestEncodeHeaderOneDimTuple(t *testing.T) {
	hdr := string(EncodeHeader([]int{7}))
	assert.Contains(t, hdr, "'shape': (7,)")
	assert.Contains(t, hdr, "'descr': '<f4'")
}

func TestDecodeHeaderRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrNotNPY},
		{"bad magic", []byte("NOTNUMPY\x10\x00{}"), ErrNotNPY},
		{"version", []byte("\x93NUMPY\x09\x00"), ErrNotNPY},
		{"dtype", npyV1("{'descr': '<f8', 'fortran_order': False, 'shape': (2,), }"), ErrUnsupported},
		{"fortran", npyV1("{'descr': '<f4', 'fortran_order': True, 'shape': (2, 2), }"), ErrUnsupported},
		{"shape", npyV1("{'descr': '<f4', 'fortran_order': False, 'shape': (a,), }"), ErrNotNPY},
		{"no newline", npyRaw("{'descr': '<f4', 'fortran_order': False, 'shape': (2,), }"), ErrNotNPY},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHeader(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeHeaderVersion2(t *testing.T) {
	dict := "{'descr': '<f4', 'fortran_order': False, 'shape': (4, 5), }\n"
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write([]byte{2, 0})
	buf.Write([]byte{byte(len(dict)), 0, 0, 0})
	buf.WriteString(dict)

	h, err := DecodeHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, h.Shape)
	assert.Equal(t, int64(12+len(dict)), h.DataOffset)
	assert.Equal(t, 4, h.Rows())
	assert.Equal(t, []int{5}, h.RowShape())
}

// stack splits a into its leading-axis rows for WriteStacked.
func stack(a *Array) []*Array {
	per := len(a.Data) / a.Shape[0]
	parts := make([]*Array, a.Shape[0])
	for r := range parts {
		parts[r] = &Array{Shape: a.Shape[1:], Data: a.Data[r*per : (r+1)*per]}
	}
	return parts
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.npy")
	a := New(2, 3)
	for i := range a.Data {
		a.Data[i] = float32(i) - 1.5
	}
	require.NoError(t, WriteStacked(path, stack(a)))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, got.Shape)
	assert.Equal(t, a.Data, got.Data)

	h, err := ReadHeaderFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, h.Shape)
	assert.Equal(t, int64(64), h.DataOffset)
}

func TestReadFileLargerThanChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.npy")
	a := New(3, chunkElems+17)
	for i := range a.Data {
		a.Data[i] = float32(i % 1000)
	}
	require.NoError(t, WriteStacked(path, stack(a)))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, a.Data, got.Data)
}

// shortReader hands out at most three bytes per Read.
type shortReader struct{ r io.Reader }

func (s shortReader) Read(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return s.r.Read(p)
}

func TestDecodeHeaderShortReads(t *testing.T) {
	hdr := EncodeHeader([]int{5, 2})
	h, err := DecodeHeader(shortReader{bytes.NewReader(hdr)})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2}, h.Shape)
	assert.Equal(t, int64(len(hdr)), h.DataOffset)
}

func TestWriteStacked(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.npy")
	parts := []*Array{New(2, 2), New(2, 2), New(2, 2)}
	for i, p := range parts {
		for j := range p.Data {
			p.Data[j] = float32(i*10 + j)
		}
	}
	require.NoError(t, WriteStacked(path, parts))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, got.Shape)
	assert.Equal(t, []float32{0, 1, 2, 3}, got.Data[:4])
	assert.Equal(t, []float32{20, 21, 22, 23}, got.Data[8:])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteStackedRejectsMixedShapes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stack.npy")
	err := WriteStacked(path, []*Array{New(2, 2), New(2, 3)})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.NoFileExists(t, path)

	assert.ErrorIs(t, WriteStacked(path, nil), ErrShapeMismatch)
}

func TestReadHeaderFileDetectsTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.npy")
	require.NoError(t, WriteStacked(path, stack(New(4, 4))))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o644))

	_, err = ReadHeaderFile(path)
	assert.ErrorIs(t, err, ErrTruncated)
	_, err = ReadFile(path)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestRelease(t *testing.T) {
	a := New(2, 2)
	a.Release()
	assert.Nil(t, a.Data)
	assert.Equal(t, []int{2, 2}, a.Shape)
}

func npyV1(dict string) []byte {
	return npyRaw(dict + "\n")
}

func npyRaw(dict string) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write([]byte{1, 0})
	buf.Write([]byte{byte(len(dict)), 0})
	buf.WriteString(dict)
	return buf.Bytes()
}
