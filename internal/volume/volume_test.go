package volume

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(shape []int) *Volume {
	v := New(shape)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	return v
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			v := ramp([]int{4, 3, 2, 5})

			require.NoError(t, Write(path, v))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 3, 2, 5}, got.Shape)
			assert.Equal(t, v.Data, got.Data)
			assert.Equal(t, [3]int{4, 3, 2}, got.SpatialShape())
			assert.Equal(t, 5, got.Timepoints())

			h, err := ReadHeader(path)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 3, 2, 5}, h.Shape())
			assert.Equal(t, DTFloat32, h.Datatype)
		})
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "a.nii.gz"), ramp([]int{2, 2, 2, 2})))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.nii.gz", entries[0].Name())
}

func TestWriteRejectsInconsistentData(t *testing.T) {
	v := New([]int{2, 2, 2, 2})
	v.Data = v.Data[:3]
	err := Write(filepath.Join(t.TempDir(), "bad.nii"), v)
	assert.ErrorIs(t, err, ErrUnsupported)
}

// TestReadBigEndianScaledInt16 builds a file by hand in disk (x-fastest)
// order to check byte order, scaling and the transpose into C order.
func TestReadBigEndianScaledInt16(t *testing.T) {
	h := newHeader([]int{3, 2, 1, 2})
	h.Datatype = DTInt16
	h.Bitpix = 16
	h.SclSlope = 2
	h.SclInter = 1

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &h))
	buf.Write([]byte{0, 0, 0, 0})
	// disk order: t, z, y, then x fastest; value = x + 10*y + 100*t
	for tt := 0; tt < 2; tt++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 3; x++ {
				require.NoError(t, binary.Write(&buf, binary.BigEndian, int16(x+10*y+100*tt)))
			}
		}
	}
	path := filepath.Join(t.TempDir(), "be.nii")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	v, err := Read(path)
	require.NoError(t, err)
	for tt := 0; tt < 2; tt++ {
		for y := 0; y < 2; y++ {
			for x := 0; x < 3; x++ {
				want := float32(x+10*y+100*tt)*2 + 1
				assert.Equal(t, want, v.Data[v.Index(x, y, 0, tt)], "x=%d y=%d t=%d", x, y, tt)
			}
		}
	}
}

func TestReadTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.nii")
	require.NoError(t, Write(path, ramp([]int{4, 4, 4, 4})))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0o644))

	_, err = Read(path)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestReadNotNIfTI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7}, 400), 0o644))

	_, err := Read(path)
	assert.ErrorIs(t, err, ErrNotNIfTI)

	empty := filepath.Join(t.TempDir(), "empty.nii")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = ReadHeader(empty)
	assert.ErrorIs(t, err, ErrNotNIfTI)
}

func TestDownsample(t *testing.T) {
	v := ramp([]int{5, 4, 3, 2})
	v.Header.SrowX = [4]float32{-2, 0, 0, 90}
	v.Header.SrowY = [4]float32{0, 2, 0, -126}
	v.Header.SrowZ = [4]float32{0, 0, 2, -72}
	v.Header.Pixdim = [8]float32{1, 2, 2, 2, 0.72, 1, 1, 1}

	d := Downsample(v, 2)

	assert.Equal(t, []int{3, 2, 2, 2}, d.Shape)
	for x := 0; x < 3; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				for tt := 0; tt < 2; tt++ {
					assert.Equal(t, v.Data[v.Index(2*x, 2*y, 2*z, tt)], d.Data[d.Index(x, y, z, tt)])
				}
			}
		}
	}
	assert.Equal(t, [4]float32{-4, 0, 0, 90}, d.Header.SrowX)
	assert.Equal(t, [4]float32{0, 4, 0, -126}, d.Header.SrowY)
	assert.Equal(t, [4]float32{0, 0, 4, -72}, d.Header.SrowZ)
	assert.Equal(t, float32(4), d.Header.Pixdim[1])
	assert.Equal(t, float32(0.72), d.Header.Pixdim[4], "temporal spacing untouched")
	assert.Equal(t, int16(3), d.Header.Dim[1])

	// the source is left alone
	assert.Equal(t, []int{5, 4, 3, 2}, v.Shape)
}

func TestDownsampleStandardGrid(t *testing.T) {
	v := New([]int{91, 109, 91, 1})
	d := Downsample(v, 2)
	assert.Equal(t, []int{46, 55, 46, 1}, d.Shape)
	assert.True(t, WithinBound(d.SpatialShape(), 110))
	assert.False(t, WithinBound([3]int{91, 111, 91}, 110))
}

func TestAffineFallsBackToPixdim(t *testing.T) {
	h := newHeader([]int{2, 2, 2})
	h.SformCode = 0
	h.Pixdim = [8]float32{1, 3, 0, 2}
	a := h.Affine()
	assert.Equal(t, 3.0, a[0][0])
	assert.Equal(t, 1.0, a[1][1], "zero voxel size treated as one")
	assert.Equal(t, 2.0, a[2][2])
}
