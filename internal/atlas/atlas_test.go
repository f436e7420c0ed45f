package atlas

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcptensor/hcptensor/internal/volume"
)

// halves labels the x < 2 half region 1 and the rest region 2.
func halves(t *testing.T) *Labels {
	t.Helper()
	v := volume.New([]int{4, 2, 2})
	for x := 0; x < 4; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				label := float32(1)
				if x >= 2 {
					label = 2
				}
				v.Data[v.Index(x, y, z, 0)] = label
			}
		}
	}
	l, err := FromVolume(v, 2)
	require.NoError(t, err)
	return l
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.nii.gz")
	v := volume.New([]int{2, 2, 2})
	v.Data[0] = 3
	require.NoError(t, volume.Write(path, v))

	l, err := Load(path, 3)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 2}, l.Shape)
	assert.Equal(t, int32(3), l.Data[0])

	_, err = Load(path, 2)
	assert.ErrorIs(t, err, ErrLabelRange)
}

func TestLoadRejects4D(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atlas.nii")
	require.NoError(t, volume.Write(path, volume.New([]int{2, 2, 2, 3})))

	_, err := Load(path, 1)
	assert.ErrorIs(t, err, ErrNotLabelImage)
}

func TestResampleSameGridIsIdentity(t *testing.T) {
	l := halves(t)
	got, err := l.Resample(l.Shape, l.Affine)
	require.NoError(t, err)
	assert.Same(t, l, got)
}

func TestResampleCoarserGrid(t *testing.T) {
	l := halves(t)
	var coarse [3][4]float64
	coarse[0][0], coarse[1][1], coarse[2][2] = 2, 2, 2

	got, err := l.Resample([3]int{3, 1, 1}, coarse)
	require.NoError(t, err)
	// voxel x maps to atlas x*2: 0 -> region 1, 2 -> region 2, 4 -> outside
	assert.Equal(t, []int32{1, 2, 0}, got.Data)
}

func TestResampleSingularAffine(t *testing.T) {
	l := halves(t)
	l.Affine = [3][4]float64{}
	_, err := l.Resample([3]int{1, 1, 1}, [3][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}})
	assert.ErrorIs(t, err, ErrSingular)
}

func TestAtlasCachesPerGrid(t *testing.T) {
	a := New(halves(t))
	var coarse [3][4]float64
	coarse[0][0], coarse[1][1], coarse[2][2] = 2, 2, 2

	first, err := a.For([3]int{2, 1, 1}, coarse)
	require.NoError(t, err)
	second, err := a.For([3]int{2, 1, 1}, coarse)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 2, a.Regions())
}

func TestExtractMeans(t *testing.T) {
	l := halves(t)
	v := volume.New([]int{4, 2, 2, 3})
	for x := 0; x < 4; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				for tt := 0; tt < 3; tt++ {
					v.Data[v.Index(x, y, z, tt)] = float32(x + 10*tt)
				}
			}
		}
	}

	m, err := Extract(v, l, false)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	for tt := 0; tt < 3; tt++ {
		assert.InDelta(t, 0.5+10*float64(tt), m.At(tt, 0), 1e-9)
		assert.InDelta(t, 2.5+10*float64(tt), m.At(tt, 1), 1e-9)
	}

	a := ToArray(m)
	assert.Equal(t, []int{3, 2}, a.Shape)
	assert.Equal(t, float32(20.5), a.Data[4])
}

func TestExtractStandardize(t *testing.T) {
	l := halves(t)
	v := volume.New([]int{4, 2, 2, 4})
	for x := 0; x < 4; x++ {
		for y := 0; y < 2; y++ {
			for z := 0; z < 2; z++ {
				for tt := 0; tt < 4; tt++ {
					val := float32(5) // region 2 stays constant
					if x < 2 {
						val = float32(tt)
					}
					v.Data[v.Index(x, y, z, tt)] = val
				}
			}
		}
	}

	m, err := Extract(v, l, true)
	require.NoError(t, err)

	var sum, sq float64
	for tt := 0; tt < 4; tt++ {
		sum += m.At(tt, 0)
		sq += m.At(tt, 0) * m.At(tt, 0)
		assert.Zero(t, m.At(tt, 1), "constant series becomes zero")
	}
	assert.InDelta(t, 0, sum, 1e-9)
	assert.InDelta(t, 4, sq, 1e-9)
}

func TestExtractEmptyRegionIsZero(t *testing.T) {
	v := volume.New([]int{2, 1, 1})
	v.Data[0] = 1
	l, err := FromVolume(v, 3)
	require.NoError(t, err)

	data := volume.New([]int{2, 1, 1, 2})
	for i := range data.Data {
		data.Data[i] = 7
	}
	m, err := Extract(data, l, false)
	require.NoError(t, err)
	_, c := m.Dims()
	assert.Equal(t, 3, c)
	assert.Equal(t, 7.0, m.At(1, 0))
	assert.Zero(t, m.At(1, 2))
}

func TestExtractGridMismatch(t *testing.T) {
	_, err := Extract(volume.New([]int{3, 2, 2, 1}), halves(t), false)
	assert.ErrorIs(t, err, ErrGridMismatch)
}
