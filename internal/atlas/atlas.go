// Package atlas maps voxels to brain regions and reduces a 4-D volume to a
// timepoints-by-regions signal matrix.
package atlas

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/hcptensor/hcptensor/internal/volume"
)

// Atlas error types.
var (
	ErrNotLabelImage = errors.New("atlas is not a 3-D label image")
	ErrLabelRange    = errors.New("atlas label out of range")
	ErrGridMismatch  = errors.New("volume grid does not match atlas grid")
	ErrSingular      = errors.New("atlas affine is not invertible")
)

// Labels is an integer label image on a fixed voxel grid. Label 0 is
// background; regions are numbered 1..Regions.
type Labels struct {
	Shape   [3]int
	Affine  [3][4]float64
	Data    []int32
	Regions int
}

// Index returns the offset of voxel (x, y, z) in Data.
func (l *Labels) Index(x, y, z int) int {
	return (x*l.Shape[1]+y)*l.Shape[2] + z
}

// Load reads a label image from a NIfTI file. Values are rounded to the
// nearest integer and must lie in [0, regions].
func Load(path string, regions int) (*Labels, error) {
	v, err := volume.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read atlas %s: %w", path, err)
	}
	if v.Timepoints() != 1 {
		return nil, fmt.Errorf("%w: shape %v", ErrNotLabelImage, v.Shape)
	}
	return FromVolume(v, regions)
}

// FromVolume converts a decoded 3-D image into labels.
func FromVolume(v *volume.Volume, regions int) (*Labels, error) {
	if regions < 1 {
		return nil, fmt.Errorf("%w: %d regions", ErrLabelRange, regions)
	}
	l := &Labels{
		Shape:   v.SpatialShape(),
		Affine:  v.Header.Affine(),
		Data:    make([]int32, len(v.Data)),
		Regions: regions,
	}
	for i, f := range v.Data {
		n := int32(math.Round(float64(f)))
		if n < 0 || int(n) > regions {
			return nil, fmt.Errorf("%w: %v at voxel %d, want 0..%d", ErrLabelRange, f, i, regions)
		}
		l.Data[i] = n
	}
	return l, nil
}

// Resample returns the labels on the target grid using nearest-neighbour
// lookup through both voxel-to-world transforms. Target voxels that fall
// outside the atlas become background.
func (l *Labels) Resample(shape [3]int, affine [3][4]float64) (*Labels, error) {
	if shape == l.Shape && affine == l.Affine {
		return l, nil
	}

	var inv mat.Dense
	if err := inv.Inverse(homogeneous(l.Affine)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	// target voxel -> atlas voxel in one step
	var m mat.Dense
	m.Mul(&inv, homogeneous(affine))

	out := &Labels{
		Shape:   shape,
		Affine:  affine,
		Data:    make([]int32, shape[0]*shape[1]*shape[2]),
		Regions: l.Regions,
	}
	src := mat.NewVecDense(4, nil)
	dst := mat.NewVecDense(4, nil)
	i := 0
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			for z := 0; z < shape[2]; z++ {
				src.SetVec(0, float64(x))
				src.SetVec(1, float64(y))
				src.SetVec(2, float64(z))
				src.SetVec(3, 1)
				dst.MulVec(&m, src)
				ax := int(math.Round(dst.AtVec(0)))
				ay := int(math.Round(dst.AtVec(1)))
				az := int(math.Round(dst.AtVec(2)))
				if ax >= 0 && ax < l.Shape[0] && ay >= 0 && ay < l.Shape[1] && az >= 0 && az < l.Shape[2] {
					out.Data[i] = l.Data[l.Index(ax, ay, az)]
				}
				i++
			}
		}
	}
	return out, nil
}

func homogeneous(a [3][4]float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, a[i][j])
		}
	}
	m.Set(3, 3, 1)
	return m
}

type grid struct {
	shape  [3]int
	affine [3][4]float64
}

// Atlas holds the source labels and caches their resampling per target grid.
// It is safe for concurrent use.
type Atlas struct {
	labels *Labels

	mu    sync.Mutex
	cache map[grid]*Labels
}

// New wraps loaded labels.
func New(l *Labels) *Atlas {
	return &Atlas{labels: l, cache: make(map[grid]*Labels)}
}

// Regions returns the number of regions.
func (a *Atlas) Regions() int {
	return a.labels.Regions
}

// For returns the labels resampled to the given grid.
func (a *Atlas) For(shape [3]int, affine [3][4]float64) (*Labels, error) {
	key := grid{shape: shape, affine: affine}

	a.mu.Lock()
	defer a.mu.Unlock()

	if l, ok := a.cache[key]; ok {
		return l, nil
	}
	l, err := a.labels.Resample(shape, affine)
	if err != nil {
		return nil, err
	}
	a.cache[key] = l
	return l, nil
}
