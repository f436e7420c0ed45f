package atlas

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/hcptensor/hcptensor/internal/tensor"
	"github.com/hcptensor/hcptensor/internal/volume"
)

// Extract averages the volume over each labelled region at every timepoint
// and returns a timepoints-by-regions matrix. Regions with no voxels on the
// grid yield a zero column so the width is always l.Regions.
func Extract(v *volume.Volume, l *Labels, standardize bool) (*mat.Dense, error) {
	if v.SpatialShape() != l.Shape {
		return nil, fmt.Errorf("%w: volume %v, labels %v", ErrGridMismatch, v.SpatialShape(), l.Shape)
	}
	nt := v.Timepoints()
	nr := l.Regions

	out := mat.NewDense(nt, nr, nil)
	raw := out.RawMatrix()
	counts := make([]float64, nr)

	for vox, label := range l.Data {
		if label == 0 {
			continue
		}
		r := int(label) - 1
		counts[r]++
		series := v.Data[vox*nt : (vox+1)*nt]
		for t, val := range series {
			raw.Data[t*raw.Stride+r] += float64(val)
		}
	}

	col := make([]float64, nt)
	for r, n := range counts {
		if n == 0 {
			continue
		}
		mat.Col(col, r, out)
		floats.Scale(1/n, col)
		if standardize {
			zscore(col)
		}
		out.SetCol(r, col)
	}
	return out, nil
}

// zscore centres x and scales it to unit population standard deviation. A
// constant series becomes all zeros.
func zscore(x []float64) {
	mean, std := stat.PopMeanStdDev(x, nil)
	floats.AddConst(-mean, x)
	if std == 0 {
		for i := range x {
			x[i] = 0
		}
		return
	}
	floats.Scale(1/std, x)
}

// ToArray converts a signal matrix to a float32 array of the same shape.
func ToArray(m *mat.Dense) *tensor.Array {
	r, c := m.Dims()
	a := tensor.New(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.Data[i*c+j] = float32(m.At(i, j))
		}
	}
	return a
}
