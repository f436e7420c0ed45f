package volume

// Downsample keeps every stride-th coordinate along the three spatial axes
// (starting at 0) and leaves the temporal axis untouched. The voxel-to-world
// transform is scaled to match: spatial columns of the sform and the spatial
// voxel sizes are multiplied by stride, the origin is unchanged.
func Downsample(v *Volume, stride int) *Volume {
	if stride <= 1 {
		out := *v
		out.Shape = append([]int(nil), v.Shape...)
		out.Data = append([]float32(nil), v.Data...)
		return &out
	}

	src := v.dims4()
	dst := [4]int{ceilDiv(src[0], stride), ceilDiv(src[1], stride), ceilDiv(src[2], stride), src[3]}

	shape := append([]int(nil), v.Shape...)
	for i := 0; i < len(shape) && i < 3; i++ {
		shape[i] = dst[i]
	}

	out := &Volume{Header: v.Header, Shape: shape, Data: make([]float32, product(shape))}
	nt := src[3]
	i := 0
	for x := 0; x < src[0]; x += stride {
		for y := 0; y < src[1]; y += stride {
			for z := 0; z < src[2]; z += stride {
				from := ((x*src[1]+y)*src[2] + z) * nt
				copy(out.Data[i:i+nt], v.Data[from:from+nt])
				i += nt
			}
		}
	}

	s := float32(stride)
	h := &out.Header
	for j := 0; j < 3; j++ {
		h.SrowX[j] *= s
		h.SrowY[j] *= s
		h.SrowZ[j] *= s
		h.Pixdim[j+1] *= s
	}
	h.setShape(shape)
	return out
}

// WithinBound reports whether every spatial axis of shape is at most bound.
func WithinBound(shape [3]int, bound int) bool {
	for _, d := range shape {
		if d > bound {
			return false
		}
	}
	return true
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
