package volume

import (
	"encoding/binary"
	"math"
)

// decoder converts raw voxel bytes of one datatype into float32 values,
// applying scl_slope/scl_inter when they are not the identity.
type decoder struct {
	size   int
	order  binary.ByteOrder
	kind   int16
	scaled bool
	slope  float32
	inter  float32
}

func newDecoder(h *Header, order binary.ByteOrder, size int) decoder {
	d := decoder{size: size, order: order, kind: h.Datatype, slope: 1}
	slope := h.SclSlope
	if slope != 0 && !math.IsNaN(float64(slope)) && !math.IsInf(float64(slope), 0) {
		inter := h.SclInter
		if math.IsNaN(float64(inter)) || math.IsInf(float64(inter), 0) {
			inter = 0
		}
		if slope != 1 || inter != 0 {
			d.scaled = true
			d.slope = slope
			d.inter = inter
		}
	}
	return d
}

func (d decoder) decode(dst []float32, raw []byte) {
	o := d.order
	switch d.kind {
	case DTUint8:
		for i := range dst {
			dst[i] = float32(raw[i])
		}
	case DTInt8:
		for i := range dst {
			dst[i] = float32(int8(raw[i]))
		}
	case DTInt16:
		for i := range dst {
			dst[i] = float32(int16(o.Uint16(raw[i*2:])))
		}
	case DTUint16:
		for i := range dst {
			dst[i] = float32(o.Uint16(raw[i*2:]))
		}
	case DTInt32:
		for i := range dst {
			dst[i] = float32(int32(o.Uint32(raw[i*4:])))
		}
	case DTUint32:
		for i := range dst {
			dst[i] = float32(o.Uint32(raw[i*4:]))
		}
	case DTFloat32:
		for i := range dst {
			dst[i] = math.Float32frombits(o.Uint32(raw[i*4:]))
		}
	case DTFloat64:
		for i := range dst {
			dst[i] = float32(math.Float64frombits(o.Uint64(raw[i*8:])))
		}
	}
	if d.scaled {
		for i, v := range dst {
			dst[i] = v*d.slope + d.inter
		}
	}
}
