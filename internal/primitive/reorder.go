package primitive

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Reorder is a prebuilt conversion primitive between two memory-format
// descriptors over the same logical shape: plain/blocked layout permutations
// in float32, quantization to a packed int8 payload, and dequantization back.
type Reorder struct {
	rt  *Runtime
	src mem.Desc
	dst mem.Desc
}

// NewReorder builds a reorder primitive. Layout conversion requires matching
// logical shapes; a destination targeting int8 must carry valid quantization
// parameters (mask set, then scales, with the scale count matching the
// channels the mask selects).
func NewReorder(rt *Runtime, src, dst mem.Desc) (*Reorder, error) {
	if rt == nil || rt.Closed() {
		return nil, fmt.Errorf("reorder: runtime not available")
	}
	if !src.Shape().Equal(dst.Shape()) {
		return nil, fmt.Errorf("reorder: logical shape mismatch %v vs %v", src.Shape(), dst.Shape())
	}
	if dst.DataType() == tensor.Int8 {
		if err := dst.ValidateQuant(); err != nil {
			return nil, err
		}
	} else if src.DataType() == tensor.Int8 {
		if err := src.ValidateQuant(); err != nil {
			return nil, err
		}
	} else if src.DataType() != tensor.Float32 || dst.DataType() != tensor.Float32 {
		return nil, fmt.Errorf("reorder: unsupported conversion %s -> %s", src.DataType(), dst.DataType())
	}

	rt.Logger().Debug().
		Str("src", src.String()).
		Str("dst", dst.String()).
		Msg("built reorder primitive")

	return &Reorder{rt: rt, src: src, dst: dst}, nil
}

// Src returns the source descriptor.
func (ro *Reorder) Src() mem.Desc {
	return ro.src
}

// Dst returns the destination descriptor.
func (ro *Reorder) Dst() mem.Desc {
	return ro.dst
}

// PhysicalElements returns the number of stored elements a descriptor's
// physical layout occupies. Blocked layouts round the channel dimension up
// to the block size.
func PhysicalElements(d mem.Desc) int {
	blk := d.Format().BlockSize()
	if blk == 1 {
		return d.Shape().NumElements()
	}
	s := d.Shape()
	cb := (s[1] + blk - 1) / blk
	return s[0] * cb * blk * s[2] * s[3]
}

// offsetFor maps a logical NCHW coordinate to a flat element offset in the
// given layout.
func offsetFor(f mem.Format, s tensor.Shape, n, c, h, w int) int {
	cDim, hDim, wDim := s[1], s[2], s[3]
	switch f {
	case mem.NCHW:
		return ((n*cDim+c)*hDim+h)*wDim + w
	case mem.NHWC:
		return ((n*hDim+h)*wDim+w)*cDim + c
	case mem.NChw8c, mem.NChw16c:
		blk := f.BlockSize()
		cb := (cDim + blk - 1) / blk
		return (((n*cb+c/blk)*hDim+h)*wDim+w)*blk + c%blk
	default:
		panic(fmt.Sprintf("reorder: no offset rule for format %s", f))
	}
}

// Execute converts a float32 tensor between the two layouts. The destination
// buffer must hold PhysicalElements(dst) elements; blocked padding lanes are
// zeroed.
func (ro *Reorder) Execute(src, dst *tensor.Native) error {
	if !src.Allocated() || !dst.Allocated() {
		return tensor.ErrNotAllocated
	}
	if ro.src.DataType() != tensor.Float32 || ro.dst.DataType() != tensor.Float32 {
		return fmt.Errorf("reorder: Execute handles float32 only; use Quantize/Dequantize")
	}
	ro.rt.NextStream()

	in, out := src.AsFloat32(), dst.AsFloat32()
	for i := range out {
		out[i] = 0
	}

	s := ro.src.Shape()
	for n := 0; n < s[0]; n++ {
		for c := 0; c < s[1]; c++ {
			for h := 0; h < s[2]; h++ {
				for w := 0; w < s[3]; w++ {
					out[offsetFor(ro.dst.Format(), s, n, c, h, w)] = in[offsetFor(ro.src.Format(), s, n, c, h, w)]
				}
			}
		}
	}
	return nil
}

// Quantize maps the float32 source into a packed int8 payload using the
// destination descriptor's scales and mask: q = clamp(round(x*scale), -128, 127).
// The returned handle is owned by the caller.
func (ro *Reorder) Quantize(src *tensor.Native) (*Handle, error) {
	if !src.Allocated() {
		return nil, tensor.ErrNotAllocated
	}
	if ro.dst.DataType() != tensor.Int8 {
		return nil, fmt.Errorf("reorder: destination %s is not int8", ro.dst.DataType())
	}
	ro.rt.NextStream()

	in := src.AsFloat32()
	h := NewHandle(ro.rt, ro.dst, len(in))
	out := asInt8(h.Bytes())

	scales := ro.dst.Scales()
	for i, v := range in {
		s := scales[ro.scaleIndex(i)]
		q := math.RoundToEven(float64(v) * float64(s))
		if q > 127 {
			q = 127
		} else if q < -128 {
			q = -128
		}
		out[i] = int8(q)
	}
	return h, nil
}

// Dequantize maps a packed int8 payload back to float32: x = q/scale.
func (ro *Reorder) Dequantize(h *Handle, dst *tensor.Native) error {
	if h == nil || h.Bytes() == nil {
		return fmt.Errorf("reorder: quantized payload released")
	}
	if !dst.Allocated() {
		return tensor.ErrNotAllocated
	}
	if ro.src.DataType() != tensor.Int8 {
		return fmt.Errorf("reorder: source %s is not int8", ro.src.DataType())
	}
	ro.rt.NextStream()

	in := asInt8(h.Bytes())
	out := dst.AsFloat32()
	scales := ro.src.Scales()
	for i := range out {
		out[i] = float32(in[i]) / scales[ro.scaleIndexSrc(i)]
	}
	return nil
}

// scaleIndex picks the per-channel scale for flat element i of the
// destination layout. Only a leading-axis mask (bit 0) or a single-axis
// channel mask is meaningful for the layouts supported here.
func (ro *Reorder) scaleIndex(i int) int {
	return scaleIndexFor(ro.dst, i)
}

func (ro *Reorder) scaleIndexSrc(i int) int {
	return scaleIndexFor(ro.src, i)
}

func scaleIndexFor(d mem.Desc, i int) int {
	if d.Mask() == 0 {
		return 0
	}
	s := d.Shape()
	strides := s.ComputeStrides()
	idx := 0
	mult := 1
	for dim := len(s) - 1; dim >= 0; dim-- {
		coord := (i / strides[dim]) % s[dim]
		if d.Mask()&(1<<dim) != 0 {
			idx += coord * mult
			mult *= s[dim]
		}
	}
	return idx
}

// asInt8 views a byte slice as []int8 without copying.
func asInt8(b []byte) []int8 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), len(b))
}
