package mem

import (
	"errors"
	"fmt"

	"github.com/fathom-ml/fathom/internal/tensor"
)

// Quantization precondition errors.
var (
	ErrMaskNotSet       = errors.New("mem: quantization mask must be set before scales")
	ErrScalesNotSet     = errors.New("mem: quantization scales not set")
	ErrScaleLenMismatch = errors.New("mem: scale array length does not match mask channel count")
)

// Desc describes how a tensor is laid out for a specific accelerated
// primitive: logical shape, physical layout tag, element type, and optional
// per-channel quantization scales with the mask selecting the scaled axis.
//
// Desc is an immutable value object; WithMask and WithScales return modified
// copies. Two descriptors are format-compatible iff shape, format and element
// type match.
type Desc struct {
	shape  tensor.Shape
	format Format
	dtype  tensor.DataType
	scales []float32
	mask   int
}

// NewDesc creates a descriptor with no quantization parameters.
func NewDesc(shape tensor.Shape, format Format, dtype tensor.DataType) Desc {
	return Desc{
		shape:  shape.Clone(),
		format: format,
		dtype:  dtype,
	}
}

// Shape returns the logical shape.
func (d Desc) Shape() tensor.Shape {
	return d.shape
}

// Format returns the physical layout tag.
func (d Desc) Format() Format {
	return d.format
}

// DataType returns the element type.
func (d Desc) DataType() tensor.DataType {
	return d.dtype
}

// Scales returns the per-channel quantization scales, or nil.
func (d Desc) Scales() []float32 {
	return d.scales
}

// Mask returns the quantization mask. Bit i selects dimension i as a
// per-channel axis; zero means one scale for the whole tensor.
func (d Desc) Mask() int {
	return d.mask
}

// WithMask returns a copy with the quantization mask set. The mask must be
// set before scales are attached.
func (d Desc) WithMask(mask int) Desc {
	c := d
	c.mask = mask
	return c
}

// WithScales returns a copy with the scale array set.
func (d Desc) WithScales(scales []float32) Desc {
	c := d
	c.scales = append([]float32(nil), scales...)
	return c
}

// WithFormat returns a copy with a different layout tag.
func (d Desc) WithFormat(f Format) Desc {
	c := d
	c.format = f
	return c
}

// WithDataType returns a copy with a different element type.
func (d Desc) WithDataType(dt tensor.DataType) Desc {
	c := d
	c.dtype = dt
	return c
}

// MaskChannels returns the number of scale values the mask calls for: the
// product of the sizes of the masked dimensions, or 1 when the mask is zero.
func (d Desc) MaskChannels() int {
	if d.mask == 0 {
		return 1
	}
	n := 1
	for i, dim := range d.shape {
		if d.mask&(1<<i) != 0 {
			n *= dim
		}
	}
	return n
}

// ValidateQuant checks the quantization preconditions for a descriptor that
// targets a lower-precision type: the mask must be set (then scales), and the
// scale array length must equal the channel count the mask selects.
// Violations are errors at build time, never silent truncation or padding.
func (d Desc) ValidateQuant() error {
	if len(d.scales) == 0 {
		if d.mask == 0 {
			return ErrMaskNotSet
		}
		return ErrScalesNotSet
	}
	if want := d.MaskChannels(); len(d.scales) != want {
		return fmt.Errorf("%w: got %d scales, mask selects %d channels", ErrScaleLenMismatch, len(d.scales), want)
	}
	return nil
}

// Compatible reports format compatibility: shape, format and element type all
// match, so no reorder is needed between producer and consumer.
func (d Desc) Compatible(other Desc) bool {
	return d.shape.Equal(other.shape) && d.format == other.format && d.dtype == other.dtype
}

// Equal reports full structural equality including quantization parameters.
func (d Desc) Equal(other Desc) bool {
	if !d.Compatible(other) || d.mask != other.mask || len(d.scales) != len(other.scales) {
		return false
	}
	for i := range d.scales {
		if d.scales[i] != other.scales[i] {
			return false
		}
	}
	return true
}

// String returns a human-readable representation of the descriptor.
func (d Desc) String() string {
	return fmt.Sprintf("%v:%s:%s", d.shape, d.format, d.dtype)
}

// NeedReorder reports whether a reorder must bridge a producer emitting
// produced and a consumer requiring required. A consumer format of Any
// accepts anything with the same element type.
func NeedReorder(produced, required Desc) bool {
	if required.format == Any && produced.dtype == required.dtype {
		return false
	}
	return !produced.Compatible(required)
}

// NegotiateFormats compares a producer's output descriptors against a
// consumer's requirements slot by slot, reporting per slot whether a reorder
// must be inserted. Panics when the slices differ in length; that is a wiring
// bug, not a negotiable condition.
func NegotiateFormats(produced, required []Desc) []bool {
	if len(produced) != len(required) {
		panic(fmt.Sprintf("mem: negotiate %d produced descriptors against %d required", len(produced), len(required)))
	}
	needs := make([]bool, len(produced))
	for i := range produced {
		needs[i] = NeedReorder(produced[i], required[i])
	}
	return needs
}
