package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fathom-ml/fathom/internal/tensor"
)

func TestDescQuantValidationOrder(t *testing.T) {
	d := NewDesc(tensor.Shape{1, 8, 4, 4}, NCHW, tensor.Int8)

	// Nothing set: the mask must come first.
	assert.ErrorIs(t, d.ValidateQuant(), ErrMaskNotSet)

	// Mask without scales.
	d = d.WithMask(1 << 1)
	assert.ErrorIs(t, d.ValidateQuant(), ErrScalesNotSet)

	// Wrong scale count for the masked axis: must fail, never truncate.
	d = d.WithScales(make([]float32, 3))
	assert.ErrorIs(t, d.ValidateQuant(), ErrScaleLenMismatch)

	// Matching count passes.
	d = d.WithScales(make([]float32, 8))
	assert.NoError(t, d.ValidateQuant())
}

func TestDescMaskChannels(t *testing.T) {
	d := NewDesc(tensor.Shape{2, 8, 4, 4}, NCHW, tensor.Int8)
	assert.Equal(t, 1, d.MaskChannels())
	assert.Equal(t, 8, d.WithMask(1<<1).MaskChannels())
	assert.Equal(t, 16, d.WithMask(1<<0|1<<1).MaskChannels())
}

func TestDescImmutability(t *testing.T) {
	d := NewDesc(tensor.Shape{4, 4}, NC, tensor.Float32)
	_ = d.WithMask(3).WithScales([]float32{1, 2})
	assert.Equal(t, 0, d.Mask())
	assert.Nil(t, d.Scales())
}

func TestNeedReorder(t *testing.T) {
	shape := tensor.Shape{1, 8, 4, 4}
	plain := NewDesc(shape, NCHW, tensor.Float32)
	blocked := NewDesc(shape, NChw8c, tensor.Float32)
	anyDesc := NewDesc(shape, Any, tensor.Float32)

	assert.False(t, NeedReorder(plain, plain))
	assert.True(t, NeedReorder(plain, blocked))
	assert.False(t, NeedReorder(plain, anyDesc), "Any accepts whatever is produced")
	assert.True(t, NeedReorder(plain, plain.WithDataType(tensor.Int8)))
}

func TestNegotiateFormats(t *testing.T) {
	shape := tensor.Shape{1, 8, 4, 4}
	plain := NewDesc(shape, NCHW, tensor.Float32)
	blocked := NewDesc(shape, NChw8c, tensor.Float32)

	needs := NegotiateFormats(
		[]Desc{plain, blocked, plain},
		[]Desc{plain, plain, blocked})
	assert.Equal(t, []bool{false, true, true}, needs)

	assert.Panics(t, func() {
		NegotiateFormats([]Desc{plain}, nil)
	}, "mismatched slot counts are a wiring bug")
}

func TestDescEqualIncludesQuantParams(t *testing.T) {
	d := NewDesc(tensor.Shape{4}, NC, tensor.Int8).WithMask(1).WithScales([]float32{1, 2, 3, 4})
	same := NewDesc(tensor.Shape{4}, NC, tensor.Int8).WithMask(1).WithScales([]float32{1, 2, 3, 4})
	diff := same.WithScales([]float32{1, 2, 3, 5})

	assert.True(t, d.Equal(same))
	assert.False(t, d.Equal(diff))
	assert.True(t, d.Compatible(diff), "compatibility ignores quantization params")
}

func TestFormatBlockSize(t *testing.T) {
	assert.Equal(t, 8, NChw8c.BlockSize())
	assert.Equal(t, 16, NChw16c.BlockSize())
	assert.Equal(t, 1, NCHW.BlockSize())
}
