package primitive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/tensor"
)

func TestReorderRoundtripNHWC(t *testing.T) {
	rt := NewRuntime()
	input := tensor.Rand(tensor.Shape{2, 3, 4, 5}, 1.0, 3)

	nchw := mem.NewDesc(input.Shape(), mem.NCHW, tensor.Float32)
	nhwc := nchw.WithFormat(mem.NHWC)

	fwd, err := NewReorder(rt, nchw, nhwc)
	require.NoError(t, err)
	bwd, err := NewReorder(rt, nhwc, nchw)
	require.NoError(t, err)

	srcNat := nativeFrom(t, rt, input)
	defer srcNat.Release()
	midNat, err := tensor.NewNative(tensor.Shape{PhysicalElements(nhwc)}, tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer midNat.Release()
	backNat, err := tensor.NewNative(input.Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer backNat.Release()

	require.NoError(t, fwd.Execute(srcNat, midNat))
	require.NoError(t, bwd.Execute(midNat, backNat))

	got := heapFrom(t, backNat)
	assert.Equal(t, input.AsFloat32()[:input.NumElements()], got.AsFloat32()[:got.NumElements()])

	// Spot-check the permutation itself: logical (n,c,h,w) lands at
	// ((n*H+h)*W+w)*C+c in the nhwc buffer.
	mid := midNat.AsFloat32()
	in := input.AsFloat32()
	assert.Equal(t, in[1*4*5+2*5+3], mid[(2*5+3)*3+1]) // n=0 c=1 h=2 w=3
}

func TestReorderBlockedPadsChannels(t *testing.T) {
	rt := NewRuntime()
	// Five channels against an eight-lane block: three padding lanes.
	input := tensor.Rand(tensor.Shape{1, 5, 3, 3}, 1.0, 19)

	plain := mem.NewDesc(input.Shape(), mem.NCHW, tensor.Float32)
	blocked := plain.WithFormat(mem.NChw8c)
	assert.Equal(t, 1*8*3*3, PhysicalElements(blocked))
	assert.Equal(t, input.NumElements(), PhysicalElements(plain))

	fwd, err := NewReorder(rt, plain, blocked)
	require.NoError(t, err)
	bwd, err := NewReorder(rt, blocked, plain)
	require.NoError(t, err)

	srcNat := nativeFrom(t, rt, input)
	defer srcNat.Release()
	blkNat, err := tensor.NewNative(tensor.Shape{PhysicalElements(blocked)}, tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer blkNat.Release()
	backNat, err := tensor.NewNative(input.Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer backNat.Release()

	require.NoError(t, fwd.Execute(srcNat, blkNat))

	// Padding lanes stay zero.
	blk := blkNat.AsFloat32()
	for h := 0; h < 3; h++ {
		for w := 0; w < 3; w++ {
			for lane := 5; lane < 8; lane++ {
				assert.Zero(t, blk[(h*3+w)*8+lane])
			}
		}
	}

	require.NoError(t, bwd.Execute(blkNat, backNat))
	got := heapFrom(t, backNat)
	assert.Equal(t, input.AsFloat32()[:input.NumElements()], got.AsFloat32()[:got.NumElements()])
}

func TestReorderQuantizeRoundtrip(t *testing.T) {
	rt := NewRuntime()
	input := tensor.Rand(tensor.Shape{1, 4, 3, 3}, 1.0, 29)

	plain := mem.NewDesc(input.Shape(), mem.NCHW, tensor.Float32)

	t.Run("per-tensor", func(t *testing.T) {
		scale := float32(127) / maxAbs32(input.AsFloat32())
		qDesc := plain.WithDataType(tensor.Int8).WithMask(0).WithScales([]float32{scale})

		q, err := NewReorder(rt, plain, qDesc)
		require.NoError(t, err)
		dq, err := NewReorder(rt, qDesc, plain)
		require.NoError(t, err)

		srcNat := nativeFrom(t, rt, input)
		defer srcNat.Release()
		h, err := q.Quantize(srcNat)
		require.NoError(t, err)
		defer h.Release()

		backNat, err := tensor.NewNative(input.Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		defer backNat.Release()
		require.NoError(t, dq.Dequantize(h, backNat))

		got := heapFrom(t, backNat)
		step := 0.5 / scale
		for i, v := range input.AsFloat32()[:input.NumElements()] {
			assert.InDelta(t, v, got.AsFloat32()[i], float64(step)+1e-6)
		}
	})

	t.Run("per-channel", func(t *testing.T) {
		scales := make([]float32, 4)
		for c := range scales {
			scales[c] = 127 / maxAbs32(input.Select(1, c).AsFloat32()[:9])
		}
		qDesc := plain.WithDataType(tensor.Int8).WithMask(1 << 1).WithScales(scales)

		q, err := NewReorder(rt, plain, qDesc)
		require.NoError(t, err)
		dq, err := NewReorder(rt, qDesc, plain)
		require.NoError(t, err)

		srcNat := nativeFrom(t, rt, input)
		defer srcNat.Release()
		h, err := q.Quantize(srcNat)
		require.NoError(t, err)
		defer h.Release()

		backNat, err := tensor.NewNative(input.Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		defer backNat.Release()
		require.NoError(t, dq.Dequantize(h, backNat))

		got := heapFrom(t, backNat)
		in := input.AsFloat32()
		for i := 0; i < input.NumElements(); i++ {
			c := (i / 9) % 4
			step := 0.5 / scales[c]
			assert.InDelta(t, in[i], got.AsFloat32()[i], float64(step)+1e-6)
		}
	})
}

func TestNewReorderValidation(t *testing.T) {
	rt := NewRuntime()
	plain := mem.NewDesc(tensor.Shape{1, 4, 3, 3}, mem.NCHW, tensor.Float32)

	_, err := NewReorder(rt, plain, mem.NewDesc(tensor.Shape{1, 4, 3, 4}, mem.NHWC, tensor.Float32))
	assert.Error(t, err, "shape mismatch rejected")

	_, err = NewReorder(rt, plain, plain.WithDataType(tensor.Int8))
	assert.ErrorIs(t, err, mem.ErrMaskNotSet)

	_, err = NewReorder(rt, plain, plain.WithDataType(tensor.Int8).WithMask(1<<1))
	assert.ErrorIs(t, err, mem.ErrScalesNotSet)

	// Wrong scale count must fail at build time, never truncate.
	bad := plain.WithDataType(tensor.Int8).WithMask(1 << 1).WithScales([]float32{1, 2})
	_, err = NewReorder(rt, plain, bad)
	assert.ErrorIs(t, err, mem.ErrScaleLenMismatch)
}

func TestReorderExecuteRejectsQuantizedDescriptors(t *testing.T) {
	rt := NewRuntime()
	plain := mem.NewDesc(tensor.Shape{1, 2, 2, 2}, mem.NCHW, tensor.Float32)
	qDesc := plain.WithDataType(tensor.Int8).WithMask(0).WithScales([]float32{1})

	ro, err := NewReorder(rt, plain, qDesc)
	require.NoError(t, err)

	src, err := tensor.NewNative(plain.Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer src.Release()
	dst, err := tensor.NewNative(plain.Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer dst.Release()

	assert.Error(t, ro.Execute(src, dst), "quantizing reorder must go through Quantize")
}
