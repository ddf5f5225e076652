package primitive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-ml/fathom/internal/backend/cpu"
	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/tensor"
)

func nativeFrom(t *testing.T, rt *Runtime, d *tensor.Dense) *tensor.Native {
	t.Helper()
	n, err := tensor.NewNative(d.Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	require.NoError(t, n.SyncFromHeap(d.AsFloat32(), 0))
	return n
}

func heapFrom(t *testing.T, n *tensor.Native) *tensor.Dense {
	t.Helper()
	out := tensor.Zeros(n.Shape(), tensor.Float32)
	require.NoError(t, n.SyncToHeap(out.AsFloat32(), 0))
	return out
}

func TestPoolingMatchesReference(t *testing.T) {
	rt := NewRuntime()
	ref := cpu.New()
	input := tensor.Rand(tensor.Shape{2, 3, 8, 8}, 1.0, 11)

	for _, kind := range []PoolKind{MaxPool, AvgPool} {
		src := mem.NewDesc(input.Shape(), mem.NCHW, tensor.Float32)
		p, err := NewPooling(rt, kind, 2, 2, 2, 2, 0, 0, 0, 0, src)
		require.NoError(t, err)

		srcNat := nativeFrom(t, rt, input)
		dstNat, err := tensor.NewNative(p.Dst().Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		require.NoError(t, p.Forward(srcNat, dstNat))
		got := heapFrom(t, dstNat)

		var want *tensor.Dense
		if kind == MaxPool {
			want, _ = ref.MaxPool2D(input, 2, 2, 2, 2, 0, 0, false)
		} else {
			want = ref.AvgPool2D(input, 2, 2, 2, 2, 0, 0, false)
		}
		assert.Equal(t, want.AsFloat32()[:want.NumElements()], got.AsFloat32()[:got.NumElements()], "kind=%s", kind)

		srcNat.Release()
		dstNat.Release()
	}
}

func TestPoolingCeilModeMatchesReference(t *testing.T) {
	rt := NewRuntime()
	ref := cpu.New()
	// 7x7 input with 2x2/2 pooling: ceiling mode produces a 4x4 output.
	input := tensor.Rand(tensor.Shape{1, 2, 7, 7}, 1.0, 23)

	padT, padB := CeilPads(7, 2, 0, 2)
	padL, padR := CeilPads(7, 2, 0, 2)
	src := mem.NewDesc(input.Shape(), mem.NCHW, tensor.Float32)
	p, err := NewPooling(rt, MaxPool, 2, 2, 2, 2, padT, padB, padL, padR, src)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 4, 4}, p.Dst().Shape())

	srcNat := nativeFrom(t, rt, input)
	defer srcNat.Release()
	dstNat, err := tensor.NewNative(p.Dst().Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer dstNat.Release()

	require.NoError(t, p.Forward(srcNat, dstNat))
	got := heapFrom(t, dstNat)

	want, _ := ref.MaxPool2D(input, 2, 2, 2, 2, 0, 0, true)
	assert.Equal(t, want.AsFloat32()[:want.NumElements()], got.AsFloat32()[:got.NumElements()])
}

func TestPoolingBackwardMatchesReference(t *testing.T) {
	rt := NewRuntime()
	ref := cpu.New()
	input := tensor.Rand(tensor.Shape{2, 2, 6, 6}, 1.0, 31)
	src := mem.NewDesc(input.Shape(), mem.NCHW, tensor.Float32)

	t.Run("max", func(t *testing.T) {
		p, err := NewPooling(rt, MaxPool, 2, 2, 2, 2, 0, 0, 0, 0, src)
		require.NoError(t, err)

		srcNat := nativeFrom(t, rt, input)
		defer srcNat.Release()
		dstNat, err := tensor.NewNative(p.Dst().Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		defer dstNat.Release()
		require.NoError(t, p.Forward(srcNat, dstNat))

		gradOut := tensor.Rand(p.Dst().Shape(), 1.0, 37)
		gradDstNat := nativeFrom(t, rt, gradOut)
		defer gradDstNat.Release()
		gradSrcNat, err := tensor.NewNative(input.Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		defer gradSrcNat.Release()
		require.NoError(t, p.Backward(gradDstNat, gradSrcNat))
		got := heapFrom(t, gradSrcNat)

		_, indices := ref.MaxPool2D(input, 2, 2, 2, 2, 0, 0, false)
		want := ref.MaxPool2DBackward(input, gradOut, indices)
		assert.Equal(t, want.AsFloat32()[:want.NumElements()], got.AsFloat32()[:got.NumElements()])
	})

	t.Run("avg", func(t *testing.T) {
		p, err := NewPooling(rt, AvgPool, 3, 3, 2, 2, 1, 1, 1, 1, src)
		require.NoError(t, err)

		srcNat := nativeFrom(t, rt, input)
		defer srcNat.Release()
		dstNat, err := tensor.NewNative(p.Dst().Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		defer dstNat.Release()
		require.NoError(t, p.Forward(srcNat, dstNat))

		gradOut := tensor.Rand(p.Dst().Shape(), 1.0, 41)
		gradDstNat := nativeFrom(t, rt, gradOut)
		defer gradDstNat.Release()
		gradSrcNat, err := tensor.NewNative(input.Shape(), tensor.Float32, rt.Allocator())
		require.NoError(t, err)
		defer gradSrcNat.Release()
		require.NoError(t, p.Backward(gradDstNat, gradSrcNat))
		got := heapFrom(t, gradSrcNat)

		want := ref.AvgPool2DBackward(input, gradOut, 3, 3, 2, 2, 1, 1)
		for i, w := range want.AsFloat32()[:want.NumElements()] {
			assert.InDelta(t, w, got.AsFloat32()[i], 1e-5)
		}
	})
}

func TestPoolingBackwardBeforeForwardFails(t *testing.T) {
	rt := NewRuntime()
	src := mem.NewDesc(tensor.Shape{1, 1, 4, 4}, mem.NCHW, tensor.Float32)
	p, err := NewPooling(rt, MaxPool, 2, 2, 2, 2, 0, 0, 0, 0, src)
	require.NoError(t, err)

	g, err := tensor.NewNative(p.Dst().Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer g.Release()
	gi, err := tensor.NewNative(src.Shape(), tensor.Float32, rt.Allocator())
	require.NoError(t, err)
	defer gi.Release()

	assert.Error(t, p.Backward(g, gi))
}

func TestPoolingRejectsBadSource(t *testing.T) {
	rt := NewRuntime()

	_, err := NewPooling(rt, MaxPool, 2, 2, 2, 2, 0, 0, 0, 0,
		mem.NewDesc(tensor.Shape{1, 1, 4, 4}, mem.NHWC, tensor.Float32))
	assert.Error(t, err, "non-nchw source rejected")

	_, err = NewPooling(rt, MaxPool, 2, 2, 2, 2, 0, 0, 0, 0,
		mem.NewDesc(tensor.Shape{4, 4}, mem.NCHW, tensor.Float32))
	assert.Error(t, err, "non-4D source rejected")

	rtClosed := NewRuntime()
	rtClosed.Close()
	_, err = NewPooling(rtClosed, MaxPool, 2, 2, 2, 2, 0, 0, 0, 0,
		mem.NewDesc(tensor.Shape{1, 1, 4, 4}, mem.NCHW, tensor.Float32))
	assert.Error(t, err, "closed runtime rejected")
}
