package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-ml/fathom/internal/backend/cpu"
	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/tensor"
)

func initPooling(t *testing.T, op *Pooling, shape tensor.Shape, phase Phase) {
	t.Helper()
	op.SetRuntime(primitive.NewRuntime())
	outs, err := op.InitFwdPrimitives([]mem.Desc{mem.NewDesc(shape, mem.NCHW, tensor.Float32)}, phase)
	require.NoError(t, err)
	if phase == Training {
		_, err = op.InitBwdPrimitives(outs, phase)
		require.NoError(t, err)
	}
}

func TestPoolingOperatorMatchesReference(t *testing.T) {
	ref := cpu.New()
	input := tensor.Rand(tensor.Shape{2, 3, 8, 8}, 1.0, 43)

	op := NewMaxPooling(2, 2, 2, 2, ExplicitPad(0, 0))
	initPooling(t, op, input.Shape(), Training)
	defer op.Release()

	out := op.Forward(input)
	want, indices := ref.MaxPool2D(input, 2, 2, 2, 2, 0, 0, false)
	assert.Equal(t, want.Shape(), out.Shape())
	assert.Equal(t, want.AsFloat32()[:want.NumElements()], out.AsFloat32()[:out.NumElements()])

	gradOut := tensor.Rand(out.Shape(), 1.0, 47)
	gradIn := op.Backward(input, gradOut)
	wantGrad := ref.MaxPool2DBackward(input, gradOut, indices)
	assert.Equal(t, wantGrad.AsFloat32()[:wantGrad.NumElements()], gradIn.AsFloat32()[:gradIn.NumElements()])
}

func TestAvgPoolingExcludesPadding(t *testing.T) {
	ref := cpu.New()
	input := tensor.Rand(tensor.Shape{1, 2, 5, 5}, 1.0, 53)

	op := NewAvgPooling(3, 3, 2, 2, ExplicitPad(1, 1))
	initPooling(t, op, input.Shape(), Inference)
	defer op.Release()

	out := op.Forward(input)
	want := ref.AvgPool2D(input, 3, 3, 2, 2, 1, 1, false)
	for i, w := range want.AsFloat32()[:want.NumElements()] {
		assert.InDelta(t, w, out.AsFloat32()[i], 1e-6)
	}
}

func TestPoolingCeilAutoPad(t *testing.T) {
	ref := cpu.New()
	// 7x7 with a 2x2/2 window: ceiling sizing yields 4x4.
	input := tensor.Rand(tensor.Shape{1, 2, 7, 7}, 1.0, 59)

	op := NewMaxPooling(2, 2, 2, 2, CeilAutoPad(0, 0))
	initPooling(t, op, input.Shape(), Inference)
	defer op.Release()

	out := op.Forward(input)
	assert.Equal(t, tensor.Shape{1, 2, 4, 4}, out.Shape())

	want, _ := ref.MaxPool2D(input, 2, 2, 2, 2, 0, 0, true)
	assert.Equal(t, want.AsFloat32()[:want.NumElements()], out.AsFloat32()[:out.NumElements()])
}

func TestPoolingSqueezesBatchlessInput(t *testing.T) {
	input := tensor.Rand(tensor.Shape{3, 6, 6}, 1.0, 61)

	op := NewMaxPooling(2, 2, 2, 2, ExplicitPad(0, 0))
	initPooling(t, op, input.Shape(), Training)
	defer op.Release()

	out := op.Forward(input)
	assert.Equal(t, tensor.Shape{3, 3, 3}, out.Shape())

	gradIn := op.Backward(input, tensor.Rand(out.Shape(), 1.0, 67))
	assert.Equal(t, input.Shape(), gradIn.Shape())
}

func TestPoolingLifecycle(t *testing.T) {
	op := NewMaxPooling(2, 2, 2, 2, ExplicitPad(0, 0))

	// No runtime bound yet.
	_, err := op.InitFwdPrimitives([]mem.Desc{mem.NewDesc(tensor.Shape{1, 1, 4, 4}, mem.NCHW, tensor.Float32)}, Training)
	assert.ErrorIs(t, err, ErrNoRuntime)

	// Forward before initialization.
	op.SetRuntime(primitive.NewRuntime())
	assert.PanicsWithValue(t, ErrNotInitialized, func() {
		op.Forward(tensor.Zeros(tensor.Shape{1, 1, 4, 4}, tensor.Float32))
	})

	// Backward before backward initialization.
	outs, err := op.InitFwdPrimitives([]mem.Desc{mem.NewDesc(tensor.Shape{1, 1, 4, 4}, mem.NCHW, tensor.Float32)}, Training)
	require.NoError(t, err)
	assert.PanicsWithValue(t, ErrNotInitialized, func() {
		op.UpdateGradInput(tensor.Zeros(tensor.Shape{1, 1, 4, 4}, tensor.Float32),
			tensor.Zeros(outs[0].Shape(), tensor.Float32))
	})

	// Wrong rank is an initialization error, not a panic.
	op2 := NewMaxPooling(2, 2, 2, 2, ExplicitPad(0, 0))
	op2.SetRuntime(primitive.NewRuntime())
	_, err = op2.InitFwdPrimitives([]mem.Desc{mem.NewDesc(tensor.Shape{4, 4}, mem.NCHW, tensor.Float32)}, Training)
	assert.Error(t, err)
}

func TestPadPolicyResolve(t *testing.T) {
	padT, padB, padL, padR := ExplicitPad(1, 2).resolve(8, 8, 3, 3, 1, 1)
	assert.Equal(t, []int{1, 1, 2, 2}, []int{padT, padB, padL, padR})

	// 7 input, kernel 2, stride 2: one extra trailing pad reproduces ceil sizing.
	padT, padB, padL, padR = CeilAutoPad(0, 0).resolve(7, 7, 2, 2, 2, 2)
	assert.Equal(t, []int{0, 1, 0, 1}, []int{padT, padB, padL, padR})
}
