package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-ml/fathom/internal/backend/cpu"
	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/serialization"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// fixedInputCell behaves like an RNNCell but declines a container-level
// pre-processing stage.
type fixedInputCell struct{ *RNNCell }

func (fixedInputCell) AcceptsPre() bool { return false }

// manualUnroll runs the reference unroll of cell over input [batch,time,feat],
// returning the per-step output and the caches the backward walk needs.
func manualUnroll(cell Cell, input, h0 *tensor.Dense) (*tensor.Dense, []stepCache) {
	s := input.Shape()
	batch, times, feat := s[0], s[1], s[2]

	hidden := h0
	if hidden == nil {
		hidden = cell.InitState(batch)
	}
	out := tensor.Zeros(tensor.Shape{batch, times, cell.HiddenSize()}, tensor.Float32)
	steps := make([]stepCache, times)
	for t := 0; t < times; t++ {
		xt := tensor.Zeros(tensor.Shape{batch, feat}, tensor.Float32)
		selectCopy(input, t, xt)
		h := cell.Forward(xt, hidden)
		copyToIndex(h, out, t)
		steps[t] = stepCache{x: xt, hPrev: hidden, h: h}
		hidden = h
	}
	return out, steps
}

func TestRecurrentMatchesManualUnroll(t *testing.T) {
	eng := cpu.New()
	cell := NewRNNCell(5, 4, 0)
	manual := cell.Clone()

	r := NewRecurrent()
	require.NoError(t, r.Add(cell))

	input := tensor.Rand(tensor.Shape{2, 4, 5}, 1.0, 139)
	out := r.Forward(input)

	want, steps := manualUnroll(manual, input, nil)
	assert.Equal(t, want.Shape(), out.Shape())
	for i, w := range want.AsFloat32()[:want.NumElements()] {
		assert.InDelta(t, w, out.AsFloat32()[i], 1e-6)
	}

	// The container's final state is the last step's hidden output.
	last := tensor.Zeros(tensor.Shape{2, 4}, tensor.Float32)
	selectCopy(want, 3, last)
	for i, w := range last.AsFloat32()[:8] {
		assert.InDelta(t, w, r.State().AsFloat32()[i], 1e-6)
	}

	// Reverse walk: thread the hidden gradient backward step by step.
	gradOutput := tensor.Rand(out.Shape(), 1.0, 149)
	gradIn := r.Backward(input, gradOutput)

	wantGradIn := tensor.Zeros(input.Shape(), tensor.Float32)
	gradHidden := tensor.Zeros(tensor.Shape{2, 4}, tensor.Float32)
	for ts := 3; ts >= 0; ts-- {
		gradH := tensor.Zeros(tensor.Shape{2, 4}, tensor.Float32)
		selectCopy(gradOutput, ts, gradH)
		eng.AddInPlace(gradH, gradHidden)

		st := steps[ts]
		gx, ghPrev := manual.Backward(st.x, st.hPrev, st.h, gradH)
		manual.AccGrad(st.x, st.hPrev, st.h, gradH)
		copyToIndex(gx, wantGradIn, ts)
		gradHidden = ghPrev
	}

	for i, w := range wantGradIn.AsFloat32()[:wantGradIn.NumElements()] {
		assert.InDelta(t, w, gradIn.AsFloat32()[i], 1e-5)
	}

	gotParams := r.Parameters()
	wantParams := manual.Parameters()
	require.Len(t, gotParams, len(wantParams))
	for i := range wantParams {
		wg := wantParams[i].Grad.AsFloat32()[:wantParams[i].Grad.NumElements()]
		gg := gotParams[i].Grad.AsFloat32()[:gotParams[i].Grad.NumElements()]
		for j := range wg {
			assert.InDelta(t, wg[j], gg[j], 1e-4, "parameter %s", wantParams[i].Name)
		}
	}
}

func TestRecurrentInjectedState(t *testing.T) {
	cell := NewRNNCell(3, 4, 0)
	manual := cell.Clone()

	r := NewRecurrent()
	require.NoError(t, r.Add(cell))

	h0 := tensor.Rand(tensor.Shape{2, 4}, 1.0, 151)
	r.SetState(h0)

	input := tensor.Rand(tensor.Shape{2, 3, 3}, 1.0, 157)
	out := r.Forward(input)

	want, _ := manualUnroll(manual, input, h0)
	for i, w := range want.AsFloat32()[:want.NumElements()] {
		assert.InDelta(t, w, out.AsFloat32()[i], 1e-6)
	}

	// A state of the wrong shape falls back to the zero state.
	r2 := NewRecurrent()
	require.NoError(t, r2.Add(manual.Clone()))
	r2.SetState(tensor.Rand(tensor.Shape{5, 4}, 1.0, 163))
	out2 := r2.Forward(input)
	wantZero, _ := manualUnroll(manual.Clone(), input, nil)
	for i, w := range wantZero.AsFloat32()[:wantZero.NumElements()] {
		assert.InDelta(t, w, out2.AsFloat32()[i], 1e-6)
	}
}

func TestRecurrentCellPoolGrowsAndShares(t *testing.T) {
	cell := NewRNNCell(3, 3, 0)
	r := NewRecurrent()
	require.NoError(t, r.Add(cell))

	r.Forward(tensor.Rand(tensor.Shape{1, 2, 3}, 1.0, 167))
	assert.Len(t, r.cells, 2)

	r.Forward(tensor.Rand(tensor.Shape{1, 5, 3}, 1.0, 173))
	assert.Len(t, r.cells, 5)

	// A shorter unroll never shrinks the pool.
	r.Forward(tensor.Rand(tensor.Shape{1, 3, 3}, 1.0, 179))
	assert.Len(t, r.cells, 5)

	// Every clone aliases the canonical parameter storage.
	cell.wI.AsFloat32()[0] = 42
	for i, c := range r.cells {
		assert.Equal(t, float32(42), c.(*RNNCell).wI.AsFloat32()[0], "cell %d", i)
	}
}

func TestRecurrentWeightDecayAppliedOnce(t *testing.T) {
	cell := NewRNNCell(3, 4, 0)
	manual := cell.Clone()

	r := NewRecurrent()
	require.NoError(t, r.Add(cell))
	r.SetWeightDecay(0.1)

	input := tensor.Rand(tensor.Shape{2, 3, 3}, 1.0, 181)
	out := r.Forward(input)
	gradOutput := tensor.Rand(out.Shape(), 1.0, 191)
	r.Backward(input, gradOutput)

	// Reference gradients without decay.
	eng := cpu.New()
	_, steps := manualUnroll(manual, input, nil)
	gradHidden := tensor.Zeros(tensor.Shape{2, 4}, tensor.Float32)
	for ts := 2; ts >= 0; ts-- {
		gradH := tensor.Zeros(tensor.Shape{2, 4}, tensor.Float32)
		selectCopy(gradOutput, ts, gradH)
		eng.AddInPlace(gradH, gradHidden)
		st := steps[ts]
		manual.AccGrad(st.x, st.hPrev, st.h, gradH)
		_, gradHidden = manual.Backward(st.x, st.hPrev, st.h, gradH)
	}

	gotParams := r.Parameters()
	wantParams := manual.Parameters()
	for i := range wantParams {
		wv := wantParams[i].Value.AsFloat32()[:wantParams[i].Value.NumElements()]
		wg := wantParams[i].Grad.AsFloat32()[:wantParams[i].Grad.NumElements()]
		gg := gotParams[i].Grad.AsFloat32()[:gotParams[i].Grad.NumElements()]
		for j := range wg {
			assert.InDelta(t, wg[j]+0.1*wv[j], gg[j], 1e-4, "parameter %s", wantParams[i].Name)
		}
	}
}

func TestRecurrentDropoutSharesOneMask(t *testing.T) {
	cell := NewRNNCell(4, 3, 0.5)
	r := NewRecurrent()
	require.NoError(t, r.Add(cell))

	r.Forward(tensor.Rand(tensor.Shape{2, 3, 4}, 1.0, 193))

	// Every step cell reuses the canonical mask instance.
	require.NotNil(t, cell.noise)
	for i, c := range r.cells {
		assert.Same(t, cell.noise, c.(*RNNCell).noise, "cell %d", i)
	}

	// Inference disables the mask.
	r.SetPhase(Inference)
	r.Forward(tensor.Rand(tensor.Shape{2, 3, 4}, 1.0, 197))
	assert.Nil(t, cell.noise)
}

func TestRecurrentValidation(t *testing.T) {
	r := NewRecurrent()
	require.NoError(t, r.Add(NewRNNCell(2, 2, 0)))
	assert.Error(t, r.Add(NewRNNCell(2, 2, 0)), "second cell rejected")

	assert.Panics(t, func() {
		r.Forward(tensor.Zeros(tensor.Shape{2, 2}, tensor.Float32))
	}, "rank-2 input rejected")

	assert.Panics(t, func() {
		r.UpdateGradInput(nil, tensor.Zeros(tensor.Shape{1, 2, 2}, tensor.Float32))
	}, "backward before forward rejected")

	out := r.Forward(tensor.Rand(tensor.Shape{1, 2, 2}, 1.0, 199))
	assert.Panics(t, func() {
		r.AccGradParameters(nil, tensor.Zeros(out.Shape(), tensor.Float32))
	}, "accGradParameters requires a preceding updateGradInput")
}

func TestRecurrentPreStageValidation(t *testing.T) {
	// Stage configured first: Add validates.
	r := NewRecurrent()
	require.NoError(t, r.SetPre(NewReorder(mem.NTC)))
	assert.Error(t, r.Add(fixedInputCell{NewRNNCell(2, 2, 0)}))

	// Cell registered first: SetPre validates.
	r2 := NewRecurrent()
	require.NoError(t, r2.Add(fixedInputCell{NewRNNCell(2, 2, 0)}))
	assert.Error(t, r2.SetPre(NewReorder(mem.NTC)))

	// A compatible cell accepts the stage in either order.
	r3 := NewRecurrent()
	require.NoError(t, r3.Add(NewRNNCell(2, 2, 0)))
	require.NoError(t, r3.SetPre(NewReorder(mem.NTC)))
}

func TestRecurrentSerializeRoundtrip(t *testing.T) {
	cell := NewRNNCell(3, 4, 0)
	r := NewRecurrent()
	require.NoError(t, r.Add(cell))

	md := serialization.NewModelDescription("Recurrent")
	r.SerializeWeight(md)
	r.SerializeBias(md)
	r.SerializeOthers(md)

	restored := NewRecurrent()
	require.NoError(t, restored.Add(NewRNNCell(3, 4, 0)))
	require.NoError(t, restored.LoadWeight(md))
	require.NoError(t, restored.LoadBias(md))
	require.NoError(t, restored.LoadOthers(md))

	input := tensor.Rand(tensor.Shape{2, 3, 3}, 1.0, 211)
	want := r.Forward(input)
	got := restored.Forward(input)
	assert.Equal(t, want.AsFloat32()[:want.NumElements()], got.AsFloat32()[:got.NumElements()])
}
