package nn

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/backend/cpu"
	"github.com/fathom-ml/fathom/internal/serialization"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// stepCache holds the tensors one unrolled step needs for its backward pass.
type stepCache struct {
	x, hPrev, h *tensor.Dense
	gradH       *tensor.Dense // total hidden gradient, cached by UpdateGradInput
}

// Recurrent unrolls a single cell along the time axis of a
// [batch, time, features] input. Cell clones are created lazily as the unroll
// length grows — the first from the canonical cell, later ones from the first
// clone so clone depth never compounds — and every clone's parameters are
// rebound to the canonical cell's storage, which stays the single source of
// truth. The cell list never shrinks.
type Recurrent struct {
	canonical Cell
	cells     []Cell

	pre         Module
	phase       Phase
	weightDecay float32

	hidden0   *tensor.Dense // injected initial state, nil for zero state
	lastState *tensor.Dense

	rawInput  *tensor.Dense
	cellInput *tensor.Dense
	steps     []stepCache
	output    *tensor.Dense

	gradInputCell *tensor.Dense
	gradInput     *tensor.Dense

	eng *cpu.Backend
}

// NewRecurrent creates an empty container in the training phase.
func NewRecurrent() *Recurrent {
	return &Recurrent{eng: cpu.New()}
}

// SetPre configures an optional pre-processing module applied to the whole
// input before time slicing. Works before or after Add; a registered cell
// that cannot host the stage is a configuration failure either way.
func (r *Recurrent) SetPre(m Module) error {
	if m != nil && r.canonical != nil && !r.canonical.AcceptsPre() {
		return fmt.Errorf("recurrent: cell %T cannot host a pre-processing stage", r.canonical)
	}
	r.pre = m
	return nil
}

// SetPhase switches between training and inference behavior (dropout noise).
func (r *Recurrent) SetPhase(p Phase) {
	r.phase = p
}

// SetWeightDecay configures L2 regularization strength. The decay term is
// added to the parameter gradients once per backward pass, at the final step
// of the reverse walk, so shared parameters are never double-counted.
func (r *Recurrent) SetWeightDecay(d float32) {
	r.weightDecay = d
}

// Add installs the container's cell. Exactly one cell is accepted, and a cell
// that cannot host the configured pre-processing stage is a configuration
// failure.
func (r *Recurrent) Add(cell Cell) error {
	if r.canonical != nil {
		return fmt.Errorf("recurrent: container already holds a cell")
	}
	if r.pre != nil && !cell.AcceptsPre() {
		return fmt.Errorf("recurrent: cell %T cannot host a pre-processing stage", cell)
	}
	r.canonical = cell
	return nil
}

// SetState injects the initial hidden state used at step 1 of the next
// forward pass. Pass nil to fall back to a zero state.
func (r *Recurrent) SetState(h *tensor.Dense) {
	r.hidden0 = h
}

// State returns the hidden state after the last completed forward pass.
func (r *Recurrent) State() *tensor.Dense {
	return r.lastState
}

// extend grows the cell pool to the requested unroll length and, only when it
// actually grew, rebinds all clones to the canonical parameters. The
// extend-then-share-only-if-grown ordering is a correctness invariant: sharing
// must see every clone that will participate in the coming pass.
func (r *Recurrent) extend(times int) {
	grown := false
	for len(r.cells) < times {
		var c Cell
		if len(r.cells) == 0 {
			c = r.canonical.Clone()
		} else {
			c = r.cells[0].Clone()
		}
		r.cells = append(r.cells, c)
		grown = true
	}
	if grown {
		r.share()
	}
}

// share rebinds every clone's weight/bias/gradient tensors to shared-storage
// views of the canonical cell's.
func (r *Recurrent) share() {
	params := r.canonical.Parameters()
	for _, c := range r.cells {
		c.BindParameters(params)
	}
}

// Forward unrolls the cell over the input's time dimension. At step 1 the
// hidden input is the injected state (if any) or a zero state; each later
// step consumes the previous step's hidden output. Per-step outputs land in
// the matching time slice of the output tensor.
func (r *Recurrent) Forward(input *tensor.Dense) *tensor.Dense {
	if r.canonical == nil {
		panic("recurrent: no cell added")
	}
	s := input.Shape()
	if len(s) != 3 {
		panic(fmt.Sprintf("recurrent: input must be [batch, time, features], got rank %d", len(s)))
	}
	batch, times := s[0], s[1]

	x := input
	if r.pre != nil {
		x = r.pre.Forward(input)
	}
	feat := x.Shape()[2]

	r.extend(times)
	r.canonical.PrepareNoise(batch, r.phase == Training)
	for _, c := range r.cells {
		c.ShareNoise(r.canonical)
	}

	hidden := r.hidden0
	if hidden == nil || !hidden.Shape().Equal(tensor.Shape{batch, r.canonical.HiddenSize()}) {
		hidden = r.canonical.InitState(batch)
	}

	r.output = tensor.Zeros(tensor.Shape{batch, times, r.canonical.HiddenSize()}, tensor.Float32)
	r.steps = make([]stepCache, times)
	for t := 0; t < times; t++ {
		xt := tensor.Zeros(tensor.Shape{batch, feat}, tensor.Float32)
		selectCopy(x, t, xt)
		h := r.cells[t].Forward(xt, hidden)
		copyToIndex(h, r.output, t)
		r.steps[t] = stepCache{x: xt, hPrev: hidden, h: h}
		hidden = h
	}

	r.lastState = hidden
	r.rawInput = input
	r.cellInput = x
	return r.output
}

// UpdateGradInput walks the time steps in reverse, threading the hidden
// gradient backward the way the forward pass threaded hidden state forward.
// The aggregated per-step input gradients pass through the pre-processing
// module (when configured) after the loop completes.
func (r *Recurrent) UpdateGradInput(input, gradOutput *tensor.Dense) *tensor.Dense {
	if len(r.steps) == 0 {
		panic("recurrent: backward before forward")
	}
	batch := r.cellInput.Shape()[0]
	times := len(r.steps)
	hiddenSize := r.canonical.HiddenSize()

	gradInCell := tensor.Zeros(r.cellInput.Shape(), tensor.Float32)
	gradHidden := tensor.Zeros(tensor.Shape{batch, hiddenSize}, tensor.Float32)
	for t := times - 1; t >= 0; t-- {
		gradH := tensor.Zeros(tensor.Shape{batch, hiddenSize}, tensor.Float32)
		selectCopy(gradOutput, t, gradH)
		r.eng.AddInPlace(gradH, gradHidden)

		st := &r.steps[t]
		st.gradH = gradH
		gx, ghPrev := r.cells[t].Backward(st.x, st.hPrev, st.h, gradH)
		copyToIndex(gx, gradInCell, t)
		gradHidden = ghPrev
	}

	r.gradInputCell = gradInCell
	if r.pre != nil {
		r.gradInput = r.pre.UpdateGradInput(r.rawInput, gradInCell)
	} else {
		r.gradInput = gradInCell
	}
	return r.gradInput
}

// AccGradParameters accumulates parameter gradients over the reverse walk,
// reusing the hidden gradients cached by UpdateGradInput. Weight decay is
// applied exactly once, after the final (earliest) step, so the shared
// parameters are regularized a single time per pass.
func (r *Recurrent) AccGradParameters(input, gradOutput *tensor.Dense) {
	if len(r.steps) == 0 || r.steps[len(r.steps)-1].gradH == nil {
		panic("recurrent: accGradParameters requires a preceding updateGradInput")
	}
	for t := len(r.steps) - 1; t >= 0; t-- {
		st := &r.steps[t]
		r.cells[t].AccGrad(st.x, st.hPrev, st.h, st.gradH)
	}
	if r.weightDecay != 0 {
		for _, p := range r.canonical.Parameters() {
			r.eng.AddScaledInPlace(p.Grad, r.weightDecay, p.Value)
		}
	}
	if r.pre != nil {
		r.pre.AccGradParameters(r.rawInput, r.gradInputCell)
	}
}

// Backward runs the full reverse pass.
func (r *Recurrent) Backward(input, gradOutput *tensor.Dense) *tensor.Dense {
	g := r.UpdateGradInput(input, gradOutput)
	r.AccGradParameters(input, gradOutput)
	return g
}

// Parameters returns the canonical cell's parameters plus any pre-processing
// parameters. Clones alias the same storage and contribute nothing extra.
func (r *Recurrent) Parameters() []*Parameter {
	var params []*Parameter
	if r.canonical != nil {
		params = append(params, r.canonical.Parameters()...)
	}
	if r.pre != nil {
		params = append(params, r.pre.Parameters()...)
	}
	return params
}

// Release frees the pre-processing module's resources; cells hold no native
// buffers.
func (r *Recurrent) Release() {
	if r.pre != nil {
		r.pre.Release()
	}
}

// SerializeWeight stores the canonical cell's parameter values, keyed by
// parameter name.
func (r *Recurrent) SerializeWeight(md *serialization.ModelDescription) {
	for _, p := range r.canonical.Parameters() {
		md.SetFloat32s(p.Name, p.Value.AsFloat32()[:p.Value.NumElements()])
	}
}

// SerializeBias is folded into SerializeWeight: cell parameters are stored
// uniformly by name.
func (r *Recurrent) SerializeBias(md *serialization.ModelDescription) {}

// SerializeOthers stores nothing; cells carry no auxiliary arrays.
func (r *Recurrent) SerializeOthers(md *serialization.ModelDescription) {}

// LoadWeight restores the canonical cell's parameter values by name. Clones
// alias the canonical storage and pick the values up automatically.
func (r *Recurrent) LoadWeight(md *serialization.ModelDescription) error {
	for _, p := range r.canonical.Parameters() {
		v, err := md.RequireFloat32s(p.Name, p.Value.NumElements())
		if err != nil {
			return err
		}
		copy(p.Value.AsFloat32(), v)
	}
	return nil
}

// LoadBias is folded into LoadWeight.
func (r *Recurrent) LoadBias(md *serialization.ModelDescription) error { return nil }

// LoadOthers restores nothing; cells carry no auxiliary arrays.
func (r *Recurrent) LoadOthers(md *serialization.ModelDescription) error { return nil }
