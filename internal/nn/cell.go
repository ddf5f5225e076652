package nn

import (
	"fmt"
	"math/rand"

	"github.com/fathom-ml/fathom/internal/backend/cpu"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Cell is one step's worth of recurrent computation. The Recurrent container
// clones a cell per time step and rebinds every clone's parameters to the
// canonical cell's storage, so a cell must expose both sides of that
// contract: Parameters hands out the canonical tensors, BindParameters
// replaces the receiver's tensors with shared-storage views of them.
type Cell interface {
	Forward(x, hPrev *tensor.Dense) *tensor.Dense
	Backward(x, hPrev, h, gradH *tensor.Dense) (gradX, gradHPrev *tensor.Dense)
	AccGrad(x, hPrev, h, gradH *tensor.Dense)

	Parameters() []*Parameter
	BindParameters(src []*Parameter)
	Clone() Cell

	InputSize() int
	HiddenSize() int
	InitState(batch int) *tensor.Dense

	// AcceptsPre reports whether the cell can run under a container-level
	// pre-processing stage.
	AcceptsPre() bool

	// PrepareNoise regenerates the cell's stochastic dropout mask for a new
	// batch; ShareNoise makes the receiver reuse another cell's mask so every
	// step in one batch drops the same coordinates.
	PrepareNoise(batch int, training bool)
	ShareNoise(src Cell)
}

// RNNCell is a tanh recurrent cell: h = tanh(x W_i^T + h_prev W_h^T + b),
// with optional dropout on the input.
type RNNCell struct {
	inputSize, hiddenSize int
	dropout               float64

	wI, wH, b    *tensor.Dense // wI [hidden, input], wH [hidden, hidden], b [hidden]
	gWI, gWH, gB *tensor.Dense

	noise *tensor.Dense // [batch, input] dropout mask, nil when inactive
	eng   *cpu.Backend
}

// NewRNNCell creates a tanh cell with Xavier-initialized weights. dropout is
// the input drop probability; zero disables it.
func NewRNNCell(inputSize, hiddenSize int, dropout float64) *RNNCell {
	return &RNNCell{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		dropout:    dropout,
		wI:         xavier(tensor.Shape{hiddenSize, inputSize}, inputSize, hiddenSize),
		wH:         xavier(tensor.Shape{hiddenSize, hiddenSize}, hiddenSize, hiddenSize),
		b:          tensor.Zeros(tensor.Shape{hiddenSize}, tensor.Float32),
		gWI:        tensor.Zeros(tensor.Shape{hiddenSize, inputSize}, tensor.Float32),
		gWH:        tensor.Zeros(tensor.Shape{hiddenSize, hiddenSize}, tensor.Float32),
		gB:         tensor.Zeros(tensor.Shape{hiddenSize}, tensor.Float32),
		eng:        cpu.New(),
	}
}

// InputSize returns the cell's input width.
func (c *RNNCell) InputSize() int { return c.inputSize }

// HiddenSize returns the cell's hidden-state width.
func (c *RNNCell) HiddenSize() int { return c.hiddenSize }

// InitState returns a zero hidden state for the given batch size.
func (c *RNNCell) InitState(batch int) *tensor.Dense {
	return tensor.Zeros(tensor.Shape{batch, c.hiddenSize}, tensor.Float32)
}

// AcceptsPre reports that the cell tolerates a container pre-processing stage.
func (c *RNNCell) AcceptsPre() bool { return true }

// Forward computes h = tanh(x W_i^T + h_prev W_h^T + b).
func (c *RNNCell) Forward(x, hPrev *tensor.Dense) *tensor.Dense {
	xd := c.dropped(x)
	pre := c.eng.MatMulTransB(xd, c.wI)
	c.eng.AddInPlace(pre, c.eng.MatMulTransB(hPrev, c.wH))
	c.eng.AddRowInPlace(pre, c.b)
	return c.eng.Tanh(pre)
}

// Backward computes the input and previous-hidden gradients for one step.
func (c *RNNCell) Backward(x, hPrev, h, gradH *tensor.Dense) (gradX, gradHPrev *tensor.Dense) {
	dPre := tanhGrad(gradH, h)
	gradX = c.eng.MatMul(dPre, c.wI)
	if c.noise != nil {
		mulInPlace(gradX, c.noise)
	}
	gradHPrev = c.eng.MatMul(dPre, c.wH)
	return gradX, gradHPrev
}

// AccGrad accumulates the step's parameter gradients.
func (c *RNNCell) AccGrad(x, hPrev, h, gradH *tensor.Dense) {
	dPre := tanhGrad(gradH, h)
	xd := c.dropped(x)
	c.eng.AddInPlace(c.gWI, c.eng.MatMulTransA(dPre, xd))
	c.eng.AddInPlace(c.gWH, c.eng.MatMulTransA(dPre, hPrev))

	gb := c.gB.AsFloat32()
	d := dPre.AsFloat32()
	batch := dPre.Shape()[0]
	for i := 0; i < batch; i++ {
		row := d[i*c.hiddenSize : (i+1)*c.hiddenSize]
		for j, v := range row {
			gb[j] += v
		}
	}
}

// Parameters returns the cell's parameters in binding order:
// input weight, hidden weight, bias.
func (c *RNNCell) Parameters() []*Parameter {
	return []*Parameter{
		{Name: "weight_i", Value: c.wI, Grad: c.gWI},
		{Name: "weight_h", Value: c.wH, Grad: c.gWH},
		{Name: "bias", Value: c.b, Grad: c.gB},
	}
}

// BindParameters rebinds the cell's tensors to shared-storage views of src,
// in the order Parameters uses. The previously bound tensors are released:
// on the first bind that drops the clone's deep copies, on later binds it
// drops the stale alias views.
func (c *RNNCell) BindParameters(src []*Parameter) {
	if len(src) != 3 {
		panic(fmt.Sprintf("rnn cell: want 3 parameters to bind, got %d", len(src)))
	}
	releaseViews(c.wI, c.gWI, c.wH, c.gWH, c.b, c.gB)
	c.wI, c.gWI = aliasOf(src[0].Value), aliasOf(src[0].Grad)
	c.wH, c.gWH = aliasOf(src[1].Value), aliasOf(src[1].Grad)
	c.b, c.gB = aliasOf(src[2].Value), aliasOf(src[2].Grad)
}

// Clone returns an independent cell with deep-copied parameter values.
func (c *RNNCell) Clone() Cell {
	return &RNNCell{
		inputSize:  c.inputSize,
		hiddenSize: c.hiddenSize,
		dropout:    c.dropout,
		wI:         c.wI.Clone(),
		wH:         c.wH.Clone(),
		b:          c.b.Clone(),
		gWI:        c.gWI.Clone(),
		gWH:        c.gWH.Clone(),
		gB:         c.gB.Clone(),
		eng:        cpu.New(),
	}
}

// PrepareNoise regenerates the dropout mask for a batch, scaled by 1/(1-p).
func (c *RNNCell) PrepareNoise(batch int, training bool) {
	if c.dropout <= 0 || !training {
		c.noise = nil
		return
	}
	c.noise = tensor.Zeros(tensor.Shape{batch, c.inputSize}, tensor.Float32)
	keep := float32(1.0 / (1.0 - c.dropout))
	data := c.noise.AsFloat32()
	for i := range data {
		if rand.Float64() >= c.dropout { //nolint:gosec // dropout, not security
			data[i] = keep
		}
	}
}

// ShareNoise adopts another cell's dropout mask.
func (c *RNNCell) ShareNoise(src Cell) {
	if s, ok := src.(*RNNCell); ok {
		c.noise = s.noise
	}
}

// dropped applies the dropout mask to x, or returns x unchanged when the mask
// is inactive or sized for a different batch.
func (c *RNNCell) dropped(x *tensor.Dense) *tensor.Dense {
	if c.noise == nil || !c.noise.Shape().Equal(x.Shape()) {
		return x
	}
	out := x.Clone()
	mulInPlace(out, c.noise)
	return out
}

// tanhGrad computes gradH * (1 - h^2) into a fresh tensor.
func tanhGrad(gradH, h *tensor.Dense) *tensor.Dense {
	out := gradH.Clone()
	od, hd := out.AsFloat32(), h.AsFloat32()
	for i := range od[:out.NumElements()] {
		od[i] *= 1 - hd[i]*hd[i]
	}
	return out
}

// mulInPlace multiplies dst by src element-wise.
func mulInPlace(dst, src *tensor.Dense) {
	dd, sd := dst.AsFloat32(), src.AsFloat32()
	for i := range dd[:dst.NumElements()] {
		dd[i] *= sd[i]
	}
}
