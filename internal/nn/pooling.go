package nn

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Pooling is a primitive-backed spatial pooling operator. It accepts NCHW
// float32 input of rank 3 or 4 (a rank-3 input is treated as a single batch
// element) and keeps its data in native buffers between the heap boundary
// syncs.
type Pooling struct {
	base

	kind           primitive.PoolKind
	kH, kW, sH, sW int
	pad            PadPolicy

	fwd *primitive.Pooling

	srcNat, dstNat         *tensor.Native
	gradSrcNat, gradDstNat *tensor.Native

	output, gradInput *tensor.Dense
	squeezeBatch      bool
}

// NewMaxPooling creates a max pooling operator.
func NewMaxPooling(kH, kW, sH, sW int, pad PadPolicy) *Pooling {
	return newPooling(primitive.MaxPool, kH, kW, sH, sW, pad)
}

// NewAvgPooling creates an average pooling operator. Padding positions are
// excluded from the divisor.
func NewAvgPooling(kH, kW, sH, sW int, pad PadPolicy) *Pooling {
	return newPooling(primitive.AvgPool, kH, kW, sH, sW, pad)
}

func newPooling(kind primitive.PoolKind, kH, kW, sH, sW int, pad PadPolicy) *Pooling {
	if sH <= 0 {
		sH = 1
	}
	if sW <= 0 {
		sW = 1
	}
	return &Pooling{kind: kind, kH: kH, kW: kW, sH: sH, sW: sW, pad: pad}
}

// WantedInputDesc requires plain NCHW float32 over the produced shape.
func (p *Pooling) WantedInputDesc(produced mem.Desc) mem.Desc {
	return produced.WithFormat(mem.NCHW).WithDataType(tensor.Float32)
}

// InitFwdPrimitives builds the forward pooling primitive and the native
// buffers it runs over, and reports the output descriptor.
func (p *Pooling) InitFwdPrimitives(inputs []mem.Desc, phase Phase) ([]mem.Desc, error) {
	if err := p.requireRuntime(); err != nil {
		return nil, err
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("pooling: want 1 input descriptor, got %d", len(inputs))
	}

	shape := inputs[0].Shape()
	switch len(shape) {
	case 4:
		p.squeezeBatch = false
	case 3:
		shape = tensor.Shape{1, shape[0], shape[1], shape[2]}
		p.squeezeBatch = true
	default:
		return nil, fmt.Errorf("pooling: input rank must be 3 or 4, got %d", len(shape))
	}

	padT, padB, padL, padR := p.pad.resolve(shape[2], shape[3], p.kH, p.kW, p.sH, p.sW)
	src := mem.NewDesc(shape, mem.NCHW, tensor.Float32)
	fwd, err := primitive.NewPooling(p.rt, p.kind, p.kH, p.kW, p.sH, p.sW, padT, padB, padL, padR, src)
	if err != nil {
		return nil, err
	}

	p.fwd = fwd
	p.phase = phase
	p.srcNat = newNative(p.rt, shape)
	p.dstNat = newNative(p.rt, fwd.Dst().Shape())

	outShape := fwd.Dst().Shape()
	if p.squeezeBatch {
		outShape = outShape[1:]
	}
	p.output = tensor.Zeros(outShape, tensor.Float32)
	p.inDesc = src
	p.outDesc = mem.NewDesc(outShape, mem.NCHW, tensor.Float32)
	p.state = stateFwdReady
	return []mem.Desc{p.outDesc}, nil
}

// InitBwdPrimitives allocates the backward-side native buffers. The gradient
// routing reuses the forward primitive's workspace.
func (p *Pooling) InitBwdPrimitives(grads []mem.Desc, phase Phase) ([]mem.Desc, error) {
	p.requireFwd()
	if len(grads) != 1 {
		return nil, fmt.Errorf("pooling: want 1 gradient descriptor, got %d", len(grads))
	}

	p.gradDstNat = newNative(p.rt, p.fwd.Dst().Shape())
	p.gradSrcNat = newNative(p.rt, p.inDesc.Shape())

	inShape := p.inDesc.Shape()
	if p.squeezeBatch {
		inShape = inShape[1:]
	}
	p.gradInput = tensor.Zeros(inShape, tensor.Float32)
	p.state = stateBwdReady
	return []mem.Desc{p.inDesc}, nil
}

// InitGradWPrimitives is a no-op: pooling has no trainable parameters.
func (p *Pooling) InitGradWPrimitives(grads []mem.Desc, phase Phase) error {
	p.gradWReady = true
	return nil
}

// Forward executes the pooling primitive. The returned tensor is owned by the
// operator and overwritten on the next call.
func (p *Pooling) Forward(input *tensor.Dense) *tensor.Dense {
	p.requireFwd()
	if input.NumElements() != p.inDesc.Shape().NumElements() {
		panic(fmt.Sprintf("pooling: input has %d elements, primitives built for %d",
			input.NumElements(), p.inDesc.Shape().NumElements()))
	}

	mustSync(p.srcNat.SyncFromHeap(input.AsFloat32(), 0))
	mustExec(p.fwd.Forward(p.srcNat, p.dstNat))
	mustSync(p.dstNat.SyncToHeap(p.output.AsFloat32(), 0))
	return p.output
}

// UpdateGradInput routes the output gradient back through the pooling window.
func (p *Pooling) UpdateGradInput(input, gradOutput *tensor.Dense) *tensor.Dense {
	p.requireBwd()

	mustSync(p.gradDstNat.SyncFromHeap(gradOutput.AsFloat32(), 0))
	mustExec(p.fwd.Backward(p.gradDstNat, p.gradSrcNat))
	mustSync(p.gradSrcNat.SyncToHeap(p.gradInput.AsFloat32(), 0))
	return p.gradInput
}

// AccGradParameters is a no-op: pooling has no trainable parameters.
func (p *Pooling) AccGradParameters(input, gradOutput *tensor.Dense) {}

// Backward routes the output gradient to the input.
func (p *Pooling) Backward(input, gradOutput *tensor.Dense) *tensor.Dense {
	return p.UpdateGradInput(input, gradOutput)
}

// Parameters returns nil: pooling has no trainable parameters.
func (p *Pooling) Parameters() []*Parameter {
	return nil
}

// CloneModule returns an uninitialized operator with the same configuration.
func (p *Pooling) CloneModule() *Pooling {
	return newPooling(p.kind, p.kH, p.kW, p.sH, p.sW, p.pad)
}

// Release frees the operator's native buffers. Idempotent.
func (p *Pooling) Release() {
	releaseNatives(p.srcNat, p.dstNat, p.gradSrcNat, p.gradDstNat)
}

// mustSync panics on a heap<->native sync failure; the buffers involved are
// operator-owned and allocated at initialization, so a failure here is a
// lifecycle bug, not a caller error.
func mustSync(err error) {
	if err != nil {
		panic(err)
	}
}

// mustExec panics on a primitive execution failure for the same reason.
func mustExec(err error) {
	if err != nil {
		panic(err)
	}
}
