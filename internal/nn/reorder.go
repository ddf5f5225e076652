package nn

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Reorder converts float32 tensors between two memory layouts. A pipeline
// inserts it automatically when a producer's output descriptor is
// incompatible with the next operator's wanted descriptor; it can also be
// used standalone to move data into and out of blocked layouts.
//
// Backward runs the inverse conversion on the gradient.
type Reorder struct {
	base

	targetFormat mem.Format

	fwd, bwd *primitive.Reorder

	srcNat, dstNat         *tensor.Native
	gradSrcNat, gradDstNat *tensor.Native

	output, gradInput *tensor.Dense
}

// NewReorder creates a reorder operator targeting the given layout. The
// target shape is taken from the input descriptor at initialization.
func NewReorder(target mem.Format) *Reorder {
	return &Reorder{targetFormat: target}
}

// WantedInputDesc accepts whatever is produced; a reorder never needs another
// reorder in front of it.
func (r *Reorder) WantedInputDesc(produced mem.Desc) mem.Desc {
	return produced
}

// InitFwdPrimitives builds the layout-conversion primitive and its buffers.
func (r *Reorder) InitFwdPrimitives(inputs []mem.Desc, phase Phase) ([]mem.Desc, error) {
	if err := r.requireRuntime(); err != nil {
		return nil, err
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("reorder: want 1 input descriptor, got %d", len(inputs))
	}
	src := inputs[0]
	if src.DataType() != tensor.Float32 {
		return nil, fmt.Errorf("reorder operator: float32 only, got %s", src.DataType())
	}
	dst := src.WithFormat(r.targetFormat)

	fwd, err := primitive.NewReorder(r.rt, src, dst)
	if err != nil {
		return nil, err
	}

	r.fwd = fwd
	r.phase = phase
	r.srcNat = newNative(r.rt, physShape(src))
	r.dstNat = newNative(r.rt, physShape(dst))
	r.output = tensor.Zeros(outShapeFor(dst), tensor.Float32)
	r.inDesc = src
	r.outDesc = dst
	r.state = stateFwdReady
	return []mem.Desc{dst}, nil
}

// InitBwdPrimitives builds the inverse conversion for the gradient path.
func (r *Reorder) InitBwdPrimitives(grads []mem.Desc, phase Phase) ([]mem.Desc, error) {
	r.requireFwd()

	bwd, err := primitive.NewReorder(r.rt, r.outDesc, r.inDesc)
	if err != nil {
		return nil, err
	}
	r.bwd = bwd
	r.gradDstNat = newNative(r.rt, physShape(r.outDesc))
	r.gradSrcNat = newNative(r.rt, physShape(r.inDesc))
	r.gradInput = tensor.Zeros(outShapeFor(r.inDesc), tensor.Float32)
	r.state = stateBwdReady
	return []mem.Desc{r.inDesc}, nil
}

// InitGradWPrimitives is a no-op: a reorder has no trainable parameters.
func (r *Reorder) InitGradWPrimitives(grads []mem.Desc, phase Phase) error {
	r.gradWReady = true
	return nil
}

// Forward converts the input into the target layout. The returned tensor is
// owned by the operator; for a blocked target it is flat, sized to the
// physical element count including padding lanes.
func (r *Reorder) Forward(input *tensor.Dense) *tensor.Dense {
	r.requireFwd()

	mustSync(r.srcNat.SyncFromHeap(input.AsFloat32(), 0))
	mustExec(r.fwd.Execute(r.srcNat, r.dstNat))
	mustSync(r.dstNat.SyncToHeap(r.output.AsFloat32(), 0))
	return r.output
}

// UpdateGradInput converts the gradient back to the source layout.
func (r *Reorder) UpdateGradInput(input, gradOutput *tensor.Dense) *tensor.Dense {
	r.requireBwd()

	mustSync(r.gradDstNat.SyncFromHeap(gradOutput.AsFloat32(), 0))
	mustExec(r.bwd.Execute(r.gradDstNat, r.gradSrcNat))
	mustSync(r.gradSrcNat.SyncToHeap(r.gradInput.AsFloat32(), 0))
	return r.gradInput
}

// AccGradParameters is a no-op: a reorder has no trainable parameters.
func (r *Reorder) AccGradParameters(input, gradOutput *tensor.Dense) {}

// Backward converts the gradient back to the source layout.
func (r *Reorder) Backward(input, gradOutput *tensor.Dense) *tensor.Dense {
	return r.UpdateGradInput(input, gradOutput)
}

// Parameters returns nil: a reorder has no trainable parameters.
func (r *Reorder) Parameters() []*Parameter {
	return nil
}

// CloneModule returns an uninitialized operator with the same target layout.
func (r *Reorder) CloneModule() *Reorder {
	return NewReorder(r.targetFormat)
}

// Release frees the operator's native buffers. Idempotent.
func (r *Reorder) Release() {
	releaseNatives(r.srcNat, r.dstNat, r.gradSrcNat, r.gradDstNat)
}

// physShape returns the allocation shape for a descriptor: the logical shape
// for plain layouts, a flat shape covering padding lanes for blocked ones.
func physShape(d mem.Desc) tensor.Shape {
	phys := primitive.PhysicalElements(d)
	if phys == d.Shape().NumElements() {
		return d.Shape()
	}
	return tensor.Shape{phys}
}

// outShapeFor mirrors physShape for the heap-side tensors.
func outShapeFor(d mem.Desc) tensor.Shape {
	return physShape(d)
}
