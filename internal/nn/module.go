// Package nn implements the operator layer: primitive-backed pooling,
// convolution and reorder operators, a sequential pipeline that negotiates
// memory formats between them, and a recurrent container that unrolls a cell
// along the time axis with shared parameters.
package nn

import (
	"errors"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/serialization"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Phase selects the code paths an operator builds primitives for. Inference
// may enable fused or quantized paths that have no backward counterpart.
type Phase int

// Execution phases.
const (
	Training Phase = iota
	Inference
)

// String returns the phase name.
func (p Phase) String() string {
	if p == Training {
		return "training"
	}
	return "inference"
}

// Operator lifecycle errors.
var (
	ErrNoRuntime      = errors.New("nn: operator has no bound runtime")
	ErrNotInitialized = errors.New("nn: primitives not initialized")
	ErrInferenceOnly  = errors.New("nn: operator is inference-only, gradient computation declined")
)

// Module is a forward/backward computation node exchanging heap tensors.
// Forward and backward panic on structural violations (wrong rank, shape
// mismatch) the way the tensor layer does; recoverable conditions surface as
// errors at primitive-initialization time instead.
type Module interface {
	Forward(input *tensor.Dense) *tensor.Dense
	UpdateGradInput(input, gradOutput *tensor.Dense) *tensor.Dense
	AccGradParameters(input, gradOutput *tensor.Dense)
	Backward(input, gradOutput *tensor.Dense) *tensor.Dense
	Parameters() []*Parameter
	Release()
}

// PrimitiveModule is a Module backed by accelerated primitives. It must be
// bound to a runtime before primitive construction, and forward/backward
// primitives are built in separate explicit steps; either backward step may be
// skipped for inference-only use.
type PrimitiveModule interface {
	Module

	SetRuntime(rt *primitive.Runtime)

	// WantedInputDesc reports the descriptor this operator requires for an
	// input the upstream producer emits as produced. A pipeline inserts a
	// reorder when the two are incompatible.
	WantedInputDesc(produced mem.Desc) mem.Desc

	InitFwdPrimitives(inputs []mem.Desc, phase Phase) ([]mem.Desc, error)
	InitBwdPrimitives(grads []mem.Desc, phase Phase) ([]mem.Desc, error)
	InitGradWPrimitives(grads []mem.Desc, phase Phase) error
}

// Serializer is implemented by modules with persistent state. Auxiliary
// numeric arrays (per-channel scales, weight extrema) travel through
// SerializeOthers/LoadOthers.
type Serializer interface {
	SerializeWeight(md *serialization.ModelDescription)
	SerializeBias(md *serialization.ModelDescription)
	SerializeOthers(md *serialization.ModelDescription)
	LoadWeight(md *serialization.ModelDescription) error
	LoadBias(md *serialization.ModelDescription) error
	LoadOthers(md *serialization.ModelDescription) error
}
