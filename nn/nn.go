// Package nn provides the public API for the operator layer: primitive-backed
// pooling, convolution and reorder operators, the Sequential pipeline, and
// the Recurrent container.
//
// Example:
//
//	rt := primitive.NewRuntime()
//	net := nn.NewSequential().
//		Add(nn.NewSpatialConvolution(nn.ConvConfig{NInput: 3, NOutput: 8, KernelH: 3, KernelW: 3, WithBias: true})).
//		Add(nn.NewMaxPooling(2, 2, 2, 2, nn.ExplicitPad(0, 0)))
//	if err := net.Compile(rt, mem.NewDesc(tensor.Shape{4, 3, 32, 32}, mem.NCHW, tensor.Float32), nn.Training); err != nil {
//		...
//	}
//	out := net.Forward(input)
package nn

import (
	"github.com/fathom-ml/fathom/internal/nn"
)

// Phase selects training or inference code paths.
type Phase = nn.Phase

// Execution phases.
const (
	Training  Phase = nn.Training
	Inference Phase = nn.Inference
)

// Module is a forward/backward computation node.
type Module = nn.Module

// PrimitiveModule is a Module backed by accelerated primitives.
type PrimitiveModule = nn.PrimitiveModule

// Serializer is implemented by modules with persistent state.
type Serializer = nn.Serializer

// Parameter pairs a trainable value with its gradient accumulator.
type Parameter = nn.Parameter

// PadPolicy is the padding configuration of a spatial operator.
type PadPolicy = nn.PadPolicy

// ExplicitPad pads symmetrically by the given amounts.
var ExplicitPad = nn.ExplicitPad

// CeilAutoPad pads for ceiling-mode output sizing.
var CeilAutoPad = nn.CeilAutoPad

// Pooling is the primitive-backed spatial pooling operator.
type Pooling = nn.Pooling

// NewMaxPooling creates a max pooling operator.
var NewMaxPooling = nn.NewMaxPooling

// NewAvgPooling creates an average pooling operator.
var NewAvgPooling = nn.NewAvgPooling

// ConvConfig configures a SpatialConvolution.
type ConvConfig = nn.ConvConfig

// SpatialConvolution is the primitive-backed 2D convolution operator.
type SpatialConvolution = nn.SpatialConvolution

// NewSpatialConvolution creates a convolution operator.
var NewSpatialConvolution = nn.NewSpatialConvolution

// Reorder converts tensors between memory layouts.
type Reorder = nn.Reorder

// NewReorder creates a reorder operator targeting the given layout.
var NewReorder = nn.NewReorder

// Sequential chains modules into one pipeline.
type Sequential = nn.Sequential

// NewSequential creates an empty pipeline.
var NewSequential = nn.NewSequential

// Recurrent unrolls a cell along the time axis.
type Recurrent = nn.Recurrent

// NewRecurrent creates an empty recurrent container.
var NewRecurrent = nn.NewRecurrent

// Cell is one step's worth of recurrent computation.
type Cell = nn.Cell

// RNNCell is a tanh recurrent cell.
type RNNCell = nn.RNNCell

// NewRNNCell creates a tanh cell.
var NewRNNCell = nn.NewRNNCell

// Lifecycle errors.
var (
	ErrNoRuntime      = nn.ErrNoRuntime
	ErrNotInitialized = nn.ErrNotInitialized
	ErrInferenceOnly  = nn.ErrInferenceOnly
)
