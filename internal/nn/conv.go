package nn

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/serialization"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// ConvConfig configures a SpatialConvolution.
type ConvConfig struct {
	NInput, NOutput      int
	KernelH, KernelW     int
	StrideH, StrideW     int
	DilationH, DilationW int
	Pad                  PadPolicy
	Group                int
	WithBias             bool

	// Quantized enables the int8 inference path: weights are packed to int8
	// with per-output-channel scales at initialization, and each forward
	// quantizes its input on the fly. Only meaningful in the Inference phase;
	// backward primitive construction is declined.
	Quantized bool
}

func (c ConvConfig) normalized() ConvConfig {
	if c.StrideH <= 0 {
		c.StrideH = 1
	}
	if c.StrideW <= 0 {
		c.StrideW = 1
	}
	if c.DilationH <= 0 {
		c.DilationH = 1
	}
	if c.DilationW <= 0 {
		c.DilationW = 1
	}
	if c.Group <= 0 {
		c.Group = 1
	}
	return c
}

// SpatialConvolution is a primitive-backed 2D convolution operator with
// grouping, dilation and an optional int8 inference path. The weight is kept
// as [group, outPerGroup, inPerGroup, kH, kW]; forward/backward narrow the
// channel dimension per group and run the single-group primitive on each
// slice.
type SpatialConvolution struct {
	base

	cfg ConvConfig

	weight, bias         *tensor.Dense
	gradWeight, gradBias *tensor.Dense

	fwd *primitive.Convolution

	srcNat, dstNat, weiNat, biasNat *tensor.Native
	gradSrcNat, gradDstNat          *tensor.Native
	gradWeiNat, gradBiasNat         *tensor.Native

	srcStage, dstStage         *tensor.Dense
	gradSrcStage, gradDstStage *tensor.Dense

	output, gradInput *tensor.Dense
	squeezeBatch      bool

	// int8 inference path
	weiQuant  []*tensor.Quantized // one packed weight per group, owned
	weiScales []float32           // per output channel, 127/max|w|

	// Cached quantizing reorder for the input. The per-group source shape is
	// identical across groups, so one primitive serves every group; it is
	// rebuilt only when the dynamic input scale changes.
	srcQuantRo    *primitive.Reorder
	srcQuantScale float32
}

// NewSpatialConvolution creates the operator, initializing weights with
// Xavier-uniform values. Panics when the group count does not divide both
// channel counts.
func NewSpatialConvolution(cfg ConvConfig) *SpatialConvolution {
	cfg = cfg.normalized()
	if cfg.NInput%cfg.Group != 0 || cfg.NOutput%cfg.Group != 0 {
		panic(fmt.Sprintf("convolution: group %d must divide input channels %d and output channels %d",
			cfg.Group, cfg.NInput, cfg.NOutput))
	}

	inG, outG := cfg.NInput/cfg.Group, cfg.NOutput/cfg.Group
	wShape := tensor.Shape{cfg.Group, outG, inG, cfg.KernelH, cfg.KernelW}
	fanIn := inG * cfg.KernelH * cfg.KernelW
	fanOut := outG * cfg.KernelH * cfg.KernelW

	c := &SpatialConvolution{
		cfg:        cfg,
		weight:     xavier(wShape, fanIn, fanOut),
		gradWeight: tensor.Zeros(wShape, tensor.Float32),
	}
	if cfg.WithBias {
		c.bias = tensor.Zeros(tensor.Shape{cfg.NOutput}, tensor.Float32)
		c.gradBias = tensor.Zeros(tensor.Shape{cfg.NOutput}, tensor.Float32)
	}
	return c
}

func (c *SpatialConvolution) groupDims() (inG, outG int) {
	return c.cfg.NInput / c.cfg.Group, c.cfg.NOutput / c.cfg.Group
}

// channelDim is the axis holding channels in the operator's heap tensors.
func (c *SpatialConvolution) channelDim() int {
	if c.squeezeBatch {
		return 0
	}
	return 1
}

// WantedInputDesc requires plain NCHW float32 over the produced shape.
func (c *SpatialConvolution) WantedInputDesc(produced mem.Desc) mem.Desc {
	return produced.WithFormat(mem.NCHW).WithDataType(tensor.Float32)
}

// InitFwdPrimitives builds the single-group convolution primitive plus the
// per-group native buffers and staging tensors. In the quantized inference
// phase it additionally packs the weights to int8.
func (c *SpatialConvolution) InitFwdPrimitives(inputs []mem.Desc, phase Phase) ([]mem.Desc, error) {
	if err := c.requireRuntime(); err != nil {
		return nil, err
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("convolution: want 1 input descriptor, got %d", len(inputs))
	}

	shape := inputs[0].Shape()
	switch len(shape) {
	case 4:
		c.squeezeBatch = false
	case 3:
		shape = tensor.Shape{1, shape[0], shape[1], shape[2]}
		c.squeezeBatch = true
	default:
		return nil, fmt.Errorf("convolution: input rank must be 3 or 4, got %d", len(shape))
	}
	if shape[1] != c.cfg.NInput {
		return nil, fmt.Errorf("convolution: input has %d channels, operator configured for %d", shape[1], c.cfg.NInput)
	}

	inG, outG := c.groupDims()
	kEffH := c.cfg.DilationH*(c.cfg.KernelH-1) + 1
	kEffW := c.cfg.DilationW*(c.cfg.KernelW-1) + 1
	padT, padB, padL, padR := c.cfg.Pad.resolve(shape[2], shape[3], kEffH, kEffW, c.cfg.StrideH, c.cfg.StrideW)

	srcG := mem.NewDesc(tensor.Shape{shape[0], inG, shape[2], shape[3]}, mem.NCHW, tensor.Float32)
	weiG := mem.NewDesc(tensor.Shape{outG, inG, c.cfg.KernelH, c.cfg.KernelW}, mem.OIHW, tensor.Float32)
	fwd, err := primitive.NewConvolution(c.rt, srcG, weiG,
		c.cfg.StrideH, c.cfg.StrideW, padT, padB, padL, padR, c.cfg.DilationH, c.cfg.DilationW)
	if err != nil {
		return nil, err
	}

	c.fwd = fwd
	c.phase = phase
	c.srcNat = newNative(c.rt, srcG.Shape())
	c.dstNat = newNative(c.rt, fwd.Dst().Shape())
	c.weiNat = newNative(c.rt, weiG.Shape())
	if c.cfg.WithBias {
		c.biasNat = newNative(c.rt, tensor.Shape{outG})
	}

	c.srcStage = tensor.Zeros(c.sliceShape(shape, inG), tensor.Float32)
	dstG := fwd.Dst().Shape()
	c.dstStage = tensor.Zeros(c.sliceShape(dstG, outG), tensor.Float32)

	outShape := tensor.Shape{shape[0], c.cfg.NOutput, dstG[2], dstG[3]}
	if c.squeezeBatch {
		outShape = outShape[1:]
	}
	c.output = tensor.Zeros(outShape, tensor.Float32)
	c.inDesc = mem.NewDesc(shape, mem.NCHW, tensor.Float32)
	c.outDesc = mem.NewDesc(outShape, mem.NCHW, tensor.Float32)

	if phase == Inference && c.cfg.Quantized {
		if err := c.packWeights(weiG); err != nil {
			return nil, err
		}
	}

	c.state = stateFwdReady
	return []mem.Desc{c.outDesc}, nil
}

// sliceShape returns full4 with the channel dimension replaced by channels,
// squeezed to rank 3 when the operator runs batchless.
func (c *SpatialConvolution) sliceShape(full4 tensor.Shape, channels int) tensor.Shape {
	s := tensor.Shape{full4[0], channels, full4[2], full4[3]}
	if c.squeezeBatch {
		return s[1:]
	}
	return s
}

// packWeights computes per-output-channel scales and packs each group's
// weights into an owned int8 payload.
func (c *SpatialConvolution) packWeights(weiG mem.Desc) error {
	// A cached input reorder belongs to the previous runtime binding.
	c.srcQuantRo = nil

	inG, outG := c.groupDims()
	chanSize := inG * c.cfg.KernelH * c.cfg.KernelW

	c.weiScales = make([]float32, c.cfg.NOutput)
	for g := 0; g < c.cfg.Group; g++ {
		view := c.weight.Select(0, g)
		data := view.AsFloat32()
		for o := 0; o < outG; o++ {
			m := maxAbs(data[o*chanSize : (o+1)*chanSize])
			if m == 0 {
				m = 1
			}
			c.weiScales[g*outG+o] = 127.0 / m
		}
		view.Release()
	}

	c.weiQuant = make([]*tensor.Quantized, 0, c.cfg.Group)
	for g := 0; g < c.cfg.Group; g++ {
		dst := weiG.WithDataType(tensor.Int8).
			WithMask(1 << 0).
			WithScales(c.weiScales[g*outG : (g+1)*outG])
		ro, err := primitive.NewReorder(c.rt, weiG, dst)
		if err != nil {
			return err
		}
		view := c.weight.Select(0, g)
		mustSync(c.weiNat.SyncFromHeap(view.AsFloat32(), 0))
		view.Release()
		h, err := ro.Quantize(c.weiNat)
		if err != nil {
			return err
		}
		q := tensor.NewQuantized(weiG.Shape())
		q.OwnHandle(h)
		c.weiQuant = append(c.weiQuant, q)
	}
	return nil
}

// InitBwdPrimitives allocates the gradient-input buffers. The quantized
// variant is inference-only and declines.
func (c *SpatialConvolution) InitBwdPrimitives(grads []mem.Desc, phase Phase) ([]mem.Desc, error) {
	c.requireFwd()
	if c.cfg.Quantized {
		return nil, fmt.Errorf("quantized convolution: %w", ErrInferenceOnly)
	}
	if len(grads) != 1 {
		return nil, fmt.Errorf("convolution: want 1 gradient descriptor, got %d", len(grads))
	}

	inG, outG := c.groupDims()
	c.gradSrcNat = newNative(c.rt, c.srcNat.Shape())
	c.gradDstNat = newNative(c.rt, c.dstNat.Shape())
	c.gradSrcStage = tensor.Zeros(c.sliceShape(c.srcNat.Shape(), inG), tensor.Float32)
	c.gradDstStage = tensor.Zeros(c.sliceShape(c.dstNat.Shape(), outG), tensor.Float32)

	inShape := c.inDesc.Shape()
	if c.squeezeBatch {
		inShape = inShape[1:]
	}
	c.gradInput = tensor.Zeros(inShape, tensor.Float32)
	c.state = stateBwdReady
	return []mem.Desc{c.inDesc}, nil
}

// InitGradWPrimitives allocates the gradient-weight buffers. The quantized
// variant is inference-only and declines.
func (c *SpatialConvolution) InitGradWPrimitives(grads []mem.Desc, phase Phase) error {
	c.requireFwd()
	if c.cfg.Quantized {
		return fmt.Errorf("quantized convolution: %w", ErrInferenceOnly)
	}

	_, outG := c.groupDims()
	c.gradWeiNat = newNative(c.rt, c.weiNat.Shape())
	if c.cfg.WithBias {
		c.gradBiasNat = newNative(c.rt, tensor.Shape{outG})
	}
	if c.gradDstNat == nil {
		c.gradDstNat = newNative(c.rt, c.dstNat.Shape())
	}
	if c.gradDstStage == nil {
		c.gradDstStage = tensor.Zeros(c.sliceShape(c.dstNat.Shape(), outG), tensor.Float32)
	}
	c.gradWReady = true
	return nil
}

// Forward runs the convolution group by group: the input, weight and output
// are narrowed to the group's channel range, synced into native buffers and
// pushed through the primitive. The returned tensor is owned by the operator.
func (c *SpatialConvolution) Forward(input *tensor.Dense) *tensor.Dense {
	c.requireFwd()
	if c.phase == Inference && c.cfg.Quantized {
		return c.forwardQuant(input)
	}

	inG, outG := c.groupDims()
	dim := c.channelDim()
	for g := 0; g < c.cfg.Group; g++ {
		inView := input.Narrow(dim, g*inG, inG)
		weiView := c.weight.Select(0, g)
		c.srcStage.Copy(inView)
		mustSync(c.srcNat.SyncFromHeap(c.srcStage.AsFloat32(), 0))
		mustSync(c.weiNat.SyncFromHeap(weiView.AsFloat32(), 0))

		var biasNat *tensor.Native
		var biasView *tensor.Dense
		if c.cfg.WithBias {
			biasView = c.bias.Narrow(0, g*outG, outG)
			mustSync(c.biasNat.SyncFromHeap(biasView.AsFloat32(), 0))
			biasNat = c.biasNat
		}

		mustExec(c.fwd.Forward(c.srcNat, c.weiNat, biasNat, c.dstNat))
		mustSync(c.dstNat.SyncToHeap(c.dstStage.AsFloat32(), 0))
		outView := c.output.Narrow(dim, g*outG, outG)
		outView.Copy(c.dstStage)
		releaseViews(inView, weiView, biasView, outView)
	}
	return c.output
}

// forwardQuant runs the int8 inference path: the input is quantized with a
// single dynamic scale, the prepacked weights carry per-channel scales, and
// the primitive rescales its int32 accumulation back to float32.
func (c *SpatialConvolution) forwardQuant(input *tensor.Dense) *tensor.Dense {
	inG, outG := c.groupDims()
	dim := c.channelDim()

	srcScale := float32(1)
	if m := maxAbs(input.AsFloat32()[:input.NumElements()]); m > 0 {
		srcScale = 127.0 / m
	}
	if c.srcQuantRo == nil || srcScale != c.srcQuantScale {
		srcF32 := mem.NewDesc(c.srcNat.Shape(), mem.NCHW, tensor.Float32)
		srcI8 := srcF32.WithDataType(tensor.Int8).WithScales([]float32{srcScale})
		ro, err := primitive.NewReorder(c.rt, srcF32, srcI8)
		if err != nil {
			panic(err)
		}
		c.srcQuantRo = ro
		c.srcQuantScale = srcScale
	}

	for g := 0; g < c.cfg.Group; g++ {
		inView := input.Narrow(dim, g*inG, inG)
		c.srcStage.Copy(inView)
		mustSync(c.srcNat.SyncFromHeap(c.srcStage.AsFloat32(), 0))

		h, err := c.srcQuantRo.Quantize(c.srcNat)
		if err != nil {
			panic(err)
		}
		srcQ := tensor.NewQuantized(c.srcNat.Shape())
		srcQ.OwnHandle(h)

		var biasNat *tensor.Native
		var biasView *tensor.Dense
		if c.cfg.WithBias {
			biasView = c.bias.Narrow(0, g*outG, outG)
			mustSync(c.biasNat.SyncFromHeap(biasView.AsFloat32(), 0))
			biasNat = c.biasNat
		}

		wei := c.weiQuant[g].Handle().(*primitive.Handle)
		mustExec(c.fwd.ForwardQuant(h, wei, srcScale, c.weiScales[g*outG:(g+1)*outG], biasNat, c.dstNat))
		srcQ.Release()

		mustSync(c.dstNat.SyncToHeap(c.dstStage.AsFloat32(), 0))
		outView := c.output.Narrow(dim, g*outG, outG)
		outView.Copy(c.dstStage)
		releaseViews(inView, biasView, outView)
	}
	return c.output
}

// UpdateGradInput computes the gradient w.r.t. the input, group by group.
func (c *SpatialConvolution) UpdateGradInput(input, gradOutput *tensor.Dense) *tensor.Dense {
	c.requireBwd()

	inG, outG := c.groupDims()
	dim := c.channelDim()
	for g := 0; g < c.cfg.Group; g++ {
		weiView := c.weight.Select(0, g)
		gradOutView := gradOutput.Narrow(dim, g*outG, outG)
		mustSync(c.weiNat.SyncFromHeap(weiView.AsFloat32(), 0))
		c.gradDstStage.Copy(gradOutView)
		mustSync(c.gradDstNat.SyncFromHeap(c.gradDstStage.AsFloat32(), 0))

		mustExec(c.fwd.BackwardData(c.weiNat, c.gradDstNat, c.gradSrcNat))

		mustSync(c.gradSrcNat.SyncToHeap(c.gradSrcStage.AsFloat32(), 0))
		gradInView := c.gradInput.Narrow(dim, g*inG, inG)
		gradInView.Copy(c.gradSrcStage)
		releaseViews(weiView, gradOutView, gradInView)
	}
	return c.gradInput
}

// AccGradParameters accumulates weight and bias gradients, group by group.
// Accumulation semantics: existing gradient contents are carried into the
// primitive so repeated calls add up, matching the reference implementation.
func (c *SpatialConvolution) AccGradParameters(input, gradOutput *tensor.Dense) {
	if !c.gradWReady {
		panic(ErrNotInitialized)
	}

	inG, outG := c.groupDims()
	dim := c.channelDim()
	for g := 0; g < c.cfg.Group; g++ {
		inView := input.Narrow(dim, g*inG, inG)
		gradOutView := gradOutput.Narrow(dim, g*outG, outG)
		c.srcStage.Copy(inView)
		mustSync(c.srcNat.SyncFromHeap(c.srcStage.AsFloat32(), 0))
		c.gradDstStage.Copy(gradOutView)
		mustSync(c.gradDstNat.SyncFromHeap(c.gradDstStage.AsFloat32(), 0))

		gWeiView := c.gradWeight.Select(0, g)
		mustSync(c.gradWeiNat.SyncFromHeap(gWeiView.AsFloat32(), 0))
		var gBiasNat *tensor.Native
		var gBiasView *tensor.Dense
		if c.cfg.WithBias {
			gBiasView = c.gradBias.Narrow(0, g*outG, outG)
			mustSync(c.gradBiasNat.SyncFromHeap(gBiasView.AsFloat32(), 0))
			gBiasNat = c.gradBiasNat
		}

		mustExec(c.fwd.BackwardWeights(c.srcNat, c.gradDstNat, c.gradWeiNat, gBiasNat))

		mustSync(c.gradWeiNat.SyncToHeap(gWeiView.AsFloat32(), 0))
		if c.cfg.WithBias {
			mustSync(c.gradBiasNat.SyncToHeap(gBiasView.AsFloat32(), 0))
		}
		releaseViews(inView, gradOutView, gWeiView, gBiasView)
	}
}

// Backward computes the input gradient and accumulates parameter gradients.
func (c *SpatialConvolution) Backward(input, gradOutput *tensor.Dense) *tensor.Dense {
	g := c.UpdateGradInput(input, gradOutput)
	c.AccGradParameters(input, gradOutput)
	return g
}

// Parameters returns live views of the weight and bias.
func (c *SpatialConvolution) Parameters() []*Parameter {
	params := []*Parameter{{Name: "weight", Value: c.weight, Grad: c.gradWeight}}
	if c.cfg.WithBias {
		params = append(params, &Parameter{Name: "bias", Value: c.bias, Grad: c.gradBias})
	}
	return params
}

// ZeroGrad clears the accumulated parameter gradients.
func (c *SpatialConvolution) ZeroGrad() {
	c.gradWeight.Fill(0)
	if c.gradBias != nil {
		c.gradBias.Fill(0)
	}
}

// CloneModule returns an uninitialized operator with the same configuration
// and deep-copied parameter values. Native buffers and packed handles are
// never duplicated; the clone allocates its own on re-initialization.
func (c *SpatialConvolution) CloneModule() *SpatialConvolution {
	clone := &SpatialConvolution{
		cfg:        c.cfg,
		weight:     c.weight.Clone(),
		gradWeight: c.gradWeight.Clone(),
	}
	if c.cfg.WithBias {
		clone.bias = c.bias.Clone()
		clone.gradBias = c.gradBias.Clone()
	}
	return clone
}

// Release frees native buffers and packed weight payloads. Idempotent.
func (c *SpatialConvolution) Release() {
	releaseNatives(c.srcNat, c.dstNat, c.weiNat, c.biasNat,
		c.gradSrcNat, c.gradDstNat, c.gradWeiNat, c.gradBiasNat)
	for _, q := range c.weiQuant {
		q.Release()
	}
	c.weiQuant = nil
}

// SerializeWeight stores the weight as a flat float array.
func (c *SpatialConvolution) SerializeWeight(md *serialization.ModelDescription) {
	md.SetFloat32s("weight", c.weight.AsFloat32()[:c.weight.NumElements()])
}

// SerializeBias stores the bias as a flat float array, when present.
func (c *SpatialConvolution) SerializeBias(md *serialization.ModelDescription) {
	if c.bias != nil {
		md.SetFloat32s("bias", c.bias.AsFloat32()[:c.bias.NumElements()])
	}
}

// SerializeOthers stores auxiliary arrays: per-output-channel weight extrema
// and, when the int8 path is packed, its scales.
func (c *SpatialConvolution) SerializeOthers(md *serialization.ModelDescription) {
	_, outG := c.groupDims()
	chanSize := (c.cfg.NInput / c.cfg.Group) * c.cfg.KernelH * c.cfg.KernelW
	wMax := make([]float32, c.cfg.NOutput)
	wMin := make([]float32, c.cfg.NOutput)
	for g := 0; g < c.cfg.Group; g++ {
		view := c.weight.Select(0, g)
		data := view.AsFloat32()
		for o := 0; o < outG; o++ {
			lo, hi := minMax(data[o*chanSize : (o+1)*chanSize])
			wMin[g*outG+o], wMax[g*outG+o] = lo, hi
		}
		view.Release()
	}
	md.SetFloat32s("weightMin", wMin)
	md.SetFloat32s("weightMax", wMax)
	if c.weiScales != nil {
		md.SetFloat32s("scaleWeight", c.weiScales)
	}
}

// LoadWeight restores the weight from a flat float array.
func (c *SpatialConvolution) LoadWeight(md *serialization.ModelDescription) error {
	v, err := md.RequireFloat32s("weight", c.weight.NumElements())
	if err != nil {
		return err
	}
	copy(c.weight.AsFloat32(), v)
	return nil
}

// LoadBias restores the bias from a flat float array.
func (c *SpatialConvolution) LoadBias(md *serialization.ModelDescription) error {
	if c.bias == nil {
		return nil
	}
	v, err := md.RequireFloat32s("bias", c.bias.NumElements())
	if err != nil {
		return err
	}
	copy(c.bias.AsFloat32(), v)
	return nil
}

// LoadOthers restores the quantization scales when present.
func (c *SpatialConvolution) LoadOthers(md *serialization.ModelDescription) error {
	if v, ok := md.Float32s("scaleWeight"); ok {
		if len(v) != c.cfg.NOutput {
			return fmt.Errorf("convolution: got %d weight scales for %d output channels", len(v), c.cfg.NOutput)
		}
		c.weiScales = append([]float32(nil), v...)
	}
	return nil
}

func maxAbs(v []float32) float32 {
	var m float32
	for _, x := range v {
		if x < 0 {
			x = -x
		}
		if x > m {
			m = x
		}
	}
	return m
}

func minMax(v []float32) (lo, hi float32) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}
