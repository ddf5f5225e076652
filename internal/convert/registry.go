package convert

import (
	"errors"
	"fmt"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/nn"
	"github.com/fathom-ml/fathom/internal/serialization"
)

// ErrUnknownLayerType is returned when no builder is registered for a
// description's type tag.
var ErrUnknownLayerType = errors.New("convert: unknown layer type")

// Builder constructs an operator from a portable layer description.
type Builder func(def *LayerDef) (nn.Module, error)

// Registry maps layer type tags to builders.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates a registry with all supported layer types.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register("MaxPooling", buildMaxPooling)
	r.Register("AvgPooling", buildAvgPooling)
	r.Register("SpatialConvolution", buildConvolution)
	r.Register("Reorder", buildReorder)
	r.Register("Recurrent", buildRecurrent)
	return r
}

// Register adds a custom builder.
func (r *Registry) Register(layerType string, b Builder) {
	r.builders[layerType] = b
}

// Supported returns the registered layer type tags.
func (r *Registry) Supported() []string {
	types := make([]string, 0, len(r.builders))
	for t := range r.builders {
		types = append(types, t)
	}
	return types
}

// Build constructs the operator a description names.
func (r *Registry) Build(def *LayerDef) (nn.Module, error) {
	b, ok := r.builders[def.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayerType, def.Type)
	}
	return b(def)
}

// BuildWithState constructs the operator and restores its serialized state.
func (r *Registry) BuildWithState(def *LayerDef, md *serialization.ModelDescription) (nn.Module, error) {
	m, err := r.Build(def)
	if err != nil {
		return nil, err
	}
	s, ok := m.(nn.Serializer)
	if !ok {
		return m, nil
	}
	if err := s.LoadWeight(md); err != nil {
		return nil, fmt.Errorf("convert: %s: %w", def.Type, err)
	}
	if err := s.LoadBias(md); err != nil {
		return nil, fmt.Errorf("convert: %s: %w", def.Type, err)
	}
	if err := s.LoadOthers(md); err != nil {
		return nil, fmt.Errorf("convert: %s: %w", def.Type, err)
	}
	return m, nil
}

func padPolicy(def *LayerDef) nn.PadPolicy {
	h := int(def.Int("pad_h", 0))
	w := int(def.Int("pad_w", 0))
	if def.Bool("ceil_mode", false) {
		return nn.CeilAutoPad(h, w)
	}
	return nn.ExplicitPad(h, w)
}

func buildMaxPooling(def *LayerDef) (nn.Module, error) {
	return nn.NewMaxPooling(
		int(def.Int("kernel_h", 2)), int(def.Int("kernel_w", 2)),
		int(def.Int("stride_h", 2)), int(def.Int("stride_w", 2)),
		padPolicy(def),
	), nil
}

func buildAvgPooling(def *LayerDef) (nn.Module, error) {
	return nn.NewAvgPooling(
		int(def.Int("kernel_h", 2)), int(def.Int("kernel_w", 2)),
		int(def.Int("stride_h", 2)), int(def.Int("stride_w", 2)),
		padPolicy(def),
	), nil
}

func buildConvolution(def *LayerDef) (nn.Module, error) {
	nIn := int(def.Int("n_input", 0))
	nOut := int(def.Int("n_output", 0))
	group := int(def.Int("group", 1))
	if nIn <= 0 || nOut <= 0 {
		return nil, fmt.Errorf("convert: convolution needs n_input and n_output, got %d and %d", nIn, nOut)
	}
	if group <= 0 || nIn%group != 0 || nOut%group != 0 {
		return nil, fmt.Errorf("convert: group %d must divide channels %d and %d", group, nIn, nOut)
	}
	return nn.NewSpatialConvolution(nn.ConvConfig{
		NInput:    nIn,
		NOutput:   nOut,
		KernelH:   int(def.Int("kernel_h", 1)),
		KernelW:   int(def.Int("kernel_w", 1)),
		StrideH:   int(def.Int("stride_h", 1)),
		StrideW:   int(def.Int("stride_w", 1)),
		DilationH: int(def.Int("dilation_h", 1)),
		DilationW: int(def.Int("dilation_w", 1)),
		Pad:       padPolicy(def),
		Group:     group,
		WithBias:  def.Bool("with_bias", true),
		Quantized: def.Bool("quantized", false),
	}), nil
}

var formatNames = map[string]mem.Format{
	"nc":      mem.NC,
	"nchw":    mem.NCHW,
	"nhwc":    mem.NHWC,
	"oihw":    mem.OIHW,
	"goihw":   mem.GOIHW,
	"nChw8c":  mem.NChw8c,
	"nChw16c": mem.NChw16c,
	"tnc":     mem.TNC,
	"ntc":     mem.NTC,
}

func buildReorder(def *LayerDef) (nn.Module, error) {
	name := def.String("format", "")
	f, ok := formatNames[name]
	if !ok {
		return nil, fmt.Errorf("convert: unknown memory format %q", name)
	}
	return nn.NewReorder(f), nil
}

func buildRecurrent(def *LayerDef) (nn.Module, error) {
	inputSize := int(def.Int("input_size", 0))
	hiddenSize := int(def.Int("hidden_size", 0))
	if inputSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("convert: recurrent needs input_size and hidden_size, got %d and %d", inputSize, hiddenSize)
	}
	r := nn.NewRecurrent()
	r.SetWeightDecay(float32(def.Float("weight_decay", 0)))
	if err := r.Add(nn.NewRNNCell(inputSize, hiddenSize, def.Float("dropout", 0))); err != nil {
		return nil, err
	}
	return r, nil
}
