// Package serialization implements the model-description contract between
// operators and the persistence layer: named attributes carrying
// language-native float/int arrays, and a binary container that stores a set
// of model descriptions with a JSON header and a SHA-256 checksum.
package serialization

import "fmt"

// AttrKind discriminates the payload of an Attr.
type AttrKind int

// Attribute payload kinds.
const (
	AttrFloat32s AttrKind = iota
	AttrFloat64s
	AttrInts
	AttrString
)

// Attr is one named value in a model description. Float arrays are kept as
// native slices, never opaque blobs, so collaborators on either side of the
// contract can read them directly.
type Attr struct {
	Kind AttrKind  `json:"kind"`
	F32  []float32 `json:"f32,omitempty"`
	F64  []float64 `json:"f64,omitempty"`
	Ints []int64   `json:"ints,omitempty"`
	Str  string    `json:"str,omitempty"`
}

// ModelDescription is the attribute message an operator serializes into and
// loads from. Weight, bias and auxiliary arrays (per-channel min/max,
// weight sums, quantization scales) are keyed by name.
type ModelDescription struct {
	LayerType  string          `json:"layer_type"`
	Attributes map[string]Attr `json:"attributes"`
}

// NewModelDescription creates an empty description for a layer type.
func NewModelDescription(layerType string) *ModelDescription {
	return &ModelDescription{
		LayerType:  layerType,
		Attributes: make(map[string]Attr),
	}
}

// SetFloat32s stores a float32 array attribute (copied).
func (m *ModelDescription) SetFloat32s(name string, v []float32) {
	m.Attributes[name] = Attr{Kind: AttrFloat32s, F32: append([]float32(nil), v...)}
}

// Float32s retrieves a float32 array attribute.
func (m *ModelDescription) Float32s(name string) ([]float32, bool) {
	a, ok := m.Attributes[name]
	if !ok || a.Kind != AttrFloat32s {
		return nil, false
	}
	return a.F32, true
}

// SetFloat64s stores a float64 array attribute (copied).
func (m *ModelDescription) SetFloat64s(name string, v []float64) {
	m.Attributes[name] = Attr{Kind: AttrFloat64s, F64: append([]float64(nil), v...)}
}

// Float64s retrieves a float64 array attribute.
func (m *ModelDescription) Float64s(name string) ([]float64, bool) {
	a, ok := m.Attributes[name]
	if !ok || a.Kind != AttrFloat64s {
		return nil, false
	}
	return a.F64, true
}

// SetInts stores an int array attribute (copied).
func (m *ModelDescription) SetInts(name string, v []int64) {
	m.Attributes[name] = Attr{Kind: AttrInts, Ints: append([]int64(nil), v...)}
}

// Ints retrieves an int array attribute.
func (m *ModelDescription) Ints(name string) ([]int64, bool) {
	a, ok := m.Attributes[name]
	if !ok || a.Kind != AttrInts {
		return nil, false
	}
	return a.Ints, true
}

// SetInt stores a single int attribute.
func (m *ModelDescription) SetInt(name string, v int64) {
	m.SetInts(name, []int64{v})
}

// Int retrieves a single int attribute.
func (m *ModelDescription) Int(name string) (int64, bool) {
	v, ok := m.Ints(name)
	if !ok || len(v) != 1 {
		return 0, false
	}
	return v[0], true
}

// SetString stores a string attribute.
func (m *ModelDescription) SetString(name, v string) {
	m.Attributes[name] = Attr{Kind: AttrString, Str: v}
}

// String retrieves a string attribute.
func (m *ModelDescription) String(name string) (string, bool) {
	a, ok := m.Attributes[name]
	if !ok || a.Kind != AttrString {
		return "", false
	}
	return a.Str, true
}

// RequireFloat32s retrieves a float32 array attribute of an exact length.
func (m *ModelDescription) RequireFloat32s(name string, want int) ([]float32, error) {
	v, ok := m.Float32s(name)
	if !ok {
		return nil, fmt.Errorf("model description: missing attribute %q", name)
	}
	if len(v) != want {
		return nil, fmt.Errorf("model description: attribute %q has %d elements, want %d", name, len(v), want)
	}
	return v, nil
}
