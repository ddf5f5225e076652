// Package convert provides the public API for translating portable layer
// descriptions into accelerated operators.
package convert

import (
	"github.com/fathom-ml/fathom/internal/convert"
)

// LayerDef is a portable description of one layer.
type LayerDef = convert.LayerDef

// Builder constructs an operator from a layer description.
type Builder = convert.Builder

// Registry maps layer type tags to builders.
type Registry = convert.Registry

// NewRegistry creates a registry with all supported layer types.
var NewRegistry = convert.NewRegistry

// ErrUnknownLayerType is returned for an unregistered type tag.
var ErrUnknownLayerType = convert.ErrUnknownLayerType
