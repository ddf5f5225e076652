// Package serialization provides the public API for model persistence: the
// model-description attribute contract and the container file format.
package serialization

import (
	"github.com/fathom-ml/fathom/internal/serialization"
)

// ModelDescription is the attribute message operators serialize into.
type ModelDescription = serialization.ModelDescription

// NewModelDescription creates an empty description for a layer type.
var NewModelDescription = serialization.NewModelDescription

// Attr is one named value in a model description.
type Attr = serialization.Attr

// AttrKind discriminates the payload of an Attr.
type AttrKind = serialization.AttrKind

// Attribute payload kinds.
const (
	AttrFloat32s AttrKind = serialization.AttrFloat32s
	AttrFloat64s AttrKind = serialization.AttrFloat64s
	AttrInts     AttrKind = serialization.AttrInts
	AttrString   AttrKind = serialization.AttrString
)

// Writer persists model descriptions to a container file.
type Writer = serialization.Writer

// NewWriter creates a container file.
var NewWriter = serialization.NewWriter

// Reader loads model descriptions from a container file.
type Reader = serialization.Reader

// NewReader opens and validates a container file.
var NewReader = serialization.NewReader

// Container errors.
var (
	ErrInvalidMagic       = serialization.ErrInvalidMagic
	ErrUnsupportedVersion = serialization.ErrUnsupportedVersion
	ErrChecksumMismatch   = serialization.ErrChecksumMismatch
	ErrLayerNotFound      = serialization.ErrLayerNotFound
)
