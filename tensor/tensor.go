// Package tensor provides the public API for the fathom tensor types:
//   - Dense: heap-backed N-dimensional views over shared storage
//   - Native: tensors in explicitly managed, cache-line-aligned buffers
//   - Quantized: opaque packed handles produced by the primitive backend
package tensor

import (
	"github.com/fathom-ml/fathom/internal/tensor"
)

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Int32   DataType = tensor.Int32
	Int8    DataType = tensor.Int8
	Uint8   DataType = tensor.Uint8
)

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// Dense is the heap-backed tensor.
type Dense = tensor.Dense

// Native is the native-buffer tensor.
type Native = tensor.Native

// Quantized wraps a packed hardware representation.
type Quantized = tensor.Quantized

// PackedHandle is an opaque native handle to a packed representation.
type PackedHandle = tensor.PackedHandle

// Errors surfaced by the tensor layer.
var (
	ErrZeroSizeAlloc  = tensor.ErrZeroSizeAlloc
	ErrAllocFailed    = tensor.ErrAllocFailed
	ErrNotAllocated   = tensor.ErrNotAllocated
	ErrNativeElemType = tensor.ErrNativeElemType
	ErrSyncOffset     = tensor.ErrSyncOffset
	ErrNotSupported   = tensor.ErrNotSupported
)

// NewDense creates a zero-initialized dense tensor.
func NewDense(shape Shape, dtype DataType) (*Dense, error) {
	return tensor.NewDense(shape, dtype)
}

// Zeros creates a zero-filled dense tensor, panicking on an invalid shape.
func Zeros(shape Shape, dtype DataType) *Dense {
	return tensor.Zeros(shape, dtype)
}

// FromFloat32 creates a float32 tensor initialized from data.
func FromFloat32(data []float32, shape Shape) (*Dense, error) {
	return tensor.FromFloat32(data, shape)
}

// Rand creates a float32 tensor with values uniform in [-bound, bound].
func Rand(shape Shape, bound float64, seed int64) *Dense {
	return tensor.Rand(shape, bound, seed)
}

// NewNative creates a native-buffer tensor. See the arrow memory package for
// allocator choices; tests typically pass a memory.CheckedAllocator.
var NewNative = tensor.NewNative

// NewQuantized creates an empty quantized tensor.
func NewQuantized(shape Shape) *Quantized {
	return tensor.NewQuantized(shape)
}
