package tensor

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned by every algebra operation on a Quantized
// tensor. The type is a transport/compute handle around a packed hardware
// representation, not an algebra object; the narrowing is deliberate and
// uniform so callers can rely on a single sentinel.
var ErrNotSupported = errors.New("quantized tensor: operation not supported")

// PackedHandle is an opaque native handle to a packed hardware
// representation, produced by the primitive backend. The owner must Release
// it exactly once.
type PackedHandle interface {
	Release()
}

// Quantized wraps a packed hardware representation of a tensor. It carries an
// opaque native handle plus an optional interim byte buffer used when packing
// happens out-of-band. Two Quantized tensors may alias the same handle; the
// owned flag distinguishes the owner (which must release) from a view (which
// must not).
type Quantized struct {
	handle  PackedHandle
	storage []byte
	owned   bool
	shape   Shape
	stride  []int
}

// NewQuantized creates an empty quantized tensor with the given logical shape.
func NewQuantized(shape Shape) *Quantized {
	return &Quantized{
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
	}
}

// SetStorage attaches an interim byte representation.
func (q *Quantized) SetStorage(b []byte) {
	q.storage = b
}

// Storage returns the interim byte representation, or nil.
func (q *Quantized) Storage() []byte {
	return q.storage
}

// SetHandle attaches a handle with view semantics: any currently owned handle
// is released first (so the previous packed buffer cannot leak), and the
// tensor does not own the new handle until OwnHandle is called.
func (q *Quantized) SetHandle(h PackedHandle) {
	q.Release()
	q.handle = h
	q.owned = false
}

// OwnHandle attaches a handle with ownership: the tensor becomes responsible
// for releasing it. Any currently owned handle is released first.
func (q *Quantized) OwnHandle(h PackedHandle) {
	q.Release()
	q.handle = h
	q.owned = true
}

// Handle returns the native handle, or nil.
func (q *Quantized) Handle() PackedHandle {
	return q.handle
}

// Release frees the native handle if this tensor owns it. An aliasing view
// never frees the shared handle. Idempotent.
func (q *Quantized) Release() {
	if q.owned && q.handle != nil {
		q.handle.Release()
	}
	q.handle = nil
	q.owned = false
}

// CopyFrom adopts the source's handle and byte storage. This is shallow
// adoption with view semantics, intentionally different from a deep copy:
// the receiver aliases the source's packed representation and must not
// release it. Copying from itself is a no-op; in particular an owning
// tensor must not release its handle and then adopt the freed handle.
func (q *Quantized) CopyFrom(src *Quantized) {
	if q == src {
		return
	}
	q.SetHandle(src.handle)
	q.storage = src.storage
	q.shape = src.shape.Clone()
	q.stride = append([]int(nil), src.stride...)
}

// Resize updates shape/stride bookkeeping only. The packed representation is
// opaque, so no reallocation happens here.
func (q *Quantized) Resize(shape Shape) {
	q.shape = shape.Clone()
	q.stride = shape.ComputeStrides()
}

// Shape returns the logical shape.
func (q *Quantized) Shape() Shape {
	return q.shape
}

// Strides returns the logical strides.
func (q *Quantized) Strides() []int {
	return q.stride
}

// Equal reports handle identity plus shape equality.
func (q *Quantized) Equal(other *Quantized) bool {
	if other == nil {
		return false
	}
	return q.handle == other.handle && q.shape.Equal(other.shape)
}

// String returns a human-readable representation of the tensor.
func (q *Quantized) String() string {
	return fmt.Sprintf("Quantized%v owned=%v", q.shape, q.owned)
}

// The methods below form the closed unsupported surface: every generic tensor
// operation fails with ErrNotSupported, never silently returning a default.

// Add is not supported on quantized tensors.
func (q *Quantized) Add(*Quantized) error { return ErrNotSupported }

// Sub is not supported on quantized tensors.
func (q *Quantized) Sub(*Quantized) error { return ErrNotSupported }

// Mul is not supported on quantized tensors.
func (q *Quantized) Mul(*Quantized) error { return ErrNotSupported }

// Div is not supported on quantized tensors.
func (q *Quantized) Div(*Quantized) error { return ErrNotSupported }

// Fill is not supported on quantized tensors.
func (q *Quantized) Fill(float64) error { return ErrNotSupported }

// Dot is not supported on quantized tensors.
func (q *Quantized) Dot(*Quantized) (float64, error) { return 0, ErrNotSupported }

// Norm is not supported on quantized tensors.
func (q *Quantized) Norm() (float64, error) { return 0, ErrNotSupported }

// Sum is not supported on quantized tensors.
func (q *Quantized) Sum() (float64, error) { return 0, ErrNotSupported }

// Max is not supported on quantized tensors.
func (q *Quantized) Max() (float64, error) { return 0, ErrNotSupported }

// Min is not supported on quantized tensors.
func (q *Quantized) Min() (float64, error) { return 0, ErrNotSupported }

// Rand is not supported on quantized tensors.
func (q *Quantized) Rand() error { return ErrNotSupported }

// Reshape is not supported on quantized tensors.
func (q *Quantized) Reshape(Shape) error { return ErrNotSupported }

// ValueAt is not supported on quantized tensors.
func (q *Quantized) ValueAt(...int) (float64, error) { return 0, ErrNotSupported }

// SetValue is not supported on quantized tensors.
func (q *Quantized) SetValue(float64, ...int) error { return ErrNotSupported }
