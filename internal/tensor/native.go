package tensor

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Native-buffer tensor errors.
var (
	ErrZeroSizeAlloc  = errors.New("native tensor: zero-size allocation")
	ErrAllocFailed    = errors.New("native tensor: allocator returned empty buffer")
	ErrNotAllocated   = errors.New("native tensor: buffer not allocated")
	ErrNativeElemType = errors.New("native tensor: element type must be float32 or float64")
	ErrSyncOffset     = errors.New("native tensor: sync offset out of range")
)

// checkSyncOffset validates the heap-array offset of a sync call. An offset
// equal to the array length copies nothing; past it is an error, not a panic.
func checkSyncOffset(offset, heapLen int) error {
	if offset < 0 || offset > heapLen {
		return fmt.Errorf("%w: offset %d, heap array length %d", ErrSyncOffset, offset, heapLen)
	}
	return nil
}

// Native is a tensor whose elements live in an explicitly managed,
// cache-line-aligned buffer obtained from an arrow memory.Allocator rather
// than ordinary garbage-collected storage. The buffer has an explicit
// lifecycle: it is allocated on construction (when a non-empty shape is
// given), reallocated when a resize changes the element count, and freed by
// Release. Heap arrays are bridged with SyncFromHeap/SyncToHeap.
//
// Only Float32 and Float64 element types are supported.
//
// A Native tensor is not safe for concurrent use; each worker owns its own
// buffers.
type Native struct {
	alloc  memory.Allocator
	buf    []byte // nil when released or never allocated
	dtype  DataType
	shape  Shape
	stride []int
}

// NewNative creates a native tensor for the given shape. A non-empty shape
// allocates the buffer eagerly. The allocator must outlive the tensor; pass
// memory.DefaultAllocator when no pooling or accounting is needed.
func NewNative(shape Shape, dtype DataType, alloc memory.Allocator) (*Native, error) {
	if !dtype.IsFloat() {
		return nil, fmt.Errorf("%w: got %s", ErrNativeElemType, dtype)
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("native tensor: invalid shape: %w", err)
	}
	n := &Native{
		alloc:  alloc,
		dtype:  dtype,
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
	}
	if elems := shape.NumElements(); elems > 0 {
		if err := n.Allocate(elems); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Allocate acquires an aligned buffer for elems elements. Allocating zero
// elements is a precondition violation, as is an allocator handing back an
// empty buffer.
func (n *Native) Allocate(elems int) error {
	if elems == 0 {
		return ErrZeroSizeAlloc
	}
	buf := n.alloc.Allocate(elems * n.dtype.Size())
	if len(buf) == 0 {
		return ErrAllocFailed
	}
	n.buf = buf
	return nil
}

// Allocated reports whether the native buffer is currently allocated.
func (n *Native) Allocated() bool {
	return n.buf != nil
}

// Resize updates the tensor to newShape. When the element count changes the
// old buffer is released before a fresh one is allocated, so a resize never
// leaks. When the count is unchanged the buffer is kept as is and only
// shape/stride bookkeeping is updated.
func (n *Native) Resize(newShape Shape) error {
	if err := newShape.Validate(); err != nil {
		return fmt.Errorf("native tensor: invalid shape: %w", err)
	}
	newElems := newShape.NumElements()
	if newElems == 0 {
		return ErrZeroSizeAlloc
	}

	if newElems != n.shape.NumElements() || n.buf == nil {
		n.Release()
		if err := n.Allocate(newElems); err != nil {
			return err
		}
	}
	n.shape = newShape.Clone()
	n.stride = newShape.ComputeStrides()
	return nil
}

// Release frees the native buffer. Safe to call more than once; releasing an
// already-released tensor is a no-op.
func (n *Native) Release() {
	if n.buf != nil {
		n.alloc.Free(n.buf)
		n.buf = nil
	}
}

// SyncFromHeap copies min(len(src)-offset, NumElements) float32 elements from
// the heap array into the native buffer, starting at offset in src.
func (n *Native) SyncFromHeap(src []float32, offset int) error {
	if n.buf == nil {
		return ErrNotAllocated
	}
	if n.dtype != Float32 {
		return fmt.Errorf("native tensor: SyncFromHeap on %s tensor", n.dtype)
	}
	if err := checkSyncOffset(offset, len(src)); err != nil {
		return err
	}
	copy(n.AsFloat32(), src[offset:])
	return nil
}

// SyncToHeap copies min(len(dst)-offset, NumElements) float32 elements from
// the native buffer into the heap array, starting at offset in dst.
func (n *Native) SyncToHeap(dst []float32, offset int) error {
	if n.buf == nil {
		return ErrNotAllocated
	}
	if n.dtype != Float32 {
		return fmt.Errorf("native tensor: SyncToHeap on %s tensor", n.dtype)
	}
	if err := checkSyncOffset(offset, len(dst)); err != nil {
		return err
	}
	copy(dst[offset:], n.AsFloat32())
	return nil
}

// SyncFromHeap64 is the float64 variant of SyncFromHeap.
func (n *Native) SyncFromHeap64(src []float64, offset int) error {
	if n.buf == nil {
		return ErrNotAllocated
	}
	if n.dtype != Float64 {
		return fmt.Errorf("native tensor: SyncFromHeap64 on %s tensor", n.dtype)
	}
	if err := checkSyncOffset(offset, len(src)); err != nil {
		return err
	}
	copy(n.AsFloat64(), src[offset:])
	return nil
}

// SyncToHeap64 is the float64 variant of SyncToHeap.
func (n *Native) SyncToHeap64(dst []float64, offset int) error {
	if n.buf == nil {
		return ErrNotAllocated
	}
	if n.dtype != Float64 {
		return fmt.Errorf("native tensor: SyncToHeap64 on %s tensor", n.dtype)
	}
	if err := checkSyncOffset(offset, len(dst)); err != nil {
		return err
	}
	copy(dst[offset:], n.AsFloat64())
	return nil
}

// AsFloat32 views the native buffer as []float32.
// Panics if the buffer is unallocated or the dtype is not Float32.
func (n *Native) AsFloat32() []float32 {
	if n.buf == nil {
		panic(ErrNotAllocated)
	}
	if n.dtype != Float32 {
		panic(fmt.Sprintf("native tensor dtype is %s, not float32", n.dtype))
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&n.buf[0])), n.shape.NumElements())
}

// AsFloat64 views the native buffer as []float64.
// Panics if the buffer is unallocated or the dtype is not Float64.
func (n *Native) AsFloat64() []float64 {
	if n.buf == nil {
		panic(ErrNotAllocated)
	}
	if n.dtype != Float64 {
		panic(fmt.Sprintf("native tensor dtype is %s, not float64", n.dtype))
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&n.buf[0])), n.shape.NumElements())
}

// DataPtr returns the address of the first buffer byte, or 0 when released.
// Used to assert buffer identity across resizes.
func (n *Native) DataPtr() uintptr {
	if n.buf == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&n.buf[0]))
}

// Shape returns the tensor's shape.
func (n *Native) Shape() Shape {
	return n.shape
}

// Strides returns the tensor's memory strides.
func (n *Native) Strides() []int {
	return n.stride
}

// DType returns the tensor's data type.
func (n *Native) DType() DataType {
	return n.dtype
}

// NumElements returns the total number of elements.
func (n *Native) NumElements() int {
	return n.shape.NumElements()
}

// EnsureAllocated reallocates the buffer if it is missing. Called on the
// deserialization path: the buffer pointer is never part of a serialized
// form, so a reconstructed tensor must acquire a fresh buffer before use.
func (n *Native) EnsureAllocated() error {
	if n.buf != nil {
		return nil
	}
	return n.Allocate(n.shape.NumElements())
}

// String returns a human-readable representation of the tensor.
func (n *Native) String() string {
	state := "allocated"
	if n.buf == nil {
		state = "released"
	}
	return fmt.Sprintf("Native[%s]%v (%s)", n.dtype, n.shape, state)
}
