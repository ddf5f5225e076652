package tensor

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"unsafe"
)

// denseBuffer is a reference-counted shared buffer. Views created by Narrow and
// Select keep the backing storage alive for as long as any view references it.
type denseBuffer struct {
	data     []byte
	refCount atomic.Int32
}

func newDenseBuffer(size int) *denseBuffer {
	buf := &denseBuffer{data: make([]byte, size)}
	buf.refCount.Store(1)
	return buf
}

func (db *denseBuffer) addRef() {
	db.refCount.Add(1)
}

func (db *denseBuffer) release() {
	if db.refCount.Add(-1) == 0 {
		db.data = nil
	}
}

// Dense is the heap-backed tensor: an N-dimensional view over a shared byte
// buffer, described by shape, stride and element type. Views never own storage
// exclusively; storage lives as long as the longest-lived view.
type Dense struct {
	buffer *denseBuffer
	shape  Shape
	stride []int
	dtype  DataType
	offset int // element offset into the buffer
}

// NewDense creates a zero-initialized dense tensor.
func NewDense(shape Shape, dtype DataType) (*Dense, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Dense{
		buffer: newDenseBuffer(shape.NumElements() * dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		offset: 0,
	}, nil
}

// Zeros creates a zero-filled dense tensor, panicking on an invalid shape.
func Zeros(shape Shape, dtype DataType) *Dense {
	t, err := NewDense(shape, dtype)
	if err != nil {
		panic(fmt.Sprintf("tensor: %v", err))
	}
	return t
}

// FromFloat32 creates a float32 tensor initialized from data.
func FromFloat32(data []float32, shape Shape) (*Dense, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t, err := NewDense(shape, Float32)
	if err != nil {
		return nil, err
	}
	copy(t.AsFloat32(), data)
	return t, nil
}

// Rand creates a float32 tensor with values uniform in [-bound, bound],
// deterministic for a given seed.
func Rand(shape Shape, bound float64, seed int64) *Dense {
	t := Zeros(shape, Float32)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // weight init, not security
	data := t.AsFloat32()
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Dense) Shape() Shape {
	return t.shape
}

// Strides returns the tensor's memory strides.
func (t *Dense) Strides() []int {
	return t.stride
}

// DType returns the tensor's data type.
func (t *Dense) DType() DataType {
	return t.dtype
}

// NumElements returns the total number of elements.
func (t *Dense) NumElements() int {
	return t.shape.NumElements()
}

// IsContiguous reports whether the view is laid out in row-major order
// without gaps.
func (t *Dense) IsContiguous() bool {
	expected := 1
	for i := len(t.shape) - 1; i >= 0; i-- {
		if t.shape[i] != 1 && t.stride[i] != expected {
			return false
		}
		expected *= t.shape[i]
	}
	return true
}

// extent returns the number of elements the view spans in the buffer,
// including gaps for non-contiguous views.
func (t *Dense) extent() int {
	if len(t.shape) == 0 {
		return 1
	}
	n := 1
	for i, dim := range t.shape {
		n += (dim - 1) * t.stride[i]
	}
	return n
}

// AsFloat32 interprets the view's storage as []float32.
// Panics if the tensor's dtype is not Float32.
func (t *Dense) AsFloat32() []float32 {
	if t.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", t.dtype))
	}
	data := t.buffer.data[t.offset*4:]
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), t.extent())
}

// AsFloat64 interprets the view's storage as []float64.
// Panics if the tensor's dtype is not Float64.
func (t *Dense) AsFloat64() []float64 {
	if t.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", t.dtype))
	}
	data := t.buffer.data[t.offset*8:]
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), t.extent())
}

// AsInt8 interprets the view's storage as []int8.
// Panics if the tensor's dtype is not Int8.
func (t *Dense) AsInt8() []int8 {
	if t.dtype != Int8 {
		panic(fmt.Sprintf("tensor dtype is %s, not int8", t.dtype))
	}
	data := t.buffer.data[t.offset:]
	return unsafe.Slice((*int8)(unsafe.Pointer(&data[0])), t.extent())
}

// AsUint8 interprets the view's storage as []uint8.
// Panics if the tensor's dtype is not Uint8.
func (t *Dense) AsUint8() []uint8 {
	if t.dtype != Uint8 {
		panic(fmt.Sprintf("tensor dtype is %s, not uint8", t.dtype))
	}
	return t.buffer.data[t.offset : t.offset+t.extent()]
}

// Release drops the view's reference to the shared buffer. The storage is
// freed when the last reference goes; using the view after Release is invalid.
// Transient views created per call (group slices, time steps, parameter
// aliases being rebound) release themselves so the count tracks live views.
func (t *Dense) Release() {
	t.buffer.release()
}

// refs returns the current reference count. Test hook.
func (t *Dense) refs() int32 {
	return t.buffer.refCount.Load()
}

// Narrow returns a view restricted to length elements of dim starting at start.
// The view shares storage with the receiver.
func (t *Dense) Narrow(dim, start, length int) *Dense {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Sprintf("narrow: dimension %d out of range for shape %v", dim, t.shape))
	}
	if start < 0 || length <= 0 || start+length > t.shape[dim] {
		panic(fmt.Sprintf("narrow: range [%d,%d) out of bounds for dimension of size %d", start, start+length, t.shape[dim]))
	}

	t.buffer.addRef()
	shape := t.shape.Clone()
	shape[dim] = length
	return &Dense{
		buffer: t.buffer,
		shape:  shape,
		stride: append([]int(nil), t.stride...),
		dtype:  t.dtype,
		offset: t.offset + start*t.stride[dim],
	}
}

// Select returns a view with dim removed, fixed at index. The view shares
// storage with the receiver.
func (t *Dense) Select(dim, index int) *Dense {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Sprintf("select: dimension %d out of range for shape %v", dim, t.shape))
	}
	if index < 0 || index >= t.shape[dim] {
		panic(fmt.Sprintf("select: index %d out of bounds for dimension of size %d", index, t.shape[dim]))
	}

	t.buffer.addRef()
	shape := make(Shape, 0, len(t.shape)-1)
	stride := make([]int, 0, len(t.stride)-1)
	for i := range t.shape {
		if i == dim {
			continue
		}
		shape = append(shape, t.shape[i])
		stride = append(stride, t.stride[i])
	}
	return &Dense{
		buffer: t.buffer,
		shape:  shape,
		stride: stride,
		dtype:  t.dtype,
		offset: t.offset + index*t.stride[dim],
	}
}

// Copy copies src's elements into the receiver. Shapes and dtypes must match.
// Both views contiguous takes a block-copy fast path; otherwise elements are
// copied one at a time following strides.
func (t *Dense) Copy(src *Dense) {
	if !t.shape.Equal(src.shape) {
		panic(fmt.Sprintf("copy: shape mismatch %v vs %v", t.shape, src.shape))
	}
	if t.dtype != src.dtype {
		panic(fmt.Sprintf("copy: dtype mismatch %s vs %s", t.dtype, src.dtype))
	}

	if t.IsContiguous() && src.IsContiguous() {
		n := t.NumElements() * t.dtype.Size()
		copy(t.buffer.data[t.offset*t.dtype.Size():t.offset*t.dtype.Size()+n],
			src.buffer.data[src.offset*src.dtype.Size():src.offset*src.dtype.Size()+n])
		return
	}

	switch t.dtype {
	case Float32:
		dst, sd := t.AsFloat32(), src.AsFloat32()
		forEachIndex(t.shape, func(dstIdx, srcIdx int) {
			dst[dstIdx] = sd[srcIdx]
		}, t.stride, src.stride)
	case Float64:
		dst, sd := t.AsFloat64(), src.AsFloat64()
		forEachIndex(t.shape, func(dstIdx, srcIdx int) {
			dst[dstIdx] = sd[srcIdx]
		}, t.stride, src.stride)
	default:
		panic(fmt.Sprintf("copy: unsupported dtype %s for strided copy", t.dtype))
	}
}

// forEachIndex walks every logical position of shape, yielding the flat offset
// under each of the two stride layouts.
func forEachIndex(shape Shape, visit func(a, b int), strideA, strideB []int) {
	if len(shape) == 0 {
		visit(0, 0)
		return
	}
	idx := make([]int, len(shape))
	for {
		a, b := 0, 0
		for i, v := range idx {
			a += v * strideA[i]
			b += v * strideB[i]
		}
		visit(a, b)

		d := len(shape) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return
		}
	}
}

// Fill sets every element to v. Only float dtypes are supported.
func (t *Dense) Fill(v float64) {
	if !t.IsContiguous() {
		panic("fill: tensor must be contiguous")
	}
	switch t.dtype {
	case Float32:
		data := t.AsFloat32()
		f := float32(v)
		for i := range data {
			data[i] = f
		}
	case Float64:
		data := t.AsFloat64()
		for i := range data {
			data[i] = v
		}
	default:
		panic(fmt.Sprintf("fill: unsupported dtype %s", t.dtype))
	}
}

// Clone creates a deep, contiguous copy of the tensor.
func (t *Dense) Clone() *Dense {
	out := Zeros(t.shape, t.dtype)
	out.Copy(t)
	return out
}

// String returns a human-readable representation of the tensor.
func (t *Dense) String() string {
	return fmt.Sprintf("Dense[%s]%v", t.dtype, t.shape)
}
