package tensor

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNativeRoundTrip(t *testing.T) {
	n, err := NewNative(Shape{2, 3, 4}, Float32, memory.NewGoAllocator())
	require.NoError(t, err)
	defer n.Release()

	src := make([]float32, 24)
	for i := range src {
		src[i] = float32(i) * 0.5
	}
	require.NoError(t, n.SyncFromHeap(src, 0))

	dst := make([]float32, 24)
	require.NoError(t, n.SyncToHeap(dst, 0))
	assert.Equal(t, src, dst)
}

func TestNativeRoundTripFloat64(t *testing.T) {
	n, err := NewNative(Shape{8}, Float64, memory.NewGoAllocator())
	require.NoError(t, err)
	defer n.Release()

	src := []float64{1, -2, 3.25, -4.5, 5, 6, 7, 8}
	require.NoError(t, n.SyncFromHeap64(src, 0))

	dst := make([]float64, 8)
	require.NoError(t, n.SyncToHeap64(dst, 0))
	assert.Equal(t, src, dst)
}

func TestNativeResizeSameCountKeepsBuffer(t *testing.T) {
	n, err := NewNative(Shape{4, 6}, Float32, memory.NewGoAllocator())
	require.NoError(t, err)
	defer n.Release()

	before := n.DataPtr()
	require.NoError(t, n.Resize(Shape{2, 12}))
	assert.Equal(t, before, n.DataPtr(), "same element count must not reallocate")
	assert.Equal(t, Shape{2, 12}, n.Shape())
}

func TestNativeResizeDifferentCountReallocates(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())

	n, err := NewNative(Shape{4, 6}, Float32, alloc)
	require.NoError(t, err)

	before := n.DataPtr()
	require.NoError(t, n.Resize(Shape{8, 8}))
	assert.NotEqual(t, before, n.DataPtr(), "different element count must reallocate")

	// The old buffer must have been freed before the new allocation, so only
	// one buffer is outstanding.
	n.Release()
	alloc.AssertSize(t, 0)
}

func TestNativeReleaseIdempotent(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	n, err := NewNative(Shape{16}, Float32, alloc)
	require.NoError(t, err)

	n.Release()
	n.Release()
	assert.False(t, n.Allocated())
	assert.Equal(t, uintptr(0), n.DataPtr())
	alloc.AssertSize(t, 0)
}

func TestNativePreconditions(t *testing.T) {
	_, err := NewNative(Shape{2, 2}, Int8, memory.NewGoAllocator())
	assert.ErrorIs(t, err, ErrNativeElemType)

	_, err = NewNative(Shape{2, -1}, Float32, memory.NewGoAllocator())
	assert.Error(t, err)

	n, err := NewNative(Shape{2, 2}, Float32, memory.NewGoAllocator())
	require.NoError(t, err)
	defer n.Release()
	assert.ErrorIs(t, n.Allocate(0), ErrZeroSizeAlloc)
}

func TestNativeSyncUnallocated(t *testing.T) {
	n, err := NewNative(Shape{4}, Float32, memory.NewGoAllocator())
	require.NoError(t, err)
	n.Release()

	assert.ErrorIs(t, n.SyncFromHeap([]float32{1, 2, 3, 4}, 0), ErrNotAllocated)
	assert.ErrorIs(t, n.SyncToHeap(make([]float32, 4), 0), ErrNotAllocated)
}

func TestNativeSyncOffsetOutOfRange(t *testing.T) {
	n, err := NewNative(Shape{4}, Float32, memory.NewGoAllocator())
	require.NoError(t, err)
	defer n.Release()

	heap := make([]float32, 4)
	assert.ErrorIs(t, n.SyncFromHeap(heap, 5), ErrSyncOffset)
	assert.ErrorIs(t, n.SyncToHeap(heap, 5), ErrSyncOffset)
	assert.ErrorIs(t, n.SyncFromHeap(heap, -1), ErrSyncOffset)

	// Offset equal to the array length copies nothing and is not an error.
	assert.NoError(t, n.SyncFromHeap(heap, 4))

	n64, err := NewNative(Shape{2}, Float64, memory.NewGoAllocator())
	require.NoError(t, err)
	defer n64.Release()
	heap64 := make([]float64, 2)
	assert.ErrorIs(t, n64.SyncFromHeap64(heap64, 3), ErrSyncOffset)
	assert.ErrorIs(t, n64.SyncToHeap64(heap64, 3), ErrSyncOffset)
}

func TestNativeEnsureAllocated(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	n, err := NewNative(Shape{4}, Float32, alloc)
	require.NoError(t, err)

	n.Release()
	require.NoError(t, n.EnsureAllocated())
	assert.True(t, n.Allocated())

	// Already-allocated is a no-op and must not leak.
	ptr := n.DataPtr()
	require.NoError(t, n.EnsureAllocated())
	assert.Equal(t, ptr, n.DataPtr())

	n.Release()
	alloc.AssertSize(t, 0)
}
