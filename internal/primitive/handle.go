package primitive

import (
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/fathom-ml/fathom/internal/mem"
)

// Handle is a packed quantized payload: the int8/uint8 bytes of a tensor in
// the layout and precision its descriptor names, held in an aligned buffer
// from the runtime's allocator. Handle implements tensor.PackedHandle; the
// owning Quantized tensor must Release it.
type Handle struct {
	alloc memory.Allocator
	buf   []byte
	desc  mem.Desc
}

// NewHandle allocates a packed payload of size bytes for desc. The returned
// buffer is zero-initialized.
func NewHandle(rt *Runtime, desc mem.Desc, size int) *Handle {
	return &Handle{
		alloc: rt.Allocator(),
		buf:   rt.Allocator().Allocate(size),
		desc:  desc,
	}
}

// Bytes returns the packed payload.
func (h *Handle) Bytes() []byte {
	return h.buf
}

// Desc returns the descriptor the payload is packed for.
func (h *Handle) Desc() mem.Desc {
	return h.desc
}

// Release frees the packed buffer. Idempotent.
func (h *Handle) Release() {
	if h.buf != nil {
		h.alloc.Free(h.buf)
		h.buf = nil
	}
}
