// Package primitive implements the accelerated computation backend: an
// execution runtime shared by all operators of one pipeline, prebuilt
// primitives for pooling, convolution and reorder that execute over
// native-buffer tensors, and packed handles for quantized payloads.
package primitive

import (
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
)

// Runtime is the shared execution context of one operator tree. Every
// operator in a pipeline must be bound to the same Runtime before building
// primitives: it supplies the aligned allocator for native buffers and packed
// handles, the diagnostic logger, and a stream counter identifying submitted
// executions.
//
// A Runtime is single-threaded by design; per-worker parallelism duplicates
// the module graph and gives each copy its own Runtime.
type Runtime struct {
	alloc   memory.Allocator
	log     zerolog.Logger
	streams uint64
	closed  bool
}

// NewRuntime creates a runtime with the default allocator and a disabled
// logger.
func NewRuntime() *Runtime {
	return NewRuntimeWith(memory.NewGoAllocator(), zerolog.Nop())
}

// NewRuntimeWith creates a runtime with an explicit allocator and logger.
// Tests pass a memory.CheckedAllocator here to account for native buffers.
func NewRuntimeWith(alloc memory.Allocator, log zerolog.Logger) *Runtime {
	return &Runtime{alloc: alloc, log: log}
}

// Allocator returns the aligned allocator backing this runtime.
func (r *Runtime) Allocator() memory.Allocator {
	return r.alloc
}

// Logger returns the runtime's diagnostic logger.
func (r *Runtime) Logger() *zerolog.Logger {
	return &r.log
}

// NextStream returns a fresh stream id for one primitive submission.
func (r *Runtime) NextStream() uint64 {
	r.streams++
	return r.streams
}

// Streams returns the number of submissions seen so far.
func (r *Runtime) Streams() uint64 {
	return r.streams
}

// Close marks the runtime as closed. Buffers are owned by their tensors, so
// there is nothing to free here; the flag guards late primitive builds.
func (r *Runtime) Close() {
	r.closed = true
}

// Closed reports whether Close has been called.
func (r *Runtime) Closed() bool {
	return r.closed
}
