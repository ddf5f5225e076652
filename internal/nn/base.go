package nn

import (
	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// opState tracks the operator lifecycle: a runtime must be bound before
// forward primitives are built, and backward primitives require forward ones.
type opState int

const (
	stateUninitialized opState = iota
	stateRuntimeBound
	stateFwdReady
	stateBwdReady
)

// base carries the lifecycle shared by all primitive-backed operators.
type base struct {
	rt    *primitive.Runtime
	phase Phase
	state opState

	gradWReady bool

	inDesc  mem.Desc
	outDesc mem.Desc
}

// SetRuntime binds the shared execution context. Must precede primitive
// construction.
func (b *base) SetRuntime(rt *primitive.Runtime) {
	b.rt = rt
	if b.state == stateUninitialized {
		b.state = stateRuntimeBound
	}
}

// Runtime returns the bound runtime, or nil.
func (b *base) Runtime() *primitive.Runtime {
	return b.rt
}

// InputDesc returns the negotiated input descriptor.
func (b *base) InputDesc() mem.Desc {
	return b.inDesc
}

// OutputDesc returns the descriptor of the operator's output.
func (b *base) OutputDesc() mem.Desc {
	return b.outDesc
}

func (b *base) requireRuntime() error {
	if b.rt == nil || b.rt.Closed() {
		return ErrNoRuntime
	}
	return nil
}

func (b *base) requireFwd() {
	if b.state < stateFwdReady {
		panic(ErrNotInitialized)
	}
}

func (b *base) requireBwd() {
	if b.state < stateBwdReady {
		panic(ErrNotInitialized)
	}
}

// releaseNatives releases every non-nil native tensor.
func releaseNatives(ts ...*tensor.Native) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}

// releaseViews drops every non-nil dense view's buffer reference.
func releaseViews(ts ...*tensor.Dense) {
	for _, t := range ts {
		if t != nil {
			t.Release()
		}
	}
}

// newNative allocates a native float32 tensor on the runtime's allocator,
// panicking on precondition violations (empty shape, closed runtime). Operator
// initialization validates shapes before calling this.
func newNative(rt *primitive.Runtime, shape tensor.Shape) *tensor.Native {
	n, err := tensor.NewNative(shape, tensor.Float32, rt.Allocator())
	if err != nil {
		panic(err)
	}
	return n
}
