package nn

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/primitive"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Sequential chains modules into one pipeline. Compile negotiates memory
// formats front to back: every primitive module is bound to the shared
// runtime, asked what descriptor it wants for the upstream output, and a
// Reorder is inserted wherever producer and consumer disagree.
type Sequential struct {
	modules  []Module
	compiled bool
	phase    Phase
	outDesc  mem.Desc

	inputs []*tensor.Dense // per-module forward inputs, cached for backward
}

// NewSequential creates an empty pipeline.
func NewSequential() *Sequential {
	return &Sequential{}
}

// Add appends a module. Panics after Compile; the negotiated descriptor chain
// would be stale.
func (s *Sequential) Add(m Module) *Sequential {
	if s.compiled {
		panic("sequential: cannot add modules after compile")
	}
	s.modules = append(s.modules, m)
	return s
}

// Compile binds every primitive module to rt, initializes primitives front to
// back, and splices in reorders where descriptors are incompatible. In the
// training phase backward and gradient-weight primitives are initialized too.
func (s *Sequential) Compile(rt *primitive.Runtime, input mem.Desc, phase Phase) error {
	if s.compiled {
		return fmt.Errorf("sequential: already compiled")
	}

	cur := input
	chain := make([]Module, 0, len(s.modules))
	for _, m := range s.modules {
		pm, ok := m.(PrimitiveModule)
		if !ok {
			// Non-primitive modules run on heap tensors directly and keep
			// the descriptor chain unchanged.
			chain = append(chain, m)
			continue
		}

		pm.SetRuntime(rt)
		produced := []mem.Desc{cur}
		want := pm.WantedInputDesc(cur)
		if needs := mem.NegotiateFormats(produced, []mem.Desc{want}); needs[0] {
			ro := NewReorder(want.Format())
			ro.SetRuntime(rt)
			if _, err := ro.InitFwdPrimitives([]mem.Desc{cur}, phase); err != nil {
				return fmt.Errorf("sequential: auto reorder: %w", err)
			}
			if phase == Training {
				if _, err := ro.InitBwdPrimitives([]mem.Desc{want}, phase); err != nil {
					return fmt.Errorf("sequential: auto reorder: %w", err)
				}
			}
			rt.Logger().Debug().
				Str("from", cur.String()).
				Str("to", want.String()).
				Msg("inserted reorder between pipeline stages")
			chain = append(chain, ro)
			cur = ro.OutputDesc()
		}

		outs, err := pm.InitFwdPrimitives([]mem.Desc{cur}, phase)
		if err != nil {
			return err
		}
		if phase == Training {
			if _, err := pm.InitBwdPrimitives(outs, phase); err != nil {
				return err
			}
			if err := pm.InitGradWPrimitives(outs, phase); err != nil {
				return err
			}
		}
		chain = append(chain, m)
		cur = outs[0]
	}

	s.modules = chain
	s.outDesc = cur
	s.phase = phase
	s.compiled = true
	return nil
}

// OutputDesc returns the descriptor of the pipeline's final output.
func (s *Sequential) OutputDesc() mem.Desc {
	return s.outDesc
}

// Forward runs the pipeline front to back, caching each stage's input for the
// backward pass.
func (s *Sequential) Forward(input *tensor.Dense) *tensor.Dense {
	if !s.compiled {
		panic(ErrNotInitialized)
	}
	s.inputs = s.inputs[:0]
	cur := input
	for _, m := range s.modules {
		s.inputs = append(s.inputs, cur)
		cur = m.Forward(cur)
	}
	return cur
}

// UpdateGradInput walks the pipeline in reverse computing input gradients.
func (s *Sequential) UpdateGradInput(input, gradOutput *tensor.Dense) *tensor.Dense {
	if len(s.inputs) != len(s.modules) {
		panic("sequential: backward before forward")
	}
	g := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		g = s.modules[i].UpdateGradInput(s.inputs[i], g)
	}
	return g
}

// AccGradParameters accumulates parameter gradients in reverse order, using
// the gradients recomputed stage by stage.
func (s *Sequential) AccGradParameters(input, gradOutput *tensor.Dense) {
	if len(s.inputs) != len(s.modules) {
		panic("sequential: backward before forward")
	}
	g := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		s.modules[i].AccGradParameters(s.inputs[i], g)
		if i > 0 {
			g = s.modules[i].UpdateGradInput(s.inputs[i], g)
		}
	}
}

// Backward runs the full reverse pass: input gradients plus parameter
// gradient accumulation at every stage.
func (s *Sequential) Backward(input, gradOutput *tensor.Dense) *tensor.Dense {
	if len(s.inputs) != len(s.modules) {
		panic("sequential: backward before forward")
	}
	g := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		s.modules[i].AccGradParameters(s.inputs[i], g)
		g = s.modules[i].UpdateGradInput(s.inputs[i], g)
	}
	return g
}

// Parameters returns the concatenated parameters of all stages.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Release frees every stage's native resources.
func (s *Sequential) Release() {
	for _, m := range s.modules {
		m.Release()
	}
}
