package nn

import "github.com/fathom-ml/fathom/internal/tensor"

// Parameter pairs a trainable value with its gradient accumulator. Modules
// hand out live views: mutating a returned Parameter's tensors mutates the
// module's state.
type Parameter struct {
	Name  string
	Value *tensor.Dense
	Grad  *tensor.Dense
}

// aliasOf returns a full-range view of t sharing its storage. Binding a clone
// to a canonical parameter goes through a view rather than a bare pointer
// copy, so the shared buffer is reference-counted like any other view.
func aliasOf(t *tensor.Dense) *tensor.Dense {
	if t == nil {
		return nil
	}
	s := t.Shape()
	if len(s) == 0 {
		return t
	}
	return t.Narrow(0, 0, s[0])
}

// Alias returns a Parameter whose tensors are shared-storage views of p's.
func (p *Parameter) Alias() *Parameter {
	return &Parameter{Name: p.Name, Value: aliasOf(p.Value), Grad: aliasOf(p.Grad)}
}

// ZeroGrad clears the gradient accumulator.
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Fill(0)
	}
}
