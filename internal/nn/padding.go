package nn

import "github.com/fathom-ml/fathom/internal/primitive"

// PadMode selects how spatial padding amounts are interpreted.
type PadMode int

const (
	// PadExplicit uses the stated amounts symmetrically on both sides.
	PadExplicit PadMode = iota
	// PadCeilAuto keeps the stated amount on the leading side and grows the
	// trailing side so that floor-mode sizing reproduces ceiling-mode output
	// dimensions.
	PadCeilAuto
)

// PadPolicy is the padding configuration of a spatial operator.
type PadPolicy struct {
	Mode PadMode
	H, W int
}

// ExplicitPad pads symmetrically by the given amounts.
func ExplicitPad(h, w int) PadPolicy {
	return PadPolicy{Mode: PadExplicit, H: h, W: w}
}

// CeilAutoPad pads for ceiling-mode output sizing on top of the given base
// amounts.
func CeilAutoPad(h, w int) PadPolicy {
	return PadPolicy{Mode: PadCeilAuto, H: h, W: w}
}

// resolve computes the four pad amounts for the given input spatial extent and
// effective kernel sizes (dilation already folded in).
func (p PadPolicy) resolve(h, w, kEffH, kEffW, sH, sW int) (padT, padB, padL, padR int) {
	if p.Mode == PadCeilAuto {
		padT, padB = primitive.CeilPads(h, kEffH, p.H, sH)
		padL, padR = primitive.CeilPads(w, kEffW, p.W, sW)
		return padT, padB, padL, padR
	}
	return p.H, p.H, p.W, p.W
}
