package primitive

// OutDim computes one spatial output dimension using the standard formula
//
//	floor((in + padL + padR - (dilation*(kernel-1)+1)) / stride) + 1.
func OutDim(in, kernel, padL, padR, stride, dilation int) int {
	effective := dilation*(kernel-1) + 1
	return (in+padL+padR-effective)/stride + 1
}

// CeilOutDim computes the ceiling-mode output dimension for symmetric
// padding pad: the division rounds up instead of down.
func CeilOutDim(in, kernel, pad, stride int) int {
	num := in + 2*pad - kernel
	return (num+stride-1)/stride + 1
}

// CeilPads returns asymmetric (padL, padR) such that floor-mode sizing with
// these pads reproduces ceiling-mode output sizing for symmetric padding pad:
// the left pad stays as requested and the right pad absorbs the remainder.
func CeilPads(in, kernel, pad, stride int) (padL, padR int) {
	out := CeilOutDim(in, kernel, pad, stride)
	needed := (out-1)*stride + kernel - in - pad
	if needed < pad {
		needed = pad
	}
	return pad, needed
}
