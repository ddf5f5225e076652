package cpu

import (
	"fmt"
	"math"

	"github.com/fathom-ml/fathom/internal/tensor"
)

// poolOutDims computes output spatial dimensions for pooling. In ceiling mode
// the division rounds up, so a partially covered trailing window still
// produces an output position.
func poolOutDims(h, w, kH, kW, strideH, strideW, padH, padW int, ceil bool) (hOut, wOut int) {
	if ceil {
		hOut = (h+2*padH-kH+strideH-1)/strideH + 1
		wOut = (w+2*padW-kW+strideW-1)/strideW + 1
	} else {
		hOut = (h+2*padH-kH)/strideH + 1
		wOut = (w+2*padW-kW)/strideW + 1
	}
	return hOut, wOut
}

// MaxPool2D performs 2D max pooling over [N,C,H,W] input, skipping padding
// positions. It returns the output and the flat argmax index per output
// element for the backward pass.
func (b *Backend) MaxPool2D(input *tensor.Dense, kH, kW, strideH, strideW, padH, padW int, ceil bool) (*tensor.Dense, []int32) {
	is := input.Shape()
	if len(is) != 4 {
		panic(fmt.Sprintf("maxpool2d: input must be 4D [N,C,H,W], got %dD", len(is)))
	}
	n, c, h, w := is[0], is[1], is[2], is[3]
	hOut, wOut := poolOutDims(h, w, kH, kW, strideH, strideW, padH, padW, ceil)
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid output dimensions %dx%d", hOut, wOut))
	}

	output := tensor.Zeros(tensor.Shape{n, c, hOut, wOut}, tensor.Float32)
	indices := make([]int32, n*c*hOut*wOut)
	in, out := input.AsFloat32(), output.AsFloat32()

	for batch := 0; batch < n; batch++ {
		for ch := 0; ch < c; ch++ {
			plane := in[(batch*c+ch)*h*w : (batch*c+ch+1)*h*w]
			outPlane := out[(batch*c+ch)*hOut*wOut : (batch*c+ch+1)*hOut*wOut]
			idxPlane := indices[(batch*c+ch)*hOut*wOut : (batch*c+ch+1)*hOut*wOut]

			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					maxVal := float32(math.Inf(-1))
					maxIdx := int32(-1)
					for kh := 0; kh < kH; kh++ {
						ih := oh*strideH - padH + kh
						if ih < 0 || ih >= h {
							continue
						}
						for kw := 0; kw < kW; kw++ {
							iw := ow*strideW - padW + kw
							if iw < 0 || iw >= w {
								continue
							}
							if v := plane[ih*w+iw]; v > maxVal {
								maxVal = v
								maxIdx = int32(ih*w + iw)
							}
						}
					}
					outPlane[oh*wOut+ow] = maxVal
					idxPlane[oh*wOut+ow] = maxIdx
				}
			}
		}
	}
	return output, indices
}

// MaxPool2DBackward routes each output gradient to the input position that
// held the maximum during the forward pass.
func (b *Backend) MaxPool2DBackward(input, gradOut *tensor.Dense, indices []int32) *tensor.Dense {
	is, gs := input.Shape(), gradOut.Shape()
	n, c, h, w := is[0], is[1], is[2], is[3]
	hOut, wOut := gs[2], gs[3]
	if len(indices) != n*c*hOut*wOut {
		panic(fmt.Sprintf("maxpool2d backward: indices length %d != expected %d", len(indices), n*c*hOut*wOut))
	}

	gradIn := tensor.Zeros(is, tensor.Float32)
	gIn, gOut := gradIn.AsFloat32(), gradOut.AsFloat32()

	for plane := 0; plane < n*c; plane++ {
		gInPlane := gIn[plane*h*w : (plane+1)*h*w]
		gOutPlane := gOut[plane*hOut*wOut : (plane+1)*hOut*wOut]
		idxPlane := indices[plane*hOut*wOut : (plane+1)*hOut*wOut]
		for i, idx := range idxPlane {
			if idx >= 0 {
				gInPlane[idx] += gOutPlane[i]
			}
		}
	}
	return gradIn
}

// AvgPool2D performs 2D average pooling over [N,C,H,W] input. Padding
// positions are excluded from the divisor.
func (b *Backend) AvgPool2D(input *tensor.Dense, kH, kW, strideH, strideW, padH, padW int, ceil bool) *tensor.Dense {
	is := input.Shape()
	if len(is) != 4 {
		panic(fmt.Sprintf("avgpool2d: input must be 4D [N,C,H,W], got %dD", len(is)))
	}
	n, c, h, w := is[0], is[1], is[2], is[3]
	hOut, wOut := poolOutDims(h, w, kH, kW, strideH, strideW, padH, padW, ceil)
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("avgpool2d: invalid output dimensions %dx%d", hOut, wOut))
	}

	output := tensor.Zeros(tensor.Shape{n, c, hOut, wOut}, tensor.Float32)
	in, out := input.AsFloat32(), output.AsFloat32()

	for plane := 0; plane < n*c; plane++ {
		inPlane := in[plane*h*w : (plane+1)*h*w]
		outPlane := out[plane*hOut*wOut : (plane+1)*hOut*wOut]
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				var sum float32
				count := 0
				for kh := 0; kh < kH; kh++ {
					ih := oh*strideH - padH + kh
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*strideW - padW + kw
						if iw < 0 || iw >= w {
							continue
						}
						sum += inPlane[ih*w+iw]
						count++
					}
				}
				if count > 0 {
					outPlane[oh*wOut+ow] = sum / float32(count)
				}
			}
		}
	}
	return output
}

// AvgPool2DBackward spreads each output gradient evenly over the valid
// positions of its pooling window.
func (b *Backend) AvgPool2DBackward(input, gradOut *tensor.Dense, kH, kW, strideH, strideW, padH, padW int) *tensor.Dense {
	is, gs := input.Shape(), gradOut.Shape()
	n, c, h, w := is[0], is[1], is[2], is[3]
	hOut, wOut := gs[2], gs[3]

	gradIn := tensor.Zeros(is, tensor.Float32)
	gIn, gOut := gradIn.AsFloat32(), gradOut.AsFloat32()

	for plane := 0; plane < n*c; plane++ {
		gInPlane := gIn[plane*h*w : (plane+1)*h*w]
		gOutPlane := gOut[plane*hOut*wOut : (plane+1)*hOut*wOut]
		for oh := 0; oh < hOut; oh++ {
			for ow := 0; ow < wOut; ow++ {
				count := 0
				for kh := 0; kh < kH; kh++ {
					ih := oh*strideH - padH + kh
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*strideW - padW + kw
						if iw < 0 || iw >= w {
							continue
						}
						count++
					}
				}
				if count == 0 {
					continue
				}
				share := gOutPlane[oh*wOut+ow] / float32(count)
				for kh := 0; kh < kH; kh++ {
					ih := oh*strideH - padH + kh
					if ih < 0 || ih >= h {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*strideW - padW + kw
						if iw < 0 || iw >= w {
							continue
						}
						gInPlane[ih*w+iw] += share
					}
				}
			}
		}
	}
	return gradIn
}
