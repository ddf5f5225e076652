package cpu

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/tensor"
)

// Conv2D performs direct 2D convolution.
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape:   [out_channels] (may be nil)
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where out_h = (height + 2*padH - kernel_h)/strideH + 1, and likewise for
// width.
func (b *Backend) Conv2D(input, weight, bias *tensor.Dense, strideH, strideW, padH, padW int) *tensor.Dense {
	is, ws := input.Shape(), weight.Shape()
	if len(is) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %dD", len(is)))
	}
	if len(ws) != 4 {
		panic(fmt.Sprintf("conv2d: weight must be 4D [O,I,KH,KW], got %dD", len(ws)))
	}
	if is[1] != ws[1] {
		panic(fmt.Sprintf("conv2d: input channels %d != weight channels %d", is[1], ws[1]))
	}

	n, cIn, h, w := is[0], is[1], is[2], is[3]
	cOut, kH, kW := ws[0], ws[2], ws[3]
	hOut := (h+2*padH-kH)/strideH + 1
	wOut := (w+2*padW-kW)/strideW + 1
	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions %dx%d", hOut, wOut))
	}

	output := tensor.Zeros(tensor.Shape{n, cOut, hOut, wOut}, tensor.Float32)
	in, kernel, out := input.AsFloat32(), weight.AsFloat32(), output.AsFloat32()
	var bi []float32
	if bias != nil {
		bi = bias.AsFloat32()
	}

	for batch := 0; batch < n; batch++ {
		inBatch := in[batch*cIn*h*w : (batch+1)*cIn*h*w]
		outBatch := out[batch*cOut*hOut*wOut : (batch+1)*cOut*hOut*wOut]
		for oc := 0; oc < cOut; oc++ {
			kOC := kernel[oc*cIn*kH*kW : (oc+1)*cIn*kH*kW]
			outPlane := outBatch[oc*hOut*wOut : (oc+1)*hOut*wOut]
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					var acc float32
					for ic := 0; ic < cIn; ic++ {
						inPlane := inBatch[ic*h*w : (ic+1)*h*w]
						kPlane := kOC[ic*kH*kW : (ic+1)*kH*kW]
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
								acc += inPlane[ih*w+iw] * kPlane[kh*kW+kw]
							}
						}
					}
					if bi != nil {
						acc += bi[oc]
					}
					outPlane[oh*wOut+ow] = acc
				}
			}
		}
	}
	return output
}

// Conv2DInputBackward computes the gradient w.r.t. the convolution input by
// distributing each output gradient through the kernel (transposed
// convolution).
func (b *Backend) Conv2DInputBackward(input, weight, gradOut *tensor.Dense, strideH, strideW, padH, padW int) *tensor.Dense {
	is, ws, gs := input.Shape(), weight.Shape(), gradOut.Shape()
	n, cIn, h, w := is[0], is[1], is[2], is[3]
	cOut, kH, kW := ws[0], ws[2], ws[3]
	hOut, wOut := gs[2], gs[3]

	gradIn := tensor.Zeros(is, tensor.Float32)
	gIn, kernel, gOut := gradIn.AsFloat32(), weight.AsFloat32(), gradOut.AsFloat32()

	for batch := 0; batch < n; batch++ {
		gInBatch := gIn[batch*cIn*h*w : (batch+1)*cIn*h*w]
		gOutBatch := gOut[batch*cOut*hOut*wOut : (batch+1)*cOut*hOut*wOut]
		for oc := 0; oc < cOut; oc++ {
			kOC := kernel[oc*cIn*kH*kW : (oc+1)*cIn*kH*kW]
			gOutPlane := gOutBatch[oc*hOut*wOut : (oc+1)*hOut*wOut]
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					g := gOutPlane[oh*wOut+ow]
					for ic := 0; ic < cIn; ic++ {
						gInPlane := gInBatch[ic*h*w : (ic+1)*h*w]
						kPlane := kOC[ic*kH*kW : (ic+1)*kH*kW]
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
								gInPlane[ih*w+iw] += g * kPlane[kh*kW+kw]
							}
						}
					}
				}
			}
		}
	}
	return gradIn
}

// Conv2DKernelBackward computes the gradients w.r.t. the convolution weight
// and bias. The bias gradient is nil when withBias is false.
func (b *Backend) Conv2DKernelBackward(input, gradOut *tensor.Dense, kH, kW, strideH, strideW, padH, padW int, withBias bool) (gradWeight, gradBias *tensor.Dense) {
	is, gs := input.Shape(), gradOut.Shape()
	n, cIn, h, w := is[0], is[1], is[2], is[3]
	cOut, hOut, wOut := gs[1], gs[2], gs[3]

	gradWeight = tensor.Zeros(tensor.Shape{cOut, cIn, kH, kW}, tensor.Float32)
	gWei := gradWeight.AsFloat32()
	var gBias []float32
	if withBias {
		gradBias = tensor.Zeros(tensor.Shape{cOut}, tensor.Float32)
		gBias = gradBias.AsFloat32()
	}
	in, gOut := input.AsFloat32(), gradOut.AsFloat32()

	for batch := 0; batch < n; batch++ {
		inBatch := in[batch*cIn*h*w : (batch+1)*cIn*h*w]
		gOutBatch := gOut[batch*cOut*hOut*wOut : (batch+1)*cOut*hOut*wOut]
		for oc := 0; oc < cOut; oc++ {
			gOutPlane := gOutBatch[oc*hOut*wOut : (oc+1)*hOut*wOut]
			gWeiOC := gWei[oc*cIn*kH*kW : (oc+1)*cIn*kH*kW]
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					g := gOutPlane[oh*wOut+ow]
					if gBias != nil {
						gBias[oc] += g
					}
					for ic := 0; ic < cIn; ic++ {
						inPlane := inBatch[ic*h*w : (ic+1)*h*w]
						gWeiPlane := gWeiOC[ic*kH*kW : (ic+1)*kH*kW]
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
								gWeiPlane[kh*kW+kw] += g * inPlane[ih*w+iw]
							}
						}
					}
				}
			}
		}
	}
	return gradWeight, gradBias
}
