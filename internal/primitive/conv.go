package primitive

import (
	"fmt"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// Convolution is a prebuilt direct-convolution primitive for one group:
// source [N, Cin, H, W], weight [Cout, Cin, KH, KW], bias [Cout], destination
// [N, Cout, HOut, WOut], all NCHW/OIHW float32. Grouped operators narrow
// their tensors per group and invoke one primitive per group slice.
type Convolution struct {
	rt *Runtime

	sH, sW                 int
	padT, padB, padL, padR int
	dilH, dilW             int

	src, wei, dst mem.Desc
}

// NewConvolution builds a convolution primitive from negotiated descriptors.
func NewConvolution(rt *Runtime, src, wei mem.Desc, sH, sW, padT, padB, padL, padR, dilH, dilW int) (*Convolution, error) {
	if rt == nil || rt.Closed() {
		return nil, fmt.Errorf("convolution: runtime not available")
	}
	if src.Format() != mem.NCHW || src.DataType() != tensor.Float32 {
		return nil, fmt.Errorf("convolution: source must be nchw float32, got %s", src)
	}
	if wei.Format() != mem.OIHW {
		return nil, fmt.Errorf("convolution: weight must be oihw, got %s", wei)
	}
	ss, ws := src.Shape(), wei.Shape()
	if len(ss) != 4 || len(ws) != 4 {
		return nil, fmt.Errorf("convolution: source and weight must be 4D, got %dD and %dD", len(ss), len(ws))
	}
	if ss[1] != ws[1] {
		return nil, fmt.Errorf("convolution: input channels %d != weight channels %d", ss[1], ws[1])
	}

	hOut := OutDim(ss[2], ws[2], padT, padB, sH, dilH)
	wOut := OutDim(ss[3], ws[3], padL, padR, sW, dilW)
	if hOut <= 0 || wOut <= 0 {
		return nil, fmt.Errorf("convolution: invalid output %dx%d", hOut, wOut)
	}

	dst := mem.NewDesc(tensor.Shape{ss[0], ws[0], hOut, wOut}, mem.NCHW, tensor.Float32)
	rt.Logger().Debug().
		Str("src", src.String()).
		Str("wei", wei.String()).
		Str("dst", dst.String()).
		Msg("built convolution primitive")

	return &Convolution{
		rt:  rt,
		sH:  sH, sW: sW,
		padT: padT, padB: padB, padL: padL, padR: padR,
		dilH: dilH, dilW: dilW,
		src: src, wei: wei, dst: dst,
	}, nil
}

// Dst returns the destination descriptor determined at build time.
func (c *Convolution) Dst() mem.Desc {
	return c.dst
}

func (c *Convolution) dims() (n, cIn, h, w, cOut, kH, kW, hOut, wOut int) {
	ss, ws, ds := c.src.Shape(), c.wei.Shape(), c.dst.Shape()
	return ss[0], ss[1], ss[2], ss[3], ws[0], ws[2], ws[3], ds[2], ds[3]
}

// Forward executes the forward primitive. bias may be nil.
func (c *Convolution) Forward(src, wei, bias, dst *tensor.Native) error {
	if !src.Allocated() || !wei.Allocated() || !dst.Allocated() {
		return tensor.ErrNotAllocated
	}
	c.rt.NextStream()

	n, cIn, h, w, cOut, kH, kW, hOut, wOut := c.dims()
	in, kernel, out := src.AsFloat32(), wei.AsFloat32(), dst.AsFloat32()
	var b []float32
	if bias != nil {
		b = bias.AsFloat32()
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
							ih := oh*c.sH - c.padT + kh*c.dilH
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*c.sW - c.padL + kw*c.dilW
								if iw < 0 || iw >= w {
									continue
								}
								acc += inPlane[ih*w+iw] * kPlane[kh*kW+kw]
							}
						}
					}
					if b != nil {
						acc += b[oc]
					}
					outPlane[oh*wOut+ow] = acc
				}
			}
		}
	}
	return nil
}

// BackwardData computes the source gradient from the destination gradient.
func (c *Convolution) BackwardData(wei, gradDst, gradSrc *tensor.Native) error {
	if !wei.Allocated() || !gradDst.Allocated() || !gradSrc.Allocated() {
		return tensor.ErrNotAllocated
	}
	c.rt.NextStream()

	n, cIn, h, w, cOut, kH, kW, hOut, wOut := c.dims()
	kernel, gOut, gIn := wei.AsFloat32(), gradDst.AsFloat32(), gradSrc.AsFloat32()
	for i := range gIn {
		gIn[i] = 0
	}

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
							ih := oh*c.sH - c.padT + kh*c.dilH
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*c.sW - c.padL + kw*c.dilW
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
	return nil
}

// BackwardWeights accumulates weight and bias gradients from the source and
// destination gradient. gradBias may be nil.
func (c *Convolution) BackwardWeights(src, gradDst, gradWei, gradBias *tensor.Native) error {
	if !src.Allocated() || !gradDst.Allocated() || !gradWei.Allocated() {
		return tensor.ErrNotAllocated
	}
	c.rt.NextStream()

	n, cIn, h, w, cOut, kH, kW, hOut, wOut := c.dims()
	in, gOut, gWei := src.AsFloat32(), gradDst.AsFloat32(), gradWei.AsFloat32()
	var gBias []float32
	if gradBias != nil {
		gBias = gradBias.AsFloat32()
	}

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
							ih := oh*c.sH - c.padT + kh*c.dilH
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*c.sW - c.padL + kw*c.dilW
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
	return nil
}

// ForwardQuant executes the int8 inference path for one group: the source is
// a packed int8 payload quantized with srcScale, the weight payload carries
// per-output-channel scales, bias and destination stay float32. Accumulation
// is int32; the result is rescaled by 1/(srcScale*weightScale[oc]).
func (c *Convolution) ForwardQuant(src, wei *Handle, srcScale float32, weiScales []float32, bias, dst *tensor.Native) error {
	if src == nil || wei == nil || src.Bytes() == nil || wei.Bytes() == nil {
		return fmt.Errorf("convolution: quantized payload released")
	}
	if !dst.Allocated() {
		return tensor.ErrNotAllocated
	}
	n, cIn, h, w, cOut, kH, kW, hOut, wOut := c.dims()
	if len(weiScales) != cOut {
		return fmt.Errorf("%w: got %d scales for %d output channels", mem.ErrScaleLenMismatch, len(weiScales), cOut)
	}
	c.rt.NextStream()

	in := asInt8(src.Bytes())
	kernel := asInt8(wei.Bytes())
	out := dst.AsFloat32()
	var b []float32
	if bias != nil {
		b = bias.AsFloat32()
	}

	for batch := 0; batch < n; batch++ {
		inBatch := in[batch*cIn*h*w : (batch+1)*cIn*h*w]
		outBatch := out[batch*cOut*hOut*wOut : (batch+1)*cOut*hOut*wOut]

		for oc := 0; oc < cOut; oc++ {
			kOC := kernel[oc*cIn*kH*kW : (oc+1)*cIn*kH*kW]
			outPlane := outBatch[oc*hOut*wOut : (oc+1)*hOut*wOut]
			rescale := 1.0 / (srcScale * weiScales[oc])

			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					var acc int32
					for ic := 0; ic < cIn; ic++ {
						inPlane := inBatch[ic*h*w : (ic+1)*h*w]
						kPlane := kOC[ic*kH*kW : (ic+1)*kH*kW]
						for kh := 0; kh < kH; kh++ {
							ih := oh*c.sH - c.padT + kh*c.dilH
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*c.sW - c.padL + kw*c.dilW
								if iw < 0 || iw >= w {
									continue
								}
								acc += int32(inPlane[ih*w+iw]) * int32(kPlane[kh*kW+kw])
							}
						}
					}
					v := float32(acc) * rescale
					if b != nil {
						v += b[oc]
					}
					outPlane[oh*wOut+ow] = v
				}
			}
		}
	}
	return nil
}
