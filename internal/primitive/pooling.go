package primitive

import (
	"fmt"
	"math"

	"github.com/fathom-ml/fathom/internal/mem"
	"github.com/fathom-ml/fathom/internal/tensor"
)

// PoolKind selects the pooling reduction.
type PoolKind int

// Supported pooling kinds.
const (
	MaxPool PoolKind = iota
	AvgPool
)

// String returns the pooling kind name.
func (k PoolKind) String() string {
	if k == MaxPool {
		return "max"
	}
	return "avg"
}

// Pooling is a prebuilt pooling primitive bound to fixed source and
// destination descriptors. Max pooling records argmax positions in a
// workspace during Forward so Backward can route gradients; average pooling
// divides by the number of valid (non-padding) positions in each window.
type Pooling struct {
	rt   *Runtime
	kind PoolKind

	kH, kW, sH, sW         int
	padT, padB, padL, padR int

	src mem.Desc
	dst mem.Desc

	ws []int32 // argmax flat index per output element (max pooling only)
}

// NewPooling builds a pooling primitive for a 4D NCHW float32 source.
// Padding may be asymmetric; ceiling-mode sizing is expressed by the caller
// through CeilPads.
func NewPooling(rt *Runtime, kind PoolKind, kH, kW, sH, sW, padT, padB, padL, padR int, src mem.Desc) (*Pooling, error) {
	if rt == nil || rt.Closed() {
		return nil, fmt.Errorf("pooling: runtime not available")
	}
	if src.Format() != mem.NCHW || src.DataType() != tensor.Float32 {
		return nil, fmt.Errorf("pooling: source must be nchw float32, got %s", src)
	}
	shape := src.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("pooling: source must be 4D, got %dD", len(shape))
	}

	hOut := OutDim(shape[2], kH, padT, padB, sH, 1)
	wOut := OutDim(shape[3], kW, padL, padR, sW, 1)
	if hOut <= 0 || wOut <= 0 {
		return nil, fmt.Errorf("pooling: invalid output %dx%d for input %dx%d kernel %dx%d stride %dx%d",
			hOut, wOut, shape[2], shape[3], kH, kW, sH, sW)
	}

	dst := mem.NewDesc(tensor.Shape{shape[0], shape[1], hOut, wOut}, mem.NCHW, tensor.Float32)
	rt.Logger().Debug().
		Str("kind", kind.String()).
		Str("src", src.String()).
		Str("dst", dst.String()).
		Msg("built pooling primitive")

	return &Pooling{
		rt:   rt,
		kind: kind,
		kH:   kH, kW: kW, sH: sH, sW: sW,
		padT: padT, padB: padB, padL: padL, padR: padR,
		src: src,
		dst: dst,
	}, nil
}

// Dst returns the destination descriptor determined at build time.
func (p *Pooling) Dst() mem.Desc {
	return p.dst
}

// Forward executes the pooling primitive from src into dst. Both tensors
// must be allocated and sized per the build-time descriptors.
func (p *Pooling) Forward(src, dst *tensor.Native) error {
	if !src.Allocated() || !dst.Allocated() {
		return tensor.ErrNotAllocated
	}
	p.rt.NextStream()

	shape := p.src.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	hOut, wOut := p.dst.Shape()[2], p.dst.Shape()[3]

	in := src.AsFloat32()
	out := dst.AsFloat32()

	if p.kind == MaxPool {
		if len(p.ws) != n*c*hOut*wOut {
			p.ws = make([]int32, n*c*hOut*wOut)
		}
		p.forwardMax(in, out, n, c, h, w, hOut, wOut)
	} else {
		p.forwardAvg(in, out, n, c, h, w, hOut, wOut)
	}
	return nil
}

func (p *Pooling) forwardMax(in, out []float32, n, c, h, w, hOut, wOut int) {
	for batch := 0; batch < n; batch++ {
		for ch := 0; ch < c; ch++ {
			plane := in[(batch*c+ch)*h*w : (batch*c+ch+1)*h*w]
			outPlane := out[(batch*c+ch)*hOut*wOut : (batch*c+ch+1)*hOut*wOut]
			wsPlane := p.ws[(batch*c+ch)*hOut*wOut : (batch*c+ch+1)*hOut*wOut]

			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					maxVal := float32(math.Inf(-1))
					maxIdx := int32(-1)
					for kh := 0; kh < p.kH; kh++ {
						ih := oh*p.sH - p.padT + kh
						if ih < 0 || ih >= h {
							continue
						}
						for kw := 0; kw < p.kW; kw++ {
							iw := ow*p.sW - p.padL + kw
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
					wsPlane[oh*wOut+ow] = maxIdx
				}
			}
		}
	}
}

func (p *Pooling) forwardAvg(in, out []float32, n, c, h, w, hOut, wOut int) {
	for batch := 0; batch < n; batch++ {
		for ch := 0; ch < c; ch++ {
			plane := in[(batch*c+ch)*h*w : (batch*c+ch+1)*h*w]
			outPlane := out[(batch*c+ch)*hOut*wOut : (batch*c+ch+1)*hOut*wOut]

			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					var sum float32
					count := 0
					for kh := 0; kh < p.kH; kh++ {
						ih := oh*p.sH - p.padT + kh
						if ih < 0 || ih >= h {
							continue
						}
						for kw := 0; kw < p.kW; kw++ {
							iw := ow*p.sW - p.padL + kw
							if iw < 0 || iw >= w {
								continue
							}
							sum += plane[ih*w+iw]
							count++
						}
					}
					if count > 0 {
						outPlane[oh*wOut+ow] = sum / float32(count)
					}
				}
			}
		}
	}
}

// Backward routes the destination gradient back to the source positions:
// max pooling sends each output gradient to its recorded argmax, average
// pooling spreads it evenly over the valid window.
func (p *Pooling) Backward(gradDst, gradSrc *tensor.Native) error {
	if !gradDst.Allocated() || !gradSrc.Allocated() {
		return tensor.ErrNotAllocated
	}
	if p.kind == MaxPool && p.ws == nil {
		return fmt.Errorf("pooling: backward before forward (no workspace)")
	}
	p.rt.NextStream()

	shape := p.src.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	hOut, wOut := p.dst.Shape()[2], p.dst.Shape()[3]

	gOut := gradDst.AsFloat32()
	gIn := gradSrc.AsFloat32()
	for i := range gIn {
		gIn[i] = 0
	}

	for batch := 0; batch < n; batch++ {
		for ch := 0; ch < c; ch++ {
			gInPlane := gIn[(batch*c+ch)*h*w : (batch*c+ch+1)*h*w]
			gOutPlane := gOut[(batch*c+ch)*hOut*wOut : (batch*c+ch+1)*hOut*wOut]

			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					g := gOutPlane[oh*wOut+ow]
					if p.kind == MaxPool {
						idx := p.ws[((batch*c+ch)*hOut+oh)*wOut+ow]
						if idx >= 0 {
							gInPlane[idx] += g
						}
						continue
					}

					count := 0
					for kh := 0; kh < p.kH; kh++ {
						ih := oh*p.sH - p.padT + kh
						if ih < 0 || ih >= h {
							continue
						}
						for kw := 0; kw < p.kW; kw++ {
							iw := ow*p.sW - p.padL + kw
							if iw < 0 || iw >= w {
								continue
							}
							count++
						}
					}
					if count == 0 {
						continue
					}
					share := g / float32(count)
					for kh := 0; kh < p.kH; kh++ {
						ih := oh*p.sH - p.padT + kh
						if ih < 0 || ih >= h {
							continue
						}
						for kw := 0; kw < p.kW; kw++ {
							iw := ow*p.sW - p.padL + kw
							if iw < 0 || iw >= w {
								continue
							}
							gInPlane[ih*w+iw] += share
						}
					}
				}
			}
		}
	}
	return nil
}
