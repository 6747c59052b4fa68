package tensor

import (
	"fmt"
	"math"
)

// ConvParams describes a 2-D convolution. Zero values for Stride, Dilation and
// Groups are treated as 1.
type ConvParams struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

func (p ConvParams) normalized() ConvParams {
	if p.Stride <= 0 {
		p.Stride = 1
	}
	if p.Dilation <= 0 {
		p.Dilation = 1
	}
	if p.Groups <= 0 {
		p.Groups = 1
	}
	return p
}

// ConvOutputSize returns the spatial output extent of a convolution or pooling window.
func ConvOutputSize(in, kernel, stride, padding, dilation int) int {
	return (in+2*padding-dilation*(kernel-1)-1)/stride + 1
}

// Conv2D convolves input [N, C, H, W] with weight [O, C/groups, kH, kW].
// bias may be nil. Each group is lowered to an im2col buffer and a Gemm.
func Conv2D(input, weight, bias *Tensor, params ConvParams) (*Tensor, error) {
	p := params.normalized()
	if len(input.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects 4-D input and weight, got %v and %v", input.Shape, weight.Shape)
	}
	if input.DType != Float32 || weight.DType != Float32 {
		return nil, fmt.Errorf("conv2d only supports Float32")
	}

	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	o, cpg, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if c%p.Groups != 0 || o%p.Groups != 0 {
		return nil, fmt.Errorf("channels in=%d out=%d not divisible by groups=%d", c, o, p.Groups)
	}
	if c/p.Groups != cpg {
		return nil, fmt.Errorf("weight expects %d input channels per group, input provides %d", cpg, c/p.Groups)
	}
	if bias != nil && (len(bias.Shape) != 1 || bias.Shape[0] != o) {
		return nil, fmt.Errorf("bias shape %v does not match %d output channels", bias.Shape, o)
	}

	outH := ConvOutputSize(h, kh, p.Stride, p.Padding, p.Dilation)
	outW := ConvOutputSize(w, kw, p.Stride, p.Padding, p.Dilation)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d output would be empty for input %dx%d kernel %dx%d", h, w, kh, kw)
	}

	result, err := Zeros([]int{n, o, outH, outW}, Float32, input.Device)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	wt := weight.Data.([]float32)
	out := result.Data.([]float32)
	opg := o / p.Groups
	patch := cpg * kh * kw
	outHW := outH * outW
	col := make([]float32, patch*outHW)

	for b := 0; b < n; b++ {
		for g := 0; g < p.Groups; g++ {
			im2col(in[(b*c+g*cpg)*h*w:], cpg, h, w, kh, kw, outH, outW, p, col)
			wg := wt[g*opg*patch : (g+1)*opg*patch]
			og := out[(b*o+g*opg)*outHW : (b*o+(g+1)*opg)*outHW]
			Gemm(false, false, opg, outHW, patch, 1, wg, col, 0, og)
		}
	}

	if bias != nil {
		bd := bias.Data.([]float32)
		for b := 0; b < n; b++ {
			for oc := 0; oc < o; oc++ {
				plane := out[(b*o+oc)*outHW : (b*o+oc+1)*outHW]
				for i := range plane {
					plane[i] += bd[oc]
				}
			}
		}
	}

	return result, nil
}

func im2col(src []float32, channels, h, w, kh, kw, outH, outW int, p ConvParams, col []float32) {
	outHW := outH * outW
	for ch := 0; ch < channels; ch++ {
		for ki := 0; ki < kh; ki++ {
			for kj := 0; kj < kw; kj++ {
				row := ((ch*kh+ki)*kw + kj) * outHW
				for oy := 0; oy < outH; oy++ {
					iy := oy*p.Stride - p.Padding + ki*p.Dilation
					for ox := 0; ox < outW; ox++ {
						ix := ox*p.Stride - p.Padding + kj*p.Dilation
						var v float32
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = src[(ch*h+iy)*w+ix]
						}
						col[row+oy*outW+ox] = v
					}
				}
			}
		}
	}
}

// MaxPool2D applies a square max pooling window; padded cells never win.
func MaxPool2D(input *Tensor, kernel, stride, padding int) (*Tensor, error) {
	if len(input.Shape) != 4 || input.DType != Float32 {
		return nil, fmt.Errorf("maxpool2d expects a 4-D Float32 tensor, got %v %s", input.Shape, input.DType)
	}
	if stride <= 0 {
		stride = kernel
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := ConvOutputSize(h, kernel, stride, padding, 1)
	outW := ConvOutputSize(w, kernel, stride, padding, 1)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("maxpool2d output would be empty for input %dx%d", h, w)
	}

	result, err := Zeros([]int{n, c, outH, outW}, Float32, input.Device)
	if err != nil {
		return nil, err
	}
	in := input.Data.([]float32)
	out := result.Data.([]float32)

	for plane := 0; plane < n*c; plane++ {
		src := in[plane*h*w : (plane+1)*h*w]
		dst := out[plane*outH*outW : (plane+1)*outH*outW]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := float32(math.Inf(-1))
				for ki := 0; ki < kernel; ki++ {
					iy := oy*stride - padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					for kj := 0; kj < kernel; kj++ {
						ix := ox*stride - padding + kj
						if ix < 0 || ix >= w {
							continue
						}
						if v := src[iy*w+ix]; v > best {
							best = v
						}
					}
				}
				dst[oy*outW+ox] = best
			}
		}
	}
	return result, nil
}

// GlobalAvgPool2D averages every channel plane of [N, C, H, W] into [N, C].
func GlobalAvgPool2D(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 4 || input.DType != Float32 {
		return nil, fmt.Errorf("global average pool expects a 4-D Float32 tensor, got %v %s", input.Shape, input.DType)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	result, err := Zeros([]int{n, c}, Float32, input.Device)
	if err != nil {
		return nil, err
	}
	in := input.Data.([]float32)
	out := result.Data.([]float32)
	area := h * w
	for plane := 0; plane < n*c; plane++ {
		var sum float64
		for _, v := range in[plane*area : (plane+1)*area] {
			sum += float64(v)
		}
		out[plane] = float32(sum / float64(area))
	}
	return result, nil
}
