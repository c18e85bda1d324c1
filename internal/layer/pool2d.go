package layer

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// PoolType selects the reduction applied over each window.
type PoolType string

const (
	MaxPool PoolType = "max"
	AvgPool PoolType = "avg"
	SumPool PoolType = "sum"
)

// Pool2D downsamples each channel independently over sliding windows.
// Max pooling ignores padded positions; average pooling counts them as zeros.
type Pool2D struct {
	Geometry
	Type PoolType
	// Global pools over the whole spatial extent, ignoring Geometry.
	Global bool
	// Full rounds the output size up, so the last window may hang over the
	// padded input.
	Full bool
}

func (p *Pool2D) geometryFor(in []int) Geometry {
	if p.Global && len(in) == 4 {
		return Geometry{Kernel: [2]int{in[2], in[3]}, Stride: [2]int{1, 1}}
	}
	return p.Geometry
}

// OutputShape returns [batch, channels, outH, outW].
func (p *Pool2D) OutputShape(in []int) ([]int, error) {
	g := p.geometryFor(in)
	outH, outW, err := g.convOutput(in)
	if err != nil {
		return nil, err
	}
	if p.Full && !p.Global {
		outH = FullOutputSize(in[2], g.Kernel[0], g.Stride[0], g.Pad[0])
		outW = FullOutputSize(in[3], g.Kernel[1], g.Stride[1], g.Pad[1])
	}
	return []int{in[0], in[1], outH, outW}, nil
}

// Forward pools x.
func (p *Pool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	switch p.Type {
	case MaxPool, AvgPool, SumPool:
	default:
		return nil, fmt.Errorf("layer: unsupported pool_type %q", p.Type)
	}
	outShape, err := p.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}
	g := p.geometryFor(x.Shape)
	inputHeight, inputWidth := x.Shape[2], x.Shape[3]
	outH, outW := outShape[2], outShape[3]
	planes := x.Shape[0] * x.Shape[1]

	out := tensor.New(outShape...)
	channelStride := inputHeight * inputWidth
	outputChannelStride := outH * outW

	for c := 0; c < planes; c++ {
		channelOffset := c * channelStride
		outputOffset := c * outputChannelStride

		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				maxVal := math.Inf(-1)
				sum := 0.0

				for kh := 0; kh < g.Kernel[0]; kh++ {
					inH := oh*g.Stride[0] + kh - g.Pad[0]
					if inH < 0 || inH >= inputHeight {
						continue
					}
					for kw := 0; kw < g.Kernel[1]; kw++ {
						inW := ow*g.Stride[1] + kw - g.Pad[1]
						if inW < 0 || inW >= inputWidth {
							continue
						}
						v := x.Data[channelOffset+inH*inputWidth+inW]
						sum += v
						if v > maxVal {
							maxVal = v
						}
					}
				}

				pos := outputOffset + oh*outW + ow
				switch p.Type {
				case MaxPool:
					out.Data[pos] = maxVal
				case AvgPool:
					out.Data[pos] = sum / windowArea(g, oh, ow, inputHeight, inputWidth)
				case SumPool:
					out.Data[pos] = sum
				}
			}
		}
	}

	return out, nil
}

// FullOutputSize is ceil((input + 2*padding - kernel) / stride) + 1.
func FullOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel+stride-1)/stride + 1
}

// windowArea counts the positions of a window inside the padded input.
// Padding counts; overhang past it does not.
func windowArea(g Geometry, oh, ow, inputHeight, inputWidth int) float64 {
	h := min(oh*g.Stride[0]+g.Kernel[0], inputHeight+2*g.Pad[0]) - oh*g.Stride[0]
	w := min(ow*g.Stride[1]+g.Kernel[1], inputWidth+2*g.Pad[1]) - ow*g.Stride[1]
	return float64(h * w)
}
