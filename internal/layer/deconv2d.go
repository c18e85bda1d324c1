package layer

import (
	"fmt"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// Deconv2D is a transposed convolution. Every input pixel scatters its value,
// scaled by the kernel, over the output window it would have been convolved
// from.
type Deconv2D struct {
	Geometry
	// Adj adds extra rows and columns at the bottom and right of the output.
	Adj       [2]int
	NumFilter int
	NoBias    bool
}

// OutputShape returns [batch, numFilter, (in-1)*s - 2p + k + adj, ...].
func (d *Deconv2D) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, fmt.Errorf("%w: want NCHW input, got %v", tensor.ErrShapeMismatch, in)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	for i := 0; i < 2; i++ {
		if d.Adj[i] < 0 || (d.Adj[i] > 0 && d.Adj[i] >= d.Stride[i]) {
			return nil, fmt.Errorf("%w: adj %v must be smaller than stride %v", ErrBadGeometry, d.Adj, d.Stride)
		}
	}
	outH := DeconvOutputSize(in[2], d.Kernel[0], d.Stride[0], d.Pad[0], d.Adj[0])
	outW := DeconvOutputSize(in[3], d.Kernel[1], d.Stride[1], d.Pad[1], d.Adj[1])
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%w: padding %v consumes the whole output", ErrBadGeometry, d.Pad)
	}
	return []int{in[0], d.NumFilter, outH, outW}, nil
}

// Forward applies the transposed convolution. weight has shape
// [inChannels, numFilter, kh, kw].
func (d *Deconv2D) Forward(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := d.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}
	batch, inChannels, inputHeight, inputWidth := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	numFilter, outH, outW := outShape[1], outShape[2], outShape[3]
	kernelH, kernelW := d.Kernel[0], d.Kernel[1]

	if err := expectShape("weight", weight, inChannels, numFilter, kernelH, kernelW); err != nil {
		return nil, err
	}
	if !d.NoBias {
		if err := expectShape("bias", bias, numFilter); err != nil {
			return nil, err
		}
	}

	out := tensor.New(outShape...)
	inSize := inputHeight * inputWidth
	outSize := outH * outW
	kernelSize := kernelH * kernelW

	for b := 0; b < batch; b++ {
		for ic := 0; ic < inChannels; ic++ {
			inOffset := (b*inChannels + ic) * inSize
			for f := 0; f < numFilter; f++ {
				outOffset := (b*numFilter + f) * outSize
				wOffset := (ic*numFilter + f) * kernelSize

				for ih := 0; ih < inputHeight; ih++ {
					for iw := 0; iw < inputWidth; iw++ {
						v := x.Data[inOffset+ih*inputWidth+iw]
						if v == 0 {
							continue
						}
						for kh := 0; kh < kernelH; kh++ {
							oh := ih*d.Stride[0] + kh - d.Pad[0]
							if oh < 0 || oh >= outH {
								continue
							}
							for kw := 0; kw < kernelW; kw++ {
								ow := iw*d.Stride[1] + kw - d.Pad[1]
								if ow >= 0 && ow < outW {
									out.Data[outOffset+oh*outW+ow] += v * weight.Data[wOffset+kh*kernelW+kw]
								}
							}
						}
					}
				}
			}
		}

		if !d.NoBias {
			for f := 0; f < numFilter; f++ {
				outOffset := (b*numFilter + f) * outSize
				for pos := outOffset; pos < outOffset+outSize; pos++ {
					out.Data[pos] += bias.Data[f]
				}
			}
		}
	}

	return out, nil
}
