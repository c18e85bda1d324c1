package layer

import (
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// Conv2D implements a 2D convolution.
// Uses direct convolution computation for correctness.
type Conv2D struct {
	Geometry
	NumFilter int
	NoBias    bool
}

// OutputShape returns [batch, numFilter, outH, outW] for an NCHW input.
func (c *Conv2D) OutputShape(in []int) ([]int, error) {
	outH, outW, err := c.convOutput(in)
	if err != nil {
		return nil, err
	}
	return []int{in[0], c.NumFilter, outH, outW}, nil
}

// Forward convolves x with weight ([numFilter, inChannels, kh, kw]) and adds
// bias ([numFilter]) unless NoBias is set.
func (c *Conv2D) Forward(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := c.OutputShape(x.Shape)
	if err != nil {
		return nil, err
	}
	batch, inChannels, inputHeight, inputWidth := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	outChannels, outH, outW := outShape[1], outShape[2], outShape[3]
	kernelH, kernelW := c.Kernel[0], c.Kernel[1]
	strideH, strideW := c.Stride[0], c.Stride[1]
	padH, padW := c.Pad[0], c.Pad[1]

	if err := expectShape("weight", weight, outChannels, inChannels, kernelH, kernelW); err != nil {
		return nil, err
	}
	if !c.NoBias {
		if err := expectShape("bias", bias, outChannels); err != nil {
			return nil, err
		}
	}

	out := tensor.New(outShape...)
	outSize := outH * outW
	inSize := inputHeight * inputWidth

	// Pre-compute weight stride values
	icWeightStride := kernelH * kernelW
	ocWeightStride := inChannels * icWeightStride

	for b := 0; b < batch; b++ {
		inBase := b * inChannels * inSize
		outBase := b * outChannels * outSize

		for oc := 0; oc < outChannels; oc++ {
			ocWeightBase := oc * ocWeightStride
			ocOutBase := outBase + oc*outSize

			for ic := 0; ic < inChannels; ic++ {
				icWeightBase := ocWeightBase + ic*icWeightStride
				inputChannelOffset := inBase + ic*inSize

				for kh := 0; kh < kernelH; kh++ {
					khWeightBase := icWeightBase + kh*kernelW

					for kw := 0; kw < kernelW; kw++ {
						wVal := weight.Data[khWeightBase+kw]

						for oh := 0; oh < outH; oh++ {
							inH := oh*strideH + kh - padH
							if inH < 0 || inH >= inputHeight {
								continue
							}
							inHOffset := inputChannelOffset + inH*inputWidth
							ohOffset := ocOutBase + oh*outW
							for ow := 0; ow < outW; ow++ {
								inW := ow*strideW + kw - padW
								if inW >= 0 && inW < inputWidth {
									out.Data[ohOffset+ow] += wVal * x.Data[inHOffset+inW]
								}
							}
						}
					}
				}
			}

			if !c.NoBias {
				biasVal := bias.Data[oc]
				for pos := ocOutBase; pos < ocOutBase+outSize; pos++ {
					out.Data[pos] += biasVal
				}
			}
		}
	}

	return out, nil
}
