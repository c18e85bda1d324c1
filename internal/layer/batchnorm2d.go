package layer

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// BatchNorm normalizes each channel with its running statistics.
// Inference only: the moving mean and variance are inputs, never updated.
type BatchNorm struct {
	Eps float64
	// FixGamma treats gamma as 1 regardless of the stored value.
	FixGamma bool
}

// Forward computes gamma * (x - mean) / sqrt(var + eps) + beta per channel.
func (bn *BatchNorm) Forward(x, gamma, beta, mean, variance *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) < 2 {
		return nil, fmt.Errorf("%w: batch norm needs a channel axis, got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	channels := x.Shape[1]
	for _, p := range []struct {
		name string
		t    *tensor.Tensor
	}{{"gamma", gamma}, {"beta", beta}, {"moving_mean", mean}, {"moving_var", variance}} {
		if err := expectShape(p.name, p.t, channels); err != nil {
			return nil, err
		}
	}

	out := x.Clone()
	plane := x.Size() / (x.Shape[0] * channels)
	for b := 0; b < x.Shape[0]; b++ {
		for c := 0; c < channels; c++ {
			scale := 1 / math.Sqrt(variance.Data[c]+bn.Eps)
			if !bn.FixGamma {
				scale *= gamma.Data[c]
			}
			shift := beta.Data[c] - mean.Data[c]*scale
			off := (b*channels + c) * plane
			for i := off; i < off+plane; i++ {
				out.Data[i] = out.Data[i]*scale + shift
			}
		}
	}
	return out, nil
}
