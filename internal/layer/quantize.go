package layer

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// ScalingFactor selects the magnitude binarized values are scaled to.
type ScalingFactor string

const (
	ScaleNone        ScalingFactor = "none"
	ScaleScalar      ScalingFactor = "scalar"
	ScaleChannelMean ScalingFactor = "channel_mean"
)

// scalarScale is the fixed magnitude used by ScaleScalar.
const scalarScale = 5.0

// ErrUnsupportedQuantization is returned for bit widths and scaling factors
// that have no kernel.
var ErrUnsupportedQuantization = errors.New("layer: unsupported quantization")

// Quantize maps values to ActBit bits. 32 bits is the identity, 1 bit is the
// deterministic sign (sign(0) = 1) scaled by the scaling factor.
type Quantize struct {
	ActBit  int
	Scaling ScalingFactor
}

// Forward quantizes x into a new tensor.
func (q *Quantize) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	switch q.ActBit {
	case 32:
		return x.Clone(), nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d bits (only 1 and 32)", ErrUnsupportedQuantization, q.ActBit)
	}

	scale := 1.0
	switch q.Scaling {
	case ScaleNone, "":
	case ScaleScalar:
		scale = scalarScale
	default:
		return nil, fmt.Errorf("%w: scaling factor %q", ErrUnsupportedQuantization, q.Scaling)
	}

	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v/scale >= 0 {
			out.Data[i] = scale
		} else {
			out.Data[i] = -scale
		}
	}
	return out, nil
}
