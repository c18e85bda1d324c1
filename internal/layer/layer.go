// Package layer provides the inference kernels behind graph operations.
//
// Kernels are stateless: their configuration comes from node attributes and
// their weights are passed in as tensors, so one kernel value can be reused
// across executors.
package layer

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// ErrBadGeometry is returned when a kernel does not fit its input.
var ErrBadGeometry = errors.New("layer: invalid geometry")

// Geometry is the spatial window shared by convolution, deconvolution and
// pooling. Index 0 is height, index 1 is width.
type Geometry struct {
	Kernel [2]int
	Stride [2]int
	Pad    [2]int
}

// ConvOutputSize is (input + 2*padding - kernel) / stride + 1.
func ConvOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// DeconvOutputSize is the transposed convolution size
// (input - 1) * stride - 2*padding + kernel + adj.
func DeconvOutputSize(in, kernel, stride, pad, adj int) int {
	return (in-1)*stride - 2*pad + kernel + adj
}

func (g Geometry) validate() error {
	for i := 0; i < 2; i++ {
		if g.Kernel[i] <= 0 || g.Stride[i] <= 0 || g.Pad[i] < 0 {
			return fmt.Errorf("%w: kernel %v stride %v pad %v", ErrBadGeometry, g.Kernel, g.Stride, g.Pad)
		}
	}
	return nil
}

// convOutput computes the spatial output of a sliding window over in.
func (g Geometry) convOutput(in []int) (int, int, error) {
	if len(in) != 4 {
		return 0, 0, fmt.Errorf("%w: want NCHW input, got %v", tensor.ErrShapeMismatch, in)
	}
	if err := g.validate(); err != nil {
		return 0, 0, err
	}
	outH := ConvOutputSize(in[2], g.Kernel[0], g.Stride[0], g.Pad[0])
	outW := ConvOutputSize(in[3], g.Kernel[1], g.Stride[1], g.Pad[1])
	if outH <= 0 || outW <= 0 {
		return 0, 0, fmt.Errorf("%w: kernel %v larger than padded input %v", ErrBadGeometry, g.Kernel, in[2:])
	}
	return outH, outW, nil
}

func expectShape(what string, got *tensor.Tensor, want ...int) error {
	if got == nil {
		return fmt.Errorf("%w: %s is missing", tensor.ErrShapeMismatch, what)
	}
	if !tensor.SameShape(got.Shape, want) {
		return fmt.Errorf("%w: %s has shape %v, want %v", tensor.ErrShapeMismatch, what, got.Shape, want)
	}
	return nil
}
