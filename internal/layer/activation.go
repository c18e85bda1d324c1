package layer

import (
	"github.com/FlavioCFOliveira/VisualBackprop/internal/activations"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// Activate applies act to every element of x.
func Activate(x *tensor.Tensor, act activations.Activation) *tensor.Tensor {
	out := x.Clone()
	activations.Apply(act, out.Data)
	return out
}

// Softmax normalizes each row of the [batch, features] view of x.
func Softmax(x *tensor.Tensor) *tensor.Tensor {
	out := x.Clone()
	batch := x.Shape[0]
	features := x.Size() / batch
	for b := 0; b < batch; b++ {
		activations.Softmax(out.Data[b*features : (b+1)*features])
	}
	return out
}
