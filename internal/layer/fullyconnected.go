package layer

import (
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"

	"gonum.org/v1/gonum/mat"
)

// FullyConnected computes x * W^T + b over the flattened trailing
// dimensions of x.
type FullyConnected struct {
	NumHidden int
	NoBias    bool
}

// OutputShape returns [batch, numHidden].
func (f *FullyConnected) OutputShape(in []int) ([]int, error) {
	return []int{in[0], f.NumHidden}, nil
}

// Forward multiplies the [batch, features] view of x by weight
// ([numHidden, features]).
func (f *FullyConnected) Forward(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	batch := x.Shape[0]
	features := x.Size() / batch
	if err := expectShape("weight", weight, f.NumHidden, features); err != nil {
		return nil, err
	}
	if !f.NoBias {
		if err := expectShape("bias", bias, f.NumHidden); err != nil {
			return nil, err
		}
	}

	in := mat.NewDense(batch, features, x.Data)
	w := mat.NewDense(f.NumHidden, features, weight.Data)

	out := tensor.New(batch, f.NumHidden)
	res := mat.NewDense(batch, f.NumHidden, out.Data)
	res.Mul(in, w.T())

	if !f.NoBias {
		for b := 0; b < batch; b++ {
			row := out.Data[b*f.NumHidden : (b+1)*f.NumHidden]
			for i := range row {
				row[i] += bias.Data[i]
			}
		}
	}
	return out, nil
}
