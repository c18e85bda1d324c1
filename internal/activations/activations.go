// Package activations provides the element-wise activation functions
// referenced by act_type attributes in a network graph.
package activations

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Activation is an element-wise activation function.
type Activation interface {
	// Activate computes f(x)
	Activate(x float64) float64
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, x)
func (r ReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Sigmoid activation function.
type Sigmoid struct{}

// Activate computes 1 / (1 + exp(-x))
func (s Sigmoid) Activate(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(x)
func (t Tanh) Activate(x float64) float64 {
	return math.Tanh(x)
}

// SoftReLU is the softplus function log(1 + exp(x)).
type SoftReLU struct{}

// Activate computes log(1 + exp(x)) without overflowing for large x.
func (s SoftReLU) Activate(x float64) float64 {
	if x > 20 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// LeakyReLU keeps a small slope for negative inputs.
type LeakyReLU struct {
	Slope float64
}

// NewLeakyReLU creates a LeakyReLU with the given negative slope.
func NewLeakyReLU(slope float64) *LeakyReLU {
	return &LeakyReLU{Slope: slope}
}

// Activate computes x if x > 0, else slope*x
func (l *LeakyReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return l.Slope * x
}

// Linear is the identity.
type Linear struct{}

// Activate returns x unchanged.
func (l Linear) Activate(x float64) float64 {
	return x
}

// Lookup returns the activation named by a graph act_type attribute.
func Lookup(actType string) (Activation, error) {
	switch actType {
	case "relu":
		return ReLU{}, nil
	case "sigmoid":
		return Sigmoid{}, nil
	case "tanh":
		return Tanh{}, nil
	case "softrelu":
		return SoftReLU{}, nil
	case "linear", "identity":
		return Linear{}, nil
	}
	return nil, fmt.Errorf("activations: unknown act_type %q", actType)
}

// Apply runs act over x in place.
func Apply(act Activation, x []float64) {
	for i, v := range x {
		x[i] = act.Activate(v)
	}
}

// Softmax normalizes x in place to a probability distribution.
func Softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	// Subtract max for numerical stability
	floats.AddConst(-floats.Max(x), x)
	for i := range x {
		x[i] = math.Exp(x[i])
	}
	floats.Scale(1/floats.Sum(x), x)
}
