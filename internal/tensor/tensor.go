// Package tensor provides a dense NCHW float64 tensor.
package tensor

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// ErrShapeMismatch is returned when two tensors must share a shape and do not.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense tensor stored row-major.
// Four dimensional tensors use the [batch, channels, height, width] layout.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Volume returns the number of elements described by shape.
func Volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: make([]float64, Volume(s))}
}

// Full allocates a tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// FromSlice wraps data with the given shape. The slice is not copied.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if Volume(shape) != len(data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data}, nil
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Dims4 returns the NCHW dimensions of a four dimensional tensor.
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("%w: want 4 dims, got %v", ErrShapeMismatch, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Reshape returns a tensor sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromSlice(t.Data, shape...)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MeanAxis1 averages over the channel axis, keeping it with size one.
func MeanAxis1(x *Tensor) (*Tensor, error) {
	n, c, h, w, err := x.Dims4()
	if err != nil {
		return nil, err
	}
	out := New(n, 1, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		dst := out.Data[b*plane : (b+1)*plane]
		for ch := 0; ch < c; ch++ {
			off := (b*c + ch) * plane
			floats.Add(dst, x.Data[off:off+plane])
		}
		floats.Scale(1/float64(c), dst)
	}
	return out, nil
}

// Mul multiplies two tensors of equal shape elementwise.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a.Shape, b.Shape) {
		return nil, fmt.Errorf("%w: %v * %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	floats.MulTo(out.Data, a.Data, b.Data)
	return out, nil
}

// Add sums two tensors of equal shape elementwise.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a.Shape, b.Shape) {
		return nil, fmt.Errorf("%w: %v + %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	floats.AddTo(out.Data, a.Data, b.Data)
	return out, nil
}

// Sub subtracts two tensors of equal shape elementwise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a.Shape, b.Shape) {
		return nil, fmt.Errorf("%w: %v - %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	floats.SubTo(out.Data, a.Data, b.Data)
	return out, nil
}

// Min reduces to a single element tensor holding the smallest value.
func Min(x *Tensor) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float64{floats.Min(x.Data)}}
}

// Max reduces to a single element tensor holding the largest value.
func Max(x *Tensor) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float64{floats.Max(x.Data)}}
}

func scalar(s *Tensor) (float64, error) {
	if s.Size() != 1 {
		return 0, fmt.Errorf("%w: broadcast operand %v is not a scalar", ErrShapeMismatch, s.Shape)
	}
	return s.Data[0], nil
}

// BroadcastSub subtracts a single element tensor from every element of x.
func BroadcastSub(x, s *Tensor) (*Tensor, error) {
	v, err := scalar(s)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	floats.AddConst(-v, out.Data)
	return out, nil
}

// BroadcastMul scales every element of x by a single element tensor.
func BroadcastMul(x, s *Tensor) (*Tensor, error) {
	v, err := scalar(s)
	if err != nil {
		return nil, err
	}
	out := x.Clone()
	floats.Scale(v, out.Data)
	return out, nil
}

// BroadcastDiv divides every element of x by a single element tensor.
// A zero divisor yields a zero tensor so that constant maps normalize to 0.
func BroadcastDiv(x, s *Tensor) (*Tensor, error) {
	v, err := scalar(s)
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return New(x.Shape...), nil
	}
	out := x.Clone()
	for i := range out.Data {
		out.Data[i] /= v
	}
	return out, nil
}

// Argmax returns the index of the largest element.
func Argmax(x []float64) int {
	return floats.MaxIdx(x)
}
