package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestMeanAxis1(t *testing.T) {
	// 1 batch, 2 channels, 2x2
	x, err := FromSlice([]float64{
		1, 2, 3, 4,
		3, 4, 5, 6,
	}, 1, 2, 2, 2)
	if err != nil {
		t.Fatal(err)
	}

	out, err := MeanAxis1(x)
	if err != nil {
		t.Fatal(err)
	}

	if !SameShape(out.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("Shape = %v, want [1 1 2 2]", out.Shape)
	}
	expected := []float64{2, 3, 4, 5}
	for i := range expected {
		if math.Abs(out.Data[i]-expected[i]) > 1e-12 {
			t.Errorf("Mean[%d] = %f, want %f", i, out.Data[i], expected[i])
		}
	}
}

func TestMeanAxis1RejectsNon4D(t *testing.T) {
	if _, err := MeanAxis1(New(2, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestMulShapeMismatch(t *testing.T) {
	_, err := Mul(New(1, 1, 2, 2), New(1, 1, 3, 3))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestNormalizeWithBroadcast(t *testing.T) {
	x, _ := FromSlice([]float64{-2, 0, 2, 6}, 1, 1, 2, 2)

	lo := Min(x)
	hi := Max(x)
	shifted, err := BroadcastSub(x, lo)
	if err != nil {
		t.Fatal(err)
	}
	span, err := Sub(hi, lo)
	if err != nil {
		t.Fatal(err)
	}
	out, err := BroadcastDiv(shifted, span)
	if err != nil {
		t.Fatal(err)
	}

	expected := []float64{0, 0.25, 0.5, 1}
	for i := range expected {
		if math.Abs(out.Data[i]-expected[i]) > 1e-12 {
			t.Errorf("Normalized[%d] = %f, want %f", i, out.Data[i], expected[i])
		}
	}
}

func TestBroadcastDivByZero(t *testing.T) {
	x := Full(3, 1, 1, 2, 2)
	out, err := BroadcastDiv(x, &Tensor{Shape: []int{1}, Data: []float64{0}})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range out.Data {
		if v != 0 {
			t.Errorf("Data[%d] = %f, want 0", i, v)
		}
	}
}

func TestBroadcastRejectsNonScalar(t *testing.T) {
	if _, err := BroadcastMul(New(2), New(2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestFromSliceVolume(t *testing.T) {
	if _, err := FromSlice(make([]float64, 5), 2, 2); err == nil {
		t.Error("expected error for 5 values in a 2x2 tensor")
	}
}
