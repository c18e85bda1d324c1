package engine_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/models"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

func tinyCNN(t *testing.T) (*graph.Graph, map[string]*tensor.Tensor) {
	t.Helper()
	g := models.TinyCNN(models.DefaultTinyCNNConfig())
	params, err := models.InitParams(g, map[string][]int{"data": {1, 3, 32, 32}}, 1)
	if err != nil {
		t.Fatalf("InitParams: %v", err)
	}
	return g, params
}

func TestInferShapesTinyCNN(t *testing.T) {
	g, _ := tinyCNN(t)
	shapes, err := engine.NewCPU().InferShapes(g, map[string][]int{"data": {2, 3, 32, 32}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want []int
	}{
		{"conv0", []int{2, 8, 32, 32}},
		{"pool0", []int{2, 8, 16, 16}},
		{"conv1", []int{2, 16, 8, 8}},
		{"conv1_sc", []int{2, 16, 8, 8}},
		{"stage1_relu", []int{2, 16, 8, 8}},
		{"gap", []int{2, 16, 1, 1}},
		{"flatten", []int{2, 16}},
		{"softmax", []int{2, 10}},
	}
	for _, tt := range tests {
		got := shapes[g.Index(tt.name)]
		if !tensor.SameShape(got, tt.want) {
			t.Errorf("shape of %s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if _, ok := shapes[g.Index("conv0_weight")]; ok {
		t.Error("unbound weight should have no inferred shape")
	}
}

func TestForwardTinyCNN(t *testing.T) {
	g, params := tinyCNN(t)
	args := map[string]*tensor.Tensor{"data": tensor.Full(0.5, 1, 3, 32, 32)}
	for k, v := range params {
		args[k] = v
	}

	res, err := engine.NewCPU().Forward(context.Background(), g, args)
	if err != nil {
		t.Fatal(err)
	}
	outs := res.Outputs()
	if len(outs) != 1 {
		t.Fatalf("got %d outputs, want 1", len(outs))
	}
	probs := outs[0]
	if !tensor.SameShape(probs.Shape, []int{1, 10}) {
		t.Fatalf("output shape = %v", probs.Shape)
	}
	sum := 0.0
	for _, p := range probs.Data {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("softmax sums to %f", sum)
	}

	relu, err := res.Internal("stage1_relu_output")
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range relu.Data {
		if v < 0 {
			t.Fatalf("relu output has negative value %f", v)
		}
	}
	if _, err := res.Internal("fc_weight"); err != nil {
		t.Errorf("variables should be published under their own name: %v", err)
	}
}

func TestForwardSkipsUnreachableNodes(t *testing.T) {
	g, params := tinyCNN(t)
	cut, err := graph.Truncate(g, "pool0")
	if err != nil {
		t.Fatal(err)
	}
	args := map[string]*tensor.Tensor{
		"data":         tensor.Full(1, 1, 3, 32, 32),
		"conv0_weight": params["conv0_weight"],
		"conv0_bias":   params["conv0_bias"],
	}
	res, err := engine.NewCPU().Forward(context.Background(), cut, args)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Outputs()[0].Shape; !tensor.SameShape(got, []int{1, 8, 16, 16}) {
		t.Errorf("pool0 shape = %v", got)
	}
}

func TestForwardMissingParam(t *testing.T) {
	g, _ := tinyCNN(t)
	args := map[string]*tensor.Tensor{"data": tensor.New(1, 3, 32, 32)}
	_, err := engine.NewCPU().Forward(context.Background(), g, args)
	if !errors.Is(err, engine.ErrMissingParam) {
		t.Errorf("err = %v, want ErrMissingParam", err)
	}
}

func TestForwardCanceled(t *testing.T) {
	g, params := tinyCNN(t)
	params["data"] = tensor.New(1, 3, 32, 32)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.NewCPU().Forward(ctx, g, params); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestUnsupportedOp(t *testing.T) {
	b := graph.NewBuilder()
	x := b.Op("RNN", "rnn", nil, b.Variable("data"))
	b.SetHeads(x)

	_, err := engine.NewCPU().InferShapes(b.Graph(), map[string][]int{"data": {1, 3}})
	if !errors.Is(err, engine.ErrUnsupportedOp) {
		t.Errorf("err = %v, want ErrUnsupportedOp", err)
	}
	if engine.Supported("RNN") {
		t.Error("RNN should not be supported")
	}
	if !engine.Supported("Deconvolution") {
		t.Error("Deconvolution should be supported")
	}
}

func poolGraph(attrs map[string]string) *graph.Graph {
	b := graph.NewBuilder()
	b.SetHeads(b.Op("Pooling", "pool", attrs, b.Variable("data")))
	return b.Graph()
}

func TestPoolingFullConvention(t *testing.T) {
	attrs := map[string]string{"kernel": "(2, 2)", "stride": "(2, 2)", "pool_type": "max", "pooling_convention": "full"}
	shapes, err := engine.NewCPU().InferShapes(poolGraph(attrs), map[string][]int{"data": {1, 3, 7, 7}})
	if err != nil {
		t.Fatal(err)
	}
	if got := shapes[1]; !tensor.SameShape(got, []int{1, 3, 4, 4}) {
		t.Errorf("full pooling shape = %v, want [1 3 4 4]", got)
	}

	attrs["pooling_convention"] = "valid"
	shapes, err = engine.NewCPU().InferShapes(poolGraph(attrs), map[string][]int{"data": {1, 3, 7, 7}})
	if err != nil {
		t.Fatal(err)
	}
	if got := shapes[1]; !tensor.SameShape(got, []int{1, 3, 3, 3}) {
		t.Errorf("valid pooling shape = %v, want [1 3 3 3]", got)
	}

	data := tensor.New(1, 1, 7, 7)
	for i := range data.Data {
		data.Data[i] = float64(i)
	}
	for _, poolType := range []string{"max", "avg"} {
		attrs := map[string]string{"kernel": "(2, 2)", "stride": "(2, 2)", "pool_type": poolType, "pooling_convention": "full"}
		res, err := engine.NewCPU().Forward(context.Background(), poolGraph(attrs), map[string]*tensor.Tensor{"data": data})
		if err != nil {
			t.Fatal(err)
		}
		out := res.Outputs()[0]
		// the bottom right window only covers the last pixel
		if got := out.Data[len(out.Data)-1]; got != 48 {
			t.Errorf("%s: last window = %f, want 48", poolType, got)
		}
	}
}

func TestUnsupportedAttributes(t *testing.T) {
	tests := []struct {
		name  string
		op    string
		attrs map[string]string
	}{
		{"dilated convolution", "Convolution", map[string]string{"kernel": "(3, 3)", "dilate": "(2, 2)", "num_filter": "1", "no_bias": "True"}},
		{"dilated deconvolution", "Deconvolution", map[string]string{"kernel": "(3, 3)", "dilate": "(2, 2)", "num_filter": "1"}},
		{"pooling convention", "Pooling", map[string]string{"kernel": "(2, 2)", "pooling_convention": "same"}},
	}
	for _, tt := range tests {
		b := graph.NewBuilder()
		inputs := []graph.Entry{b.Variable("data")}
		if tt.op != "Pooling" {
			inputs = append(inputs, b.Variable("w"))
		}
		b.SetHeads(b.Op(tt.op, "x", tt.attrs, inputs...))

		_, err := engine.NewCPU().InferShapes(b.Graph(), map[string][]int{"data": {1, 1, 9, 9}})
		if !errors.Is(err, engine.ErrUnsupportedOp) {
			t.Errorf("%s: err = %v, want ErrUnsupportedOp", tt.name, err)
		}
	}

	b := graph.NewBuilder()
	b.SetHeads(b.Op("Convolution", "x", map[string]string{"kernel": "(3, 3)", "dilate": "(1, 1)", "num_filter": "1", "no_bias": "True"},
		b.Variable("data"), b.Variable("w")))
	if _, err := engine.NewCPU().InferShapes(b.Graph(), map[string][]int{"data": {1, 1, 9, 9}}); err != nil {
		t.Errorf("dilate (1, 1): %v", err)
	}
}

func TestMeanRejectsOtherAxes(t *testing.T) {
	b := graph.NewBuilder()
	x := b.Op("mean", "m", map[string]string{"axis": "2", "keepdims": "True"}, b.Variable("data"))
	b.SetHeads(x)
	_, err := engine.NewCPU().InferShapes(b.Graph(), map[string][]int{"data": {1, 3, 4, 4}})
	if !errors.Is(err, engine.ErrUnsupportedOp) {
		t.Errorf("err = %v, want ErrUnsupportedOp", err)
	}
}

func TestNormalizationOps(t *testing.T) {
	b := graph.NewBuilder()
	x := b.Variable("data")
	lo := b.Op("min", "lo", nil, x)
	hi := b.Op("max", "hi", nil, x)
	shifted := b.Op("broadcast_sub", "shifted", nil, x, lo)
	span := b.Op("_minus", "span", nil, hi, lo)
	out := b.Op("broadcast_div", "norm", nil, shifted, span)
	b.SetHeads(out)

	data, err := tensor.FromSlice([]float64{2, 4, 6, 10}, 1, 1, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.NewCPU().Forward(context.Background(), b.Graph(), map[string]*tensor.Tensor{"data": data})
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0.25, 0.5, 1}
	got := res.Outputs()[0].Data
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("norm[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestOnesAndDeconvolution(t *testing.T) {
	b := graph.NewBuilder()
	x := b.Variable("data")
	w := b.Op("_ones", "w", map[string]string{"shape": "(1, 1, 3, 3)"})
	y := b.Op("Deconvolution", "up", map[string]string{
		"kernel": "(3, 3)", "stride": "(2, 2)", "pad": "(1, 1)", "adj": "(1, 1)", "num_filter": "1",
	}, x, w)
	b.SetHeads(y)
	g := b.Graph()

	shapes, err := engine.NewCPU().InferShapes(g, map[string][]int{"data": {1, 1, 4, 4}})
	if err != nil {
		t.Fatal(err)
	}
	if got := shapes[g.Index("up")]; !tensor.SameShape(got, []int{1, 1, 8, 8}) {
		t.Errorf("deconv shape = %v, want [1 1 8 8]", got)
	}

	res, err := engine.NewCPU().Forward(context.Background(), g, map[string]*tensor.Tensor{"data": tensor.Full(1, 1, 1, 4, 4)})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Outputs()[0].Shape; !tensor.SameShape(got, []int{1, 1, 8, 8}) {
		t.Errorf("forward shape = %v", got)
	}
}
