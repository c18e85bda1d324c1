// Package models builds small reference networks and initializes their
// parameters from inferred shapes.
package models

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// TinyCNNConfig sizes TinyCNN.
type TinyCNNConfig struct {
	Channels   int // input channels
	Width      int // filters of the stem convolution, doubled in the block
	NumClasses int
}

// DefaultTinyCNNConfig is an RGB classifier over 10 classes.
func DefaultTinyCNNConfig() TinyCNNConfig {
	return TinyCNNConfig{Channels: 3, Width: 8, NumClasses: 10}
}

// TinyCNNLastActivation names the activation ending the convolutional trunk.
const TinyCNNLastActivation = "stage1_relu"

// TinyCNN builds a stem convolution, a max pooling, one residual block with a
// strided 1x1 shortcut and a global-average-pooled classifier:
//
//	data -> conv0 -> relu0 -> pool0 -> conv1 -> bn1 -> relu1 -> conv2 -+-> stage1_relu -> gap -> fc -> softmax
//	                              \-> conv1_sc ------------------------/
func TinyCNN(cfg TinyCNNConfig) *graph.Graph {
	b := graph.NewBuilder()
	width := strconv.Itoa(cfg.Width)
	double := strconv.Itoa(cfg.Width * 2)

	conv := func(name string, in graph.Entry, kernel, stride, pad int, filters string) graph.Entry {
		attrs := map[string]string{
			"kernel":     graph.FormatTuple(kernel, kernel),
			"stride":     graph.FormatTuple(stride, stride),
			"pad":        graph.FormatTuple(pad, pad),
			"num_filter": filters,
		}
		return b.Op("Convolution", name, attrs, in, b.Variable(name+"_weight"), b.Variable(name+"_bias"))
	}
	relu := func(name string, in graph.Entry) graph.Entry {
		return b.Op("Activation", name, map[string]string{"act_type": "relu"}, in)
	}

	data := b.Variable("data")
	x := relu("relu0", conv("conv0", data, 3, 1, 1, width))
	pool := b.Op("Pooling", "pool0", map[string]string{
		"kernel": "(2, 2)", "stride": "(2, 2)", "pool_type": "max",
	}, x)

	x = conv("conv1", pool, 3, 2, 1, double)
	x = b.Op("BatchNorm", "bn1", map[string]string{"eps": "0.001", "fix_gamma": "False"},
		x, b.Variable("bn1_gamma"), b.Variable("bn1_beta"), b.Variable("bn1_moving_mean"), b.Variable("bn1_moving_var"))
	x = relu("relu1", x)
	x = conv("conv2", x, 3, 1, 1, double)
	shortcut := conv("conv1_sc", pool, 1, 2, 0, double)
	x = b.Op("elemwise_add", "stage1_add", nil, x, shortcut)
	x = relu(TinyCNNLastActivation, x)

	x = b.Op("Pooling", "gap", map[string]string{"global_pool": "True", "kernel": "(1, 1)", "pool_type": "avg"}, x)
	x = b.Op("Flatten", "flatten", nil, x)
	x = b.Op("FullyConnected", "fc", map[string]string{"num_hidden": strconv.Itoa(cfg.NumClasses)},
		x, b.Variable("fc_weight"), b.Variable("fc_bias"))
	out := b.Op("SoftmaxOutput", "softmax", nil, x, b.Variable("softmax_label"))

	b.SetHeads(out)
	return b.Graph()
}

// InitParams creates every weight the graph's operations read, shaped by
// inferring the graph on inputs. Convolution and dense weights use He
// initialization from seed; batch norm starts as the identity.
func InitParams(g *graph.Graph, inputs map[string][]int, seed int64) (map[string]*tensor.Tensor, error) {
	shapes, err := engine.NewCPU().InferShapes(g, inputs)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	params := make(map[string]*tensor.Tensor)

	variable := func(n *graph.Node, slot int) (string, bool) {
		if slot >= len(n.Inputs) {
			return "", false
		}
		v := &g.Nodes[n.Inputs[slot].Node()]
		if v.IsOp() {
			return "", false
		}
		if _, bound := inputs[v.Name]; bound {
			return "", false
		}
		return v.Name, true
	}
	he := func(fanIn int, shape ...int) *tensor.Tensor {
		t := tensor.New(shape...)
		scale := math.Sqrt(2.0 / float64(fanIn))
		for i := range t.Data {
			t.Data[i] = rng.NormFloat64() * scale
		}
		return t
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if !n.IsOp() || len(n.Inputs) == 0 {
			continue
		}
		in, ok := shapes[n.Inputs[0].Node()]
		if !ok && len(n.Inputs) > 1 {
			return nil, fmt.Errorf("models: input shape of %s is unknown", n.Name)
		}

		switch n.Op {
		case "Convolution", "QConvolution":
			kernel, err := n.Tuple2("kernel", [2]int{1, 1})
			if err != nil {
				return nil, err
			}
			filters, err := n.Int("num_filter", 0)
			if err != nil {
				return nil, err
			}
			if name, ok := variable(n, 1); ok {
				params[name] = he(in[1]*kernel[0]*kernel[1], filters, in[1], kernel[0], kernel[1])
			}
			if name, ok := variable(n, 2); ok {
				params[name] = tensor.New(filters)
			}
		case "FullyConnected":
			hidden, err := n.Int("num_hidden", 0)
			if err != nil {
				return nil, err
			}
			features := tensor.Volume(in[1:])
			if name, ok := variable(n, 1); ok {
				params[name] = he(features, hidden, features)
			}
			if name, ok := variable(n, 2); ok {
				params[name] = tensor.New(hidden)
			}
		case "BatchNorm":
			fill := []float64{1, 0, 0, 1} // gamma, beta, moving mean, moving var
			for slot := 1; slot <= 4; slot++ {
				if name, ok := variable(n, slot); ok {
					params[name] = tensor.Full(fill[slot-1], in[1])
				}
			}
		}
	}
	return params, nil
}
