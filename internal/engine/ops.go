package engine

import (
	"fmt"
	"strings"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/activations"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/layer"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// kernel is one configured graph operation.
type kernel interface {
	// needs is the number of leading inputs that must be bound.
	needs() int
	inferShape(in [][]int) ([]int, error)
	forward(in []*tensor.Tensor) (*tensor.Tensor, error)
}

type kernelBuilder func(n *graph.Node) (kernel, error)

var registry = map[string]kernelBuilder{
	"Convolution":    newConvolution,
	"QConvolution":   newConvolution,
	"Deconvolution":  newDeconvolution,
	"Pooling":        newPooling,
	"Activation":     newActivation,
	"LeakyReLU":      newLeakyReLU,
	"BatchNorm":      newBatchNorm,
	"FullyConnected": newFullyConnected,
	"Flatten":        newFlatten,
	"flatten":        newFlatten,
	"SoftmaxOutput":  newSoftmax,
	"softmax":        newSoftmax,
	"Dropout":        newIdentity,
	"QActivation":    newQuantize,
	"QWeights":       newQuantize,
	"_ones":          newOnes,
	"mean":           newMean,
	"min":            newReduce(tensor.Min),
	"max":            newReduce(tensor.Max),
	"elemwise_add":   newElemwise(tensor.Add),
	"_Plus":          newElemwise(tensor.Add),
	"_plus":          newElemwise(tensor.Add),
	"elemwise_sub":   newElemwise(tensor.Sub),
	"_Minus":         newElemwise(tensor.Sub),
	"_minus":         newElemwise(tensor.Sub),
	"elemwise_mul":   newElemwise(tensor.Mul),
	"_Mul":           newElemwise(tensor.Mul),
	"_mul":           newElemwise(tensor.Mul),
	"broadcast_sub":  newBroadcast(tensor.BroadcastSub),
	"broadcast_mul":  newBroadcast(tensor.BroadcastMul),
	"broadcast_div":  newBroadcast(tensor.BroadcastDiv),
}

// Supported reports whether op has a CPU kernel.
func Supported(op string) bool {
	_, ok := registry[op]
	return ok
}

func newKernel(n *graph.Node) (kernel, error) {
	build, ok := registry[n.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %s (node %s)", ErrUnsupportedOp, n.Op, n.Name)
	}
	k, err := build(n)
	if err != nil {
		return nil, err
	}
	return bound{kernel: k, node: n}, nil
}

// bound checks arity and bound inputs before delegating.
type bound struct {
	kernel
	node *graph.Node
}

func (b bound) inferShape(in [][]int) ([]int, error) {
	if len(in) < b.needs() {
		return nil, fmt.Errorf("%w: %s needs %d inputs, has %d", ErrShapeMismatch, b.node.Op, b.needs(), len(in))
	}
	// an unknown data operand leaves the output unknown; weights may be unknown
	if b.needs() > 0 && in[0] == nil {
		return nil, nil
	}
	return b.kernel.inferShape(in)
}

func (b bound) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(in) < b.needs() {
		return nil, fmt.Errorf("%w: %s needs %d inputs, has %d", ErrShapeMismatch, b.node.Op, b.needs(), len(in))
	}
	for i := 0; i < b.needs(); i++ {
		if in[i] == nil {
			return nil, fmt.Errorf("%w: input %d of %s", ErrMissingParam, i, b.node.Name)
		}
	}
	return b.kernel.forward(in)
}

func geometry(n *graph.Node, kernelRequired bool) (layer.Geometry, error) {
	var g layer.Geometry
	var err error
	if _, ok := n.Attr("kernel"); !ok && kernelRequired {
		return g, fmt.Errorf("node %s: missing kernel attribute", n.Name)
	}
	if g.Kernel, err = n.Tuple2("kernel", [2]int{1, 1}); err != nil {
		return g, err
	}
	if g.Stride, err = n.Tuple2("stride", [2]int{1, 1}); err != nil {
		return g, err
	}
	if g.Pad, err = n.Tuple2("pad", [2]int{0, 0}); err != nil {
		return g, err
	}
	dilate, err := n.Tuple2("dilate", [2]int{1, 1})
	if err != nil {
		return g, err
	}
	if dilate != [2]int{1, 1} {
		return g, fmt.Errorf("%w: node %s: dilate %v", ErrUnsupportedOp, n.Name, dilate)
	}
	return g, nil
}

// Convolution

type convolution struct {
	conv  layer.Conv2D
	quant *layer.Quantize
}

func newConvolution(n *graph.Node) (kernel, error) {
	g, err := geometry(n, true)
	if err != nil {
		return nil, err
	}
	numFilter, err := n.Int("num_filter", 0)
	if err != nil {
		return nil, err
	}
	noBias, err := n.Bool("no_bias", false)
	if err != nil {
		return nil, err
	}
	c := &convolution{conv: layer.Conv2D{Geometry: g, NumFilter: numFilter, NoBias: noBias}}
	if n.Op == "QConvolution" {
		bits, err := n.Int("act_bit", 1)
		if err != nil {
			return nil, err
		}
		c.quant = &layer.Quantize{ActBit: bits, Scaling: layer.ScaleNone}
	}
	return c, nil
}

func (c *convolution) needs() int {
	if c.conv.NoBias {
		return 2
	}
	return 3
}

func (c *convolution) inferShape(in [][]int) ([]int, error) {
	return c.conv.OutputShape(in[0])
}

func (c *convolution) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	weight := in[1]
	if c.quant != nil {
		var err error
		if weight, err = c.quant.Forward(weight); err != nil {
			return nil, err
		}
	}
	var bias *tensor.Tensor
	if !c.conv.NoBias {
		bias = in[2]
	}
	return c.conv.Forward(in[0], weight, bias)
}

// Deconvolution

type deconvolution struct {
	deconv layer.Deconv2D
}

func newDeconvolution(n *graph.Node) (kernel, error) {
	g, err := geometry(n, true)
	if err != nil {
		return nil, err
	}
	adj, err := n.Tuple2("adj", [2]int{0, 0})
	if err != nil {
		return nil, err
	}
	numFilter, err := n.Int("num_filter", 0)
	if err != nil {
		return nil, err
	}
	noBias, err := n.Bool("no_bias", true)
	if err != nil {
		return nil, err
	}
	return &deconvolution{deconv: layer.Deconv2D{Geometry: g, Adj: adj, NumFilter: numFilter, NoBias: noBias}}, nil
}

func (d *deconvolution) needs() int {
	if d.deconv.NoBias {
		return 2
	}
	return 3
}

func (d *deconvolution) inferShape(in [][]int) ([]int, error) {
	return d.deconv.OutputShape(in[0])
}

func (d *deconvolution) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	var bias *tensor.Tensor
	if !d.deconv.NoBias {
		bias = in[2]
	}
	return d.deconv.Forward(in[0], in[1], bias)
}

// Pooling

type pooling struct {
	pool layer.Pool2D
}

func newPooling(n *graph.Node) (kernel, error) {
	global, err := n.Bool("global_pool", false)
	if err != nil {
		return nil, err
	}
	g, err := geometry(n, !global)
	if err != nil {
		return nil, err
	}
	poolType := layer.MaxPool
	if v, ok := n.Attr("pool_type"); ok {
		poolType = layer.PoolType(v)
	}
	full := false
	switch v, _ := n.Attr("pooling_convention"); v {
	case "", "valid":
	case "full":
		full = true
	default:
		return nil, fmt.Errorf("%w: node %s: pooling_convention %q", ErrUnsupportedOp, n.Name, v)
	}
	return &pooling{pool: layer.Pool2D{Geometry: g, Type: poolType, Global: global, Full: full}}, nil
}

func (p *pooling) needs() int { return 1 }

func (p *pooling) inferShape(in [][]int) ([]int, error) {
	return p.pool.OutputShape(in[0])
}

func (p *pooling) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return p.pool.Forward(in[0])
}

// Activation, LeakyReLU

type activation struct {
	act activations.Activation
}

func newActivation(n *graph.Node) (kernel, error) {
	actType, _ := n.Attr("act_type")
	act, err := activations.Lookup(actType)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrUnsupportedOp, n.Name, err)
	}
	return &activation{act: act}, nil
}

func newLeakyReLU(n *graph.Node) (kernel, error) {
	if actType, ok := n.Attr("act_type"); ok && actType != "leaky" {
		return nil, fmt.Errorf("%w: LeakyReLU act_type %q", ErrUnsupportedOp, actType)
	}
	slope, err := n.Float("slope", 0.25)
	if err != nil {
		return nil, err
	}
	return &activation{act: activations.NewLeakyReLU(slope)}, nil
}

func (a *activation) needs() int { return 1 }

func (a *activation) inferShape(in [][]int) ([]int, error) {
	return in[0], nil
}

func (a *activation) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return layer.Activate(in[0], a.act), nil
}

// BatchNorm

type batchNorm struct {
	bn layer.BatchNorm
}

func newBatchNorm(n *graph.Node) (kernel, error) {
	eps, err := n.Float("eps", 1e-3)
	if err != nil {
		return nil, err
	}
	fixGamma, err := n.Bool("fix_gamma", true)
	if err != nil {
		return nil, err
	}
	return &batchNorm{bn: layer.BatchNorm{Eps: eps, FixGamma: fixGamma}}, nil
}

func (b *batchNorm) needs() int { return 5 }

func (b *batchNorm) inferShape(in [][]int) ([]int, error) {
	return in[0], nil
}

func (b *batchNorm) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return b.bn.Forward(in[0], in[1], in[2], in[3], in[4])
}

// FullyConnected

type fullyConnected struct {
	fc layer.FullyConnected
}

func newFullyConnected(n *graph.Node) (kernel, error) {
	hidden, err := n.Int("num_hidden", 0)
	if err != nil {
		return nil, err
	}
	if hidden <= 0 {
		return nil, fmt.Errorf("node %s: num_hidden must be positive", n.Name)
	}
	noBias, err := n.Bool("no_bias", false)
	if err != nil {
		return nil, err
	}
	return &fullyConnected{fc: layer.FullyConnected{NumHidden: hidden, NoBias: noBias}}, nil
}

func (f *fullyConnected) needs() int {
	if f.fc.NoBias {
		return 2
	}
	return 3
}

func (f *fullyConnected) inferShape(in [][]int) ([]int, error) {
	return f.fc.OutputShape(in[0])
}

func (f *fullyConnected) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	var bias *tensor.Tensor
	if !f.fc.NoBias {
		bias = in[2]
	}
	return f.fc.Forward(in[0], in[1], bias)
}

// Flatten, softmax, identity

type flatten struct{}

func newFlatten(n *graph.Node) (kernel, error) { return flatten{}, nil }

func (flatten) needs() int { return 1 }

func (flatten) inferShape(in [][]int) ([]int, error) {
	return []int{in[0][0], tensor.Volume(in[0][1:])}, nil
}

func (flatten) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	x := in[0]
	return x.Clone().Reshape(x.Shape[0], x.Size()/x.Shape[0])
}

type softmax struct{}

func newSoftmax(n *graph.Node) (kernel, error) { return softmax{}, nil }

func (softmax) needs() int { return 1 }

func (softmax) inferShape(in [][]int) ([]int, error) { return in[0], nil }

func (softmax) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return layer.Softmax(in[0]), nil
}

type identity struct{}

func newIdentity(n *graph.Node) (kernel, error) { return identity{}, nil }

func (identity) needs() int { return 1 }

func (identity) inferShape(in [][]int) ([]int, error) { return in[0], nil }

func (identity) forward(in []*tensor.Tensor) (*tensor.Tensor, error) { return in[0], nil }

// QActivation, QWeights

type quantize struct {
	q layer.Quantize
}

func newQuantize(n *graph.Node) (kernel, error) {
	bits, err := n.Int("act_bit", 1)
	if err != nil {
		return nil, err
	}
	scaling := layer.ScaleNone
	if v, ok := n.Attr("scaling_factor"); ok {
		scaling = layer.ScalingFactor(v)
	}
	return &quantize{q: layer.Quantize{ActBit: bits, Scaling: scaling}}, nil
}

func (q *quantize) needs() int { return 1 }

func (q *quantize) inferShape(in [][]int) ([]int, error) { return in[0], nil }

func (q *quantize) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return q.q.Forward(in[0])
}

// _ones

type ones struct {
	shape []int
}

func newOnes(n *graph.Node) (kernel, error) {
	s, ok := n.Attr("shape")
	if !ok {
		return nil, fmt.Errorf("node %s: _ones needs a shape attribute", n.Name)
	}
	shape, err := graph.ParseTuple(s)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", n.Name, err)
	}
	return &ones{shape: shape}, nil
}

func (o *ones) needs() int { return 0 }

func (o *ones) inferShape(in [][]int) ([]int, error) { return o.shape, nil }

func (o *ones) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Full(1, o.shape...), nil
}

// mean over the channel axis

type mean struct{}

func newMean(n *graph.Node) (kernel, error) {
	axis, _ := n.Attr("axis")
	keepdims, err := n.Bool("keepdims", false)
	if err != nil {
		return nil, err
	}
	if strings.Trim(axis, "() ,") != "1" || !keepdims {
		return nil, fmt.Errorf("%w: mean over axis %q keepdims=%v (only axis=1 keepdims=True)", ErrUnsupportedOp, axis, keepdims)
	}
	return mean{}, nil
}

func (mean) needs() int { return 1 }

func (mean) inferShape(in [][]int) ([]int, error) {
	if len(in[0]) != 4 {
		return nil, fmt.Errorf("%w: mean wants NCHW input, got %v", ErrShapeMismatch, in[0])
	}
	return []int{in[0][0], 1, in[0][2], in[0][3]}, nil
}

func (mean) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MeanAxis1(in[0])
}

// min, max over all elements

type reduce struct {
	fn func(*tensor.Tensor) *tensor.Tensor
}

func newReduce(fn func(*tensor.Tensor) *tensor.Tensor) kernelBuilder {
	return func(n *graph.Node) (kernel, error) {
		if axis, ok := n.Attr("axis"); ok && strings.Trim(axis, "() ") != "" {
			return nil, fmt.Errorf("%w: %s over axis %s", ErrUnsupportedOp, n.Op, axis)
		}
		return reduce{fn: fn}, nil
	}
}

func (reduce) needs() int { return 1 }

func (reduce) inferShape(in [][]int) ([]int, error) { return []int{1}, nil }

func (r reduce) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return r.fn(in[0]), nil
}

// elementwise binary ops on equal shapes

type elemwise struct {
	fn func(a, b *tensor.Tensor) (*tensor.Tensor, error)
}

func newElemwise(fn func(a, b *tensor.Tensor) (*tensor.Tensor, error)) kernelBuilder {
	return func(n *graph.Node) (kernel, error) {
		return elemwise{fn: fn}, nil
	}
}

func (elemwise) needs() int { return 2 }

func (elemwise) inferShape(in [][]int) ([]int, error) {
	if in[1] != nil && !tensor.SameShape(in[0], in[1]) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, in[0], in[1])
	}
	return in[0], nil
}

func (e elemwise) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return e.fn(in[0], in[1])
}

// broadcast ops against a single element operand

type broadcast struct {
	fn func(x, s *tensor.Tensor) (*tensor.Tensor, error)
}

func newBroadcast(fn func(x, s *tensor.Tensor) (*tensor.Tensor, error)) kernelBuilder {
	return func(n *graph.Node) (kernel, error) {
		return broadcast{fn: fn}, nil
	}
}

func (broadcast) needs() int { return 2 }

func (broadcast) inferShape(in [][]int) ([]int, error) {
	if in[1] != nil && tensor.Volume(in[1]) != 1 {
		return nil, fmt.Errorf("%w: only scalar broadcasting is supported, got %v", ErrUnsupportedOp, in[1])
	}
	return in[0], nil
}

func (b broadcast) forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	return b.fn(in[0], in[1])
}
