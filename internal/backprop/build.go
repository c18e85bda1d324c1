package backprop

import (
	"fmt"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// Prefix starts the names of every node Build adds.
const Prefix = "visual_backprop_"

// Result is a graph with a back-projection head appended.
type Result struct {
	Graph *graph.Graph
	// Head is the position of the normalized map in Graph.Heads.
	Head int
	// Output is the node index of the normalized map.
	Output int
	Steps  []Step
}

// Build appends the back-projection chain to a copy of g, which must end in
// an Activation node. The result keeps g's heads and adds the normalized
// map as the last head. g is not modified.
func Build(g *graph.Graph, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	steps, err := Plan(g, opts)
	if err != nil {
		return nil, err
	}

	b := graph.Extend(g)
	last := b.Ref(len(g.Nodes) - 1)
	feature := channelMean(b, Prefix+"start_mean", last)

	deconvs := make([]graph.Entry, len(steps))
	means := make([]graph.Entry, len(steps))
	for i, s := range steps {
		name := Prefix + s.Name
		ones := b.Op("_ones", name+"_ones", map[string]string{
			"shape": graph.FormatTuple(1, 1, s.Kernel[0], s.Kernel[1]),
		})
		deconvs[i] = b.Op("Deconvolution", name+"_deconv", map[string]string{
			"kernel":     graph.FormatTuple(s.Kernel[:]...),
			"stride":     graph.FormatTuple(s.Stride[:]...),
			"pad":        graph.FormatTuple(s.Pad[:]...),
			"adj":        graph.FormatTuple(s.Adj[:]...),
			"num_filter": "1",
			"no_bias":    "True",
		}, feature, ones)
		means[i] = channelMean(b, name+"_mean", b.Ref(s.Input))
		feature = b.Op("elemwise_mul", name+"_mul", nil, deconvs[i], means[i])
	}

	lo := b.Op("min", Prefix+"min", nil, feature)
	hi := b.Op("max", Prefix+"max", nil, feature)
	shifted := b.Op("broadcast_sub", Prefix+"shift", nil, feature, lo)
	span := b.Op("_minus", Prefix+"range", nil, hi, lo)
	norm := b.Op("broadcast_div", Prefix+"norm", nil, shifted, span)

	b.AddHead(norm)
	res := &Result{Graph: b.Graph(), Head: len(g.Heads), Output: norm.Node(), Steps: steps}

	if opts.Shapes != nil {
		if err := check(res, opts, deconvs, means); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func channelMean(b *graph.Builder, name string, in graph.Entry) graph.Entry {
	return b.Op("mean", name, map[string]string{"axis": "1", "keepdims": "True"}, in)
}

// check infers the chain's shapes on the data shape and verifies that every
// upsampled map matches the feature map it is multiplied with.
func check(res *Result, opts Options, deconvs, means []graph.Entry) error {
	shapes, err := opts.Shapes.InferShapes(res.Graph, map[string][]int{DefaultInputName: opts.DataShape})
	if err != nil {
		return err
	}
	for i, s := range res.Steps {
		up, mean := shapes[deconvs[i].Node()], shapes[means[i].Node()]
		if !tensor.SameShape(up, mean) {
			return fmt.Errorf("%w: layer %s upsamples to %v but its input has %v", ErrShapeMismatch, s.Name, up, mean)
		}
	}
	if out := shapes[res.Output]; out == nil {
		return fmt.Errorf("%w: could not infer the shape of the normalized map", ErrShapeMismatch)
	}
	return nil
}

// Splice truncates model after layer (an Activation node), builds the
// back-projection chain on the truncated graph and appends the chain to the
// full model. The result keeps the model's heads and adds the map last, so a
// bound executor produces both the predictions and the map in one pass.
func Splice(model *graph.Graph, layer string, opts Options) (*Result, error) {
	cut, err := graph.Truncate(model, layer)
	if err != nil {
		return nil, err
	}
	built, err := Build(cut, opts)
	if err != nil {
		return nil, err
	}

	// the truncated graph is a prefix of the model, so only the appended
	// chain nodes move
	b := graph.Extend(model)
	offset := b.Len() - len(cut.Nodes)
	remap := func(e graph.Entry) graph.Entry {
		out := append(graph.Entry(nil), e...)
		if out[0] >= len(cut.Nodes) {
			out[0] += offset
		}
		return out
	}

	for _, n := range built.Graph.Nodes[len(cut.Nodes):] {
		inputs := make([]graph.Entry, len(n.Inputs))
		for j, e := range n.Inputs {
			inputs[j] = remap(e)
		}
		b.Op(n.Op, n.Name, n.Attrs, inputs...)
	}
	head := remap(built.Graph.Heads[built.Head])
	b.AddHead(head)

	steps := make([]Step, len(built.Steps))
	copy(steps, built.Steps)
	return &Result{
		Graph:  b.Graph(),
		Head:   len(model.Heads),
		Output: head.Node(),
		Steps:  steps,
	}, nil
}
