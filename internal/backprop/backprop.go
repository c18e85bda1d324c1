// Package backprop builds VisualBackprop graphs: a chain of all-ones
// deconvolutions that projects the channel mean of a late activation back
// through every convolution and pooling layer down to input resolution,
// multiplying in the channel mean of each layer's input on the way.
package backprop

import (
	"errors"
	"fmt"
	"strings"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
)

var (
	// ErrNotActivation is returned when the graph does not end in an
	// Activation node.
	ErrNotActivation = errors.New("backprop: visual backprop needs an activation node as starting point")
	// ErrShapeMismatch is returned when an upsampled map does not line up
	// with the feature map it is multiplied with.
	ErrShapeMismatch = engine.ErrShapeMismatch
)

// DefaultInputName is the variable the backward walk stops at.
const DefaultInputName = "data"

// ShortcutSuffix marks residual shortcut layers, which the walk skips.
const ShortcutSuffix = "_sc"

// ShapeInferer is the part of engine.Backend the builder needs.
type ShapeInferer interface {
	InferShapes(g *graph.Graph, inputs map[string][]int) (engine.Shapes, error)
}

// Options configures Build.
type Options struct {
	// InputName is the node where the backward walk stops. The walk also
	// always stops at "data".
	InputName string
	// DataShape is the NCHW shape used for shape checks. It is never
	// executed.
	DataShape []int
	// Shapes, when set, checks the built chain.
	Shapes ShapeInferer
}

func (o Options) withDefaults() Options {
	if o.InputName == "" {
		o.InputName = DefaultInputName
	}
	if len(o.DataShape) == 0 {
		o.DataShape = []int{1, 3, 224, 224}
	}
	return o
}

// Step is one layer the chain projects through.
type Step struct {
	Index  int // node index of the layer
	Name   string
	Op     string
	Kernel [2]int
	Stride [2]int
	Pad    [2]int
	Adj    [2]int
	// Input is the index of the node feeding the layer; its channel mean
	// is multiplied into the upsampled map.
	Input int
}

// IsConvOrPool reports whether the walk selects nodes with this op.
func IsConvOrPool(op string) bool {
	return strings.Contains(op, "Convolution") || op == "Pooling"
}

// Adjustment returns the extra output row and column a transposed
// convolution needs to invert a stride 2 layer whose kernel is not 2.
func Adjustment(kernel, stride [2]int) [2]int {
	if stride[0] == 2 && kernel[0] != 2 {
		return [2]int{1, 1}
	}
	return [2]int{0, 0}
}

// Plan walks g backwards from its last node and returns the layers the
// chain projects through, last layer first.
func Plan(g *graph.Graph, opts Options) ([]Step, error) {
	opts = opts.withDefaults()
	if len(g.Nodes) == 0 || g.Nodes[len(g.Nodes)-1].Op != "Activation" {
		return nil, ErrNotActivation
	}

	var steps []Step
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		n := &g.Nodes[i]
		if n.Name == opts.InputName || n.Name == DefaultInputName {
			break
		}
		if strings.HasSuffix(n.Name, ShortcutSuffix) || !IsConvOrPool(n.Op) {
			continue
		}
		step, err := planStep(g, i)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func planStep(g *graph.Graph, i int) (Step, error) {
	n := &g.Nodes[i]
	s := Step{Index: i, Name: n.Name, Op: n.Op}
	if _, ok := n.Attr("kernel"); !ok {
		return s, fmt.Errorf("backprop: layer %s has no kernel attribute", n.Name)
	}
	var err error
	if s.Kernel, err = n.Tuple2("kernel", [2]int{}); err != nil {
		return s, err
	}
	if s.Stride, err = n.Tuple2("stride", [2]int{1, 1}); err != nil {
		return s, err
	}
	if s.Pad, err = n.Tuple2("pad", [2]int{0, 0}); err != nil {
		return s, err
	}
	s.Adj = Adjustment(s.Kernel, s.Stride)

	if len(n.Inputs) == 0 {
		return s, fmt.Errorf("backprop: layer %s has no inputs", n.Name)
	}
	in := &g.Nodes[n.Inputs[0].Node()]
	if s.Input, err = g.Internal(in.Name); err != nil {
		return s, err
	}
	return s, nil
}

// LastActivation returns the name of the last Activation node in g, the
// default layer to project back from.
func LastActivation(g *graph.Graph) (string, bool) {
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		if g.Nodes[i].Op == "Activation" {
			return g.Nodes[i].Name, true
		}
	}
	return "", false
}
