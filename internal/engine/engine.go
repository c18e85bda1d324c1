// Package engine executes graphs. Graph surgery only ever talks to the
// Backend interface; the CPU backend is the reference implementation.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

var (
	// ErrUnsupportedOp is returned for ops or attributes with no kernel.
	ErrUnsupportedOp = errors.New("engine: unsupported op")
	// ErrMissingParam is returned when a variable has no bound value.
	ErrMissingParam = errors.New("engine: missing parameter")
	// ErrShapeMismatch is returned when operand shapes are incompatible.
	ErrShapeMismatch = tensor.ErrShapeMismatch
)

// Shapes maps node index to the shape of the node's first output.
// Nodes whose shape cannot be inferred (unbound weights) are absent.
type Shapes map[int][]int

// Backend infers shapes for and executes graphs.
type Backend interface {
	// InferShapes propagates the shapes of the named inputs through g.
	InferShapes(g *graph.Graph, inputs map[string][]int) (Shapes, error)
	// Forward evaluates g with variables bound from args.
	Forward(ctx context.Context, g *graph.Graph, args map[string]*tensor.Tensor) (*Result, error)
}

// Result holds the first output of every evaluated node.
type Result struct {
	g      *graph.Graph
	Values []*tensor.Tensor
}

// Outputs returns the values of the graph heads, in head order.
func (r *Result) Outputs() []*tensor.Tensor {
	outs := make([]*tensor.Tensor, len(r.g.Heads))
	for i, h := range r.g.Heads {
		outs[i] = r.Values[h.Node()]
	}
	return outs
}

// Internal returns an internal output by name ("{layer}_output" or a
// variable name).
func (r *Result) Internal(name string) (*tensor.Tensor, error) {
	idx, ok := r.g.Internals()[name]
	if !ok || r.Values[idx] == nil {
		return nil, fmt.Errorf("engine: internal output %q was not computed", name)
	}
	return r.Values[idx], nil
}

// CPU is a single-threaded backend built on the layer kernels.
type CPU struct{}

// NewCPU returns the CPU backend.
func NewCPU() *CPU {
	return &CPU{}
}

// reachable marks the nodes the heads depend on.
func reachable(g *graph.Graph) []bool {
	need := make([]bool, len(g.Nodes))
	for _, h := range g.Heads {
		need[h.Node()] = true
	}
	// nodes are topologically ordered, so one reverse sweep is enough
	for i := len(g.Nodes) - 1; i >= 0; i-- {
		if !need[i] {
			continue
		}
		for _, in := range g.Nodes[i].Inputs {
			need[in.Node()] = true
		}
	}
	return need
}

func checkSlots(n *graph.Node) error {
	for _, in := range n.Inputs {
		if in.Slot() != 0 {
			return fmt.Errorf("%w: node %s reads output slot %d", ErrUnsupportedOp, n.Name, in.Slot())
		}
	}
	return nil
}

// InferShapes implements Backend.
func (c *CPU) InferShapes(g *graph.Graph, inputs map[string][]int) (Shapes, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	shapes := make(Shapes)
	need := reachable(g)
	for i := range g.Nodes {
		if !need[i] {
			continue
		}
		n := &g.Nodes[i]
		if !n.IsOp() {
			if s, ok := inputs[n.Name]; ok {
				shapes[i] = append([]int(nil), s...)
			}
			continue
		}
		if err := checkSlots(n); err != nil {
			return nil, err
		}
		k, err := newKernel(n)
		if err != nil {
			return nil, err
		}
		in := make([][]int, len(n.Inputs))
		for j, e := range n.Inputs {
			in[j] = shapes[e.Node()]
		}
		out, err := k.inferShape(in)
		if err != nil {
			return nil, fmt.Errorf("inferring shape of %s (%s): %w", n.Name, n.Op, err)
		}
		if out != nil {
			shapes[i] = out
		}
	}
	return shapes, nil
}

// Forward implements Backend.
func (c *CPU) Forward(ctx context.Context, g *graph.Graph, args map[string]*tensor.Tensor) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	values := make([]*tensor.Tensor, len(g.Nodes))
	need := reachable(g)
	for i := range g.Nodes {
		if !need[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := &g.Nodes[i]
		if !n.IsOp() {
			// unbound variables (labels) stay nil until a kernel asks for them
			values[i] = args[n.Name]
			continue
		}
		if err := checkSlots(n); err != nil {
			return nil, err
		}
		k, err := newKernel(n)
		if err != nil {
			return nil, err
		}
		in := make([]*tensor.Tensor, len(n.Inputs))
		for j, e := range n.Inputs {
			in[j] = values[e.Node()]
		}
		out, err := k.forward(in)
		if err != nil {
			return nil, fmt.Errorf("running %s (%s): %w", n.Name, n.Op, err)
		}
		values[i] = out
	}
	return &Result{g: g, Values: values}, nil
}
