// Package net binds a graph to its parameters and a backend, persists the
// pair and runs evaluation loops with callbacks.
package net

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
)

// DataName is the variable input tensors are bound to.
const DataName = "data"

// Network is a graph with its parameters and the backend that runs it.
type Network struct {
	Graph   *graph.Graph
	Params  map[string]*tensor.Tensor
	Backend engine.Backend
}

// New creates a network. A nil backend selects the CPU backend.
func New(g *graph.Graph, params map[string]*tensor.Tensor, backend engine.Backend) *Network {
	if params == nil {
		params = make(map[string]*tensor.Tensor)
	}
	if backend == nil {
		backend = engine.NewCPU()
	}
	return &Network{Graph: g, Params: params, Backend: backend}
}

// Snapshot returns a deep copy of the current parameters.
func (n *Network) Snapshot() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(n.Params))
	for k, v := range n.Params {
		out[k] = v.Clone()
	}
	return out
}

// Forward runs data through the graph and returns the head outputs.
func (n *Network) Forward(ctx context.Context, data *tensor.Tensor) ([]*tensor.Tensor, error) {
	return forward(ctx, n.Backend, n.Graph, n.Params, data)
}

func forward(ctx context.Context, backend engine.Backend, g *graph.Graph, params map[string]*tensor.Tensor, data *tensor.Tensor) ([]*tensor.Tensor, error) {
	args := make(map[string]*tensor.Tensor, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	args[DataName] = data
	res, err := backend.Forward(ctx, g, args)
	if err != nil {
		return nil, err
	}
	return res.Outputs(), nil
}

// Executor runs a graph for a fixed input shape on a private copy of the
// parameters.
type Executor struct {
	graph     *graph.Graph
	params    map[string]*tensor.Tensor
	backend   engine.Backend
	dataShape []int
	shapes    engine.Shapes
}

// Bind checks that the graph accepts dataShape and returns an executor for
// it. Later parameter updates on n do not affect the executor.
func (n *Network) Bind(dataShape []int) (*Executor, error) {
	shapes, err := n.Backend.InferShapes(n.Graph, map[string][]int{DataName: dataShape})
	if err != nil {
		return nil, fmt.Errorf("binding %v: %w", dataShape, err)
	}
	return &Executor{
		graph:     n.Graph,
		params:    n.Snapshot(),
		backend:   n.Backend,
		dataShape: append([]int(nil), dataShape...),
		shapes:    shapes,
	}, nil
}

// OutputShapes returns the inferred shape of every head.
func (e *Executor) OutputShapes() [][]int {
	out := make([][]int, len(e.graph.Heads))
	for i, h := range e.graph.Heads {
		out[i] = e.shapes[h.Node()]
	}
	return out
}

// Forward runs one inference pass. data must have the bound shape.
func (e *Executor) Forward(ctx context.Context, data *tensor.Tensor) ([]*tensor.Tensor, error) {
	if !tensor.SameShape(data.Shape, e.dataShape) {
		return nil, fmt.Errorf("%w: executor bound to %v, got %v", tensor.ErrShapeMismatch, e.dataShape, data.Shape)
	}
	return forward(ctx, e.backend, e.graph, e.params, data)
}

// Save writes the graph as JSON to symbolFile and the parameters to
// paramsFile.
func (n *Network) Save(symbolFile, paramsFile string) error {
	if err := n.Graph.Save(symbolFile); err != nil {
		return err
	}
	file, err := os.Create(paramsFile)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	return EncodeParams(file, n.Params)
}

// Load reads a network saved with Save, running on the CPU backend.
func Load(symbolFile, paramsFile string) (*Network, error) {
	g, err := graph.Load(symbolFile)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(paramsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	params, err := DecodeParams(file)
	if err != nil {
		return nil, err
	}
	return New(g, params, nil), nil
}

type paramRecord struct {
	Name  string
	Shape []int
	Data  []float64
}

// EncodeParams writes the parameter count followed by one record per
// parameter, sorted by name.
func EncodeParams(w io.Writer, params map[string]*tensor.Tensor) error {
	encoder := gob.NewEncoder(w)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := encoder.Encode(int32(len(names))); err != nil {
		return fmt.Errorf("failed to encode parameter count: %w", err)
	}
	for _, name := range names {
		p := params[name]
		if err := encoder.Encode(paramRecord{Name: name, Shape: p.Shape, Data: p.Data}); err != nil {
			return fmt.Errorf("failed to encode parameter %s: %w", name, err)
		}
	}
	return nil
}

// DecodeParams reads parameters written by EncodeParams.
func DecodeParams(r io.Reader) (map[string]*tensor.Tensor, error) {
	decoder := gob.NewDecoder(r)

	var count int32
	if err := decoder.Decode(&count); err != nil {
		return nil, fmt.Errorf("failed to read parameter count: %w", err)
	}
	params := make(map[string]*tensor.Tensor, count)
	for i := 0; i < int(count); i++ {
		var rec paramRecord
		if err := decoder.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to read parameter %d: %w", i, err)
		}
		t, err := tensor.FromSlice(rec.Data, rec.Shape...)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", rec.Name, err)
		}
		params[rec.Name] = t
	}
	return params, nil
}
