// Package visualbackprop exposes the building blocks for visualizing which
// input pixels drive a convolutional network's activations.
package visualbackprop

import (
	"context"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/backprop"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/net"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/tensor"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/visual"
)

// Re-export common types for easier access
type (
	Graph    = graph.Graph
	Network  = net.Network
	Tensor   = tensor.Tensor
	Backend  = engine.Backend
	Options  = backprop.Options
	Result   = backprop.Result
	Config   = visual.Config
	Plotter  = visual.Plotter
	Sample   = visual.Sample
	Callback = net.Callback
)

// Errors
var (
	ErrNotActivation = backprop.ErrNotActivation
	ErrLayerNotFound = graph.ErrLayerNotFound
	ErrShapeMismatch = engine.ErrShapeMismatch
)

// Graphs
func LoadGraph(filename string) (*Graph, error) {
	return graph.Load(filename)
}

func Truncate(g *Graph, layer string) (*Graph, error) {
	return graph.Truncate(g, layer)
}

func Build(g *Graph, opts Options) (*Result, error) {
	return backprop.Build(g, opts)
}

func Splice(model *Graph, layer string, opts Options) (*Result, error) {
	return backprop.Splice(model, layer, opts)
}

func LastActivation(g *Graph) (string, bool) {
	return backprop.LastActivation(g)
}

// Networks
func LoadNetwork(symbolFile, paramsFile string) (*Network, error) {
	return net.Load(symbolFile, paramsFile)
}

func NewNetwork(g *Graph, params map[string]*Tensor) *Network {
	return net.New(g, params, nil)
}

func NewCPU() Backend {
	return engine.NewCPU()
}

// Visualization
func DefaultConfig() Config {
	return visual.DefaultConfig()
}

func NewPlotter(cfg Config) *Plotter {
	return visual.NewPlotter(cfg)
}

// Visualize splices the back-projection chain for layer onto the network and
// plots every sample with cfg. An empty layer selects the last activation.
//
// Visualize never exits the process: cfg.SingleShot and cfg.Exit only apply
// to the callback returned by Plotter.Callback.
func Visualize(ctx context.Context, n *Network, layer string, samples []Sample, cfg Config) (*Result, error) {
	if layer == "" {
		var ok bool
		if layer, ok = backprop.LastActivation(n.Graph); !ok {
			return nil, ErrNotActivation
		}
	}
	var dataShape []int
	if len(samples) > 0 {
		dataShape = samples[0].Data.Shape
		if len(dataShape) == 3 {
			dataShape = append([]int{1}, dataShape...)
		}
	}
	res, err := backprop.Splice(n.Graph, layer, backprop.Options{DataShape: dataShape, Shapes: n.Backend})
	if err != nil {
		return nil, err
	}
	if err := visual.NewPlotter(cfg).Plot(ctx, res.Graph, samples, n, n.Backend); err != nil {
		return nil, err
	}
	return res, nil
}
