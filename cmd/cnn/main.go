package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/backprop"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/engine"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/models"
	"github.com/FlavioCFOliveira/VisualBackprop/internal/net"
)

// Writes a small residual CNN with random weights, usable as input for
// visualbackprop and truncate.
func main() {
	out := flag.String("out", ".", "output directory")
	prefix := flag.String("prefix", "tinycnn", "file name prefix")
	size := flag.Int("size", 224, "input height and width used to size the weights")
	seed := flag.Int64("seed", 42, "weight initialization seed")
	width := flag.Int("width", 8, "filters of the stem convolution")
	classes := flag.Int("classes", 10, "number of output classes")
	flag.Parse()

	cfg := models.DefaultTinyCNNConfig()
	cfg.Width = *width
	cfg.NumClasses = *classes

	fmt.Println("=== TinyCNN ===")
	g := models.TinyCNN(cfg)
	dataShape := []int{1, cfg.Channels, *size, *size}
	params, err := models.InitParams(g, map[string][]int{net.DataName: dataShape}, *seed)
	if err != nil {
		log.Fatal(err)
	}

	shapes, err := engine.NewCPU().InferShapes(g, map[string][]int{net.DataName: dataShape})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  Input shape: %v\n", dataShape)
	for i := range g.Nodes {
		if n := &g.Nodes[i]; n.IsOp() {
			fmt.Printf("  %-14s %-16s %v\n", n.Op, n.Name, shapes[i])
		}
	}

	if name, ok := backprop.LastActivation(g); ok {
		fmt.Printf("\nVisualBackprop from %s:\n", name)
		res, err := backprop.Splice(g, name, backprop.Options{DataShape: dataShape, Shapes: engine.NewCPU()})
		if err != nil {
			log.Fatal(err)
		}
		for _, s := range res.Steps {
			fmt.Printf("  %-10s kernel=%v stride=%v adj=%v\n", s.Name, s.Kernel, s.Stride, s.Adj)
		}
		fmt.Printf("  Spliced graph: %d nodes, map at head %d\n", len(res.Graph.Nodes), res.Head)
	}

	symbolFile := filepath.Join(*out, *prefix+"-symbol.json")
	paramsFile := filepath.Join(*out, *prefix+".params")
	if err := net.New(g, params, nil).Save(symbolFile, paramsFile); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("\nWrote %s and %s (%d parameters)\n", symbolFile, paramsFile, len(params))
}
