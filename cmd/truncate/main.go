// Command truncate cuts a network symbol after a named layer and makes that
// layer the only output.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/FlavioCFOliveira/VisualBackprop/internal/graph"
)

func main() {
	symbolFile := flag.String("symbol", "", "input symbol JSON")
	layerName := flag.String("layer", "", "layer to cut after")
	out := flag.String("o", "", "output file (default: stdout)")
	list := flag.Bool("list", false, "list the operation layers and exit")
	flag.Parse()

	if *symbolFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	g, err := graph.Load(*symbolFile)
	if err != nil {
		log.Fatal(err)
	}

	if *list {
		for _, l := range graph.Layers(g.Nodes) {
			fmt.Printf("%4d  %-16s %s\n", l.Index, g.Nodes[l.Index].Op, l.Name)
		}
		return
	}

	cut, err := graph.Truncate(g, *layerName)
	if err != nil {
		log.Fatal(err)
	}

	if *out == "" {
		data, err := cut.MarshalJSON()
		if err != nil {
			log.Fatal(err)
		}
		os.Stdout.Write(append(data, '\n'))
		return
	}
	if err := cut.Save(*out); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Wrote %s: %d nodes, head %v\n", *out, len(cut.Nodes), cut.Heads[0])
}
