package graph

import (
	"encoding/json"
	"fmt"
)

// Layer names an operation node and its position in the node list.
type Layer struct {
	Name  string
	Index int
}

// Layers lists the operation nodes in graph order.
func Layers(nodes []Node) []Layer {
	var layers []Layer
	for i := range nodes {
		if nodes[i].IsOp() {
			layers = append(layers, Layer{Name: nodes[i].Name, Index: i})
		}
	}
	return layers
}

// LayerIndex maps operation node names to their index. When a name repeats,
// the last occurrence wins.
func LayerIndex(nodes []Node) map[string]int {
	index := make(map[string]int)
	for _, l := range Layers(nodes) {
		index[l.Name] = l.Index
	}
	return index
}

// Truncate returns a copy of g cut after the named layer, with that layer's
// first output as the only head. g is not modified.
func Truncate(g *Graph, layerName string) (*Graph, error) {
	headID, ok := LayerIndex(g.Nodes)[layerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, layerName)
	}

	// strip everything after the head and point the outputs at it
	out := g.Clone()
	out.Nodes = out.Nodes[:headID+1]
	args := make([]int, 0, len(out.ArgNodes))
	for _, a := range out.ArgNodes {
		if a <= headID {
			args = append(args, a)
		}
	}
	out.ArgNodes = args
	out.NodeRowPtr = nil
	out.Heads = []Entry{{len(out.Nodes) - 1, 0}}
	return out, nil
}

// TruncateJSON is Truncate on the serialized form.
func TruncateJSON(data []byte, layerName string) ([]byte, error) {
	g, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cut, err := Truncate(g, layerName)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cut)
}
