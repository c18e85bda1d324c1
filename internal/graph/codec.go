package graph

import (
	"encoding/json"
	"fmt"
)

// Raw JSON structures matching the symbol file format

type nodeJSON struct {
	Op     string            `json:"op"`
	Name   string            `json:"name"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Attr   map[string]string `json:"attr,omitempty"`
	Param  map[string]string `json:"param,omitempty"`
	Inputs []Entry           `json:"inputs"`
}

var nodeKeys = map[string]bool{"op": true, "name": true, "attrs": true, "attr": true, "param": true, "inputs": true}

type graphJSON struct {
	Nodes      []Node                     `json:"nodes"`
	ArgNodes   []int                      `json:"arg_nodes"`
	NodeRowPtr []int                      `json:"node_row_ptr,omitempty"`
	Heads      []Entry                    `json:"heads"`
	Attrs      map[string]json.RawMessage `json:"attrs,omitempty"`
}

var graphKeys = map[string]bool{"nodes": true, "arg_nodes": true, "node_row_ptr": true, "heads": true, "attrs": true}

// UnmarshalJSON accepts the current "attrs" key and the legacy "attr" and
// "param" keys.
func (n *Node) UnmarshalJSON(data []byte) error {
	var nj nodeJSON
	if err := json.Unmarshal(data, &nj); err != nil {
		return fmt.Errorf("decoding node: %w", err)
	}
	extra, err := unknownKeys(data, nodeKeys)
	if err != nil {
		return err
	}

	attrs := nj.Attrs
	if attrs == nil {
		attrs = nj.Attr
	}
	if attrs == nil {
		attrs = nj.Param
	}
	*n = Node{Op: nj.Op, Name: nj.Name, Attrs: attrs, Inputs: nj.Inputs, extra: extra}
	if n.Inputs == nil {
		n.Inputs = []Entry{}
	}
	return nil
}

// MarshalJSON always writes attributes under "attrs".
func (n Node) MarshalJSON() ([]byte, error) {
	inputs := n.Inputs
	if inputs == nil {
		inputs = []Entry{}
	}
	known, err := json.Marshal(nodeJSON{Op: n.Op, Name: n.Name, Attrs: n.Attrs, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	return mergeKeys(known, n.extra)
}

// UnmarshalJSON decodes a graph, keeping unknown top-level keys.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var gj graphJSON
	if err := json.Unmarshal(data, &gj); err != nil {
		return err
	}
	extra, err := unknownKeys(data, graphKeys)
	if err != nil {
		return err
	}
	*g = Graph{
		Nodes:      gj.Nodes,
		ArgNodes:   gj.ArgNodes,
		NodeRowPtr: gj.NodeRowPtr,
		Heads:      gj.Heads,
		Attrs:      gj.Attrs,
		extra:      extra,
	}
	return nil
}

// MarshalJSON encodes the graph in the symbol file format.
func (g Graph) MarshalJSON() ([]byte, error) {
	gj := graphJSON{
		Nodes:      g.Nodes,
		ArgNodes:   g.ArgNodes,
		NodeRowPtr: g.NodeRowPtr,
		Heads:      g.Heads,
		Attrs:      g.Attrs,
	}
	// Ensure we write empty arrays, not null
	if gj.Nodes == nil {
		gj.Nodes = []Node{}
	}
	if gj.ArgNodes == nil {
		gj.ArgNodes = []int{}
	}
	if gj.Heads == nil {
		gj.Heads = []Entry{}
	}
	known, err := json.Marshal(gj)
	if err != nil {
		return nil, err
	}
	return mergeKeys(known, g.extra)
}

func unknownKeys(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

func mergeKeys(known []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return known, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(known, &all); err != nil {
		return nil, err
	}
	for k, v := range extra {
		all[k] = v
	}
	return json.Marshal(all)
}
