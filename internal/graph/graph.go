// Package graph models a serialized computation graph: an arena of nodes in
// topological order, addressed by stable integer indices.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrLayerNotFound is returned when a named layer is not an operation node.
	ErrLayerNotFound = errors.New("graph: layer not found")
	// ErrNotTopological is returned when a node references a later node.
	ErrNotTopological = errors.New("graph: nodes are not in topological order")
	// ErrBadTuple is returned for malformed tuple attributes.
	ErrBadTuple = errors.New("graph: malformed tuple attribute")
)

// NullOp is the op of variable nodes (data, weights, labels).
const NullOp = "null"

// Entry references one output of a node: [node, slot] or [node, slot, version].
type Entry []int

// Node returns the referenced node index.
func (e Entry) Node() int {
	return e[0]
}

// Slot returns the referenced output slot.
func (e Entry) Slot() int {
	if len(e) < 2 {
		return 0
	}
	return e[1]
}

// Node is one operation or variable in the graph.
type Node struct {
	Op     string
	Name   string
	Attrs  map[string]string
	Inputs []Entry

	// extra holds keys this package does not interpret, kept for round trips.
	extra map[string]json.RawMessage
}

// IsOp reports whether the node is an operation rather than a variable.
func (n *Node) IsOp() bool {
	return n.Op != NullOp
}

// Attr returns the attribute value and whether it was set.
func (n *Node) Attr(key string) (string, bool) {
	v, ok := n.Attrs[key]
	return v, ok
}

// Tuple2 parses a two element tuple attribute, returning def when the
// attribute is absent.
func (n *Node) Tuple2(key string, def [2]int) ([2]int, error) {
	s, ok := n.Attrs[key]
	if !ok {
		return def, nil
	}
	vals, err := ParseTuple(s)
	if err != nil {
		return def, fmt.Errorf("node %s attribute %s: %w", n.Name, key, err)
	}
	switch len(vals) {
	case 1:
		return [2]int{vals[0], vals[0]}, nil
	case 2:
		return [2]int{vals[0], vals[1]}, nil
	}
	return def, fmt.Errorf("node %s attribute %s: %w: want 2 values, got %q", n.Name, key, ErrBadTuple, s)
}

// Int parses an integer attribute, returning def when the attribute is absent.
func (n *Node) Int(key string, def int) (int, error) {
	s, ok := n.Attrs[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def, fmt.Errorf("node %s attribute %s: %w", n.Name, key, err)
	}
	return v, nil
}

// Float parses a float attribute, returning def when the attribute is absent.
func (n *Node) Float(key string, def float64) (float64, error) {
	s, ok := n.Attrs[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def, fmt.Errorf("node %s attribute %s: %w", n.Name, key, err)
	}
	return v, nil
}

// Bool parses a boolean attribute ("True", "1", "false", ...).
func (n *Node) Bool(key string, def bool) (bool, error) {
	s, ok := n.Attrs[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return def, fmt.Errorf("node %s attribute %s: invalid bool %q", n.Name, key, s)
}

// ParseTuple parses a stringified tuple such as "(3, 3)" or "[2,2]".
func ParseTuple(s string) ([]int, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.Trim(trimmed, "()[]")
	if strings.TrimSpace(trimmed) == "" {
		return []int{}, nil
	}
	parts := strings.Split(trimmed, ",")
	vals := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			// trailing comma in one element tuples, e.g. "(3,)"
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(p, "L"))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadTuple, s)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// FormatTuple renders values the way tuple attributes are serialized.
func FormatTuple(vals ...int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Graph is a computation graph with nodes in topological order.
type Graph struct {
	Nodes      []Node
	ArgNodes   []int
	NodeRowPtr []int
	Heads      []Entry
	Attrs      map[string]json.RawMessage

	extra map[string]json.RawMessage
}

// OutputName is the internal name under which an operation node's first
// output is published. Variables are published under their own name.
func OutputName(n *Node) string {
	if n.IsOp() {
		return n.Name + "_output"
	}
	return n.Name
}

// Internals maps every internal output name to its node index.
func (g *Graph) Internals() map[string]int {
	m := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		m[OutputName(&g.Nodes[i])] = i
	}
	return m
}

// Internal resolves an internal output by name, trying "{name}_output"
// before the plain name.
func (g *Graph) Internal(name string) (int, error) {
	internals := g.Internals()
	if idx, ok := internals[name+"_output"]; ok {
		return idx, nil
	}
	if idx, ok := internals[name]; ok {
		return idx, nil
	}
	return -1, fmt.Errorf("%w: no internal output %q", ErrLayerNotFound, name)
}

// Index returns the index of the node with the given name, or -1.
func (g *Graph) Index(name string) int {
	for i := range g.Nodes {
		if g.Nodes[i].Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that every input references an earlier node and that
// heads and arg_nodes are in range.
func (g *Graph) Validate() error {
	for i := range g.Nodes {
		for _, in := range g.Nodes[i].Inputs {
			if len(in) == 0 {
				return fmt.Errorf("node %d (%s): empty input entry", i, g.Nodes[i].Name)
			}
			if in.Node() < 0 || in.Node() >= i {
				return fmt.Errorf("%w: node %d (%s) reads node %d", ErrNotTopological, i, g.Nodes[i].Name, in.Node())
			}
		}
	}
	for _, a := range g.ArgNodes {
		if a < 0 || a >= len(g.Nodes) {
			return fmt.Errorf("graph: arg node %d out of range", a)
		}
	}
	for _, h := range g.Heads {
		if len(h) == 0 || h.Node() < 0 || h.Node() >= len(g.Nodes) {
			return fmt.Errorf("graph: head %v out of range", h)
		}
	}
	return nil
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Nodes:      make([]Node, len(g.Nodes)),
		ArgNodes:   append([]int(nil), g.ArgNodes...),
		NodeRowPtr: append([]int(nil), g.NodeRowPtr...),
		Heads:      cloneEntries(g.Heads),
		Attrs:      cloneRaw(g.Attrs),
		extra:      cloneRaw(g.extra),
	}
	for i := range g.Nodes {
		c.Nodes[i] = g.Nodes[i].clone()
	}
	return c
}

func (n *Node) clone() Node {
	c := Node{
		Op:     n.Op,
		Name:   n.Name,
		Inputs: cloneEntries(n.Inputs),
		extra:  cloneRaw(n.extra),
	}
	if n.Attrs != nil {
		c.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = v
		}
	}
	return c
}

func cloneEntries(es []Entry) []Entry {
	if es == nil {
		return nil
	}
	out := make([]Entry, len(es))
	for i, e := range es {
		out[i] = append(Entry(nil), e...)
	}
	return out
}

func cloneRaw(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Load reads a JSON graph from a file.
func Load(filename string) (*Graph, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading graph file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON graph and validates its topology.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing graph JSON: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Save writes the graph as indented JSON.
func (g *Graph) Save(filename string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling graph: %w", err)
	}
	return os.WriteFile(filename, data, 0644)
}
