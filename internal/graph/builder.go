package graph

// Builder appends nodes to a graph while keeping it topologically ordered:
// every node can only reference nodes added before it.
type Builder struct {
	g *Graph
}

// NewBuilder starts an empty graph.
func NewBuilder() *Builder {
	return &Builder{g: &Graph{}}
}

// Extend starts a builder on a deep copy of g.
func Extend(g *Graph) *Builder {
	return &Builder{g: g.Clone()}
}

// Variable adds a null node and registers it as an argument.
func (b *Builder) Variable(name string) Entry {
	b.g.Nodes = append(b.g.Nodes, Node{Op: NullOp, Name: name, Inputs: []Entry{}})
	idx := len(b.g.Nodes) - 1
	b.g.ArgNodes = append(b.g.ArgNodes, idx)
	return Entry{idx, 0, 0}
}

// Op adds an operation node reading the given entries.
func (b *Builder) Op(op, name string, attrs map[string]string, inputs ...Entry) Entry {
	in := make([]Entry, len(inputs))
	for i, e := range inputs {
		in[i] = append(Entry(nil), e...)
	}
	b.g.Nodes = append(b.g.Nodes, Node{Op: op, Name: name, Attrs: attrs, Inputs: in})
	return Entry{len(b.g.Nodes) - 1, 0, 0}
}

// Ref returns an entry for an existing node.
func (b *Builder) Ref(idx int) Entry {
	return Entry{idx, 0, 0}
}

// SetHeads replaces the graph outputs.
func (b *Builder) SetHeads(heads ...Entry) {
	b.g.Heads = make([]Entry, len(heads))
	for i, h := range heads {
		b.g.Heads[i] = append(Entry(nil), h...)
	}
}

// AddHead appends an output.
func (b *Builder) AddHead(h Entry) {
	b.g.Heads = append(b.g.Heads, append(Entry(nil), h...))
}

// Len is the number of nodes built so far.
func (b *Builder) Len() int {
	return len(b.g.Nodes)
}

// Graph returns the graph built so far. The row pointer table is dropped
// because appended nodes invalidate it.
func (b *Builder) Graph() *Graph {
	b.g.NodeRowPtr = nil
	return b.g
}
