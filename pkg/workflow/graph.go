package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Graph is an immutable set of nodes and edges. Every mutator returns a new
// Graph and never writes to the receiver's slices, so a Graph held by the
// undo history or an in-flight save can never change underneath its holder.
type Graph struct {
	nodes []Node
	edges []Edge
}

// NewGraph builds a graph from deep copies of nodes and edges
func NewGraph(nodes []Node, edges []Edge) Graph {
	return Graph{
		nodes: cloneNodes(nodes),
		edges: cloneEdges(edges),
	}
}

// EmptyGraph returns a graph without nodes or edges
func EmptyGraph() Graph {
	return Graph{nodes: []Node{}, edges: []Edge{}}
}

// Nodes returns a deep copy of the node list in insertion order
func (g Graph) Nodes() []Node {
	return cloneNodes(g.nodes)
}

// Edges returns a copy of the edge list in insertion order
func (g Graph) Edges() []Edge {
	return cloneEdges(g.edges)
}

// NodeCount returns the number of nodes
func (g Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges
func (g Graph) EdgeCount() int {
	return len(g.edges)
}

// Node looks up a node by id. The returned node is a copy.
func (g Graph) Node(id NodeID) (Node, bool) {
	for _, n := range g.nodes {
		if n.ID == id {
			return n.Clone(), true
		}
	}
	return Node{}, false
}

// HasNode reports whether id is present
func (g Graph) HasNode(id NodeID) bool {
	for _, n := range g.nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// IncomingEdges returns the edges whose target is id, in edge order
func (g Graph) IncomingEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingEdges returns the edges whose source is id, in edge order
func (g Graph) OutgoingEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// WithNodes returns a graph with the node list replaced
func (g Graph) WithNodes(nodes []Node) Graph {
	return Graph{nodes: cloneNodes(nodes), edges: cloneEdges(g.edges)}
}

// WithEdges returns a graph with the edge list replaced
func (g Graph) WithEdges(edges []Edge) Graph {
	return Graph{nodes: cloneNodes(g.nodes), edges: cloneEdges(edges)}
}

// AddNode returns a graph with node appended.
// A node without an id is assigned one.
func (g Graph) AddNode(node Node) (Graph, error) {
	if node.Data == nil {
		return g, errors.New("cannot add node without data")
	}
	if node.ID == "" {
		node.ID = NewNodeID()
	}
	if g.HasNode(node.ID) {
		return g, fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}

	nodes := make([]Node, 0, len(g.nodes)+1)
	nodes = append(nodes, cloneNodes(g.nodes)...)
	nodes = append(nodes, node.Clone())
	return Graph{nodes: nodes, edges: cloneEdges(g.edges)}, nil
}

// RemoveNode returns a graph without the node and all edges connected to it
func (g Graph) RemoveNode(id NodeID) (Graph, error) {
	found := false
	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.ID == id {
			found = true
			continue
		}
		nodes = append(nodes, n.Clone())
	}
	if !found {
		return g, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		if e.Source != id && e.Target != id {
			edges = append(edges, e)
		}
	}
	return Graph{nodes: nodes, edges: edges}, nil
}

// UpdateNode returns a graph where the node with the given id is replaced by
// fn's result. fn receives a copy and may modify it freely; the id is kept.
func (g Graph) UpdateNode(id NodeID, fn func(Node) Node) (Graph, error) {
	found := false
	nodes := make([]Node, len(g.nodes))
	for i, n := range g.nodes {
		if n.ID == id {
			found = true
			updated := fn(n.Clone())
			updated.ID = id
			nodes[i] = updated
			continue
		}
		nodes[i] = n.Clone()
	}
	if !found {
		return g, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return Graph{nodes: nodes, edges: cloneEdges(g.edges)}, nil
}

// Connect returns a graph with edge added. Both endpoints must exist, and a
// single-valued target handle may only be connected once.
func (g Graph) Connect(edge Edge) (Graph, error) {
	if edge.ID == "" {
		edge.ID = NewEdgeID()
	}
	if err := edge.Validate(); err != nil {
		return g, err
	}
	if !g.HasNode(edge.Source) {
		return g, fmt.Errorf("%w (source): %s", ErrDanglingEdge, edge.Source)
	}
	if !g.HasNode(edge.Target) {
		return g, fmt.Errorf("%w (target): %s", ErrDanglingEdge, edge.Target)
	}

	for _, existing := range g.edges {
		if existing.ID == edge.ID {
			return g, fmt.Errorf("duplicate edge id: %s", edge.ID)
		}
		if existing.Source == edge.Source && existing.Target == edge.Target &&
			existing.SourceHandle == edge.SourceHandle && existing.TargetHandle == edge.TargetHandle {
			return g, fmt.Errorf("duplicate edge from %s to %s", edge.Source, edge.Target)
		}
		if edge.TargetHandle.SingleValued() && existing.Target == edge.Target && existing.TargetHandle == edge.TargetHandle {
			return g, fmt.Errorf("%w: %s.%s", ErrHandleOccupied, edge.Target, edge.TargetHandle)
		}
	}

	edges := make([]Edge, 0, len(g.edges)+1)
	edges = append(edges, g.edges...)
	edges = append(edges, edge)
	return Graph{nodes: cloneNodes(g.nodes), edges: edges}, nil
}

// Disconnect returns a graph without the given edge
func (g Graph) Disconnect(id EdgeID) (Graph, error) {
	found := false
	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		if e.ID == id {
			found = true
			continue
		}
		edges = append(edges, e)
	}
	if !found {
		return g, fmt.Errorf("%w: %s", ErrEdgeNotFound, id)
	}
	return Graph{nodes: cloneNodes(g.nodes), edges: edges}, nil
}

// Validate checks all graph invariants and reports every violation found.
// Graphs that fail validation are still usable: the resolver and propagator
// skip dangling edges, and last edge wins on a doubly connected handle.
func (g Graph) Validate() error {
	var validationErrors []string

	nodeIDs := make(map[NodeID]bool, len(g.nodes))
	for _, node := range g.nodes {
		if err := node.Validate(); err != nil {
			validationErrors = append(validationErrors, err.Error())
		}
		if node.ID == "" {
			continue
		}
		if nodeIDs[node.ID] {
			validationErrors = append(validationErrors, fmt.Sprintf("duplicate node ID found: %s", node.ID))
		}
		nodeIDs[node.ID] = true
	}

	occupied := make(map[string]EdgeID)
	for _, edge := range g.edges {
		if err := edge.Validate(); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("edge validation failed: %v", err))
		}
		if !nodeIDs[edge.Source] {
			validationErrors = append(validationErrors, fmt.Sprintf("edge %s references invalid node reference (source): %s", edge.ID, edge.Source))
		}
		if !nodeIDs[edge.Target] {
			validationErrors = append(validationErrors, fmt.Sprintf("edge %s references invalid node reference (target): %s", edge.ID, edge.Target))
		}
		if edge.TargetHandle.SingleValued() {
			key := string(edge.Target) + "/" + string(edge.TargetHandle)
			if prev, ok := occupied[key]; ok {
				validationErrors = append(validationErrors, fmt.Sprintf("edges %s and %s both target %s", prev, edge.ID, key))
			}
			occupied[key] = edge.ID
		}
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("graph validation failed: %s", strings.Join(validationErrors, "; "))
	}
	return nil
}

func cloneNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

func cloneEdges(edges []Edge) []Edge {
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}
