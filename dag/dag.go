// Package dag is a small named-node wrapper over gonum's directed graph,
// used to describe and order saga step plans.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	name      string
	attrs     encoding.Attributes
	nodeAttrs encoding.Attributes
	edgeAttrs encoding.Attributes
	byName    map[string]*Node
}

func New(name string) *Graph {
	g := &Graph{
		DirectedGraph: simple.NewDirectedGraph(),
		name:          name,
		byName:        make(map[string]*Node),
	}
	_ = g.nodeAttrs.SetAttribute(encoding.Attribute{Key: "shape", Value: "box"})
	return g
}

// Node is a graph node carrying a unique name and DOT attributes.
type Node struct {
	graph.Node
	Name  string
	attrs encoding.Attributes
}

// DOTID implements dot.Node so exported graphs show step names.
func (n *Node) DOTID() string {
	return n.Name
}

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

// AddNamed adds a node. Names must be unique within the graph.
func (g *Graph) AddNamed(name, label string) (*Node, error) {
	if _, ok := g.byName[name]; ok {
		return nil, fmt.Errorf("node with name '%s' already exists", name)
	}
	n := &Node{Node: g.DirectedGraph.NewNode(), Name: name}
	if label != "" {
		if err := n.SetAttribute(encoding.Attribute{Key: "label", Value: label}); err != nil {
			return nil, err
		}
	}
	g.DirectedGraph.AddNode(n)
	g.byName[name] = n
	return n, nil
}

// Lookup returns the node with the given name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Connect adds an edge meaning "to depends on from".
func (g *Graph) Connect(from, to string) error {
	f, ok := g.byName[from]
	if !ok {
		return fmt.Errorf("node '%s' does not exist", from)
	}
	t, ok := g.byName[to]
	if !ok {
		return fmt.Errorf("node '%s' does not exist", to)
	}
	if f.ID() == t.ID() {
		return fmt.Errorf("node '%s' cannot depend on itself", from)
	}
	g.SetEdge(simple.Edge{F: f, T: t})
	return nil
}

// Order returns node names in dependency order, breaking ties by insertion.
func (g *Graph) Order() ([]string, error) {
	sorted, err := topo.SortStabilized(g.DirectedGraph, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("topological sort failed (cycle detected?): %w", err)
	}
	names := make([]string, len(sorted))
	for i, n := range sorted {
		names[i] = n.(*Node).Name
	}
	return names, nil
}

// DOTAttributers implements dot.Attributers.
func (g *Graph) DOTAttributers() (graphAttrs, nodeAttrs, edgeAttrs encoding.Attributer) {
	return &g.attrs, &g.nodeAttrs, &g.edgeAttrs
}

func (g *Graph) SetAttribute(attr encoding.Attribute) error {
	return g.attrs.SetAttribute(attr)
}

// ExportToDot exports the graph to Graphviz .dot format.
func (g *Graph) ExportToDot() (string, error) {
	data, err := dot.Marshal(g, g.name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}
