package graph

import "github.com/rmax-ai/flowboard/pkg/geometry"

// NodeType is the renderer kind of a node.
type NodeType string

const (
	NodeInput   NodeType = "input"
	NodeDefault NodeType = "default"
	NodeOutput  NodeType = "output"
)

// DefaultOrigin is the anchor used for nodes that do not set one: the node is
// positioned by the middle of its top edge.
var DefaultOrigin = geometry.Point{X: 0.5, Y: 0}

// NodeData carries the user-visible payload of a node.
type NodeData struct {
	Label string `json:"label" yaml:"label"`
}

// Node represents a vertex of the diagram.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type,omitempty" yaml:"type,omitempty"`
	Data     NodeData       `json:"data" yaml:"data"`
	Position geometry.Point `json:"position" yaml:"position"`
	// Origin is the anchor of Position relative to the node box, each
	// component in [0,1].
	Origin geometry.Point `json:"origin" yaml:"origin"`
}

// Edge represents a directed connection between two nodes.
type Edge struct {
	ID     string `json:"id" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// State is an ordered snapshot of the diagram. Node order is render order.
type State struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// Clone returns a deep copy of the snapshot.
func (s State) Clone() State {
	out := State{
		Nodes: make([]Node, len(s.Nodes)),
		Edges: make([]Edge, len(s.Edges)),
	}
	copy(out.Nodes, s.Nodes)
	copy(out.Edges, s.Edges)
	return out
}

// NodeByID returns the node with the given id.
func (s State) NodeByID(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgeByID returns the edge with the given id.
func (s State) EdgeByID(id string) (Edge, bool) {
	for _, e := range s.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

// ValidOrigin reports whether both components of an origin lie in [0,1].
func ValidOrigin(p geometry.Point) bool {
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}
