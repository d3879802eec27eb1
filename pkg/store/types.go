package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
)

// ChangeType is the kind of a change operation.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeRemove ChangeType = "remove"
	ChangeUpdate ChangeType = "update"
)

// Collection names the half of the graph an operation targets.
type Collection string

const (
	CollectionNodes Collection = "nodes"
	CollectionEdges Collection = "edges"
)

var (
	ErrEmptyID       = errors.New("change id is required")
	ErrMissingItem   = errors.New("add change requires an item")
	ErrMissingPatch  = errors.New("update change requires a patch")
	ErrIDMismatch    = errors.New("change id does not match item id")
	ErrInvalidOrigin = errors.New("origin components must lie in [0,1]")
	ErrUnknownChange = errors.New("unknown change type")
)

// NodePatch lists the node fields an update overwrites. Nil fields are left
// untouched.
type NodePatch struct {
	Type     *graph.NodeType `json:"type,omitempty"`
	Label    *string         `json:"label,omitempty"`
	Position *geometry.Point `json:"position,omitempty"`
	Origin   *geometry.Point `json:"origin,omitempty"`
}

// NodeChange is an add, remove or update of a single node.
type NodeChange struct {
	Type  ChangeType  `json:"type"`
	ID    string      `json:"id"`
	Item  *graph.Node `json:"item,omitempty"`
	Patch *NodePatch  `json:"patch,omitempty"`
}

// AddNode returns an add change for n.
func AddNode(n graph.Node) NodeChange {
	return NodeChange{Type: ChangeAdd, ID: n.ID, Item: &n}
}

// RemoveNode returns a remove change for the node id.
func RemoveNode(id string) NodeChange {
	return NodeChange{Type: ChangeRemove, ID: id}
}

// UpdateNode returns an update change for the node id.
func UpdateNode(id string, p NodePatch) NodeChange {
	return NodeChange{Type: ChangeUpdate, ID: id, Patch: &p}
}

// normalize validates the change and returns a copy that shares no memory
// with the caller.
func (c NodeChange) normalize() (NodeChange, error) {
	if c.ID == "" && c.Item != nil {
		c.ID = c.Item.ID
	}
	if c.ID == "" {
		return c, ErrEmptyID
	}
	switch c.Type {
	case ChangeAdd:
		if c.Item == nil {
			return c, ErrMissingItem
		}
		item := *c.Item
		if item.ID == "" {
			item.ID = c.ID
		}
		if item.ID != c.ID {
			return c, fmt.Errorf("%w: %q vs %q", ErrIDMismatch, c.ID, item.ID)
		}
		if !graph.ValidOrigin(item.Origin) {
			return c, fmt.Errorf("node %q: %w", c.ID, ErrInvalidOrigin)
		}
		c.Item, c.Patch = &item, nil
	case ChangeRemove:
		c.Item, c.Patch = nil, nil
	case ChangeUpdate:
		if c.Patch == nil {
			return c, ErrMissingPatch
		}
		p := clonePatch(*c.Patch)
		if p.Origin != nil && !graph.ValidOrigin(*p.Origin) {
			return c, fmt.Errorf("node %q: %w", c.ID, ErrInvalidOrigin)
		}
		c.Item, c.Patch = nil, &p
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownChange, c.Type)
	}
	return c, nil
}

func clonePatch(p NodePatch) NodePatch {
	out := NodePatch{}
	if p.Type != nil {
		v := *p.Type
		out.Type = &v
	}
	if p.Label != nil {
		v := *p.Label
		out.Label = &v
	}
	if p.Position != nil {
		v := *p.Position
		out.Position = &v
	}
	if p.Origin != nil {
		v := *p.Origin
		out.Origin = &v
	}
	return out
}

// EdgePatch lists the edge fields an update overwrites.
type EdgePatch struct {
	Source *string `json:"source,omitempty"`
	Target *string `json:"target,omitempty"`
}

// EdgeChange is an add, remove or update of a single edge.
type EdgeChange struct {
	Type  ChangeType  `json:"type"`
	ID    string      `json:"id"`
	Item  *graph.Edge `json:"item,omitempty"`
	Patch *EdgePatch  `json:"patch,omitempty"`
}

// AddEdge returns an add change for e.
func AddEdge(e graph.Edge) EdgeChange {
	return EdgeChange{Type: ChangeAdd, ID: e.ID, Item: &e}
}

// RemoveEdge returns a remove change for the edge id.
func RemoveEdge(id string) EdgeChange {
	return EdgeChange{Type: ChangeRemove, ID: id}
}

// UpdateEdge returns an update change for the edge id.
func UpdateEdge(id string, p EdgePatch) EdgeChange {
	return EdgeChange{Type: ChangeUpdate, ID: id, Patch: &p}
}

func (c EdgeChange) normalize() (EdgeChange, error) {
	if c.ID == "" && c.Item != nil {
		c.ID = c.Item.ID
	}
	if c.ID == "" {
		return c, ErrEmptyID
	}
	switch c.Type {
	case ChangeAdd:
		if c.Item == nil {
			return c, ErrMissingItem
		}
		item := *c.Item
		if item.ID == "" {
			item.ID = c.ID
		}
		if item.ID != c.ID {
			return c, fmt.Errorf("%w: %q vs %q", ErrIDMismatch, c.ID, item.ID)
		}
		c.Item, c.Patch = &item, nil
	case ChangeRemove:
		c.Item, c.Patch = nil, nil
	case ChangeUpdate:
		if c.Patch == nil {
			return c, ErrMissingPatch
		}
		p := EdgePatch{}
		if c.Patch.Source != nil {
			v := *c.Patch.Source
			p.Source = &v
		}
		if c.Patch.Target != nil {
			v := *c.Patch.Target
			p.Target = &v
		}
		c.Item, c.Patch = nil, &p
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownChange, c.Type)
	}
	return c, nil
}

// ConnectParams names the endpoints of a new edge.
type ConnectParams struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Stamp orders operations across replicas: by Clock first, then by Session.
// The zero Stamp precedes every real one.
type Stamp struct {
	Clock   uint64 `json:"clock"`
	Session string `json:"session"`
}

// IsZero reports whether the stamp is unset.
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.Session == ""
}

// Compare returns -1, 0 or +1.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Clock < o.Clock:
		return -1
	case s.Clock > o.Clock:
		return 1
	case s.Session < o.Session:
		return -1
	case s.Session > o.Session:
		return 1
	}
	return 0
}

// Less reports whether s orders before o.
func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

// Op is one stamped change. Exactly one of Node and Edge is set.
type Op struct {
	Stamp Stamp       `json:"stamp"`
	Node  *NodeChange `json:"node,omitempty"`
	Edge  *EdgeChange `json:"edge,omitempty"`
}

// Collection returns the collection the op targets.
func (o Op) Collection() Collection {
	if o.Node != nil {
		return CollectionNodes
	}
	return CollectionEdges
}

func (o Op) normalize() (Op, error) {
	switch {
	case o.Node != nil && o.Edge != nil:
		return o, errors.New("op carries both a node and an edge change")
	case o.Node != nil:
		c, err := o.Node.normalize()
		if err != nil {
			return o, err
		}
		o.Node = &c
	case o.Edge != nil:
		c, err := o.Edge.normalize()
		if err != nil {
			return o, err
		}
		o.Edge = &c
	default:
		return o, errors.New("op carries no change")
	}
	return o, nil
}

// Envelope is the unit of broadcast between replicas of a room. All ops of
// an envelope are merged atomically by the receiver.
type Envelope struct {
	EnvelopeID string    `json:"envelope_id"`
	Room       string    `json:"room"`
	Session    string    `json:"session"`
	TsEmit     time.Time `json:"ts_emit"`
	Ops        []Op      `json:"ops"`
}
