// Package gesture implements the drag-a-connection interaction: releasing
// over a node connects to it, releasing over empty canvas spawns a new node
// at the drop point and connects to that instead.
package gesture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/store"
)

var (
	ErrGestureActive = errors.New("a connection drag is already in progress")
	ErrNotDragging   = errors.New("no connection drag in progress")
	ErrEmptyNodeID   = errors.New("drag must start from a node")
)

// Phase is the state of the controller.
type Phase int

const (
	Idle Phase = iota
	Dragging
	Completed
	SpawnedNode
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Dragging:
		return "dragging"
	case Completed:
		return "completed"
	case SpawnedNode:
		return "spawned_node"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Mutator is the part of the store the controller writes through.
type Mutator interface {
	Batch(fn func(tx *store.Tx) error) error
	Connect(p store.ConnectParams) (graph.Edge, error)
}

// Mapper converts a screen position to model space.
type Mapper interface {
	ToModelSpace(screenX, screenY float64) geometry.Point
}

// MapperFunc adapts a function to Mapper. Renderers whose viewport changes
// between drags pass a closure reading the current viewport.
type MapperFunc func(screenX, screenY float64) geometry.Point

func (f MapperFunc) ToModelSpace(screenX, screenY float64) geometry.Point {
	return f(screenX, screenY)
}

// IDSource hands out node ids unique across collaborators.
type IDSource interface {
	NextID() string
}

// ConnectionState is what a renderer reports when a connection drag ends.
type ConnectionState struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id,omitempty"`
	IsValid    bool   `json:"is_valid"`
}

// Outcome describes the terminal transition of a drag.
type Outcome struct {
	Phase Phase       `json:"-"`
	From  string      `json:"from"`
	Node  *graph.Node `json:"node,omitempty"`
	Edge  graph.Edge  `json:"edge"`
}

// Controller is the connection gesture state machine. It is safe for
// concurrent use, although a renderer normally drives it from one goroutine.
type Controller struct {
	mu     sync.Mutex
	store  Mutator
	mapper Mapper
	ids    IDSource
	logger zerolog.Logger

	phase Phase
	from  string
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New returns an idle controller writing to s.
func New(s Mutator, mapper Mapper, ids IDSource, opts ...Option) *Controller {
	c := &Controller{
		store:  s,
		mapper: mapper,
		ids:    ids,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns Idle or Dragging. Terminal phases are only observable through
// the Outcome of the transition.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// From returns the node the active drag started from.
func (c *Controller) From() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.from
}

// Begin starts a drag from a node's connection handle.
func (c *Controller) Begin(fromNodeID string) error {
	if fromNodeID == "" {
		return ErrEmptyNodeID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Dragging {
		return ErrGestureActive
	}
	c.phase = Dragging
	c.from = fromNodeID
	return nil
}

// Cancel aborts an active drag without touching the store.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == Dragging {
		GesturesTotal.WithLabelValues("cancelled").Inc()
	}
	c.reset()
}

// End finishes the active drag. target is the node under the pointer on
// release, or "" for empty canvas. Dropping on the origin node itself is a
// valid self-loop.
func (c *Controller) End(ev geometry.PointerEvent, target string) (Outcome, error) {
	c.mu.Lock()
	if c.phase != Dragging {
		c.mu.Unlock()
		return Outcome{}, ErrNotDragging
	}
	from := c.from
	c.reset()
	c.mu.Unlock()

	return c.finish(ev, from, target)
}

// OnConnectEnd handles a drag reported whole by a renderer that tracks the
// drag itself. It does not require Begin and leaves a drag started with
// Begin untouched. A renderer using it must not also report the same drag
// through its connect callback.
func (c *Controller) OnConnectEnd(ev geometry.PointerEvent, st ConnectionState) (Outcome, error) {
	if st.FromNodeID == "" {
		return Outcome{}, ErrEmptyNodeID
	}
	target := ""
	if st.IsValid {
		target = st.ToNodeID
	}
	return c.finish(ev, st.FromNodeID, target)
}

// reset must be called with c.mu held.
func (c *Controller) reset() {
	c.phase = Idle
	c.from = ""
}

// finish runs the terminal transition. The machine is already back to Idle so
// store listeners may start the next drag.
func (c *Controller) finish(ev geometry.PointerEvent, from, target string) (Outcome, error) {
	if target != "" {
		edge, err := c.store.Connect(store.ConnectParams{Source: from, Target: target})
		if err != nil {
			GesturesTotal.WithLabelValues("failed").Inc()
			return Outcome{}, fmt.Errorf("failed to connect %s to %s: %w", from, target, err)
		}
		GesturesTotal.WithLabelValues("connected").Inc()
		c.logger.Debug().Str("from", from).Str("to", target).Str("edge", edge.ID).Msg("gesture_connected")
		return Outcome{Phase: Completed, From: from, Edge: edge}, nil
	}

	screen := ev.Position()
	id := c.ids.NextID()
	node := graph.Node{
		ID:       id,
		Type:     graph.NodeDefault,
		Data:     graph.NodeData{Label: "Node " + id},
		Position: c.mapper.ToModelSpace(screen.X, screen.Y),
		Origin:   graph.DefaultOrigin,
	}
	edge := graph.Edge{ID: "e" + id, Source: from, Target: id}

	// The node and its edge commit together so no subscriber sees the edge
	// without its target.
	err := c.store.Batch(func(tx *store.Tx) error {
		if err := tx.ApplyNodeChanges(store.AddNode(node)); err != nil {
			return err
		}
		return tx.ApplyEdgeChanges(store.AddEdge(edge))
	})
	if err != nil {
		GesturesTotal.WithLabelValues("failed").Inc()
		return Outcome{}, fmt.Errorf("failed to spawn node from %s: %w", from, err)
	}

	GesturesTotal.WithLabelValues("spawned").Inc()
	c.logger.Debug().
		Str("from", from).
		Str("node", id).
		Float64("x", node.Position.X).
		Float64("y", node.Position.Y).
		Msg("gesture_spawned_node")
	return Outcome{Phase: SpawnedNode, From: from, Node: &node, Edge: edge}, nil
}
