// Package flow binds a store and a gesture controller to a rendering
// collaborator: the renderer receives nodes and edges and reports user edits
// back through the handler methods.
package flow

import (
	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/gesture"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// Renderer draws the diagram. Render is called once on Mount and after every
// visible change, possibly from a relay goroutine.
type Renderer interface {
	Render(nodes []graph.Node, edges []graph.Edge)
}

// RenderFunc adapts a function to Renderer.
type RenderFunc func(nodes []graph.Node, edges []graph.Edge)

func (f RenderFunc) Render(nodes []graph.Node, edges []graph.Edge) { f(nodes, edges) }

// Binding exposes a store in the shape a node-graph renderer expects.
type Binding struct {
	store   *store.Store
	gesture *gesture.Controller
}

// Bind binds s and the gesture controller g. A nil g gets a controller
// mapping through the identity viewport.
func Bind(s *store.Store, g *gesture.Controller) *Binding {
	if g == nil {
		g = gesture.New(s, geometry.Identity(), s)
	}
	return &Binding{store: s, gesture: g}
}

// Nodes returns the nodes to render.
func (b *Binding) Nodes() []graph.Node { return b.store.Nodes() }

// Edges returns the edges to render.
func (b *Binding) Edges() []graph.Edge { return b.store.Edges() }

// NextID returns a fresh node id for nodes the renderer creates itself.
func (b *Binding) NextID() string { return b.store.NextID() }

// Gesture returns the controller connection drags are routed to.
func (b *Binding) Gesture() *gesture.Controller { return b.gesture }

// OnNodesChange applies node edits made in the renderer, such as drags and
// deletions.
func (b *Binding) OnNodesChange(changes []store.NodeChange) error {
	return b.store.ApplyNodeChanges(changes...)
}

// OnEdgesChange applies edge edits made in the renderer.
func (b *Binding) OnEdgesChange(changes []store.EdgeChange) error {
	return b.store.ApplyEdgeChanges(changes...)
}

// OnConnect handles a connection the renderer completed on its own.
func (b *Binding) OnConnect(p store.ConnectParams) (graph.Edge, error) {
	return b.store.Connect(p)
}

// OnConnectEnd handles the end of a connection drag. Drops on empty canvas
// spawn a connected node.
func (b *Binding) OnConnectEnd(ev geometry.PointerEvent, st gesture.ConnectionState) (gesture.Outcome, error) {
	return b.gesture.OnConnectEnd(ev, st)
}

// Mount renders the current diagram and re-renders whenever it changes.
// Changes that leave nodes and edges shallowly equal are not re-rendered.
func (b *Binding) Mount(r Renderer) store.Unsubscribe {
	return store.Watch(b.store,
		func(s graph.State) graph.State { return s },
		store.ShallowEqualState,
		func(s graph.State) { r.Render(s.Nodes, s.Edges) },
	)
}

// Watch is Mount for a plain function.
func (b *Binding) Watch(fn func(nodes []graph.Node, edges []graph.Edge)) store.Unsubscribe {
	return b.Mount(RenderFunc(fn))
}
