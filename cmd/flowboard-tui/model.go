package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/flowboard/pkg/flow"
	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/gesture"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/store"
)

const (
	canvasTop  = 1 // header line
	chromeRows = 3 // header, status, help
	panStep    = 4
	zoomStep   = 1.25
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type keyMap struct {
	Add     key.Binding
	Remove  key.Binding
	Clean   key.Binding
	Fit     key.Binding
	ZoomIn  key.Binding
	ZoomOut key.Binding
	Pan     key.Binding
	Cancel  key.Binding
	Help    key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Add, k.Remove, k.Fit, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Add, k.Remove, k.Clean},
		{k.Fit, k.ZoomIn, k.ZoomOut, k.Pan},
		{k.Cancel, k.Help, k.Quit},
	}
}

var keys = keyMap{
	Add:     key.NewBinding(key.WithKeys("n"), key.WithHelp("n", "new node")),
	Remove:  key.NewBinding(key.WithKeys("x", "delete"), key.WithHelp("x", "remove selected")),
	Clean:   key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "drop dangling edges")),
	Fit:     key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "fit view")),
	ZoomIn:  key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "zoom in")),
	ZoomOut: key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "zoom out")),
	Pan:     key.NewBinding(key.WithKeys("up", "down", "left", "right"), key.WithHelp("←↑↓→", "pan")),
	Cancel:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel drag")),
	Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more help")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// graphMsg carries a fresh render of the diagram.
type graphMsg struct {
	nodes []graph.Node
	edges []graph.Edge
}

// dragMode is what the held mouse button is doing.
type dragMode int

const (
	dragNone dragMode = iota
	dragConnect
	dragMove
	dragPan
)

// viewState is shared with the gesture controller's mapper, so it lives
// behind a pointer while the model itself is copied by value.
type viewState struct {
	vp geometry.Viewport
}

type model struct {
	binding *flow.Binding
	view    *viewState
	changes <-chan graphMsg
	room    string
	user    string

	help   help.Model
	width  int
	height int

	nodes []graph.Node
	edges []graph.Edge

	selected string
	mode     dragMode
	dragFrom geometry.Point
	status   string
	err      error
	fitted   bool
}

func newModel(b *flow.Binding, view *viewState, changes <-chan graphMsg, room, user string) model {
	return model{
		binding: b,
		view:    view,
		changes: changes,
		room:    room,
		user:    user,
		help:    help.New(),
		nodes:   b.Nodes(),
		edges:   b.Edges(),
	}
}

func waitForChange(ch <-chan graphMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m model) Init() tea.Cmd {
	return waitForChange(m.changes)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.view.vp.Bounds = geometry.Bounds{Left: 0, Top: canvasTop}
		if !m.fitted {
			m.fit()
			m.fitted = true
		}

	case graphMsg:
		m.nodes, m.edges = msg.nodes, msg.edges
		return m, waitForChange(m.changes)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		m.handleMouse(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.err = nil
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, keys.Fit):
		m.fit()
	case key.Matches(msg, keys.ZoomIn):
		m.zoom(zoomStep)
	case key.Matches(msg, keys.ZoomOut):
		m.zoom(1 / zoomStep)
	case key.Matches(msg, keys.Pan):
		dx, dy := 0.0, 0.0
		switch msg.String() {
		case "up":
			dy = panStep
		case "down":
			dy = -panStep
		case "left":
			dx = panStep
		case "right":
			dx = -panStep
		}
		m.view.vp = m.view.vp.Pan(dx, dy)
	case key.Matches(msg, keys.Cancel):
		m.binding.Gesture().Cancel()
		m.mode = dragNone
		m.status = "drag cancelled"
	case key.Matches(msg, keys.Add):
		m.addNode()
	case key.Matches(msg, keys.Remove):
		if m.selected == "" {
			m.status = "nothing selected"
			break
		}
		m.err = m.binding.OnNodesChange([]store.NodeChange{store.RemoveNode(m.selected)})
		m.status = "removed " + m.selected
		m.selected = ""
	case key.Matches(msg, keys.Clean):
		dangling := graph.DanglingEdges(graph.State{Nodes: m.nodes, Edges: m.edges})
		changes := make([]store.EdgeChange, 0, len(dangling))
		for _, e := range dangling {
			changes = append(changes, store.RemoveEdge(e.ID))
		}
		if len(changes) > 0 {
			m.err = m.binding.OnEdgesChange(changes)
		}
		m.status = fmt.Sprintf("removed %d dangling edges", len(changes))
	}
	return m, nil
}

func (m *model) handleMouse(msg tea.MouseMsg) {
	x, y := msg.X, msg.Y
	switch msg.Action {
	case tea.MouseActionPress:
		if msg.Button != tea.MouseButtonLeft {
			return
		}
		m.err = nil
		id := nodeAt(m.boxes(), x, y)
		m.dragFrom = geometry.Point{X: float64(x), Y: float64(y)}
		switch {
		case id == "":
			m.mode = dragPan
			m.selected = ""
		case msg.Alt:
			m.mode = dragMove
			m.selected = id
		default:
			if err := m.binding.Gesture().Begin(id); err != nil {
				m.err = err
				return
			}
			m.mode = dragConnect
			m.selected = id
			m.status = "connecting from " + id
		}

	case tea.MouseActionMotion:
		if m.mode == dragPan {
			m.view.vp = m.view.vp.Pan(float64(x)-m.dragFrom.X, float64(y)-m.dragFrom.Y)
			m.dragFrom = geometry.Point{X: float64(x), Y: float64(y)}
		}

	case tea.MouseActionRelease:
		mode := m.mode
		m.mode = dragNone
		switch mode {
		case dragConnect:
			target := nodeAt(m.boxes(), x, y)
			out, err := m.binding.Gesture().End(geometry.PointerEvent{ClientX: float64(x), ClientY: float64(y)}, target)
			if err != nil {
				m.err = err
				return
			}
			if out.Phase == gesture.SpawnedNode {
				m.status = fmt.Sprintf("spawned %s from %s", out.Node.ID, out.From)
				m.selected = out.Node.ID
			} else {
				m.status = fmt.Sprintf("connected %s -> %s", out.Edge.Source, out.Edge.Target)
			}
		case dragMove:
			p := m.view.vp.ToModelSpace(float64(x), float64(y))
			m.err = m.binding.OnNodesChange([]store.NodeChange{store.UpdateNode(m.selected, store.NodePatch{Position: &p})})
			m.status = "moved " + m.selected
		}
	}
}

func (m model) boxes() []box {
	active := ""
	if m.mode == dragConnect {
		active = m.binding.Gesture().From()
	}
	return layout(m.nodes, m.view.vp, active)
}

func (m model) canvasSize() (int, int) {
	return m.width, max(m.height-chromeRows, 1)
}

func (m *model) fit() {
	w, h := m.canvasSize()
	points := make([]geometry.Point, 0, len(m.nodes))
	for _, n := range m.nodes {
		points = append(points, n.Position)
	}
	bounds := geometry.Bounds{Left: 0, Top: canvasTop}
	content, ok := geometry.BoundsOf(points)
	if !ok {
		m.view.vp = geometry.Viewport{Zoom: 1, Bounds: bounds}
		return
	}
	// Leave room for labels around the outermost anchors.
	m.view.vp = geometry.FitView(content, float64(w), float64(h), 0.15, 0.05, 1, bounds)
}

func (m *model) zoom(factor float64) {
	w, h := m.canvasSize()
	center := geometry.Point{X: float64(w) / 2, Y: float64(h)/2 + canvasTop}
	vp, err := m.view.vp.ZoomAt(center, factor)
	if err != nil {
		m.err = err
		return
	}
	m.view.vp = vp
}

func (m *model) addNode() {
	w, h := m.canvasSize()
	id := m.binding.NextID()
	n := graph.Node{
		ID:       id,
		Type:     graph.NodeDefault,
		Data:     graph.NodeData{Label: "Node " + id},
		Position: m.view.vp.ToModelSpace(float64(w)/2, float64(h)/2+canvasTop),
		Origin:   graph.DefaultOrigin,
	}
	m.err = m.binding.OnNodesChange([]store.NodeChange{store.AddNode(n)})
	m.selected = id
	m.status = "added " + id
}

func (m model) View() string {
	w, h := m.canvasSize()
	header := headerStyle.Render(fmt.Sprintf("flowboard • room %s • %s", m.room, m.user))
	canvas := renderCanvas(m.boxes(), m.edges, 0, canvasTop, w, h)

	var status string
	dangling := len(graph.DanglingEdges(graph.State{Nodes: m.nodes, Edges: m.edges}))
	summary := fmt.Sprintf("%d nodes • %d edges", len(m.nodes), len(m.edges))
	switch {
	case m.err != nil:
		status = errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	case dangling > 0:
		status = warnStyle.Render(fmt.Sprintf("%s • %d dangling", summary, dangling))
	default:
		status = okStyle.Render(summary)
	}
	if m.status != "" {
		status += subtleStyle.Render(" • " + m.status)
	}

	return strings.Join([]string{header, canvas, status, m.help.View(keys)}, "\n")
}
