package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/flowboard/pkg/api"
	"github.com/rmax-ai/flowboard/pkg/client"
	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/store"
)

const graphURI = "flowboard://graph"

// Server adapts flowboard-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"flowboard",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		graphURI,
		"Flowboard Diagram",
		mcp.WithResourceDescription("Nodes and edges of the shared diagram, plus dangling edge ids"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraph)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"add_node",
		mcp.WithDescription("Add a node to the diagram. Returns the node id."),
		mcp.WithString("id", mcp.Description("Node id (generated when empty)")),
		mcp.WithString("label", mcp.Required(), mcp.Description("Text shown on the node")),
		mcp.WithNumber("x", mcp.Description("Model-space x of the node anchor")),
		mcp.WithNumber("y", mcp.Description("Model-space y of the node anchor")),
		mcp.WithString("type", mcp.Description("Node kind: input, default or output")),
	), s.handleAddNode)

	s.mcpServer.AddTool(mcp.NewTool(
		"remove_node",
		mcp.WithDescription("Remove a node. Edges touching it are left in place and become dangling."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
	), s.handleRemoveNode)

	s.mcpServer.AddTool(mcp.NewTool(
		"connect_nodes",
		mcp.WithDescription("Add an edge from source to target. Returns the edge id."),
		mcp.WithString("source", mcp.Required(), mcp.Description("Source node id")),
		mcp.WithString("target", mcp.Required(), mcp.Description("Target node id")),
	), s.handleConnect)

	s.mcpServer.AddTool(mcp.NewTool(
		"remove_edge",
		mcp.WithDescription("Remove an edge."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Edge id")),
	), s.handleRemoveEdge)

	s.mcpServer.AddTool(mcp.NewTool(
		"drop_connection",
		mcp.WithDescription("Finish a connection drag from a node. Without a target a new node is spawned at (x, y) and connected."),
		mcp.WithString("from", mcp.Required(), mcp.Description("Node the drag started on")),
		mcp.WithString("target", mcp.Description("Node the drag ended on, if any")),
		mcp.WithNumber("x", mcp.Description("Model-space x of the drop point")),
		mcp.WithNumber("y", mcp.Description("Model-space y of the drop point")),
	), s.handleDrop)

	s.mcpServer.AddTool(mcp.NewTool(
		"check_integrity",
		mcp.WithDescription("List edges whose source or target node no longer exists."),
	), s.handleCheckIntegrity)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"flowboard-aware",
		mcp.WithPromptDescription("Explains the flowboard diagram model (nodes, edges, dangling edges)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	g, err := s.apiClient.Graph(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch graph: %w", err)
	}

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleAddNode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	if id == "" {
		id = "mcp-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	n := graph.Node{
		ID:   id,
		Type: graph.NodeType(mcp.ParseString(request, "type", string(graph.NodeDefault))),
		Data: graph.NodeData{Label: mcp.ParseString(request, "label", "")},
		Position: geometry.Point{
			X: mcp.ParseFloat64(request, "x", 0),
			Y: mcp.ParseFloat64(request, "y", 0),
		},
		Origin: graph.DefaultOrigin,
	}

	if err := s.apiClient.ApplyNodeChanges(ctx, store.AddNode(n)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added node %s", id)), nil
}

func (s *Server) handleRemoveNode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	if err := s.apiClient.ApplyNodeChanges(ctx, store.RemoveNode(id)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed node %s", id)), nil
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	edge, err := s.apiClient.Connect(ctx,
		mcp.ParseString(request, "source", ""),
		mcp.ParseString(request, "target", ""),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added edge %s (%s -> %s)", edge.ID, edge.Source, edge.Target)), nil
}

func (s *Server) handleRemoveEdge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	if err := s.apiClient.ApplyEdgeChanges(ctx, store.RemoveEdge(id)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Removed edge %s", id)), nil
}

func (s *Server) handleDrop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	out, err := s.apiClient.Drop(ctx, api.DropRequest{
		FromNodeID:   mcp.ParseString(request, "from", ""),
		TargetNodeID: mcp.ParseString(request, "target", ""),
		ClientX:      mcp.ParseFloat64(request, "x", 0),
		ClientY:      mcp.ParseFloat64(request, "y", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Outcome: %s\nEdge: %s (%s -> %s)", out.Phase, out.Edge.ID, out.Edge.Source, out.Edge.Target)
	if out.Node != nil {
		msg += fmt.Sprintf("\nNode: %s at (%g, %g)", out.Node.ID, out.Node.Position.X, out.Node.Position.Y)
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleCheckIntegrity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, err := s.apiClient.Graph(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if len(g.Dangling) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("OK: %d nodes, %d edges, no dangling edges", len(g.Nodes), len(g.Edges))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dangling edges: %s", strings.Join(g.Dangling, ", "))), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "flowboard-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are editing a shared flowboard diagram that other people edit at the same time.

Concepts:
- Node: a box with an id, a label and a position. Ids are unique in the diagram.
- Edge: a directed connection from a source node to a target node.
- Dangling edge: an edge whose source or target was removed. Removing a node never removes its edges.

Read flowboard://graph before editing. After removing nodes, use 'check_integrity'
and remove dangling edges with 'remove_edge' if they are no longer wanted.
`

	return mcp.NewGetPromptResult(
		"flowboard-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
