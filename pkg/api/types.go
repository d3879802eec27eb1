package api

import (
	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/journal"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// HealthResponse matches the response for GET /v1/health
type HealthResponse struct {
	Status  string `json:"status"`
	Room    string `json:"room"`
	Session string `json:"session"`
}

// GraphResponse matches the response for GET /v1/graph
type GraphResponse struct {
	Nodes    []graph.Node `json:"nodes"`
	Edges    []graph.Edge `json:"edges"`
	Dangling []string     `json:"dangling"` // ids of edges with a missing endpoint
}

// NodeChangesRequest matches the POST /v1/nodes/changes body schema
type NodeChangesRequest struct {
	Changes []store.NodeChange `json:"changes"`
}

// EdgeChangesRequest matches the POST /v1/edges/changes body schema
type EdgeChangesRequest struct {
	Changes []store.EdgeChange `json:"changes"`
}

// ChangesResponse matches the response for POST /v1/{nodes,edges}/changes
type ChangesResponse struct {
	Applied int `json:"applied"`
}

// DropRequest matches the POST /v1/drop body schema. An empty TargetNodeID
// is a drop on empty canvas; coordinates are model-space on the daemon.
type DropRequest struct {
	FromNodeID   string           `json:"from_node_id"`
	TargetNodeID string           `json:"target_node_id,omitempty"`
	ClientX      float64          `json:"client_x"`
	ClientY      float64          `json:"client_y"`
	Touches      []geometry.Touch `json:"touches,omitempty"`
}

// DropResponse matches the response for POST /v1/drop
type DropResponse struct {
	Phase string      `json:"phase"` // completed, spawned_node
	Node  *graph.Node `json:"node,omitempty"`
	Edge  graph.Edge  `json:"edge"`
}

// EnvelopesResponse matches the response for GET /v1/envelopes
type EnvelopesResponse struct {
	Entries []journal.Entry `json:"entries"`
	Next    int64           `json:"next"` // pass as after to continue
}
