// Package client is a Go client for the flowboard daemon API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmax-ai/flowboard/pkg/api"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// DefaultEndpoint is used when NewClient gets an empty endpoint.
const DefaultEndpoint = "http://127.0.0.1:8090"

// Client talks to a flowboard daemon.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a new flowboard client.
// endpoint defaults to DefaultEndpoint if empty.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Error is a non-2xx response from the daemon.
type Error struct {
	Status int
	Code   string
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("daemon returned %d %s: %s", e.Status, e.Code, e.Reason)
	}
	return fmt.Sprintf("daemon returned %d %s", e.Status, e.Code)
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

// Graph fetches the daemon's visible diagram.
func (c *Client) Graph(ctx context.Context) (api.GraphResponse, error) {
	var out api.GraphResponse
	err := c.do(ctx, http.MethodGet, "/v1/graph", nil, &out)
	return out, err
}

// ApplyNodeChanges sends node changes; they are applied as one batch.
func (c *Client) ApplyNodeChanges(ctx context.Context, changes ...store.NodeChange) error {
	return c.do(ctx, http.MethodPost, "/v1/nodes/changes", api.NodeChangesRequest{Changes: changes}, nil)
}

// ApplyEdgeChanges sends edge changes; they are applied as one batch.
func (c *Client) ApplyEdgeChanges(ctx context.Context, changes ...store.EdgeChange) error {
	return c.do(ctx, http.MethodPost, "/v1/edges/changes", api.EdgeChangesRequest{Changes: changes}, nil)
}

// Connect adds an edge with a daemon-generated id.
func (c *Client) Connect(ctx context.Context, source, target string) (graph.Edge, error) {
	var out graph.Edge
	err := c.do(ctx, http.MethodPost, "/v1/connect", store.ConnectParams{Source: source, Target: target}, &out)
	return out, err
}

// Drop finishes a connection drag on the daemon.
func (c *Client) Drop(ctx context.Context, req api.DropRequest) (api.DropResponse, error) {
	var out api.DropResponse
	err := c.do(ctx, http.MethodPost, "/v1/drop", req, &out)
	return out, err
}

// Envelopes pages through the daemon's journal.
func (c *Client) Envelopes(ctx context.Context, after int64, limit int) (api.EnvelopesResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out api.EnvelopesResponse
	err := c.do(ctx, http.MethodGet, "/v1/envelopes?"+q.Encode(), nil, &out)
	return out, err
}

// catchUpPage is the page size CatchUp asks for.
const catchUpPage = 500

// CatchUp restores every journaled envelope after the cursor into s and
// returns the cursor to continue from. A replica joining a room late, or one
// whose relay dropped messages, converges with the daemon this way.
func (c *Client) CatchUp(ctx context.Context, s *store.Store, after int64) (int64, error) {
	for {
		page, err := c.Envelopes(ctx, after, catchUpPage)
		if err != nil {
			return after, err
		}
		for _, e := range page.Entries {
			s.Restore(e.Envelope)
		}
		after = page.Next
		if len(page.Entries) < catchUpPage {
			return after, nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode, Code: fmt.Sprintf("unexpected_status_%d", resp.StatusCode)}
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			apiErr.Code, apiErr.Reason = e.Error, e.Reason
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
