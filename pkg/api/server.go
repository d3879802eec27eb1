package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/gesture"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/journal"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// Context keys
type contextKey string

const traceIDKey contextKey = "trace_id"

const maxBodyBytes = 1 << 20

// EnvelopeReader serves journal catch-up reads.
type EnvelopeReader interface {
	ReadAfter(ctx context.Context, room string, after int64, limit int) ([]journal.Entry, error)
}

type Server struct {
	store   *store.Store
	gesture *gesture.Controller
	journal EnvelopeReader
	logger  zerolog.Logger
	server  *http.Server
	handler http.Handler
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithJournal enables GET /v1/envelopes.
func WithJournal(j EnvelopeReader) Option {
	return func(s *Server) { s.journal = j }
}

// NewServer creates a new API server over the daemon's replica
func NewServer(st *store.Store, addr string, opts ...Option) *Server {
	s := &Server{
		store:  st,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Drops arrive already in model space.
	s.gesture = gesture.New(st, geometry.Identity(), st, gesture.WithLogger(s.logger))

	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/graph", s.handleGraph)
	mux.HandleFunc("/v1/nodes/changes", s.handleNodeChanges)
	mux.HandleFunc("/v1/edges/changes", s.handleEdgeChanges)
	mux.HandleFunc("/v1/connect", s.handleConnect)
	mux.HandleFunc("/v1/drop", s.handleDrop)
	mux.HandleFunc("/v1/envelopes", s.handleEnvelopes)

	// Middleware: Logging, Panic Recovery, Security Headers
	s.handler = s.withLogging(s.withRecovery(withSecureHeaders(mux)))

	// Use default port if addr is empty
	if addr == "" {
		addr = ":8090"
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("server_starting")
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("server_stopping")
	return s.server.Shutdown(ctx)
}

// handleHealth returns simple status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	s.writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "ok",
		Room:    s.store.Room(),
		Session: s.store.Session().UserID,
	})
}

// handleGraph returns the visible diagram and its dangling edges.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	snap := s.store.Snapshot()
	dangling := []string{}
	for _, e := range graph.DanglingEdges(snap) {
		dangling = append(dangling, e.ID)
	}
	s.writeJSON(w, r, http.StatusOK, GraphResponse{Nodes: snap.Nodes, Edges: snap.Edges, Dangling: dangling})
}

func (s *Server) handleNodeChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req NodeChangesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.ApplyNodeChanges(req.Changes...); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ChangesResponse{Applied: len(req.Changes)})
}

func (s *Server) handleEdgeChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req EdgeChangesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.store.ApplyEdgeChanges(req.Changes...); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, ChangesResponse{Applied: len(req.Changes)})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req store.ConnectParams
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "source and target are required")
		return
	}
	edge, err := s.store.Connect(req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, edge)
}

// handleDrop runs a whole connection drag: connect when a target is given,
// otherwise spawn a node at the drop point.
func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	var req DropRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.FromNodeID == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "from_node_id is required")
		return
	}

	ev := geometry.PointerEvent{ClientX: req.ClientX, ClientY: req.ClientY, ChangedTouches: req.Touches}
	out, err := s.gesture.OnConnectEnd(ev, gesture.ConnectionState{
		FromNodeID: req.FromNodeID,
		ToNodeID:   req.TargetNodeID,
		IsValid:    req.TargetNodeID != "",
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, DropResponse{Phase: out.Phase.String(), Node: out.Node, Edge: out.Edge})
}

// handleEnvelopes pages through the journal for late joiners.
func (s *Server) handleEnvelopes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_not_available", "")
		return
	}

	var after int64
	if a := r.URL.Query().Get("after"); a != "" {
		val, err := strconv.ParseInt(a, 10, 64)
		if err != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid_after", "")
			return
		}
		after = val
	}
	limit := journal.DefaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	entries, err := s.journal.ReadAfter(r.Context(), s.store.Room(), after, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("trace_id", getTraceID(r.Context())).Msg("failed_to_read_envelopes")
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
		return
	}

	next := after
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	}
	s.writeJSON(w, r, http.StatusOK, EnvelopesResponse{Entries: entries, Next: next})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// writeStoreError maps store failures to responses: a closed store is
// unavailable, anything else is a rejected change.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "store_closed", "")
		return
	}
	s.logger.Debug().Err(err).Str("trace_id", getTraceID(r.Context())).Msg("change_rejected")
	writeError(w, http.StatusBadRequest, "invalid_change", err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Str("trace_id", getTraceID(r.Context())).Msg("failed_to_encode_response")
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	body, _ := json.Marshal(ErrorResponse{Error: code, Reason: reason})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Middleware: Panic Recovery
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error().Str("error", fmt.Sprint(err)).Str("path", r.URL.Path).Msg("panic_recovered")
				writeError(w, http.StatusInternalServerError, "internal_server_error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Middleware: Request Logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 1. Extract or Generate Trace ID
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = generateTraceID()
		}

		// 2. Inject into Context
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)

		// Wrap writer to capture status code
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		// 3. Set response header
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("trace_id", traceID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func generateTraceID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback if random fails (unlikely)
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures HTTP status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Middleware: Secure Headers
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		next.ServeHTTP(w, r)
	})
}
