package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/session"
)

// DefaultRoom is the room a store joins when none is configured.
const DefaultRoom = "default"

// ErrClosed is returned by mutations on a closed store.
var ErrClosed = errors.New("store is closed")

const (
	originLocal   = "local"
	originRemote  = "remote"
	originRestore = "restore"
	originSeed    = "seed"
)

// Listener receives the visible nodes and edges after a change. The slices
// are shared between listeners of the same notification and must not be
// modified.
type Listener func(nodes []graph.Node, edges []graph.Edge)

// Unsubscribe removes a listener. It is safe to call more than once.
type Unsubscribe func()

// Store holds one replica of a room's diagram. All mutations go through
// change operations; local ones are stamped, applied, and queued for a
// debounced broadcast, remote ones arrive as envelopes through Merge.
type Store struct {
	mu     sync.Mutex
	sess   session.Session
	room   string
	ids    *session.IDGenerator
	logger zerolog.Logger
	clock  uint64

	nodes *collection[graph.Node]
	edges *collection[graph.Edge]

	view      graph.State
	viewDirty bool
	dangling  int

	listeners    map[uint64]Listener
	nextListener uint64
	version      uint64
	delivered    uint64
	notifying    bool

	relay        Relay
	unsubscribe  func()
	pending      []Op
	pendingSince time.Time
	timer        *time.Timer
	maxWait      time.Duration
	closed       bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for merge conflicts and broadcasts.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRoom sets the room the store broadcasts to.
func WithRoom(room string) Option {
	return func(s *Store) {
		if room != "" {
			s.room = room
		}
	}
}

// WithMaxWait caps how long local ops may wait for a quiet period before they
// are broadcast anyway. Zero disables the cap.
func WithMaxWait(d time.Duration) Option {
	return func(s *Store) { s.maxWait = d }
}

// New builds a store seeded with the given snapshot. Every replica of a room
// must be seeded identically. A seed with duplicate ids, dangling edges or
// invalid origins yields an *graph.InvalidSeedError.
func New(seed graph.State, sess session.Session, opts ...Option) (*Store, error) {
	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	if err := graph.ValidateSeed(seed); err != nil {
		return nil, err
	}

	s := &Store{
		sess:      sess,
		room:      DefaultRoom,
		ids:       session.NewIDGenerator(sess.UserID),
		logger:    zerolog.Nop(),
		nodes:     newNodeCollection(),
		edges:     newEdgeCollection(),
		listeners: make(map[uint64]Listener),
		viewDirty: true,
	}
	s.maxWait = 5 * sess.Debounce
	for _, opt := range opts {
		opt(s)
	}

	// Seed stamps carry no session so identically seeded replicas agree on
	// them and on the resulting order.
	for i, n := range seed.Nodes {
		s.nodes.add(n.ID, n, Stamp{Clock: uint64(i + 1)})
		FlowboardOpsApplied.WithLabelValues(string(CollectionNodes), string(ChangeAdd), originSeed).Inc()
	}
	for i, e := range seed.Edges {
		s.edges.add(e.ID, e, Stamp{Clock: uint64(i + 1)})
		FlowboardOpsApplied.WithLabelValues(string(CollectionEdges), string(ChangeAdd), originSeed).Inc()
	}
	s.clock = uint64(max(len(seed.Nodes), len(seed.Edges)))
	s.refreshLocked()

	s.logger.Info().
		Str("room", s.room).
		Str("session", sess.UserID).
		Int("nodes", len(seed.Nodes)).
		Int("edges", len(seed.Edges)).
		Msg("store_initialized")

	return s, nil
}

// Session returns the session the store was built with.
func (s *Store) Session() session.Session {
	return s.sess
}

// Room returns the room the store belongs to.
func (s *Store) Room() string {
	return s.room
}

// NextID returns a fresh id namespaced by the session user id.
func (s *Store) NextID() string {
	return s.ids.NextID()
}

// Tx collects change operations that commit together.
type Tx struct {
	s   *Store
	ops []Op
}

// ApplyNodeChanges queues node changes in order.
func (tx *Tx) ApplyNodeChanges(changes ...NodeChange) error {
	for i := range changes {
		c, err := changes[i].normalize()
		if err != nil {
			return fmt.Errorf("node change %d: %w", i, err)
		}
		tx.ops = append(tx.ops, Op{Node: &c})
	}
	return nil
}

// ApplyEdgeChanges queues edge changes in order.
func (tx *Tx) ApplyEdgeChanges(changes ...EdgeChange) error {
	for i := range changes {
		c, err := changes[i].normalize()
		if err != nil {
			return fmt.Errorf("edge change %d: %w", i, err)
		}
		tx.ops = append(tx.ops, Op{Edge: &c})
	}
	return nil
}

// Connect queues an edge add with a store-generated id.
func (tx *Tx) Connect(p ConnectParams) (graph.Edge, error) {
	if p.Source == "" || p.Target == "" {
		return graph.Edge{}, errors.New("connect requires a source and a target")
	}
	e := graph.Edge{ID: "e" + tx.s.ids.NextID(), Source: p.Source, Target: p.Target}
	if err := tx.ApplyEdgeChanges(AddEdge(e)); err != nil {
		return graph.Edge{}, err
	}
	return e, nil
}

// Batch runs fn and commits every change it queued as one unit: applied in
// order, followed by a single notification, and broadcast in one envelope.
// If fn returns an error nothing is applied.
func (s *Store) Batch(fn func(tx *Tx) error) error {
	tx := &Tx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.ops) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	changed := false
	for i := range tx.ops {
		s.clock++
		tx.ops[i].Stamp = Stamp{Clock: s.clock, Session: s.sess.UserID}
		if s.applyLocked(tx.ops[i], originLocal) {
			changed = true
		}
	}
	s.enqueueLocked(tx.ops)
	notify := s.commitLocked(changed)
	s.mu.Unlock()

	if notify {
		s.drain()
	}
	return nil
}

// ApplyNodeChanges applies node changes in order. An add whose id already
// exists overwrites it (last write wins) and is logged as a merge conflict.
// Invalid changes are rejected before anything is applied.
func (s *Store) ApplyNodeChanges(changes ...NodeChange) error {
	return s.Batch(func(tx *Tx) error {
		return tx.ApplyNodeChanges(changes...)
	})
}

// ApplyEdgeChanges applies edge changes in order. Edge changes never remove
// nodes.
func (s *Store) ApplyEdgeChanges(changes ...EdgeChange) error {
	return s.Batch(func(tx *Tx) error {
		return tx.ApplyEdgeChanges(changes...)
	})
}

// Connect adds an edge between two nodes with a store-generated id.
func (s *Store) Connect(p ConnectParams) (graph.Edge, error) {
	var edge graph.Edge
	err := s.Batch(func(tx *Tx) error {
		var err error
		edge, err = tx.Connect(p)
		return err
	})
	return edge, err
}

// Merge applies an envelope received from another replica. Its ops are
// applied atomically and produce at most one notification. Envelopes from
// this store's own session or another room are ignored. Merge reports
// whether the visible state changed.
func (s *Store) Merge(env Envelope) bool {
	if env.Session == s.sess.UserID {
		return false
	}
	return s.merge(env, originRemote)
}

// Restore applies a previously recorded envelope, including one this
// session published before a restart. The clock and the id generator move
// past every op it carries, so later local ops win over restored ones and
// fresh ids never repeat a restored id.
func (s *Store) Restore(env Envelope) bool {
	return s.merge(env, originRestore)
}

func (s *Store) merge(env Envelope, origin string) bool {
	if env.Room != "" && env.Room != s.room {
		return false
	}

	ops := make([]Op, 0, len(env.Ops))
	for _, op := range env.Ops {
		normalized, err := op.normalize()
		if err != nil {
			s.logger.Warn().Err(err).Str("envelope_id", env.EnvelopeID).Msg("invalid_remote_op")
			continue
		}
		ops = append(ops, normalized)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	changed := false
	for _, op := range ops {
		if op.Stamp.Clock > s.clock {
			s.clock = op.Stamp.Clock
		}
		if op.Node != nil {
			s.ids.Observe(op.Node.ID)
		} else {
			s.ids.Observe(op.Edge.ID)
		}
		if s.applyLocked(op, origin) {
			changed = true
		}
	}
	notify := s.commitLocked(changed)
	s.mu.Unlock()

	if notify {
		s.drain()
	}
	return changed
}

// applyLocked applies one stamped op. Must be called with s.mu held.
func (s *Store) applyLocked(op Op, origin string) bool {
	var (
		changed  bool
		conflict bool
		prev     Stamp
		id       string
		kind     ChangeType
	)

	switch {
	case op.Node != nil:
		c := op.Node
		id, kind = c.ID, c.Type
		switch c.Type {
		case ChangeAdd:
			changed, conflict, prev = s.nodes.add(c.ID, *c.Item, op.Stamp)
		case ChangeRemove:
			changed = s.nodes.remove(c.ID, op.Stamp)
		case ChangeUpdate:
			v, mask := nodePatchValue(c.Patch)
			changed = s.nodes.update(c.ID, v, mask, op.Stamp)
		}
	case op.Edge != nil:
		c := op.Edge
		id, kind = c.ID, c.Type
		switch c.Type {
		case ChangeAdd:
			changed, conflict, prev = s.edges.add(c.ID, *c.Item, op.Stamp)
		case ChangeRemove:
			changed = s.edges.remove(c.ID, op.Stamp)
		case ChangeUpdate:
			v, mask := edgePatchValue(c.Patch)
			changed = s.edges.update(c.ID, v, mask, op.Stamp)
		}
	}

	collection := op.Collection()
	FlowboardOpsApplied.WithLabelValues(string(collection), string(kind), origin).Inc()

	if conflict {
		FlowboardMergeConflicts.WithLabelValues(string(collection)).Inc()
		winner := op.Stamp
		if op.Stamp.Less(prev) {
			winner = prev
		}
		s.logger.Warn().
			Str("room", s.room).
			Str("collection", string(collection)).
			Str("id", id).
			Str("winner_session", winner.Session).
			Uint64("winner_clock", winner.Clock).
			Msg("merge_conflict")
	}

	if changed {
		s.viewDirty = true
	}
	return changed
}

// refreshLocked rebuilds the cached view. Must be called with s.mu held.
func (s *Store) refreshLocked() {
	if !s.viewDirty {
		return
	}
	s.view = graph.State{Nodes: s.nodes.view(), Edges: s.edges.view()}
	s.viewDirty = false

	dangling := len(graph.DanglingEdges(s.view))
	if dangling > s.dangling {
		s.logger.Debug().
			Str("room", s.room).
			Int("dangling", dangling).
			Msg("dangling_reference")
	}
	s.dangling = dangling
	FlowboardDanglingEdges.WithLabelValues(s.room).Set(float64(dangling))
}

// commitLocked bumps the view version after a change and reports whether
// the caller has to drain notifications. Must be called with s.mu held.
func (s *Store) commitLocked(changed bool) bool {
	if !changed {
		return false
	}
	s.refreshLocked()
	s.version++
	if s.notifying {
		return false
	}
	s.notifying = true
	return true
}

// drain delivers the latest view until no newer commit is waiting. One
// goroutine drains at a time, so listeners see views in commit order and the
// last call always carries the current view. Commits made while another
// goroutine drains, including those made by listeners, are delivered by it.
func (s *Store) drain() {
	for {
		s.mu.Lock()
		if s.delivered == s.version {
			s.notifying = false
			s.mu.Unlock()
			return
		}
		s.delivered = s.version
		s.refreshLocked()
		snap := s.view.Clone()
		listeners := make([]Listener, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
		s.mu.Unlock()

		for _, l := range listeners {
			l(snap.Nodes, snap.Edges)
		}
	}
}

// Subscribe registers a listener called after every change to either
// collection. Changes committed together produce one call. Listeners run
// outside the store lock, possibly on a relay goroutine, and may mutate the
// store. Calls never overlap and never go back to an older view.
func (s *Store) Subscribe(l Listener) Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(l)
}

// SubscribeWithSnapshot registers l and returns the view it starts from. No
// commit falls between the snapshot and the first call of l.
func (s *Store) SubscribeWithSnapshot(l Listener) (graph.State, Unsubscribe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.view.Clone(), s.subscribeLocked(l)
}

func (s *Store) subscribeLocked(l Listener) Unsubscribe {
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Snapshot returns a copy of the visible state.
func (s *Store) Snapshot() graph.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.view.Clone()
}

// Nodes returns the visible nodes in render order.
func (s *Store) Nodes() []graph.Node {
	return s.Snapshot().Nodes
}

// Edges returns the visible edges in insertion order.
func (s *Store) Edges() []graph.Edge {
	return s.Snapshot().Edges
}

// Node returns a visible node by id.
func (s *Store) Node(id string) (graph.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.lookup(id)
}

// Edge returns a visible edge by id.
func (s *Store) Edge(id string) (graph.Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edges.lookup(id)
}
