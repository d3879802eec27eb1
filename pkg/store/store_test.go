package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/relay"
	"github.com/rmax-ai/flowboard/pkg/session"
	"github.com/rmax-ai/flowboard/pkg/store"
)

// quiet keeps the debounce timer out of tests that flush explicitly.
const quiet = time.Hour

func newStore(t *testing.T, user string, opts ...store.Option) *store.Store {
	t.Helper()
	sess := session.New(user)
	sess.Debounce = quiet
	s, err := store.New(graph.DefaultSeed(), sess, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func node(id string) graph.Node {
	return graph.Node{ID: id, Type: graph.NodeDefault, Data: graph.NodeData{Label: "Node " + id}, Origin: graph.DefaultOrigin}
}

func nodeOp(clock uint64, sess string, c store.NodeChange) store.Op {
	return store.Op{Stamp: store.Stamp{Clock: clock, Session: sess}, Node: &c}
}

func edgeOp(clock uint64, sess string, c store.EdgeChange) store.Op {
	return store.Op{Stamp: store.Stamp{Clock: clock, Session: sess}, Edge: &c}
}

func envelope(sess string, ops ...store.Op) store.Envelope {
	return store.Envelope{EnvelopeID: sess, Room: store.DefaultRoom, Session: sess, Ops: ops}
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}

func nodeIDs(nodes []graph.Node) []string { return ids(nodes, func(n graph.Node) string { return n.ID }) }
func edgeIDs(edges []graph.Edge) []string { return ids(edges, func(e graph.Edge) string { return e.ID }) }

// recordingRelay captures published envelopes and never delivers them.
type recordingRelay struct {
	mu   sync.Mutex
	envs []store.Envelope
	fail error
}

func (r *recordingRelay) Publish(_ context.Context, env store.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingRelay) Subscribe(context.Context, string, func(store.Envelope)) (func(), error) {
	return func() {}, nil
}

func (r *recordingRelay) published() []store.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Envelope(nil), r.envs...)
}

func TestNewSeedsState(t *testing.T) {
	s := newStore(t, "alice")

	assert.Equal(t, graph.DefaultSeed(), s.Snapshot())
	assert.Equal(t, store.DefaultRoom, s.Room())
	assert.Equal(t, "alice", s.Session().UserID)
	assert.Equal(t, "alice-1", s.NextID())
	assert.Equal(t, "alice-2", s.NextID())
}

func TestNewRejectsInvalidSeed(t *testing.T) {
	seed := graph.State{
		Nodes: []graph.Node{node("a"), node("a")},
		Edges: []graph.Edge{{ID: "e1", Source: "a", Target: "missing"}},
	}
	_, err := store.New(seed, session.New("alice"))
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrInvalidSeed)

	var seedErr *graph.InvalidSeedError
	require.True(t, errors.As(err, &seedErr))
	assert.Len(t, seedErr.Problems, 2)

	_, err = store.New(graph.DefaultSeed(), session.New(""))
	assert.ErrorIs(t, err, session.ErrEmptyUserID)
}

func TestApplyNodeChanges(t *testing.T) {
	s := newStore(t, "alice")

	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a")), store.AddNode(node("b"))))
	assert.Equal(t, []string{"0", "a", "b"}, nodeIDs(s.Nodes()))

	pos := geometry.Point{X: 10, Y: 20}
	label := "renamed"
	require.NoError(t, s.ApplyNodeChanges(store.UpdateNode("a", store.NodePatch{Position: &pos, Label: &label})))
	a, ok := s.Node("a")
	require.True(t, ok)
	assert.Equal(t, pos, a.Position)
	assert.Equal(t, "renamed", a.Data.Label)
	assert.Equal(t, graph.NodeDefault, a.Type, "fields outside the patch are kept")

	require.NoError(t, s.ApplyNodeChanges(store.RemoveNode("a")))
	_, ok = s.Node("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"0", "b"}, nodeIDs(s.Nodes()))

	// Removing an unknown id is a no-op.
	require.NoError(t, s.ApplyNodeChanges(store.RemoveNode("nope")))
	assert.Len(t, s.Nodes(), 2)
}

func TestApplyChangesValidation(t *testing.T) {
	s := newStore(t, "alice")

	bad := node("a")
	bad.Origin = geometry.Point{X: 2, Y: 0}

	tests := []struct {
		name   string
		change store.NodeChange
		want   error
	}{
		{"empty id", store.NodeChange{Type: store.ChangeRemove}, store.ErrEmptyID},
		{"add without item", store.NodeChange{Type: store.ChangeAdd, ID: "a"}, store.ErrMissingItem},
		{"update without patch", store.NodeChange{Type: store.ChangeUpdate, ID: "0"}, store.ErrMissingPatch},
		{"id mismatch", store.NodeChange{Type: store.ChangeAdd, ID: "x", Item: &bad}, store.ErrIDMismatch},
		{"invalid origin", store.AddNode(bad), store.ErrInvalidOrigin},
		{"unknown type", store.NodeChange{Type: "replace", ID: "0"}, store.ErrUnknownChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ApplyNodeChanges(store.AddNode(node("ok")), tt.change)
			assert.ErrorIs(t, err, tt.want)
			_, ok := s.Node("ok")
			assert.False(t, ok, "a rejected batch applies nothing")
		})
	}

	err := s.ApplyEdgeChanges(store.EdgeChange{Type: store.ChangeUpdate, ID: "e"})
	assert.ErrorIs(t, err, store.ErrMissingPatch)

	_, err = s.Connect(store.ConnectParams{Source: "0"})
	assert.Error(t, err)
	assert.Empty(t, s.Edges())
}

func TestConnectGeneratesNamespacedID(t *testing.T) {
	s := newStore(t, "alice")

	e, err := s.Connect(store.ConnectParams{Source: "0", Target: "0"})
	require.NoError(t, err)
	assert.Equal(t, graph.Edge{ID: "ealice-1", Source: "0", Target: "0"}, e)
	assert.Equal(t, []graph.Edge{e}, s.Edges())

	target := "missing"
	require.NoError(t, s.ApplyEdgeChanges(store.UpdateEdge(e.ID, store.EdgePatch{Target: &target})))
	got, ok := s.Edge(e.ID)
	require.True(t, ok)
	assert.Equal(t, "missing", got.Target)
}

func TestBatchNotifiesOnce(t *testing.T) {
	s := newStore(t, "alice")

	var calls int
	var last graph.State
	unsubscribe := s.Subscribe(func(nodes []graph.Node, edges []graph.Edge) {
		calls++
		last = graph.State{Nodes: nodes, Edges: edges}
	})

	err := s.Batch(func(tx *store.Tx) error {
		id := s.NextID()
		if err := tx.ApplyNodeChanges(store.AddNode(node(id))); err != nil {
			return err
		}
		return tx.ApplyEdgeChanges(store.AddEdge(graph.Edge{ID: "e" + id, Source: "0", Target: id}))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, last.Nodes, 2)
	assert.Len(t, last.Edges, 1)

	err = s.Batch(func(tx *store.Tx) error {
		_ = tx.ApplyNodeChanges(store.AddNode(node("never")))
		return errors.New("abort")
	})
	assert.EqualError(t, err, "abort")
	assert.Equal(t, 1, calls)
	_, ok := s.Node("never")
	assert.False(t, ok)

	// A no-op change does not notify.
	require.NoError(t, s.ApplyNodeChanges(store.RemoveNode("nope")))
	assert.Equal(t, 1, calls)

	unsubscribe()
	unsubscribe()
	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("x"))))
	assert.Equal(t, 1, calls)
}

func TestListenerMayMutateStore(t *testing.T) {
	s := newStore(t, "alice")

	done := false
	s.Subscribe(func(nodes []graph.Node, _ []graph.Edge) {
		if done {
			return
		}
		done = true
		assert.NoError(t, s.ApplyNodeChanges(store.AddNode(node("follow-up"))))
	})

	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a"))))
	assert.Equal(t, []string{"0", "a", "follow-up"}, nodeIDs(s.Nodes()))
}

func TestMergeIsOrderIndependent(t *testing.T) {
	pos := geometry.Point{X: 5, Y: 5}
	label := "from b"
	envs := []store.Envelope{
		envelope("a", nodeOp(5, "a", store.AddNode(node("n1")))),
		envelope("b", nodeOp(6, "b", store.UpdateNode("n1", store.NodePatch{Position: &pos}))),
		envelope("c", nodeOp(4, "c", store.RemoveNode("n1"))),
		envelope("b2", nodeOp(5, "b", store.AddNode(node("n2"))), nodeOp(7, "b", store.UpdateNode("n2", store.NodePatch{Label: &label}))),
		envelope("c2", edgeOp(8, "c", store.AddEdge(graph.Edge{ID: "e1", Source: "n1", Target: "n2"}))),
		envelope("a2", nodeOp(9, "a", store.RemoveNode("0"))),
	}

	orders := [][]int{
		{0, 1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1, 0},
		{1, 4, 0, 5, 3, 2},
		{2, 0, 3, 1, 5, 4},
	}

	var want graph.State
	for i, order := range orders {
		s := newStore(t, "local")
		for _, idx := range order {
			s.Merge(envs[idx])
		}
		got := s.Snapshot()
		if i == 0 {
			want = got
			continue
		}
		assert.Equal(t, want, got, "order %v", order)
	}

	assert.Equal(t, []string{"n1", "n2"}, nodeIDs(want.Nodes))
	assert.Equal(t, pos, want.Nodes[0].Position)
	assert.Equal(t, "from b", want.Nodes[1].Data.Label)
	assert.Equal(t, []string{"e1"}, edgeIDs(want.Edges))
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newStore(t, "local")
	env := envelope("remote", nodeOp(3, "remote", store.AddNode(node("n1"))))

	assert.True(t, s.Merge(env))
	before := s.Snapshot()
	assert.False(t, s.Merge(env))
	assert.Equal(t, before, s.Snapshot())
}

func TestMergeCollidingAdds(t *testing.T) {
	first := node("dup")
	first.Data.Label = "from a"
	second := node("dup")
	second.Data.Label = "from b"

	tests := []struct {
		name string
		a, b store.Stamp
		want string
	}{
		{"higher clock wins", store.Stamp{Clock: 7, Session: "b"}, store.Stamp{Clock: 6, Session: "a"}, "from a"},
		{"tie broken by session", store.Stamp{Clock: 5, Session: "a"}, store.Stamp{Clock: 5, Session: "b"}, "from b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ea := envelope(tt.a.Session, store.Op{Stamp: tt.a, Node: ptr(store.AddNode(first))})
			eb := envelope(tt.b.Session, store.Op{Stamp: tt.b, Node: ptr(store.AddNode(second))})

			for _, order := range [][]store.Envelope{{ea, eb}, {eb, ea}} {
				s := newStore(t, "local")
				s.Merge(order[0])
				s.Merge(order[1])
				n, ok := s.Node("dup")
				require.True(t, ok)
				assert.Equal(t, tt.want, n.Data.Label)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestMergeAddAndRemove(t *testing.T) {
	s := newStore(t, "local")

	s.Merge(envelope("a", nodeOp(10, "a", store.RemoveNode("n1"))))
	s.Merge(envelope("b", nodeOp(5, "b", store.AddNode(node("n1")))))
	_, ok := s.Node("n1")
	assert.False(t, ok, "a newer remove hides an older add")

	s.Merge(envelope("b", nodeOp(11, "b", store.AddNode(node("n1")))))
	_, ok = s.Node("n1")
	assert.True(t, ok, "a newer add revives the id")
}

func TestMergeIgnoresOwnSessionAndOtherRooms(t *testing.T) {
	s := newStore(t, "local")

	assert.False(t, s.Merge(envelope("local", nodeOp(3, "local", store.AddNode(node("mine"))))))
	other := envelope("remote", nodeOp(3, "remote", store.AddNode(node("elsewhere"))))
	other.Room = "other"
	assert.False(t, s.Merge(other))
	assert.Len(t, s.Nodes(), 1)
}

func TestMergeSkipsInvalidOps(t *testing.T) {
	s := newStore(t, "local")
	env := envelope("remote",
		store.Op{Stamp: store.Stamp{Clock: 2, Session: "remote"}},
		nodeOp(3, "remote", store.NodeChange{Type: store.ChangeAdd, ID: "broken"}),
		nodeOp(4, "remote", store.AddNode(node("good"))),
	)
	assert.True(t, s.Merge(env))
	assert.Equal(t, []string{"0", "good"}, nodeIDs(s.Nodes()))
}

func TestMergeNotifiesOnceAndAdvancesClock(t *testing.T) {
	s := newStore(t, "local")
	rec := &recordingRelay{}
	require.NoError(t, s.Attach(context.Background(), rec))

	var calls int
	s.Subscribe(func([]graph.Node, []graph.Edge) { calls++ })

	s.Merge(envelope("remote",
		nodeOp(99, "remote", store.AddNode(node("a"))),
		nodeOp(100, "remote", store.AddNode(node("b"))),
		edgeOp(100, "remote", store.AddEdge(graph.Edge{ID: "e", Source: "a", Target: "b"})),
	))
	assert.Equal(t, 1, calls)

	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("c"))))
	require.NoError(t, s.Flush(context.Background()))

	envs := rec.published()
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Ops, 1)
	assert.Equal(t, store.Stamp{Clock: 101, Session: "local"}, envs[0].Ops[0].Stamp)
	assert.Equal(t, []string{"0", "a", "b", "c"}, nodeIDs(s.Nodes()))
}

func TestFlushBatchesPendingOps(t *testing.T) {
	s := newStore(t, "alice", store.WithRoom("board"))

	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a"))))
	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("b"))))
	assert.Equal(t, 2, s.PendingOps(), "ops wait for a relay")

	rec := &recordingRelay{}
	require.NoError(t, s.Attach(context.Background(), rec))
	require.NoError(t, s.Flush(context.Background()))

	envs := rec.published()
	require.Len(t, envs, 1)
	assert.Equal(t, "board", envs[0].Room)
	assert.Equal(t, "alice", envs[0].Session)
	assert.NotEmpty(t, envs[0].EnvelopeID)
	assert.Len(t, envs[0].Ops, 2)
	assert.Zero(t, s.PendingOps())

	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, rec.published(), 1, "nothing pending, nothing published")
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	s := newStore(t, "alice")
	rec := &recordingRelay{fail: errors.New("boom")}
	require.NoError(t, s.Attach(context.Background(), rec))

	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a"))))
	err := s.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, s.PendingOps())

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()
	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("b"))))
	require.NoError(t, s.Flush(context.Background()))

	envs := rec.published()
	require.Len(t, envs, 1)
	require.Len(t, envs[0].Ops, 2)
	assert.Equal(t, "a", envs[0].Ops[0].Node.ID, "failed ops keep their place")
}

func TestDebounceCoalescesBursts(t *testing.T) {
	sess := session.New("alice")
	sess.Debounce = 50 * time.Millisecond
	s, err := store.New(graph.DefaultSeed(), sess, store.WithMaxWait(0))
	require.NoError(t, err)
	defer s.Close(context.Background())

	rec := &recordingRelay{}
	require.NoError(t, s.Attach(context.Background(), rec))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.ApplyNodeChanges(store.AddNode(node(id))))
	}
	assert.Empty(t, rec.published(), "nothing is sent inside the quiet period")

	require.Eventually(t, func() bool { return len(rec.published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, rec.published()[0].Ops, 3)
}

func TestCloseFlushesAndRejectsMutations(t *testing.T) {
	sess := session.New("alice")
	sess.Debounce = quiet
	s, err := store.New(graph.DefaultSeed(), sess)
	require.NoError(t, err)

	rec := &recordingRelay{}
	require.NoError(t, s.Attach(context.Background(), rec))
	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a"))))

	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, rec.published(), 1)

	assert.ErrorIs(t, s.ApplyNodeChanges(store.AddNode(node("b"))), store.ErrClosed)
	assert.ErrorIs(t, s.Attach(context.Background(), rec), store.ErrClosed)
	assert.False(t, s.Merge(envelope("remote", nodeOp(5, "remote", store.AddNode(node("c"))))))
}

// Two collaborators spawn from the same source inside one debounce window.
func TestConcurrentSpawnsConverge(t *testing.T) {
	hub := relay.NewHub()
	ctx := context.Background()

	alice := newStore(t, "alice")
	bob := newStore(t, "bob")
	require.NoError(t, alice.Attach(ctx, hub))
	require.NoError(t, bob.Attach(ctx, hub))

	spawn := func(s *store.Store) {
		require.NoError(t, s.Batch(func(tx *store.Tx) error {
			id := s.NextID()
			n := node(id)
			n.Position = geometry.Point{X: 120, Y: 80}
			if err := tx.ApplyNodeChanges(store.AddNode(n)); err != nil {
				return err
			}
			return tx.ApplyEdgeChanges(store.AddEdge(graph.Edge{ID: "e" + id, Source: "0", Target: id}))
		}))
	}
	spawn(alice)
	spawn(bob)

	require.NoError(t, alice.Flush(ctx))
	require.NoError(t, bob.Flush(ctx))

	assert.Equal(t, alice.Snapshot(), bob.Snapshot())
	assert.Equal(t, []string{"0", "alice-1", "bob-1"}, nodeIDs(alice.Nodes()))
	assert.Equal(t, []string{"ealice-1", "ebob-1"}, edgeIDs(alice.Edges()))
}

func TestRemovedNodeLeavesDanglingEdge(t *testing.T) {
	s := newStore(t, "alice")
	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a"))))
	e, err := s.Connect(store.ConnectParams{Source: "0", Target: "a"})
	require.NoError(t, err)

	require.NoError(t, s.ApplyNodeChanges(store.RemoveNode("a")))

	snap := s.Snapshot()
	assert.Equal(t, []string{"0"}, nodeIDs(snap.Nodes))
	assert.Equal(t, []graph.Edge{e}, snap.Edges)
	assert.Equal(t, []graph.Edge{e}, graph.DanglingEdges(snap))
	assert.Empty(t, graph.Strict(snap).Edges)
}

func TestSelectFiltersUnchangedValues(t *testing.T) {
	s := newStore(t, "alice")

	var counts []int
	unsubscribe := store.Select(s,
		func(st graph.State) int { return len(st.Nodes) },
		func(a, b int) bool { return a == b },
		func(n int) { counts = append(counts, n) },
	)
	defer unsubscribe()

	label := "renamed"
	require.NoError(t, s.ApplyNodeChanges(store.UpdateNode("0", store.NodePatch{Label: &label})))
	require.NoError(t, s.ApplyNodeChanges(store.AddNode(node("a"))))
	require.NoError(t, s.ApplyEdgeChanges(store.AddEdge(graph.Edge{ID: "e", Source: "0", Target: "a"})))

	assert.Equal(t, []int{2}, counts)
}

func TestShallowEqualState(t *testing.T) {
	a := graph.DefaultSeed()
	b := a.Clone()
	assert.True(t, store.ShallowEqualState(a, b))

	b.Nodes[0].Data.Label = "changed"
	assert.False(t, store.ShallowEqualState(a, b))
	assert.False(t, store.ShallowEqual([]int{1}, []int{1, 2}))
}

func TestConcurrentMutations(t *testing.T) {
	s := newStore(t, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id := s.NextID()
				assert.NoError(t, s.ApplyNodeChanges(store.AddNode(node(id))))
			}
		}()
	}
	wg.Wait()

	assert.Len(t, s.Nodes(), 1+8*25)
}
