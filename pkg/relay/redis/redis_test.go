package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/session"
	"github.com/rmax-ai/flowboard/pkg/store"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRelayDeliversEnvelopes(t *testing.T) {
	_, client := newClient(t)
	r := New(client)
	defer r.Close()

	ctx := context.Background()
	got := make(chan store.Envelope, 1)
	unsubscribe, err := r.Subscribe(ctx, "board", func(env store.Envelope) { got <- env })
	require.NoError(t, err)
	defer unsubscribe()

	node := graph.Node{ID: "u-1", Type: graph.NodeDefault, Data: graph.NodeData{Label: "Node u-1"}, Position: geometry.Point{X: 1, Y: 2}, Origin: graph.DefaultOrigin}
	add := store.AddNode(node)
	env := store.Envelope{
		EnvelopeID: "env-1",
		Room:       "board",
		Session:    "u",
		TsEmit:     time.Now().UTC().Truncate(time.Millisecond),
		Ops:        []store.Op{{Stamp: store.Stamp{Clock: 3, Session: "u"}, Node: &add}},
	}
	require.NoError(t, r.Publish(ctx, env))

	select {
	case received := <-got:
		assert.Equal(t, "env-1", received.EnvelopeID)
		assert.Equal(t, "u", received.Session)
		assert.True(t, env.TsEmit.Equal(received.TsEmit))
		require.Len(t, received.Ops, 1)
		assert.Equal(t, store.Stamp{Clock: 3, Session: "u"}, received.Ops[0].Stamp)
		require.NotNil(t, received.Ops[0].Node)
		assert.Equal(t, node, *received.Ops[0].Node.Item)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestRelayIsolatesRooms(t *testing.T) {
	_, client := newClient(t)
	r := New(client)
	defer r.Close()

	ctx := context.Background()
	got := make(chan store.Envelope, 2)
	unsubscribe, err := r.Subscribe(ctx, "a", func(env store.Envelope) { got <- env })
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, r.Publish(ctx, store.Envelope{EnvelopeID: "other", Room: "b"}))
	require.NoError(t, r.Publish(ctx, store.Envelope{EnvelopeID: "mine", Room: "a"}))

	select {
	case env := <-got:
		assert.Equal(t, "mine", env.EnvelopeID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestRelayConvergesTwoStores(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	open := func(user string) *store.Store {
		sess := session.New(user)
		sess.Debounce = 10 * time.Millisecond
		s, err := store.New(graph.DefaultSeed(), sess, store.WithRoom("board"))
		require.NoError(t, err)
		require.NoError(t, s.Attach(ctx, New(client)))
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	}
	a, b := open("alice"), open("bob")

	require.NoError(t, a.ApplyNodeChanges(store.AddNode(graph.Node{ID: "alice-1", Type: graph.NodeDefault, Origin: graph.DefaultOrigin})))
	_, err := b.Connect(store.ConnectParams{Source: "0", Target: "alice-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(a.Nodes()) == 2 && len(b.Nodes()) == 2 &&
			len(a.Edges()) == 1 && len(b.Edges()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestLateSubscriberReceivesBacklog(t *testing.T) {
	mr, client := newClient(t)
	r := New(client, WithBacklog(2))
	defer r.Close()
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, r.Publish(ctx, store.Envelope{EnvelopeID: id, Room: "board"}))
	}
	list, err := mr.List(Backlog("board"))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	var got []string
	unsubscribe, err := r.Subscribe(ctx, "board", func(env store.Envelope) { got = append(got, env.EnvelopeID) })
	require.NoError(t, err)
	defer unsubscribe()
	assert.Equal(t, []string{"2", "3"}, got)
}

func TestLateJoinerConverges(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	open := func(user string) *store.Store {
		sess := session.New(user)
		sess.Debounce = time.Hour
		s, err := store.New(graph.DefaultSeed(), sess, store.WithRoom("board"))
		require.NoError(t, err)
		r := New(client)
		t.Cleanup(func() { _ = r.Close() })
		require.NoError(t, s.Attach(ctx, r))
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		return s
	}

	a := open("alice")
	require.NoError(t, a.ApplyNodeChanges(store.AddNode(graph.Node{ID: "alice-1", Type: graph.NodeDefault, Origin: graph.DefaultOrigin})))
	require.NoError(t, a.Flush(ctx))

	b := open("bob")
	_, ok := b.Node("alice-1")
	assert.True(t, ok, "backlog merged during Attach")

	require.NoError(t, b.ApplyNodeChanges(store.AddNode(graph.Node{ID: "bob-1", Type: graph.NodeDefault, Origin: graph.DefaultOrigin})))
	require.NoError(t, b.Flush(ctx))

	require.Eventually(t, func() bool {
		return len(a.Nodes()) == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestPublishFailsWhenServerIsDown(t *testing.T) {
	mr, client := newClient(t)
	r := New(client, WithBackoff(relayNoWait{}))
	mr.Close()

	err := r.Publish(context.Background(), store.Envelope{Room: "a"})
	assert.Error(t, err)
}

type relayNoWait struct{}

func (relayNoWait) Next(int) time.Duration { return 0 }

func TestSessionLease(t *testing.T) {
	mr, client := newClient(t)
	lease := NewSessionLease(client)
	ctx := context.Background()

	require.NoError(t, lease.Claim(ctx, "board", "alice", "h1", time.Minute))
	require.NoError(t, lease.Claim(ctx, "board", "alice", "h1", time.Minute), "re-claim by holder renews")

	err := lease.Claim(ctx, "board", "alice", "h2", time.Minute)
	assert.ErrorIs(t, err, ErrSessionTaken)

	require.NoError(t, lease.Claim(ctx, "other", "alice", "h2", time.Minute), "rooms are independent")

	holder, err := lease.Holder(ctx, "board", "alice")
	require.NoError(t, err)
	assert.Equal(t, "h1", holder)

	assert.ErrorIs(t, lease.Renew(ctx, "board", "alice", "h2", time.Minute), ErrLeaseLost)

	require.NoError(t, lease.Release(ctx, "board", "alice", "h2"))
	holder, _ = lease.Holder(ctx, "board", "alice")
	assert.Equal(t, "h1", holder, "release by a non-holder is a no-op")

	require.NoError(t, lease.Release(ctx, "board", "alice", "h1"))
	holder, _ = lease.Holder(ctx, "board", "alice")
	assert.Empty(t, holder)

	require.NoError(t, lease.Claim(ctx, "board", "bob", "h1", time.Second))
	mr.FastForward(2 * time.Second)
	require.NoError(t, lease.Claim(ctx, "board", "bob", "h2", time.Second), "expired claims can be taken")
}
