package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/flowboard/pkg/api"
	"github.com/rmax-ai/flowboard/pkg/blob"
	"github.com/rmax-ai/flowboard/pkg/config"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/journal"
	"github.com/rmax-ai/flowboard/pkg/relay/redis"
	"github.com/rmax-ai/flowboard/pkg/store"
)

func testConfig(userID string) config.Config {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.UserID = userID
	cfg.Debounce = time.Hour
	cfg.MaxWait = 0
	return cfg
}

func getGraph(t *testing.T, d *daemon) api.GraphResponse {
	t.Helper()
	rr := httptest.NewRecorder()
	d.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/graph", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var g api.GraphResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &g))
	return g
}

func TestDaemonLoadsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - id: a
    type: input
    label: Start
    position: {x: 0, y: 0}
  - id: b
    label: End
    position: {x: 100, y: 100}
edges:
  - id: e1
    source: a
    target: b
`), 0o644))

	cfg := testConfig("alice")
	cfg.SeedPath = path
	d, err := newDaemon(context.Background(), cfg, daemonOptions{}, zerolog.Nop())
	require.NoError(t, err)
	defer d.close(context.Background())

	g := getGraph(t, d)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "Start", g.Nodes[0].Data.Label)
	assert.Equal(t, graph.NodeDefault, g.Nodes[1].Type)
	assert.Equal(t, []graph.Edge{{ID: "e1", Source: "a", Target: "b"}}, g.Edges)
}

func TestDaemonRejectsInvalidSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - id: a\n  - id: a\n"), 0o644))

	cfg := testConfig("alice")
	cfg.SeedPath = path
	_, err := newDaemon(context.Background(), cfg, daemonOptions{}, zerolog.Nop())
	assert.ErrorIs(t, err, graph.ErrInvalidSeed)
}

func TestDaemonReplaysJournal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("alice")
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")

	first, err := newDaemon(ctx, cfg, daemonOptions{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.store.ApplyNodeChanges(store.AddNode(graph.Node{
		ID: "alice-1", Type: graph.NodeDefault, Data: graph.NodeData{Label: "kept"}, Origin: graph.DefaultOrigin,
	})))
	first.close(ctx)

	cfg.UserID = "bob"
	second, err := newDaemon(ctx, cfg, daemonOptions{JournalRetention: time.Hour, RetentionInterval: time.Hour}, zerolog.Nop())
	require.NoError(t, err)
	second.start(ctx)
	defer second.close(ctx)

	g := getGraph(t, second)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "kept", g.Nodes[1].Data.Label)

	rr := httptest.NewRecorder()
	second.server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/envelopes?after=0", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDaemonRestartKeepsOwnEdits(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("alice")
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")

	first, err := newDaemon(ctx, cfg, daemonOptions{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.store.ApplyNodeChanges(store.AddNode(graph.Node{ID: "alice-1", Origin: graph.DefaultOrigin})))
	first.close(ctx)

	second, err := newDaemon(ctx, cfg, daemonOptions{}, zerolog.Nop())
	require.NoError(t, err)
	defer second.close(ctx)

	_, ok := second.store.Node("alice-1")
	assert.True(t, ok, "own journaled edits survive a restart")
	assert.Equal(t, "alice-2", second.store.NextID())
}

func TestDaemonRestoresArchives(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig("alice")
	cfg.JournalPath = filepath.Join(dir, "journal.db")
	archiveDir := filepath.Join(dir, "archive")

	first, err := newDaemon(ctx, cfg, daemonOptions{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.store.ApplyNodeChanges(store.AddNode(graph.Node{ID: "alice-1", Origin: graph.DefaultOrigin})))
	first.close(ctx)

	j, err := journal.Open(cfg.JournalPath)
	require.NoError(t, err)
	n, err := journal.NewRetentionWorker(j, blob.NewLocal(archiveDir), cfg.Room, journal.RetentionConfig{Retention: -time.Hour}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, j.Close())

	cfg.UserID = "bob"
	second, err := newDaemon(ctx, cfg, daemonOptions{ArchiveDir: archiveDir}, zerolog.Nop())
	require.NoError(t, err)
	defer second.close(ctx)

	_, ok := second.store.Node("alice-1")
	assert.True(t, ok, "archived history is merged back")
}

func TestDaemonRedisRelayAndLease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig("alice")
	cfg.RedisURL = "redis://" + mr.Addr()
	opts := daemonOptions{LeaseTTL: time.Minute}

	d, err := newDaemon(ctx, cfg, opts, zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, d.lease)

	_, err = newDaemon(ctx, cfg, opts, zerolog.Nop())
	assert.ErrorIs(t, err, redis.ErrSessionTaken)

	cfg.UserID = "bob"
	other, err := newDaemon(ctx, cfg, opts, zerolog.Nop())
	require.NoError(t, err)
	defer other.close(ctx)

	require.NoError(t, d.store.ApplyNodeChanges(store.AddNode(graph.Node{ID: "alice-1", Origin: graph.DefaultOrigin})))
	require.NoError(t, d.store.Flush(ctx))
	assert.Eventually(t, func() bool {
		_, ok := other.store.Node("alice-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	d.close(ctx)
	assert.False(t, mr.Exists("flowboard:session:default:alice"))
}

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"addr", "room", "user-id", "redis-url", "journal", "seed", "config", "env-file", "lease-ttl", "journal-retention", "retention-interval", "archive-dir", "api-url"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
