package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/flowboard/pkg/blob"
	"github.com/rmax-ai/flowboard/pkg/graph"
	"github.com/rmax-ai/flowboard/pkg/session"
	"github.com/rmax-ai/flowboard/pkg/store"
)

func fillJournal(t *testing.T, j *Journal, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := j.Append(context.Background(), addEnvelope(fmt.Sprintf("env-%d", i), "board", "alice", uint64(i+1), fmt.Sprintf("alice-%d", i)))
		require.NoError(t, err)
	}
}

func TestRetentionArchivesInBatches(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	fillJournal(t, j, 5)
	blobs := blob.NewLocal(t.TempDir())

	// A negative retention puts the cutoff in the future.
	w := NewRetentionWorker(j, blobs, "board", RetentionConfig{Retention: -time.Hour, BatchSize: 2})
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	count, err := j.Count(ctx, "board")
	require.NoError(t, err)
	assert.Zero(t, count)

	keys, err := blobs.List(ctx, "rooms/board/")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Contains(t, keys[0], "000000000001_000000000002.jsonl.gz")

	st, err := store.New(graph.DefaultSeed(), session.New("bob"), store.WithRoom("board"))
	require.NoError(t, err)
	defer st.Close(ctx)

	restored, err := RestoreArchives(ctx, blobs, st)
	require.NoError(t, err)
	assert.Equal(t, 5, restored)
	assert.Len(t, st.Nodes(), 6)
	_, ok := st.Node("alice-5")
	assert.True(t, ok)
}

func TestRetentionKeepsRecentEnvelopes(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	fillJournal(t, j, 3)

	w := NewRetentionWorker(j, blob.NewLocal(t.TempDir()), "board", RetentionConfig{Retention: time.Hour})
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	count, _ := j.Count(ctx, "board")
	assert.Equal(t, 3, count)
}

func TestRetentionWithoutArchivePrunes(t *testing.T) {
	j, _ := openTestJournal(t)
	ctx := context.Background()
	fillJournal(t, j, 3)

	w := NewRetentionWorker(j, nil, "board", RetentionConfig{Retention: -time.Hour})
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestRetentionWorkerRunStopsWithContext(t *testing.T) {
	j, _ := openTestJournal(t)
	fillJournal(t, j, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRetentionWorker(j, nil, "board", RetentionConfig{Retention: -time.Hour, CheckInterval: 10 * time.Millisecond}).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		n, _ := j.Count(context.Background(), "board")
		return n == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRestoreArchivesEmpty(t *testing.T) {
	st, err := store.New(graph.DefaultSeed(), session.New("bob"))
	require.NoError(t, err)
	defer st.Close(context.Background())

	n, err := RestoreArchives(context.Background(), blob.NewLocal(t.TempDir()), st)
	require.NoError(t, err)
	assert.Zero(t, n)
}
