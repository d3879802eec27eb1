package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	s := NewLocal(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "rooms/a/2.jsonl", strings.NewReader("two")))
	require.NoError(t, s.Put(ctx, "rooms/a/1.jsonl", strings.NewReader("one")))
	require.NoError(t, s.Put(ctx, "rooms/b/1.jsonl", strings.NewReader("other room")))

	_, err := os.Stat(filepath.Join(dir, "rooms", "a", "1.jsonl"))
	require.NoError(t, err)

	r, err := s.Get(ctx, "rooms/a/1.jsonl")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, r.Close())
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	keys, err := s.List(ctx, "rooms/a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"rooms/a/1.jsonl", "rooms/a/2.jsonl"}, keys)

	require.NoError(t, s.Put(ctx, "rooms/a/1.jsonl", strings.NewReader("replaced")))
	r, err = s.Get(ctx, "rooms/a/1.jsonl")
	require.NoError(t, err)
	data, _ = io.ReadAll(r)
	_ = r.Close()
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, "rooms/a/1.jsonl"))
	_, err = s.Get(ctx, "rooms/a/1.jsonl")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "rooms/a/1.jsonl"), ErrNotFound)

	_, err = s.Get(ctx, "rooms/b/1.jsonl")
	assert.NoError(t, err, "other keys are untouched")
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	s := NewLocal(filepath.Join(t.TempDir(), "missing"))
	keys, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	s := NewLocal(t.TempDir())
	ctx := context.Background()
	for _, key := range []string{"", "/etc/passwd", "../outside", "a/../../outside", "."} {
		assert.ErrorIs(t, s.Put(ctx, key, strings.NewReader("x")), ErrInvalidKey, key)
	}
}
