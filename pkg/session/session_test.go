package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Validate(t *testing.T) {
	s := Session{UserID: "alice"}
	require.NoError(t, s.Validate())
	assert.Equal(t, DefaultDebounce, s.Debounce)

	s = Session{UserID: "bob", Debounce: 20 * time.Millisecond}
	require.NoError(t, s.Validate())
	assert.Equal(t, 20*time.Millisecond, s.Debounce)

	s = Session{UserID: "  "}
	assert.ErrorIs(t, s.Validate(), ErrEmptyUserID)

	s = Session{UserID: "carol", Debounce: -time.Second}
	assert.Error(t, s.Validate())
}

func TestIDGenerator_Namespaced(t *testing.T) {
	a := NewIDGenerator("alice")
	b := NewIDGenerator("bob")

	assert.Equal(t, "alice-1", a.NextID())
	assert.Equal(t, "alice-2", a.NextID())
	assert.Equal(t, "bob-1", b.NextID())
}

func TestIDGenerator_ConcurrentUnique(t *testing.T) {
	g := NewIDGenerator("u")
	const workers, each = 8, 100

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*each)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				id := g.NextID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*each)
}

func TestRandomUserID(t *testing.T) {
	id := RandomUserID()
	assert.True(t, strings.HasPrefix(id, "user-"))
	assert.Len(t, id, len("user-")+8)
	assert.NotEqual(t, id, RandomUserID())
}

func TestIDGenerator_Observe(t *testing.T) {
	g := NewIDGenerator("eve")

	g.Observe("eve-4")
	g.Observe("eeve-7")
	g.Observe("eve-2")
	g.Observe("bob-40")
	g.Observe("eve-x")
	g.Observe("0")

	assert.Equal(t, "eve-8", g.NextID())
}
