// Package session describes one collaborator replica and hands out ids that
// stay unique across collaborators without coordination.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDebounce is the broadcast debounce used when none is configured.
const DefaultDebounce = 500 * time.Millisecond

// ErrEmptyUserID is returned by Validate for a session without a user id.
var ErrEmptyUserID = errors.New("session user id is required")

// Session identifies a collaborator replica and controls its broadcast
// cadence. UserID must be unique among the replicas of a room: it namespaces
// generated ids and breaks stamp ties.
type Session struct {
	UserID   string        `json:"user_id"`
	Debounce time.Duration `json:"debounce"`
}

// New returns a session with the default debounce.
func New(userID string) Session {
	return Session{UserID: userID, Debounce: DefaultDebounce}
}

// RandomUserID returns a fresh "user-xxxxxxxx" identifier.
func RandomUserID() string {
	return "user-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Validate checks the session and fills in the default debounce.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return ErrEmptyUserID
	}
	if s.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative: %s", s.Debounce)
	}
	if s.Debounce == 0 {
		s.Debounce = DefaultDebounce
	}
	return nil
}

// IDGenerator hands out "<userID>-<n>" ids. Ids are never reused for the
// lifetime of the generator.
type IDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   uint64
}

// NewIDGenerator returns a generator namespaced by userID, starting at 1.
func NewIDGenerator(userID string) *IDGenerator {
	return &IDGenerator{prefix: userID, next: 1}
}

// Observe moves the generator past id when id was generated under the same
// user id, either as a node id "<user>-<n>" or as an edge id "e<user>-<n>".
// Other ids are ignored.
func (g *IDGenerator) Observe(id string) {
	n, ok := g.counter(id)
	if !ok {
		n, ok = g.counter(strings.TrimPrefix(id, "e"))
	}
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if n >= g.next {
		g.next = n + 1
	}
}

func (g *IDGenerator) counter(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, g.prefix+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NextID returns the next id.
func (g *IDGenerator) NextID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := fmt.Sprintf("%s-%d", g.prefix, g.next)
	g.next++
	return id
}
