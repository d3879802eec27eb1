// Package relay carries change envelopes between the replicas of a room.
//
// Hub connects replicas living in one process; the redis subpackage connects
// replicas across processes through Redis pub/sub.
package relay

import (
	"context"
	"sync"

	"github.com/rmax-ai/flowboard/pkg/store"
)

// DefaultBacklog is how many envelopes per room a Hub keeps for late
// subscribers.
const DefaultBacklog = 4096

// Hub is an in-process relay. Publish delivers synchronously to every
// subscriber of the envelope's room, including the publisher's own. A new
// subscriber first receives the room's backlog, so a replica attached after
// others have edited still converges with them.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]func(store.Envelope)
	logs    map[string][]store.Envelope
	backlog int
	next    uint64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBacklog sets how many envelopes per room are replayed to new
// subscribers. Zero disables the backlog.
func WithBacklog(n int) HubOption {
	return func(h *Hub) { h.backlog = max(n, 0) }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:    make(map[string]map[uint64]func(store.Envelope)),
		logs:    make(map[string][]store.Envelope),
		backlog: DefaultBacklog,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish delivers env to the subscribers of env.Room.
func (h *Hub) Publish(ctx context.Context, env store.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.backlog > 0 {
		log := append(h.logs[env.Room], env)
		if len(log) > h.backlog {
			log = append([]store.Envelope(nil), log[len(log)-h.backlog:]...)
		}
		h.logs[env.Room] = log
	}
	fns := make([]func(store.Envelope), 0, len(h.subs[env.Room]))
	for _, fn := range h.subs[env.Room] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(env)
	}
	return nil
}

// Subscribe replays the room's backlog to fn, then registers it for the room
// until the returned function is called. Envelopes published during the
// replay may reach fn before the replay ends.
func (h *Hub) Subscribe(ctx context.Context, room string, fn func(store.Envelope)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[room] == nil {
		h.subs[room] = make(map[uint64]func(store.Envelope))
	}
	h.subs[room][id] = fn
	backlog := append([]store.Envelope(nil), h.logs[room]...)
	h.mu.Unlock()

	for _, env := range backlog {
		fn(env)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[room], id)
			if len(h.subs[room]) == 0 {
				delete(h.subs, room)
			}
			h.mu.Unlock()
		})
	}, nil
}

// Subscribers returns the number of subscribers of a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[room])
}
