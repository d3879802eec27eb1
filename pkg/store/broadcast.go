package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// flushTimeout bounds a publish started by the debounce timer.
const flushTimeout = 5 * time.Second

// Relay carries envelopes between the replicas of a room. Publish must not
// block on remote delivery longer than ctx allows; Subscribe delivers every
// envelope published to the room, including the subscriber's own.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, room string, fn func(Envelope)) (func(), error)
}

// Attach subscribes the store to the relay for inbound merges and uses it for
// outbound broadcasts. Ops committed before Attach are broadcast after the
// next debounce interval.
func (s *Store) Attach(ctx context.Context, r Relay) error {
	unsubscribe, err := r.Subscribe(ctx, s.room, func(env Envelope) {
		s.Merge(env)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to room %s: %w", s.room, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	previous := s.unsubscribe
	s.relay = r
	s.unsubscribe = unsubscribe
	s.scheduleLocked()
	s.mu.Unlock()

	if previous != nil {
		previous()
	}

	s.logger.Info().Str("room", s.room).Str("session", s.sess.UserID).Msg("relay_attached")
	return nil
}

// enqueueLocked queues freshly applied local ops for broadcast. Must be
// called with s.mu held.
func (s *Store) enqueueLocked(ops []Op) {
	if len(s.pending) == 0 {
		s.pendingSince = time.Now()
	}
	s.pending = append(s.pending, ops...)
	s.scheduleLocked()
}

// scheduleLocked (re)arms the debounce timer. Every call pushes the flush
// back by one debounce interval, bounded by maxWait since the oldest pending
// op. Must be called with s.mu held.
func (s *Store) scheduleLocked() {
	if s.relay == nil || len(s.pending) == 0 {
		return
	}

	delay := s.sess.Debounce
	if s.maxWait > 0 {
		remaining := s.maxWait - time.Since(s.pendingSince)
		if remaining < delay {
			delay = max(remaining, 0)
		}
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(delay, s.onTimer)
		return
	}
	s.timer.Reset(delay)
}

func (s *Store) onTimer() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	// Failures are logged and re-queued by Flush.
	_ = s.Flush(ctx)
}

// Flush publishes every pending local op now, in a single envelope. On
// failure the ops are queued again for the next attempt.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	r, ops := s.takePendingLocked()
	s.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return s.publish(ctx, r, ops)
}

// takePendingLocked removes the pending ops for publishing. Must be called
// with s.mu held.
func (s *Store) takePendingLocked() (Relay, []Op) {
	if s.relay == nil || len(s.pending) == 0 {
		return nil, nil
	}
	ops := s.pending
	s.pending = nil
	s.pendingSince = time.Time{}
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.relay, ops
}

func (s *Store) publish(ctx context.Context, r Relay, ops []Op) error {
	env := Envelope{
		EnvelopeID: uuid.NewString(),
		Room:       s.room,
		Session:    s.sess.UserID,
		TsEmit:     time.Now().UTC(),
		Ops:        ops,
	}

	if err := r.Publish(ctx, env); err != nil {
		FlowboardBroadcasts.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).
			Str("room", s.room).
			Int("ops", len(ops)).
			Msg("broadcast_failed")

		s.mu.Lock()
		if !s.closed {
			s.pending = append(ops, s.pending...)
			s.pendingSince = time.Now()
			s.scheduleLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	FlowboardBroadcasts.WithLabelValues("ok").Inc()
	FlowboardBroadcastOps.Observe(float64(len(ops)))
	s.logger.Debug().
		Str("room", s.room).
		Str("envelope_id", env.EnvelopeID).
		Int("ops", len(ops)).
		Msg("broadcast_flushed")
	return nil
}

// PendingOps returns the number of local ops waiting for broadcast.
func (s *Store) PendingOps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close rejects further mutations, publishes every op committed before it
// and detaches from the relay.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	r, ops := s.takePendingLocked()
	if s.timer != nil {
		s.timer.Stop()
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.relay = nil
	s.mu.Unlock()

	var err error
	if len(ops) > 0 {
		err = s.publish(ctx, r, ops)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	s.logger.Info().Str("room", s.room).Str("session", s.sess.UserID).Msg("store_closed")
	return err
}
