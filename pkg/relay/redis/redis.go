// Package redis relays envelopes between processes over Redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rmax-ai/flowboard/pkg/relay"
	"github.com/rmax-ai/flowboard/pkg/store"
)

const publishAttempts = 3

// Channel returns the pub/sub channel of a room.
func Channel(room string) string {
	return fmt.Sprintf("flowboard:room:%s", room)
}

// Backlog returns the list holding a room's recent envelopes.
func Backlog(room string) string {
	return fmt.Sprintf("flowboard:log:%s", room)
}

// Relay publishes envelopes to a room channel and fans received ones out to
// subscribers. Each room also keeps a capped list of recent envelopes that
// new subscribers receive first.
type Relay struct {
	client  *redis.Client
	logger  zerolog.Logger
	backoff relay.Backoff
	backlog int

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger for decode and delivery failures.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithBackoff sets the retry policy for Publish.
func WithBackoff(b relay.Backoff) Option {
	return func(r *Relay) { r.backoff = b }
}

// WithBacklog sets how many envelopes per room are kept for new
// subscribers. Zero disables the backlog.
func WithBacklog(n int) Option {
	return func(r *Relay) { r.backlog = max(n, 0) }
}

// New builds a relay on an existing client. The caller keeps ownership of
// the client.
func New(client *redis.Client, opts ...Option) *Relay {
	r := &Relay{
		client:  client,
		logger:  zerolog.Nop(),
		backoff: relay.DefaultBackoff(),
		backlog: relay.DefaultBacklog,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dial parses a redis:// URL and checks the server is reachable.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// Publish encodes env, appends it to the room backlog and publishes it to
// the room channel in one transaction, retrying transient failures. A retry
// may store the envelope twice; merging it again is a no-op.
func (r *Relay) Publish(ctx context.Context, env store.Envelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	channel, backlog := Channel(env.Room), Backlog(env.Room)
	return relay.Retry(ctx, r.backoff, publishAttempts, func(ctx context.Context) error {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if r.backlog > 0 {
				pipe.RPush(ctx, backlog, data)
				pipe.LTrim(ctx, backlog, int64(-r.backlog), -1)
			}
			pipe.Publish(ctx, channel, data)
			return nil
		})
		return err
	})
}

// Subscribe listens on the room channel until the returned function is
// called. It returns once Redis has confirmed the subscription and the room
// backlog has been handed to fn.
func (r *Relay) Subscribe(ctx context.Context, room string, fn func(store.Envelope)) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("relay is closed")
	}
	r.mu.Unlock()

	channel := Channel(room)
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	var backlog []string
	if r.backlog > 0 {
		var err error
		backlog, err = r.client.LRange(ctx, Backlog(room), 0, -1).Result()
		if err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("failed to read backlog of %s: %w", room, err)
		}
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	for _, payload := range backlog {
		r.deliver(channel, payload, fn)
	}
	go func() {
		for msg := range ps.Channel() {
			r.deliver(msg.Channel, msg.Payload, fn)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			r.remove(ps)
		})
	}, nil
}

func (r *Relay) deliver(channel, payload string, fn func(store.Envelope)) {
	var env store.Envelope
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("invalid_envelope")
		return
	}
	fn(env)
}

func (r *Relay) remove(ps *redis.PubSub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == ps {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// Close ends every subscription. It does not close the client.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var errs []error
	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
