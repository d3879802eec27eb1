package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionTaken is returned when another replica holds the user id in the
// room.
var ErrSessionTaken = errors.New("user id is already in use in this room")

// ErrLeaseLost is returned by Renew when the claim expired or changed hands.
var ErrLeaseLost = errors.New("session lease lost")

// SessionLease reserves a user id within a room so that two replicas never
// generate colliding ids. Each claim is a key holding a random holder token
// with a TTL that the owner keeps renewing.
type SessionLease struct {
	client *redis.Client
}

func NewSessionLease(client *redis.Client) *SessionLease {
	return &SessionLease{client: client}
}

func (l *SessionLease) key(room, userID string) string {
	return fmt.Sprintf("flowboard:session:%s:%s", room, userID)
}

// Claim reserves userID in room for holder. Claiming again with the same
// holder renews the lease.
func (l *SessionLease) Claim(ctx context.Context, room, userID, holder string, ttl time.Duration) error {
	key := l.key(room, userID)

	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}
	if ok {
		return nil
	}

	current, err := l.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			return l.Claim(ctx, room, userID, holder, ttl)
		}
		return fmt.Errorf("failed to read session claim: %w", err)
	}
	if current != holder {
		return fmt.Errorf("%w: %s", ErrSessionTaken, userID)
	}
	return l.Renew(ctx, room, userID, holder, ttl)
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Renew extends a claim held by holder.
func (l *SessionLease) Renew(ctx context.Context, room, userID, holder string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key(room, userID)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew session: %w", err)
	}
	if res != 1 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops a claim if holder still owns it.
func (l *SessionLease) Release(ctx context.Context, room, userID, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(room, userID)}, holder).Err(); err != nil {
		return fmt.Errorf("failed to release session: %w", err)
	}
	return nil
}

// Holder returns the current holder of userID in room, or "" when unclaimed.
func (l *SessionLease) Holder(ctx context.Context, room, userID string) (string, error) {
	v, err := l.client.Get(ctx, l.key(room, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read session claim: %w", err)
	}
	return v, nil
}

// Keep renews the claim every ttl/3 until ctx ends, then releases it. It
// returns ErrLeaseLost if the claim was taken over.
func (l *SessionLease) Keep(ctx context.Context, room, userID, holder string, ttl time.Duration) error {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return l.Release(releaseCtx, room, userID, holder)
		case <-ticker.C:
			// Transient errors are retried on the next tick.
			if err := l.Renew(ctx, room, userID, holder, ttl); errors.Is(err, ErrLeaseLost) {
				return err
			}
		}
	}
}
