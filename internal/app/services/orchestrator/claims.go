package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrStageInFlight is returned when another caller already holds the claim
// for a package. Claims never queue: a rejected Advance is simply retried on
// the next scheduler tick.
var ErrStageInFlight = errors.New("a stage is already in flight for this package")

// Claims serializes stage execution per package id. Acquire is non-blocking:
// it either grants the claim or fails with ErrStageInFlight.
type Claims interface {
	Acquire(ctx context.Context, packageID string) (release func(), err error)
}

// MemoryClaims is the single-instance implementation: a keyed try-lock.
type MemoryClaims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Claims = (*MemoryClaims)(nil)

// NewMemoryClaims creates an empty claim table.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{held: make(map[string]struct{})}
}

// Acquire grants the claim unless the id is already held.
func (c *MemoryClaims) Acquire(_ context.Context, packageID string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.held[packageID]; taken {
		return nil, ErrStageInFlight
	}
	c.held[packageID] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.held, packageID)
		c.mu.Unlock()
	}, nil
}

// RedisClaims serializes stage execution across instances using a SetNX
// lease. The lease TTL bounds how long a crashed holder can block a package.
type RedisClaims struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Claims = (*RedisClaims)(nil)

// releaseScript deletes the lease only when the stored token still matches,
// so an expired-and-reacquired lease is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NewRedisClaims creates a claim table backed by the given client. A zero
// ttl defaults to 5 minutes.
func NewRedisClaims(client *redis.Client, ttl time.Duration) *RedisClaims {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisClaims{client: client, prefix: "qawave:claim:", ttl: ttl}
}

// Acquire takes the lease via SET NX. A Redis error is surfaced as-is so the
// caller can distinguish an outage from contention.
func (c *RedisClaims) Acquire(ctx context.Context, packageID string) (func(), error) {
	key := c.prefix + packageID
	token := uuid.NewString()

	ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStageInFlight
	}
	return func() {
		// Release runs on a fresh context: the stage's context may already
		// be cancelled when the deferred release fires.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		releaseScript.Run(rctx, c.client, []string{key}, token)
	}, nil
}
