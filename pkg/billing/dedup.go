package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupCache is a fast-path lookup of processed event outcomes, consulted
// before opening a store transaction. It is an optimization only: the event
// log remains the authoritative dedup record, so implementations may lose
// entries or be unavailable without affecting correctness.
type DedupCache interface {
	Get(ctx context.Context, eventID string) (Outcome, bool)
	Set(ctx context.Context, eventID string, outcome Outcome)
}

type redisDedup struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDedup returns a Redis-backed dedup cache. Entries expire after
// ttl, which should comfortably exceed the provider's redelivery window.
func NewRedisDedup(client *redis.Client, ttl time.Duration) DedupCache {
	if client == nil {
		panic("billing: redis client is required")
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &redisDedup{
		client: client,
		ttl:    ttl,
		prefix: "billing:event:",
	}
}

// Get treats any Redis failure as a cache miss so an unavailable cache
// degrades to the transactional path instead of failing deliveries.
func (c *redisDedup) Get(ctx context.Context, eventID string) (Outcome, bool) {
	val, err := c.client.Get(ctx, c.prefix+eventID).Result()
	if err != nil {
		return "", false
	}
	return Outcome(val), true
}

// Set failures are ignored for the same reason: the next delivery of this
// event falls through to the event log.
func (c *redisDedup) Set(ctx context.Context, eventID string, outcome Outcome) {
	_ = c.client.Set(ctx, c.prefix+eventID, string(outcome), c.ttl).Err()
}
