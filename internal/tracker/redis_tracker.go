package tracker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps the pending-offer set in a Redis set per request.
// The set TTL runs a minute past the offer TTL so stragglers age out
// even if Clear is never called.
type RedisTracker struct {
	client *redis.Client
}

func NewRedisTracker(client *redis.Client) *RedisTracker {
	return &RedisTracker{client: client}
}

func trackerKey(requestID string) string { return "offers:request:" + requestID }

func (t *RedisTracker) Add(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	key := trackerKey(requestID)
	if err := t.client.SAdd(ctx, key, driverID).Err(); err != nil {
		return err
	}
	return t.client.Expire(ctx, key, ttl+time.Minute).Err()
}

func (t *RedisTracker) Members(ctx context.Context, requestID string) (map[string]bool, error) {
	ids, err := t.client.SMembers(ctx, trackerKey(requestID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (t *RedisTracker) Clear(ctx context.Context, requestID string) error {
	return t.client.Del(ctx, trackerKey(requestID)).Err()
}
