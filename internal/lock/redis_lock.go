package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with SET NX EX. The TTL is the safety
// net against a crashed holder; callers still release explicitly.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, key, "1", ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, key).Err()
}
