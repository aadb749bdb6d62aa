package lock

import (
	"context"
	"sync"
	"time"
)

// Locker is the set-if-absent-with-TTL primitive guarding offer
// acceptance. TryAcquire is a single non-blocking attempt.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryLocker is an in-process Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time)}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if exp, held := l.locks[key]; held && now.Before(exp) {
		return false, nil
	}
	l.locks[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, key)
	return nil
}
