package tracker

import (
	"context"
	"sync"
	"time"
)

// OfferTracker remembers which drivers hold a pending offer for a trip
// request, so subsequent waves exclude them. Entries expire with the
// offers they mirror; Clear drops the whole set on match or expiry.
type OfferTracker interface {
	Add(ctx context.Context, requestID, driverID string, ttl time.Duration) error
	Members(ctx context.Context, requestID string) (map[string]bool, error)
	Clear(ctx context.Context, requestID string) error
}

// MemoryTracker is the in-process OfferTracker.
type MemoryTracker struct {
	mu   sync.Mutex
	sets map[string]map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{sets: make(map[string]map[string]time.Time)}
}

func (t *MemoryTracker) Add(ctx context.Context, requestID, driverID string, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[requestID]
	if !ok {
		set = make(map[string]time.Time)
		t.sets[requestID] = set
	}
	set[driverID] = time.Now().Add(ttl)
	return nil
}

func (t *MemoryTracker) Members(ctx context.Context, requestID string) (map[string]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	out := make(map[string]bool)
	for id, exp := range t.sets[requestID] {
		if now.Before(exp) {
			out[id] = true
		} else {
			delete(t.sets[requestID], id)
		}
	}
	return out, nil
}

func (t *MemoryTracker) Clear(ctx context.Context, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sets, requestID)
	return nil
}
