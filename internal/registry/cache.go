package registry

import (
	"context"
	"sync"
	"time"
)

// Cached wraps a Registry with a short per-event-name TTL cache. Dispatch
// load concentrates on a handful of event names, so a brief cache removes
// one query from the fan-out hot path. The TTL bounds how long a deactivated
// subscription can still receive dispatches.
type Cached struct {
	inner Registry
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	subs      []Subscription
	fetchedAt time.Time
}

func NewCached(inner Registry, ttl time.Duration) *Cached {
	return &Cached{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cached) ListActiveForEvent(ctx context.Context, eventName string) ([]Subscription, error) {
	c.mu.Lock()
	entry, ok := c.entries[eventName]
	c.mu.Unlock()

	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.subs, nil
	}

	subs, err := c.inner.ListActiveForEvent(ctx, eventName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[eventName] = cacheEntry{subs: subs, fetchedAt: c.now()}
	c.mu.Unlock()
	return subs, nil
}

// Get is never cached: it backs per-attempt secret and policy reads, where a
// stale secret would break signature verification on the receiving side.
func (c *Cached) Get(ctx context.Context, id string) (Subscription, error) {
	return c.inner.Get(ctx, id)
}
