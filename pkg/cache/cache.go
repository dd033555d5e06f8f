package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it *item[V]) expired(now time.Time) bool {
	return now.After(it.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]*item[V]
	defaultTTL time.Duration

	// calls dedupes concurrent GetOrSet loads per key
	calls map[K]*call[V]

	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

type call[V any] struct {
	done  chan struct{}
	value V
	ok    bool
	err   error
}

// New creates a cache whose entries live for defaultTTL unless set otherwise.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items:       make(map[K]*item[V]),
		calls:       make(map[K]*call[V]),
		defaultTTL:  defaultTTL,
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	interval := defaultTTL * 2
	if interval < time.Second {
		interval = time.Second
	}
	go c.cleanup(interval)

	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, exists := c.items[key]
	if !exists || it.expired(c.now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item[V]{value: value, expiresAt: c.now().Add(ttl)}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// GetOrSet returns the cached value or calls load. Concurrent callers for
// the same key share one load. Values for which load reports ok=false are
// returned but not cached.
func (c *Cache[K, V]) GetOrSet(ctx context.Context, key K, load func(context.Context) (V, bool, error)) (V, error) {
	c.mu.Lock()
	if it, exists := c.items[key]; exists && !it.expired(c.now()) {
		c.mu.Unlock()
		return it.value, nil
	}
	if inflight, exists := c.calls[key]; exists {
		c.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.value, inflight.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	cl := &call[V]{done: make(chan struct{})}
	c.calls[key] = cl
	c.mu.Unlock()

	cl.value, cl.ok, cl.err = load(ctx)

	c.mu.Lock()
	delete(c.calls, key)
	if cl.err == nil && cl.ok {
		c.items[key] = &item[V]{value: cl.value, expiresAt: c.now().Add(c.defaultTTL)}
	}
	c.mu.Unlock()
	close(cl.done)

	return cl.value, cl.err
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[K, V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[K, V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop ends the cleanup goroutine.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
