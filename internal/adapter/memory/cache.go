package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyang/promptlab/internal/domain/card"
	portdef "github.com/alanyang/promptlab/internal/port/definition"
)

var ErrNotFound = errors.New("cache: not found")

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL map. Expired entries are dropped lazily on read.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	now     func() time.Time
}

func NewCache[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]cacheEntry[V]),
		now:     time.Now,
	}
}

func (c *Cache[V]) Get(_ context.Context, key string) (V, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, ErrNotFound
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return zero, ErrNotFound
	}
	return entry.value, nil
}

func (c *Cache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache[V]) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

var _ portdef.Lookup = (*CachedLookup)(nil)

// CachedLookup keeps card definitions for ttl so a burst of submissions for the
// same card reads the backing store once.
type CachedLookup struct {
	next  portdef.Lookup
	cache *Cache[card.Card]
	ttl   time.Duration
}

func NewCachedLookup(next portdef.Lookup, ttl time.Duration) *CachedLookup {
	return &CachedLookup{next: next, cache: NewCache[card.Card](), ttl: ttl}
}

func (l *CachedLookup) GetCard(ctx context.Context, cardID string) (card.Card, error) {
	if c, err := l.cache.Get(ctx, cardID); err == nil {
		return c, nil
	}
	c, err := l.next.GetCard(ctx, cardID)
	if err != nil {
		return card.Card{}, fmt.Errorf("lookup card %s: %w", cardID, err)
	}
	if l.ttl > 0 {
		l.cache.Set(ctx, cardID, c, l.ttl) //nolint:errcheck
	}
	return c, nil
}

// Invalidate drops a cached card, e.g. after its definition changed.
func (l *CachedLookup) Invalidate(ctx context.Context, cardID string) error {
	return l.cache.Invalidate(ctx, cardID)
}
