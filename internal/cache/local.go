package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// LocalOptions configures a LocalCache.
type LocalOptions struct {
	// MaxEntries bounds the number of stored keys (default: 10000).
	MaxEntries int

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalCache is an in-process Cache. Expired entries are evicted lazily
// when read; when the cache is full, expired entries are swept and then the
// entry closest to expiry is dropped.
type LocalCache struct {
	mu         sync.Mutex
	entries    map[string]localEntry
	maxEntries int
	now        func() time.Time
}

// NewLocalCache creates an empty LocalCache.
func NewLocalCache(opts LocalOptions) *LocalCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &LocalCache{
		entries:    make(map[string]localEntry),
		maxEntries: opts.MaxEntries,
		now:        opts.Clock,
	}
}

// Get returns a copy of the value at key.
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores a copy of value. A non-positive ttl removes the key.
func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return nil
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = localEntry{value: stored, expiresAt: c.now().Add(ttl)}
	return nil
}

// Delete removes key.
func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *LocalCache) DeletePrefix(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops all entries.
func (c *LocalCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]localEntry)
	c.mu.Unlock()
	return nil
}

func (c *LocalCache) evictLocked() {
	now := c.now()
	var (
		victim   string
		earliest time.Time
	)
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		if victim == "" || e.expiresAt.Before(earliest) {
			victim, earliest = k, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && victim != "" {
		delete(c.entries, victim)
	}
}
