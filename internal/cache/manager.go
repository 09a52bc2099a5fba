// Package cache provides internal named caches.
// This package is internal and should not be imported by external projects.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// Named cache registry
// =============================================================================

// Manager owns the process-wide set of named caches. Each cache has its
// own mutex, so two different caches never contend.
type Manager struct {
	mu     sync.Mutex
	caches map[string]*Cache
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates an empty cache manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		caches: make(map[string]*Cache),
		logger: logger.With(zap.String("component", "cache")),
		now:    time.Now,
	}
}

// Setup returns the cache called name, creating it with ttl when it does
// not exist yet. An existing cache keeps its original ttl.
func (m *Manager) Setup(name string, ttl time.Duration) *Cache {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.caches[name]; ok {
		return c
	}

	c := &Cache{
		name:  name,
		ttl:   ttl,
		items: make(map[string]item),
		now:   m.now,
	}
	m.caches[name] = c
	m.logger.Debug("cache created", zap.String("cache", name), zap.Duration("ttl", ttl))
	return c
}

// Get returns an existing cache.
func (m *Manager) Get(name string) (*Cache, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	return c, ok
}

// Delete drops a named cache and everything in it.
func (m *Manager) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, name)
}

// Names lists the cache names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names
}

// =============================================================================
// Cache
// =============================================================================

type item struct {
	value   any
	written time.Time
}

// Cache is a single named key/value store with a fixed ttl. A ttl of
// zero means entries never expire.
type Cache struct {
	mu    sync.Mutex
	name  string
	ttl   time.Duration
	items map[string]item
	now   func() time.Time

	hits   uint64
	misses uint64
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Write stores value under key and returns it.
func (c *Cache) Write(key string, value any) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item{value: value, written: c.now()}
	return value
}

// Read returns the value for key, ErrCacheMiss when absent and
// ErrCacheExpired when its ttl has passed. Expired entries are removed.
func (c *Cache) Read(key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked(key)
}

func (c *Cache) readLocked(key string) (any, error) {
	it, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, ErrCacheMiss
	}
	if c.ttl > 0 && c.now().Sub(it.written) >= c.ttl {
		delete(c.items, key)
		c.misses++
		return nil, ErrCacheExpired
	}
	c.hits++
	return it.value, nil
}

// TTL returns the time left before key expires.
func (c *Cache) TTL(key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		return 0, ErrCacheMiss
	}
	if c.ttl == 0 {
		return 0, nil
	}
	left := c.ttl - c.now().Sub(it.written)
	if left <= 0 {
		return 0, ErrCacheExpired
	}
	return left, nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Fetch returns the cached value for key or stores and returns the
// result of load. load runs under the cache lock, so concurrent callers
// for the same cache never load twice.
func (c *Cache) Fetch(key string, load func() (any, error)) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, err := c.readLocked(key); err == nil {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	c.items[key] = item{value: v, written: c.now()}
	return v, nil
}

// Synchronize runs fn while holding this cache's exclusive lock.
func (c *Cache) Synchronize(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// WriteJSON stores the JSON encoding of value.
func (c *Cache) WriteJSON(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	c.Write(key, data)
	return nil
}

// ReadJSON decodes a value stored with WriteJSON into dest.
func (c *Cache) ReadJSON(key string, dest any) error {
	v, err := c.Read(key)
	if err != nil {
		return err
	}
	data, ok := v.([]byte)
	if !ok {
		return fmt.Errorf("cache %s key %s does not hold JSON", c.name, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// =============================================================================
// Stats
// =============================================================================

// Stats 缓存统计信息
type Stats struct {
	Name   string `json:"name"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Keys   int    `json:"keys"`
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Name: c.name, Hits: c.hits, Misses: c.misses, Keys: len(c.items)}
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrCacheMiss 缓存未命中错误
	ErrCacheMiss = errors.New("cache miss")
	// ErrCacheExpired is returned when the entry outlived the cache ttl.
	ErrCacheExpired = errors.New("cache entry expired")
)

// IsCacheMiss reports whether err is a miss or an expiry.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss) || errors.Is(err, ErrCacheExpired)
}
