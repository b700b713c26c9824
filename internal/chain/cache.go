package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"chain-insights/internal/metrics"
)

// DefaultCacheTTL is how long a cached read stays live when no TTL is configured.
const DefaultCacheTTL = 60 * time.Second

// Entry is one cached result. An entry past ExpiresAt is a miss; it is not
// evicted but overwritten by the next successful fetch.
type Entry struct {
	Key       string    `msgpack:"key"`
	Value     []byte    `msgpack:"value"`
	ExpiresAt time.Time `msgpack:"expires_at"`
}

// Live reports whether the entry may still be served at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache stores entries for the chain client. It is written by the client only.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache returns an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, entry Entry) error {
	m.mu.Lock()
	m.entries[entry.Key] = entry
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, live or expired.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cacheKey(op string, params ...string) string {
	if len(params) == 0 {
		return op
	}
	return op + "|" + strings.Join(params, "|")
}

func lookup[T any](ctx context.Context, c *Client, op, key string) (T, bool) {
	var zero T
	entry, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		ok = false
	}
	if !ok || !entry.Live(c.clock.Now()) {
		metrics.CacheLookups.WithLabelValues(op, "miss").Inc()
		return zero, false
	}

	var v T
	if err := msgpack.Unmarshal(entry.Value, &v); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry undecodable, treating as miss")
		metrics.CacheLookups.WithLabelValues(op, "miss").Inc()
		return zero, false
	}
	metrics.CacheLookups.WithLabelValues(op, "hit").Inc()
	c.logger.Debug().Str("key", key).Msg("cache hit")
	return v, true
}

func store[T any](ctx context.Context, c *Client, key string, v T) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	entry := Entry{Key: key, Value: b, ExpiresAt: c.clock.Now().Add(c.ttl)}
	if err := c.cache.Set(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// cachedRead serves op from cache or fetches it through the retry loop. On
// failure it returns fallback; the error is non-nil only when ctx is done.
func cachedRead[T any](ctx context.Context, c *Client, op string, params []string, fetch func(context.Context) (T, error), fallback T) (T, error) {
	key := cacheKey(op, params...)
	if v, ok := lookup[T](ctx, c, op, key); ok {
		return v, nil
	}

	v, err := do(ctx, c, op, fetch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fallback, ctxErr
		}
		c.recordFailure(err)
		return fallback, nil
	}

	store(ctx, c, key, v)
	return v, nil
}
