// Package ratecache keeps one slowly changing value fresh: a TTL'd copy in memory, an
// optional shared Store, and the last known value when a refresh fails.
package ratecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when no value was ever loaded and the loader fails.
var ErrUnavailable = errors.New("value unavailable")

// Entry is a cached value with the time it was loaded.
type Entry[V any] struct {
	Value     V         `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Store shares entries between processes.
type Store[V any] interface {
	Load(ctx context.Context, key string) (Entry[V], bool, error)
	Save(ctx context.Context, key string, entry Entry[V]) error
}

// Loader fetches a fresh value from the source of truth.
type Loader[V any] func(ctx context.Context) (V, error)

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithStore shares entries through store.
func WithStore[V any](store Store[V]) Option[V] {
	return func(cache *Cache[V]) {
		cache.store = store
	}
}

// WithLogger sets the structured logger.
func WithLogger[V any](logger *zap.Logger) Option[V] {
	return func(cache *Cache[V]) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(cache *Cache[V]) {
		if now != nil {
			cache.now = now
		}
	}
}

// Cache is a get-or-refresh cache of a single value.
type Cache[V any] struct {
	key    string
	ttl    time.Duration
	loader Loader[V]
	store  Store[V]
	logger *zap.Logger
	now    func() time.Time

	flight singleflight.Group
	mu     sync.Mutex
	last   *Entry[V]
}

// New builds a Cache for key that refreshes through loader once an entry is older than ttl.
func New[V any](key string, ttl time.Duration, loader Loader[V], options ...Option[V]) (*Cache[V], error) {
	if key == "" || ttl <= 0 || loader == nil {
		return nil, fmt.Errorf("ratecache: key, positive ttl and loader are required")
	}
	cache := &Cache[V]{
		key:    key,
		ttl:    ttl,
		loader: loader,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(cache)
		}
	}
	return cache, nil
}

// Get returns a fresh value, refreshing it when expired. When the refresh fails the last
// known value is returned instead; only a cache that never held a value fails.
func (cache *Cache[V]) Get(ctx context.Context) (V, error) {
	if entry, ok := cache.local(); ok && cache.fresh(entry) {
		return entry.Value, nil
	}
	if cache.store != nil {
		shared, found, err := cache.store.Load(ctx, cache.key)
		if err != nil {
			cache.logger.Warn("shared cache load failed", zap.String("key", cache.key), zap.Error(err))
		}
		if found {
			cache.remember(shared)
			if cache.fresh(shared) {
				return shared.Value, nil
			}
		}
	}

	result, err, _ := cache.flight.Do(cache.key, func() (any, error) {
		value, err := cache.loader(ctx)
		if err != nil {
			return nil, err
		}
		entry := Entry[V]{Value: value, FetchedAt: cache.now()}
		cache.remember(entry)
		if cache.store != nil {
			if err := cache.store.Save(ctx, cache.key, entry); err != nil {
				cache.logger.Warn("shared cache save failed", zap.String("key", cache.key), zap.Error(err))
			}
		}
		return entry, nil
	})
	if err == nil {
		return result.(Entry[V]).Value, nil
	}
	if entry, ok := cache.local(); ok {
		cache.logger.Warn("refresh failed, serving last known value",
			zap.String("key", cache.key),
			zap.Time("fetched_at", entry.FetchedAt),
			zap.Error(err),
		)
		return entry.Value, nil
	}
	var zero V
	return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, cache.key, err)
}

func (cache *Cache[V]) fresh(entry Entry[V]) bool {
	return cache.now().Sub(entry.FetchedAt) < cache.ttl
}

func (cache *Cache[V]) local() (Entry[V], bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.last == nil {
		return Entry[V]{}, false
	}
	return *cache.last, true
}

// remember keeps the newest entry seen from any source.
func (cache *Cache[V]) remember(entry Entry[V]) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if cache.last == nil || entry.FetchedAt.After(cache.last.FetchedAt) {
		copied := entry
		cache.last = &copied
	}
}
