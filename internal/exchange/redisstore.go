package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/smsverify/pkg/ratecache"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const defaultEntryRetention = 24 * time.Hour

type redisCommands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisStore shares cached rates through Redis.
type RedisStore struct {
	client    redisCommands
	retention time.Duration
}

// NewRedisStore keeps entries for retention; the cache TTL decides freshness, retention only
// bounds how long a last known value survives.
func NewRedisStore(client redis.Cmdable, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = defaultEntryRetention
	}
	return &RedisStore{client: client, retention: retention}
}

// Load implements ratecache.Store.
func (store *RedisStore) Load(ctx context.Context, key string) (ratecache.Entry[decimal.Decimal], bool, error) {
	raw, err := store.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ratecache.Entry[decimal.Decimal]{}, false, nil
	}
	if err != nil {
		return ratecache.Entry[decimal.Decimal]{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var entry ratecache.Entry[decimal.Decimal]
	if err := json.Unmarshal(raw, &entry); err != nil {
		return ratecache.Entry[decimal.Decimal]{}, false, fmt.Errorf("decode cached rate %s: %w", key, err)
	}
	return entry, true, nil
}

// Save implements ratecache.Store.
func (store *RedisStore) Save(ctx context.Context, key string, entry ratecache.Entry[decimal.Decimal]) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cached rate %s: %w", key, err)
	}
	if err := store.client.Set(ctx, key, raw, store.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(options), nil
}
