package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN when listing or clearing keys.
const scanBatch = 256

// RedisClient is the subset of the go-redis client used by [RedisStore].
// *redis.Client and *redis.ClusterClient both satisfy it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore is a [Store] backed by Redis. Every key is stored as
// "<prefix>:<key>", so several stores can share one Redis database.
type RedisStore struct {
	client RedisClient
	prefix string
}

var (
	_ Store      = (*RedisStore)(nil)
	_ Namespacer = (*RedisStore)(nil)
)

// NewRedisStore returns a [RedisStore] that stores keys under prefix. An empty
// prefix defaults to "mangavox".
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mangavox"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Namespace returns a [RedisStore] whose prefix is nested under s's prefix.
func (s *RedisStore) Namespace(name string) Store {
	return &RedisStore{client: s.client, prefix: s.prefix + ":" + namespacePrefix + name}
}

// Ping checks connectivity to the Redis server.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvstore: redis ping: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kvstore: redis get %q: %w", key, err)
	}
	return v, nil
}

// Put implements [Store]. Values never expire.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.fullKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore: redis put %q: %w", key, err)
	}
	return nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return fmt.Errorf("kvstore: redis delete %q: %w", key, err)
	}
	return nil
}

// Keys implements [Store]. Keys of nested namespaces are not included.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	full, err := s.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("kvstore: redis keys: %w", err)
	}
	keys := make([]string, 0, len(full))
	for _, k := range full {
		keys = append(keys, strings.TrimPrefix(k, s.prefix+":"))
	}
	return keys, nil
}

// Clear implements [Store]. Keys of nested namespaces are left in place.
func (s *RedisStore) Clear(ctx context.Context) error {
	full, err := s.scan(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: redis clear: %w", err)
	}
	for start := 0; start < len(full); start += scanBatch {
		end := min(start+scanBatch, len(full))
		if err := s.client.Del(ctx, full[start:end]...).Err(); err != nil {
			return fmt.Errorf("kvstore: redis clear: %w", err)
		}
	}
	return nil
}

// scan returns every full key directly under s.prefix.
func (s *RedisStore) scan(ctx context.Context) ([]string, error) {
	nsMarker := s.prefix + ":" + namespacePrefix
	var (
		out    []string
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if strings.HasPrefix(k, nsMarker) {
				continue
			}
			out = append(out, k)
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *RedisStore) fullKey(key string) string {
	return s.prefix + ":" + key
}
