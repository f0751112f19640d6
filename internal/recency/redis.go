package recency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache is backed by Redis keys with per-key expiry.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisCache builds a RedisCache. Zero ttl or empty prefix select the defaults.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, prefix string, logger *zap.Logger) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, prefix: prefix, logger: logger}, nil
}

func (c *RedisCache) key(k string) string {
	return c.prefix + k
}

// SeenRecently records key with the configured expiry unless it is already
// present, and reports whether it was present before the call. The check and
// the write are a single SET NX so concurrent callers cannot both observe false.
func (c *RedisCache) SeenRecently(ctx context.Context, key string) (bool, error) {
	stored, err := c.client.SetNX(ctx, c.key(key), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("recency set %q: %w", key, err)
	}
	return !stored, nil
}

// Extend re-applies ttl to every key matching pattern within the cache
// namespace. A non-positive ttl removes the expiry. It returns the number of
// keys touched.
func (c *RedisCache) Extend(ctx context.Context, pattern string, ttl time.Duration) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	match := c.key(pattern)
	const scanBatchSize = 100

	var (
		cursor  uint64
		touched int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return touched, fmt.Errorf("scan keys: %w", err)
		}
		if len(keys) > 0 {
			pipe := c.client.TxPipeline()
			for _, k := range keys {
				if ttl > 0 {
					pipe.Expire(ctx, k, ttl)
				} else {
					pipe.Persist(ctx, k)
				}
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return touched, fmt.Errorf("apply ttl: %w", err)
			}
			touched += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.logger.Info("recency keys updated",
		zap.String("pattern", match),
		zap.Duration("ttl", ttl),
		zap.Int("keys", touched),
	)
	return touched, nil
}
