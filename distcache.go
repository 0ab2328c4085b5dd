package tiercore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedCache 多进程共享的 Key/Value 缓存，每个条目有独立 TTL。
type DistributedCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, key string) error
}

// RedisCache 基于 Redis 的 DistributedCache。
// Key 由调用方通过 Keyspace 生成，这里不再追加前缀。
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache client: Redis 客户端实例（外部传入，DI）。
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{rdb: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, transient("redis get", err)
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return transient("redis set", c.rdb.Set(ctx, key, value, ttl).Err())
}

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, transient("redis exists", err)
	}
	return n > 0, nil
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return transient("redis del", c.rdb.Del(ctx, key).Err())
}
