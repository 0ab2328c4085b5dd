package tiercore

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LocalCache 进程内有界缓存：容量满时按 LRU 淘汰，访问时惰性检查 TTL。
// 并发安全（expirable.LRU 内部加锁）。
type LocalCache[V any] struct {
	lru  *expirable.LRU[string, CacheEntry[V]]
	size int
	ttl  time.Duration
	now  func() time.Time
}

// NewLocalCache size: 最大条目数；ttl: 写入后的存活时间。
func NewLocalCache[V any](size int, ttl time.Duration) (*LocalCache[V], error) {
	if size < 1 {
		return nil, &ConfigError{Field: "lookup.local_size", Reason: "must be at least 1"}
	}
	if ttl <= 0 {
		return nil, &ConfigError{Field: "lookup.local_ttl", Reason: "must be positive"}
	}
	return &LocalCache[V]{
		lru:  expirable.NewLRU[string, CacheEntry[V]](size, nil, ttl),
		size: size,
		ttl:  ttl,
		now:  time.Now,
	}, nil
}

// Get 命中时刷新 LRU 位置；过期条目会被删除并视为未命中。
func (c *LocalCache[V]) Get(key string) (V, bool) {
	var zero V
	entry, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if entry.Expired(c.now()) {
		c.lru.Remove(key)
		return zero, false
	}
	return entry.Value, true
}

// Set 写入（覆盖）条目。
func (c *LocalCache[V]) Set(key string, value V) {
	now := c.now()
	c.lru.Add(key, CacheEntry[V]{
		Key:        key,
		Value:      value,
		InsertedAt: now,
		ExpiresAt:  now.Add(c.ttl),
	})
}

func (c *LocalCache[V]) Delete(key string) {
	c.lru.Remove(key)
}

// Clear 清空本地缓存。
func (c *LocalCache[V]) Clear() {
	c.lru.Purge()
}

// Len 当前条目数（可能包含尚未被清理的过期条目）。
func (c *LocalCache[V]) Len() int {
	return c.lru.Len()
}

func (c *LocalCache[V]) Cap() int { return c.size }
