package tiercore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LookupCache 分层查找：bloom(负缓存) -> local -> distributed -> 权威存储，
// 命中权威存储后回填上层。
//
// 同一 Key 的并发未命中默认不去重：每个调用方都会独立访问权威存储。
// 这是已接受的限制。需要去重时显式开启 LookupOptions.CoalesceMisses。
type LookupCache[V any] struct {
	store   LookupStore[V]
	local   *LocalCache[V]
	remote  DistributedCache // 可为 nil，此时跳过该层
	missing *BloomFilter
	metrics *MetricsTracker
	keys    Keyspace
	opts    LookupOptions
	logger  *zap.Logger

	group singleflight.Group
}

// NewLookupCache 创建查找协调器。
// store、missing、metrics 必填；remote 为 nil 时跳过分布式层；logger 为 nil 时不输出日志。
func NewLookupCache[V any](
	store LookupStore[V],
	remote DistributedCache,
	missing *BloomFilter,
	metrics *MetricsTracker,
	keys Keyspace,
	opts LookupOptions,
	logger *zap.Logger,
) (*LookupCache[V], error) {
	if store == nil || missing == nil || metrics == nil {
		return nil, errors.New("lookup cache: store, missing filter and metrics are required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	local, err := NewLocalCache[V](opts.LocalSize, opts.LocalTTL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LookupCache[V]{
		store:   store,
		local:   local,
		remote:  remote,
		missing: missing,
		metrics: metrics,
		keys:    keys,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Lookup 查找 Key。
// 不存在时返回 ErrNotFound（Source 为 bloom 或 database）；
// 权威存储的错误原样向上传播，其它层的错误按未命中处理。
func (c *LookupCache[V]) Lookup(ctx context.Context, key string) (LookupResult[V], error) {
	start := time.Now()
	key = NormalizeKey(key, c.opts.KeyLength)

	// 1. 负缓存
	if c.missing.MightBePresent(key) {
		c.metrics.RecordHit(TierBloom, time.Since(start))
		c.logger.Debug("negative cache hit", zap.String("key", key))
		return LookupResult[V]{Source: SourceBloom}, ErrNotFound
	}
	c.metrics.RecordMiss(TierBloom, time.Since(start))

	// 2. 本地缓存
	if v, ok := c.local.Get(key); ok {
		c.metrics.RecordHit(TierLocal, time.Since(start))
		return LookupResult[V]{Value: v, Source: SourceLocal}, nil
	}
	c.metrics.RecordMiss(TierLocal, time.Since(start))

	// 3. 分布式缓存
	if v, ok := c.getRemote(ctx, key); ok {
		c.local.Set(key, v)
		c.metrics.RecordHit(TierDistributed, time.Since(start))
		return LookupResult[V]{Value: v, Source: SourceDistributed}, nil
	}
	c.metrics.RecordMiss(TierDistributed, time.Since(start))

	// 4. 权威存储
	v, found, err := c.fetch(ctx, key)
	if err != nil {
		c.metrics.RecordMiss(TierDatabase, time.Since(start))
		c.logger.Error("authoritative lookup failed", zap.String("key", key), zap.Error(err))
		return LookupResult[V]{}, err
	}
	if !found {
		c.missing.Add(key)
		c.metrics.RecordMiss(TierDatabase, time.Since(start))
		c.logger.Debug("key not found, added to negative cache", zap.String("key", key))
		return LookupResult[V]{Source: SourceDatabase}, ErrNotFound
	}

	_ = c.fill(ctx, key, v)
	c.metrics.RecordHit(TierDatabase, time.Since(start))
	return LookupResult[V]{Value: v, Source: SourceDatabase}, nil
}

type fetched[V any] struct {
	value V
	found bool
}

func (c *LookupCache[V]) fetch(ctx context.Context, key string) (V, bool, error) {
	if !c.opts.CoalesceMisses {
		return c.store.Get(ctx, key)
	}
	// 共享的读取不能因为第一个调用方取消而让其它等待者一起失败
	shared := context.WithoutCancel(ctx)
	res, err, _ := c.group.Do(key, func() (any, error) {
		v, found, err := c.store.Get(shared, key)
		return fetched[V]{value: v, found: found}, err
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	f := res.(fetched[V])
	return f.value, f.found, nil
}

func (c *LookupCache[V]) getRemote(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.remote == nil {
		return zero, false
	}
	raw, ok, err := c.remote.Get(ctx, c.keys.Lookup(key))
	if err != nil {
		c.logger.Warn("distributed cache get failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("distributed cache entry undecodable", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, true
}

// fill 回填本地与分布式层，各自使用自己的 TTL。
// 本地层总会写入；返回分布式层的写入错误（没有分布式层时为 nil）。
func (c *LookupCache[V]) fill(ctx context.Context, key string, v V) error {
	c.local.Set(key, v)
	if c.remote == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("encode cache entry failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if err := c.remote.Set(ctx, c.keys.Lookup(key), raw, c.opts.DistributedTTL); err != nil {
		c.logger.Warn("distributed cache set failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Warm 预热：写入已由权威存储确认过的值。
// 返回所有层都写入成功的条数；分布式层失败的条目仍留在本地层。
func (c *LookupCache[V]) Warm(ctx context.Context, entries map[string]V) int {
	ok := 0
	for key, v := range entries {
		if c.fill(ctx, NormalizeKey(key, c.opts.KeyLength), v) == nil {
			ok++
		}
	}
	c.logger.Info("cache warming completed",
		zap.Int("entries", len(entries)), zap.Int("written", ok))
	return ok
}

// Invalidate 从本地与分布式层删除 Key。Bloom 标记不会撤销。
func (c *LookupCache[V]) Invalidate(ctx context.Context, key string) error {
	key = NormalizeKey(key, c.opts.KeyLength)
	c.local.Delete(key)
	if c.remote == nil {
		return nil
	}
	if err := c.remote.Del(ctx, c.keys.Lookup(key)); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// Clear 只清空本地层；分布式层与 Bloom 需要显式的管理操作。
func (c *LookupCache[V]) Clear() {
	c.local.Clear()
	c.logger.Info("local cache cleared")
}

// LookupStats 查找缓存的运行统计。
type LookupStats struct {
	LocalSize     int             `json:"local_size"`
	LocalCapacity int             `json:"local_capacity"`
	MissingCount  uint64          `json:"missing_count"`
	Metrics       MetricsSnapshot `json:"metrics"`
}

func (c *LookupCache[V]) Stats() LookupStats {
	return LookupStats{
		LocalSize:     c.local.Len(),
		LocalCapacity: c.local.Cap(),
		MissingCount:  c.missing.Count(),
		Metrics:       c.metrics.Snapshot(),
	}
}
