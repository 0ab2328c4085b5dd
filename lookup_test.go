package tiercore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// countingStore 记录访问次数的 LookupStore
type countingStore struct {
	mu      sync.Mutex
	records map[string]BinRecord
	err     error
	calls   atomic.Int32

	entered chan struct{} // 非 nil 时每次调用发送一次
	release chan struct{} // 非 nil 时阻塞直到关闭
}

func (s *countingStore) Get(ctx context.Context, key string) (BinRecord, bool, error) {
	s.calls.Add(1)
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	if err := ctx.Err(); err != nil {
		return BinRecord{}, false, err
	}
	if s.err != nil {
		return BinRecord{}, false, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func testLookupOptions() LookupOptions {
	opts := DefaultOptions().Lookup
	opts.LocalSize = 100
	return opts
}

func newTestLookup(t *testing.T, store LookupStore[BinRecord], rdb *redis.Client, opts LookupOptions) *LookupCache[BinRecord] {
	t.Helper()
	missing, _ := NewBloomFilter(1000, 0.001)
	metrics, _ := NewMetricsTracker(100, "test", nil)
	var remote DistributedCache
	if rdb != nil {
		remote = NewRedisCache(rdb)
	}
	c, err := NewLookupCache(store, remote, missing, metrics, NewKeyspace("test:"), opts, nil)
	if err != nil {
		t.Fatalf("NewLookupCache failed: %v", err)
	}
	return c
}

var visaBin = BinRecord{BIN: "41111111", Bank: "Test Bank", CountryCode: "US", Scheme: "visa"}

func TestLookup_Tiers(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	store := &countingStore{records: map[string]BinRecord{"41111111": visaBin}}
	c := newTestLookup(t, store, rdb, testLookupOptions())

	// 首次查找：权威存储
	res, err := c.Lookup(ctx, "4111-1111 1111 1111")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if res.Source != SourceDatabase || res.Value != visaBin {
		t.Errorf("Expected database hit, got %+v", res)
	}

	// 第二次：本地缓存
	res, _ = c.Lookup(ctx, "41111111")
	if res.Source != SourceLocal {
		t.Errorf("Expected local hit, got %s", res.Source)
	}

	// 清空本地后：分布式缓存，并回填本地
	c.Clear()
	res, _ = c.Lookup(ctx, "41111111")
	if res.Source != SourceDistributed || res.Value != visaBin {
		t.Errorf("Expected distributed hit, got %+v", res)
	}
	res, _ = c.Lookup(ctx, "41111111")
	if res.Source != SourceLocal {
		t.Errorf("Expected local hit after distributed fill, got %s", res.Source)
	}

	if n := store.calls.Load(); n != 1 {
		t.Errorf("Expected 1 store call, got %d", n)
	}

	ttl := rdb.TTL(ctx, "test:lookup:41111111").Val()
	if ttl <= 0 || ttl > 24*time.Hour {
		t.Errorf("Unexpected distributed TTL %v", ttl)
	}

	s := c.Stats()
	if s.Metrics.TotalLookups != 4 || s.Metrics.CacheHits != 3 {
		t.Errorf("Unexpected metrics: lookups=%d hits=%d", s.Metrics.TotalLookups, s.Metrics.CacheHits)
	}
}

func TestLookup_NegativeCache(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{records: map[string]BinRecord{}}
	c := newTestLookup(t, store, nil, testLookupOptions())

	res, err := c.Lookup(ctx, "99999999")
	if !errors.Is(err, ErrNotFound) || res.Source != SourceDatabase {
		t.Fatalf("Expected not found from database, got %v %s", err, res.Source)
	}

	res, err = c.Lookup(ctx, "99999999")
	if !errors.Is(err, ErrNotFound) || res.Source != SourceBloom {
		t.Fatalf("Expected not found from bloom, got %v %s", err, res.Source)
	}
	if n := store.calls.Load(); n != 1 {
		t.Errorf("Negative cache hit must not touch the store, got %d calls", n)
	}
	if c.Stats().MissingCount != 1 {
		t.Errorf("Expected 1 negative entry")
	}
}

func TestLookup_RedisDownFailsOpen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := &countingStore{records: map[string]BinRecord{"41111111": visaBin}}
	c := newTestLookup(t, store, rdb, testLookupOptions())

	mr.Close()

	res, err := c.Lookup(ctx, "41111111")
	if err != nil {
		t.Fatalf("Lookup should succeed without redis: %v", err)
	}
	if res.Source != SourceDatabase {
		t.Errorf("Expected database, got %s", res.Source)
	}
	res, _ = c.Lookup(ctx, "41111111")
	if res.Source != SourceLocal {
		t.Errorf("Expected local fill despite redis failure, got %s", res.Source)
	}
}

func TestLookup_StoreErrorPropagates(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db unavailable")
	store := &countingStore{err: boom}
	c := newTestLookup(t, store, nil, testLookupOptions())

	_, err := c.Lookup(ctx, "41111111")
	if !errors.Is(err, boom) {
		t.Fatalf("Expected store error, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("Store failure must not be reported as not found")
	}

	// 失败不能写入负缓存
	store.err = nil
	store.records = map[string]BinRecord{"41111111": visaBin}
	if _, err := c.Lookup(ctx, "41111111"); err != nil {
		t.Errorf("Lookup after recovery failed: %v", err)
	}
}

func TestLookup_Invalidate(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	store := &countingStore{records: map[string]BinRecord{"41111111": visaBin}}
	c := newTestLookup(t, store, rdb, testLookupOptions())

	c.Lookup(ctx, "41111111")
	if err := c.Invalidate(ctx, "4111 1111"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if n, _ := rdb.Exists(ctx, "test:lookup:41111111").Result(); n != 0 {
		t.Error("Expected distributed entry removed")
	}
	res, _ := c.Lookup(ctx, "41111111")
	if res.Source != SourceDatabase {
		t.Errorf("Expected database after invalidate, got %s", res.Source)
	}
}

func TestLookup_Warm(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{records: map[string]BinRecord{}}
	c := newTestLookup(t, store, nil, testLookupOptions())

	if n := c.Warm(ctx, map[string]BinRecord{"41111111": visaBin}); n != 1 {
		t.Errorf("Expected 1 warmed, got %d", n)
	}
	res, err := c.Lookup(ctx, "41111111")
	if err != nil || res.Source != SourceLocal {
		t.Errorf("Expected local hit after warm, got %v %s", err, res.Source)
	}
	if store.calls.Load() != 0 {
		t.Error("Warm entries must not touch the store")
	}
}

func TestLookup_ConcurrentMisses(t *testing.T) {
	const n = 8

	run := func(t *testing.T, coalesce bool) int32 {
		store := &countingStore{
			records: map[string]BinRecord{"41111111": visaBin},
			entered: make(chan struct{}, n),
			release: make(chan struct{}),
		}
		opts := testLookupOptions()
		opts.CoalesceMisses = coalesce
		c := newTestLookup(t, store, nil, opts)

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Lookup(context.Background(), "41111111"); err != nil {
					t.Errorf("Lookup failed: %v", err)
				}
			}()
		}

		if coalesce {
			<-store.entered
			// 等待其余调用进入 singleflight
			time.Sleep(100 * time.Millisecond)
		} else {
			for i := 0; i < n; i++ {
				<-store.entered
			}
		}
		close(store.release)
		wg.Wait()
		return store.calls.Load()
	}

	t.Run("independent", func(t *testing.T) {
		if calls := run(t, false); calls != n {
			t.Errorf("Expected %d store calls, got %d", n, calls)
		}
	})
	t.Run("coalesced", func(t *testing.T) {
		if calls := run(t, true); calls != 1 {
			t.Errorf("Expected 1 store call, got %d", calls)
		}
	})
}

func TestLookup_SQLStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.PutBIN(ctx, visaBin); err != nil {
		t.Fatalf("PutBIN failed: %v", err)
	}
	c := newTestLookup(t, store, nil, testLookupOptions())

	res, err := c.Lookup(ctx, "41111111")
	if err != nil || res.Value.Bank != "Test Bank" {
		t.Fatalf("Lookup failed: %+v %v", res, err)
	}
	if _, err := c.Lookup(ctx, "55555555"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLookup_WarmCountsDistributedFailures(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := &countingStore{records: map[string]BinRecord{}}
	c := newTestLookup(t, store, rdb, testLookupOptions())

	entries := map[string]BinRecord{"41111111": visaBin, "55555555": {BIN: "55555555", Bank: "Other"}}
	if n := c.Warm(ctx, entries); n != 2 {
		t.Errorf("Expected 2 written, got %d", n)
	}

	// Redis 不可用：分布式层写入失败不计入，但本地层仍可命中
	mr.Close()
	c.Clear()
	if n := c.Warm(ctx, entries); n != 0 {
		t.Errorf("Expected 0 fully written with redis down, got %d", n)
	}
	res, err := c.Lookup(ctx, "41111111")
	if err != nil || res.Source != SourceLocal {
		t.Errorf("Expected local hit after partial warm, got %v %s", err, res.Source)
	}
}

func TestLookup_CoalescedCallerCancel(t *testing.T) {
	store := &countingStore{
		records: map[string]BinRecord{"41111111": visaBin},
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	opts := testLookupOptions()
	opts.CoalesceMisses = true
	c := newTestLookup(t, store, nil, opts)

	first, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var secondErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Lookup(first, "41111111")
	}()
	<-store.entered
	go func() {
		defer wg.Done()
		_, secondErr = c.Lookup(context.Background(), "41111111")
	}()
	// 等待第二个调用加入同一次读取
	time.Sleep(50 * time.Millisecond)

	cancel()
	close(store.release)
	wg.Wait()

	if secondErr != nil {
		t.Errorf("Waiter must not inherit the first caller's cancellation: %v", secondErr)
	}
	if n := store.calls.Load(); n != 1 {
		t.Errorf("Expected 1 store call, got %d", n)
	}
}
