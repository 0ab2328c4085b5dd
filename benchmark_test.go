package tiercore

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func BenchmarkLookup_LocalHit(b *testing.B) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	missing, _ := NewBloomFilter(100000, 0.01)
	metrics, _ := NewMetricsTracker(1000, "bench", nil)
	store := &countingStore{records: map[string]BinRecord{"41111111": visaBin}}
	c, err := NewLookupCache[BinRecord](store, NewRedisCache(rdb), missing, metrics,
		NewKeyspace("bench:"), DefaultOptions().Lookup, nil)
	if err != nil {
		b.Fatalf("NewLookupCache failed: %v", err)
	}

	// 预热
	if _, err := c.Lookup(ctx, "41111111"); err != nil {
		b.Fatalf("Lookup failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := c.Lookup(ctx, "41111111")
		if err != nil {
			b.Fatalf("Lookup failed: %v", err)
		}
		if res.Source != SourceLocal {
			b.Fatalf("Source mismatch")
		}
	}
}

func BenchmarkBloom_MightBePresent(b *testing.B) {
	bf, _ := NewBloomFilter(1_000_000, 0.01)
	for i := 0; i < 100000; i++ {
		bf.Add(fmt.Sprintf("%08d", i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			bf.MightBePresent(fmt.Sprintf("%08d", i%200000))
			i++
		}
	})
}

func BenchmarkCheckAndReserve(b *testing.B) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	store, err := OpenSQLStore(ctx, DriverSQLite, b.TempDir()+"/bench.db")
	if err != nil {
		b.Fatalf("OpenSQLStore failed: %v", err)
	}
	defer store.Close()

	taken, _ := NewBloomFilter(1_000_000, 0.001)
	u, err := NewUniquenessCoordinator(store, NewRedisReservationStore(rdb, NewKeyspace("bench:")),
		NewRedisCache(rdb), taken, nil, NewKeyspace("bench:"), DefaultOptions().Uniqueness, nil)
	if err != nil {
		b.Fatalf("NewUniquenessCoordinator failed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res := u.CheckAndReserve(ctx, testCard(i))
		if !res.Reserved {
			b.Fatalf("Reserve failed: %+v", res)
		}
	}
}
