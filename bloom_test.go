package tiercore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestBloom_NoFalseNegatives(t *testing.T) {
	bf, err := NewBloomFilter(1000, 0.01)
	if err != nil {
		t.Fatalf("NewBloomFilter failed: %v", err)
	}
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("key-%d", i))
	}
	for i := 0; i < 1000; i++ {
		if !bf.MightBePresent(fmt.Sprintf("key-%d", i)) {
			t.Fatalf("false negative for key-%d", i)
		}
	}
	if bf.Count() != 1000 {
		t.Errorf("Expected count 1000, got %d", bf.Count())
	}
}

func TestBloom_FalsePositiveRate(t *testing.T) {
	bf, _ := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add(fmt.Sprintf("member-%d", i))
	}

	// 从未加入的 10000 个 Key
	fp := 0
	for i := 0; i < 10000; i++ {
		if bf.MightBePresent(fmt.Sprintf("absent-%d", i)) {
			fp++
		}
	}
	rate := float64(fp) / 10000
	if rate > 0.02 {
		t.Errorf("False positive rate too high: %.4f", rate)
	}
	if est := bf.EstimatedFalsePositiveRate(); est <= 0 || est > 0.02 {
		t.Errorf("Unexpected estimated rate: %.4f", est)
	}
}

func TestBloom_Sizing(t *testing.T) {
	bf, _ := NewBloomFilter(1000, 0.01)
	st := bf.State()
	// m = ceil(-1000 ln 0.01 / ln2^2) = 9586, k = round(9586/1000 * ln2) = 7
	if st.Bits != 9586 {
		t.Errorf("Expected 9586 bits, got %d", st.Bits)
	}
	if st.Hashes != 7 {
		t.Errorf("Expected 7 hashes, got %d", st.Hashes)
	}
}

func TestBloom_InvalidConfig(t *testing.T) {
	cases := []struct {
		capacity uint64
		rate     float64
	}{
		{0, 0.01},
		{100, 0},
		{100, 1},
		{100, -0.5},
	}
	for _, c := range cases {
		_, err := NewBloomFilter(c.capacity, c.rate)
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("NewBloomFilter(%d, %v): expected ConfigError, got %v", c.capacity, c.rate, err)
		}
	}
}

func TestBloom_Reset(t *testing.T) {
	bf, _ := NewBloomFilter(100, 0.01)
	bf.AddBatch([]string{"a", "b", "c"})
	bf.Reset()
	if bf.Count() != 0 {
		t.Errorf("Expected count 0 after reset, got %d", bf.Count())
	}
	if bf.MightBePresent("a") {
		t.Error("Expected empty filter after reset")
	}
	if bf.Capacity() != 100 || bf.ErrorRate() != 0.01 {
		t.Error("Reset should keep capacity and error rate")
	}
}

func TestBloom_ConcurrentAdd(t *testing.T) {
	bf, _ := NewBloomFilter(10000, 0.01)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				bf.Add(key)
				_ = bf.MightBePresent(key)
			}
		}(g)
	}
	wg.Wait()

	if bf.Count() != 4000 {
		t.Errorf("Expected count 4000, got %d", bf.Count())
	}
	for g := 0; g < 8; g++ {
		for i := 0; i < 500; i++ {
			if !bf.MightBePresent(fmt.Sprintf("g%d-%d", g, i)) {
				t.Fatalf("lost write g%d-%d", g, i)
			}
		}
	}
}

func TestBloom_MarshalRoundTrip(t *testing.T) {
	bf, _ := NewBloomFilter(500, 0.001)
	bf.AddBatch([]string{"411111", "550000", "340000"})

	blob, err := bf.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	restored, _ := NewBloomFilter(10, 0.5)
	if err := restored.UnmarshalBinary(blob); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	for _, k := range []string{"411111", "550000", "340000"} {
		if !restored.MightBePresent(k) {
			t.Errorf("Restored filter lost %s", k)
		}
	}
	if restored.Count() != 3 || restored.Capacity() != 500 || restored.ErrorRate() != 0.001 {
		t.Errorf("Restored metadata mismatch: count=%d cap=%d rate=%v",
			restored.Count(), restored.Capacity(), restored.ErrorRate())
	}

	if err := restored.UnmarshalBinary([]byte("not json")); err == nil {
		t.Error("Expected error for corrupt snapshot")
	}
}

func TestBloom_FileSnapshot(t *testing.T) {
	ctx := context.Background()
	store := FileSnapshotStore{Dir: t.TempDir()}

	// 快照不存在不是错误
	empty, _ := NewBloomFilter(100, 0.01)
	loaded, err := empty.LoadSnapshot(ctx, store, "missing")
	if err != nil || loaded {
		t.Fatalf("Expected (false, nil) for absent snapshot, got (%v, %v)", loaded, err)
	}

	bf, _ := NewBloomFilter(100, 0.01)
	bf.Add("999999")
	if err := bf.SaveSnapshot(ctx, store, "missing"); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, err = empty.LoadSnapshot(ctx, store, "missing")
	if err != nil || !loaded {
		t.Fatalf("LoadSnapshot failed: (%v, %v)", loaded, err)
	}
	if !empty.MightBePresent("999999") {
		t.Error("Expected key present after load")
	}
}

func TestBloom_RedisSnapshot(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)
	keys := NewKeyspace("test:")
	store := NewRedisSnapshotStore(rdb, keys)

	if _, err := store.Load(ctx, "taken"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("Expected ErrSnapshotNotFound, got %v", err)
	}

	bf, _ := NewBloomFilter(100, 0.01)
	bf.Add("fp-1")
	if err := bf.SaveSnapshot(ctx, store, "taken"); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if n, _ := rdb.Exists(ctx, "test:bloom:taken").Result(); n != 1 {
		t.Errorf("Expected snapshot key test:bloom:taken")
	}

	other, _ := NewBloomFilter(100, 0.01)
	if ok, err := other.LoadSnapshot(ctx, store, "taken"); err != nil || !ok {
		t.Fatalf("LoadSnapshot failed: (%v, %v)", ok, err)
	}
	if !other.MightBePresent("fp-1") {
		t.Error("Expected fp-1 present after load")
	}
}
