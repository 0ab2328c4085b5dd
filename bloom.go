package tiercore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/golang/snappy"
)

const bitsPerWord = 64

// BloomFilter 位数组 Bloom 过滤器。
// 只追加：不支持删除单个元素，降低误判率只能 Reset 后全量重建。
// 并发安全。
type BloomFilter struct {
	mu        sync.RWMutex
	bits      []uint64
	m         uint64 // 位数
	k         uint64 // 哈希函数个数
	capacity  uint64
	errorRate float64
	count     uint64
}

// BloomState 可序列化的过滤器状态。
type BloomState struct {
	Capacity  uint64    `json:"capacity"`
	ErrorRate float64   `json:"error_rate"`
	Bits      uint64    `json:"bits"`
	Hashes    uint64    `json:"hashes"`
	Count     uint64    `json:"count"`
	SavedAt   time.Time `json:"saved_at"`
	Words     []uint64  `json:"-"`
}

// NewBloomFilter 按目标容量与误判率创建过滤器。
func NewBloomFilter(capacity uint64, errorRate float64) (*BloomFilter, error) {
	if err := (BloomOptions{Capacity: capacity, ErrorRate: errorRate}).validate("bloom"); err != nil {
		return nil, err
	}
	m := optimalBits(capacity, errorRate)
	return &BloomFilter{
		bits:      make([]uint64, (m+bitsPerWord-1)/bitsPerWord),
		m:         m,
		k:         optimalHashes(m, capacity),
		capacity:  capacity,
		errorRate: errorRate,
	}, nil
}

// m = -n ln p / (ln 2)^2
func optimalBits(n uint64, p float64) uint64 {
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	return max(uint64(m), bitsPerWord)
}

// k = m/n ln 2
func optimalHashes(m, n uint64) uint64 {
	k := math.Round(float64(m) / float64(n) * math.Ln2)
	return max(uint64(k), 1)
}

// 双重哈希: h1 + i*h2，两个独立哈希函数。
func bloomHashes(item string) (uint64, uint64) {
	h1 := xxhash.Sum64String(item)
	f := fnv.New64a()
	f.Write([]byte(item))
	// h2 为奇数，保证在 m 上的步长不退化为 0
	return h1, f.Sum64() | 1
}

// Add 加入元素。
func (b *BloomFilter) Add(item string) {
	h1, h2 := bloomHashes(item)
	b.mu.Lock()
	for i := uint64(0); i < b.k; i++ {
		idx := (h1 + i*h2) % b.m
		b.bits[idx/bitsPerWord] |= 1 << (idx % bitsPerWord)
	}
	b.count++
	b.mu.Unlock()
}

// AddBatch 批量加入。
func (b *BloomFilter) AddBatch(items []string) {
	for _, item := range items {
		b.Add(item)
	}
}

// MightBePresent 返回 false 表示一定不存在；true 表示可能存在。
func (b *BloomFilter) MightBePresent(item string) bool {
	h1, h2 := bloomHashes(item)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := uint64(0); i < b.k; i++ {
		idx := (h1 + i*h2) % b.m
		if b.bits[idx/bitsPerWord]&(1<<(idx%bitsPerWord)) == 0 {
			return false
		}
	}
	return true
}

// Reset 清空过滤器，保留容量与误判率配置。
func (b *BloomFilter) Reset() {
	b.mu.Lock()
	b.bits = make([]uint64, len(b.bits))
	b.count = 0
	b.mu.Unlock()
}

// Count 返回近似的已加入元素数（重复加入会重复计数）。
func (b *BloomFilter) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *BloomFilter) Capacity() uint64   { return b.capacity }
func (b *BloomFilter) ErrorRate() float64 { return b.errorRate }

// EstimatedFalsePositiveRate 按当前元素数估算误判率: (1 - e^(-kn/m))^k
func (b *BloomFilter) EstimatedFalsePositiveRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	k, m, n := float64(b.k), float64(b.m), float64(b.count)
	return math.Pow(1-math.Exp(-k*n/m), k)
}

// State 复制当前状态。
func (b *BloomFilter) State() BloomState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	words := make([]uint64, len(b.bits))
	copy(words, b.bits)
	return BloomState{
		Capacity:  b.capacity,
		ErrorRate: b.errorRate,
		Bits:      b.m,
		Hashes:    b.k,
		Count:     b.count,
		Words:     words,
	}
}

// Restore 用快照状态整体替换过滤器。
func (b *BloomFilter) Restore(st BloomState) error {
	if st.Bits == 0 || st.Hashes == 0 {
		return errors.New("bloom state: zero bits or hashes")
	}
	if uint64(len(st.Words)) != (st.Bits+bitsPerWord-1)/bitsPerWord {
		return fmt.Errorf("bloom state: %d words for %d bits", len(st.Words), st.Bits)
	}
	b.mu.Lock()
	b.bits = st.Words
	b.m = st.Bits
	b.k = st.Hashes
	b.capacity = st.Capacity
	b.errorRate = st.ErrorRate
	b.count = st.Count
	b.mu.Unlock()
	return nil
}

// 快照载荷: JSON 元数据 + snappy 压缩后的位数组 (little endian)。
type bloomEnvelope struct {
	BloomState
	Data []byte `json:"data"`
}

// MarshalBinary 编码为快照 blob。
func (b *BloomFilter) MarshalBinary() ([]byte, error) {
	st := b.State()
	st.SavedAt = time.Now().UTC()
	raw := make([]byte, len(st.Words)*8)
	for i, w := range st.Words {
		binary.LittleEndian.PutUint64(raw[i*8:], w)
	}
	return json.Marshal(bloomEnvelope{BloomState: st, Data: snappy.Encode(nil, raw)})
}

// UnmarshalBinary 从快照 blob 恢复。
func (b *BloomFilter) UnmarshalBinary(data []byte) error {
	var env bloomEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode bloom snapshot: %w", err)
	}
	raw, err := snappy.Decode(nil, env.Data)
	if err != nil {
		return fmt.Errorf("decompress bloom snapshot: %w", err)
	}
	if len(raw)%8 != 0 {
		return fmt.Errorf("bloom snapshot: payload length %d", len(raw))
	}
	st := env.BloomState
	st.Words = make([]uint64, len(raw)/8)
	for i := range st.Words {
		st.Words[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return b.Restore(st)
}

// SaveSnapshot 写入快照存储。
func (b *BloomFilter) SaveSnapshot(ctx context.Context, store SnapshotStore, name string) error {
	blob, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	if err := store.Save(ctx, name, blob); err != nil {
		return fmt.Errorf("save bloom snapshot %s: %w", name, err)
	}
	return nil
}

// LoadSnapshot 从快照存储加载。
// 快照不存在不是错误：返回 false，过滤器保持为空。
func (b *BloomFilter) LoadSnapshot(ctx context.Context, store SnapshotStore, name string) (bool, error) {
	blob, err := store.Load(ctx, name)
	if errors.Is(err, ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load bloom snapshot %s: %w", name, err)
	}
	if err := b.UnmarshalBinary(blob); err != nil {
		return false, err
	}
	return true, nil
}
