package tiercore

import "strings"

// DefaultKeyPrefix 默认的 Redis Key 前缀
const DefaultKeyPrefix = "tiercore:"

// Suffix defs
const (
	SuffixLookup       = "lookup:"      // BIN 查找结果
	SuffixFingerprint  = "uniqueness:"  // 指纹存在标记
	SuffixReservation  = "reservation:" // 预留记录
	SuffixReservations = "reservations" // 预留过期索引 (ZSet)
	SuffixBloom        = "bloom:"       // Bloom 快照
)

// Keyspace 负责生成带前缀的 Redis Key。
// 每个组件持有自己的 Keyspace，不使用全局前缀。
type Keyspace struct {
	prefix string
}

// NewKeyspace 创建 Keyspace，前缀为空时使用 DefaultKeyPrefix。
func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return Keyspace{prefix: prefix}
}

// Prefix 返回当前前缀。
func (k Keyspace) Prefix() string {
	if k.prefix == "" {
		return DefaultKeyPrefix
	}
	return k.prefix
}

// Lookup 返回查找缓存条目的 Key。
func (k Keyspace) Lookup(key string) string {
	return k.Prefix() + SuffixLookup + key
}

// Fingerprint 返回指纹存在标记的 Key。
// 预留期间 TTL 较短，生成后延长为长 TTL。
func (k Keyspace) Fingerprint(fp string) string {
	return k.Prefix() + SuffixFingerprint + fp
}

// Reservation 返回 Redis 预留记录的 Key。
func (k Keyspace) Reservation(fp string) string {
	return k.Prefix() + SuffixReservation + fp
}

// ReservationIndex 返回预留过期索引的 Key。
// 该 ZSet 存储 fingerprint -> reservedUntil (毫秒)。
func (k Keyspace) ReservationIndex() string {
	return k.Prefix() + SuffixReservations
}

// BloomSnapshot 返回 Bloom 快照的对象 Key。
func (k Keyspace) BloomSnapshot(name string) string {
	return k.Prefix() + SuffixBloom + name
}
