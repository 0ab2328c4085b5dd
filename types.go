package tiercore

import "time"

// Source 标记查找结果来自哪一层。
type Source string

const (
	SourceBloom       Source = "bloom"       // 负缓存命中（结果必为 NotFound）
	SourceLocal       Source = "local"       // 进程内 LRU
	SourceDistributed Source = "distributed" // Redis
	SourceDatabase    Source = "database"    // 权威存储
)

// 指标中使用的层名称。
const (
	TierBloom       = string(SourceBloom)
	TierLocal       = string(SourceLocal)
	TierDistributed = string(SourceDistributed)
	TierDatabase    = string(SourceDatabase)
)

// CacheEntry 是某一层持有的缓存条目。
// 各层之间不共享条目，回填时各自写入独立副本。
type CacheEntry[V any] struct {
	Key        string
	Value      V
	InsertedAt time.Time
	ExpiresAt  time.Time
}

// Expired 判断条目在 now 时刻是否已过期。
func (e CacheEntry[V]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// LookupResult 查找结果。
type LookupResult[V any] struct {
	Value  V
	Source Source
}

// BinRecord 是 BIN（发卡行识别码）的权威记录。
type BinRecord struct {
	BIN         string `json:"bin"`
	Bank        string `json:"bank"`
	BankLocal   string `json:"bank_local,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	CountryName string `json:"country_name,omitempty"`
	Scheme      string `json:"scheme,omitempty"` // visa / mastercard ...
	CardType    string `json:"card_type,omitempty"`
}

// CardFields 候选卡记录中参与唯一性判断的字段。
type CardFields struct {
	Number string `json:"number"`
	Expiry string `json:"expiry"`
	Code   string `json:"code"`
}

// CardRecord 已生成并持久化的卡记录。
type CardRecord struct {
	CardFields
	BIN         string    `json:"bin"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reservation 指纹预留记录。
type Reservation struct {
	Fingerprint   string    `json:"fingerprint"`
	ReservedUntil time.Time `json:"reserved_until"`
	ReservedBy    string    `json:"reserved_by"`
	CreatedAt     time.Time `json:"created_at"`
}

// Active 判断预留在 now 时刻是否仍有效。
func (r Reservation) Active(now time.Time) bool {
	return now.Before(r.ReservedUntil)
}

// ReservationStats 预留池统计。
type ReservationStats struct {
	Total   int64            `json:"total"`
	Active  int64            `json:"active"`
	Expired int64            `json:"expired"`
	ByOwner map[string]int64 `json:"by_owner"`
}
