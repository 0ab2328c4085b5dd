package tiercore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// 原子预留：存在则失败；否则 SET PX 并写入过期索引。
var reserveScript = redis.NewScript(`
	local key = KEYS[1]
	local index = KEYS[2]

	local record = ARGV[1]
	local ttlMs = ARGV[2]
	local untilMs = ARGV[3]
	local fingerprint = ARGV[4]

	if redis.call('EXISTS', key) == 1 then
		return 0
	end

	redis.call('SET', key, record, 'PX', ttlMs)
	redis.call('ZADD', index, untilMs, fingerprint)
	return 1
`)

var releaseScript = redis.NewScript(`
	redis.call('ZREM', KEYS[2], ARGV[1])
	return redis.call('DEL', KEYS[1])
`)

// 清理索引中已过期的成员。
// 重新预留会更新 ZSet 分数，因此范围内的成员对应的记录一定已过期。
var sweepScript = redis.NewScript(`
	local index = KEYS[1]
	local nowMs = ARGV[1]
	local prefix = ARGV[2]

	local expired = redis.call('ZRANGEBYSCORE', index, '-inf', nowMs)
	for _, fp in ipairs(expired) do
		redis.call('DEL', prefix .. fp)
		redis.call('ZREM', index, fp)
	end
	return #expired
`)

// RedisReservationStore 基于 Redis 的预留池。
// 记录本身依赖 Redis TTL 过期，ZSet 索引由 SweepExpired 清理。
type RedisReservationStore struct {
	rdb  *redis.Client
	keys Keyspace
	now  func() time.Time
}

// NewRedisReservationStore client: Redis 客户端实例（外部传入，DI）。
func NewRedisReservationStore(client *redis.Client, keys Keyspace) *RedisReservationStore {
	return &RedisReservationStore{rdb: client, keys: keys, now: time.Now}
}

func (s *RedisReservationStore) Reserve(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	r := Reservation{
		Fingerprint:   fingerprint,
		ReservedUntil: now.Add(ttl),
		ReservedBy:    owner,
		CreatedAt:     now,
	}
	record, err := json.Marshal(r)
	if err != nil {
		return false, err
	}

	keys := []string{
		s.keys.Reservation(fingerprint),
		s.keys.ReservationIndex(),
	}
	argv := []any{
		string(record),              // ARGV[1] Record
		ttl.Milliseconds(),          // ARGV[2] TTL
		r.ReservedUntil.UnixMilli(), // ARGV[3] Score
		fingerprint,                 // ARGV[4] Member
	}
	n, err := reserveScript.Run(ctx, s.rdb, keys, argv...).Int()
	if err != nil {
		return false, transient("reserve", err)
	}
	return n == 1, nil
}

func (s *RedisReservationStore) Release(ctx context.Context, fingerprint string) (bool, error) {
	keys := []string{s.keys.Reservation(fingerprint), s.keys.ReservationIndex()}
	n, err := releaseScript.Run(ctx, s.rdb, keys, fingerprint).Int()
	if err != nil {
		return false, transient("release", err)
	}
	return n > 0, nil
}

func (s *RedisReservationStore) IsReserved(ctx context.Context, fingerprint string) (bool, error) {
	_, ok, err := s.Get(ctx, fingerprint)
	return ok, err
}

// Get 读取预留详情；ReservedUntil 已过的记录视为不存在。
func (s *RedisReservationStore) Get(ctx context.Context, fingerprint string) (Reservation, bool, error) {
	var r Reservation
	raw, err := s.rdb.Get(ctx, s.keys.Reservation(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return r, false, nil
	}
	if err != nil {
		return r, false, transient("get reservation", err)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, false, err
	}
	if !r.Active(s.now()) {
		return r, false, nil
	}
	return r, true, nil
}

func (s *RedisReservationStore) SweepExpired(ctx context.Context) (int64, error) {
	keys := []string{s.keys.ReservationIndex()}
	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	n, err := sweepScript.Run(ctx, s.rdb, keys, now, s.keys.Prefix()+SuffixReservation).Int64()
	if err != nil {
		return 0, transient("sweep", err)
	}
	return n, nil
}
