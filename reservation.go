package tiercore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ReservationStore 指纹预留池。
// Reserve 必须是存储层的单次条件写（insert-if-absent），
// 不允许客户端先查后写。
type ReservationStore interface {
	Reserve(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, fingerprint string) (bool, error)
	IsReserved(ctx context.Context, fingerprint string) (bool, error)
	SweepExpired(ctx context.Context) (int64, error)
}

// SQLReservationStore 基于 card_uniqueness_pool 表的预留池。
type SQLReservationStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLReservationStore 与 SQLStore 共享连接池。
func NewSQLReservationStore(store *SQLStore) *SQLReservationStore {
	return &SQLReservationStore{db: store.db, driver: store.driver, now: time.Now}
}

// Reserve 原子预留：不存在则插入；已存在但过期则接管；否则不改动。
// 通过影响行数判断是否成功。
func (s *SQLReservationStore) Reserve(ctx context.Context, fingerprint, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO card_uniqueness_pool (card_hash, reserved_by, reserved_until, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (card_hash) DO UPDATE SET
			reserved_by = excluded.reserved_by,
			reserved_until = excluded.reserved_until,
			created_at = excluded.created_at
		WHERE card_uniqueness_pool.reserved_until <= excluded.created_at`),
		fingerprint, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, transient("reserve", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("reserve", err)
	}
	return n == 1, nil
}

// Release 删除预留，返回是否确实删除了记录。
func (s *SQLReservationStore) Release(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		rebind(s.driver, `DELETE FROM card_uniqueness_pool WHERE card_hash = ?`), fingerprint)
	if err != nil {
		return false, transient("release", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("release", err)
	}
	return n > 0, nil
}

// IsReserved 过期记录视为不存在（惰性过期）。
func (s *SQLReservationStore) IsReserved(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, rebind(s.driver, `
		SELECT 1 FROM card_uniqueness_pool
		WHERE card_hash = ? AND reserved_until > ? LIMIT 1`),
		fingerprint, s.now().UnixMilli()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transient("is reserved", err)
	}
	return true, nil
}

// Get 返回有效的预留详情。
func (s *SQLReservationStore) Get(ctx context.Context, fingerprint string) (Reservation, bool, error) {
	var r Reservation
	var until, created int64
	err := s.db.QueryRowContext(ctx, rebind(s.driver, `
		SELECT card_hash, reserved_by, reserved_until, created_at FROM card_uniqueness_pool
		WHERE card_hash = ? AND reserved_until > ?`),
		fingerprint, s.now().UnixMilli()).Scan(&r.Fingerprint, &r.ReservedBy, &until, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, transient("get reservation", err)
	}
	r.ReservedUntil = time.UnixMilli(until)
	r.CreatedAt = time.UnixMilli(created)
	return r, true, nil
}

// ListByOwner 返回某个进程持有的有效预留，按创建时间倒序。
func (s *SQLReservationStore) ListByOwner(ctx context.Context, owner string) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `
		SELECT card_hash, reserved_by, reserved_until, created_at FROM card_uniqueness_pool
		WHERE reserved_by = ? AND reserved_until > ?
		ORDER BY created_at DESC`), owner, s.now().UnixMilli())
	if err != nil {
		return nil, transient("list reservations", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var until, created int64
		if err := rows.Scan(&r.Fingerprint, &r.ReservedBy, &until, &created); err != nil {
			return nil, err
		}
		r.ReservedUntil = time.UnixMilli(until)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, transient("list reservations", rows.Err())
}

// SweepExpired 删除所有已过期的预留，返回删除数量。
func (s *SQLReservationStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		rebind(s.driver, `DELETE FROM card_uniqueness_pool WHERE reserved_until <= ?`), s.now().UnixMilli())
	if err != nil {
		return 0, transient("sweep", err)
	}
	n, err := res.RowsAffected()
	return n, transient("sweep", err)
}

// Stats 预留池统计。
func (s *SQLReservationStore) Stats(ctx context.Context) (ReservationStats, error) {
	st := ReservationStats{ByOwner: make(map[string]int64)}
	now := s.now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, rebind(s.driver, `
		SELECT reserved_by,
			COUNT(*),
			SUM(CASE WHEN reserved_until > ? THEN 1 ELSE 0 END)
		FROM card_uniqueness_pool
		GROUP BY reserved_by`), now)
	if err != nil {
		return st, transient("reservation stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner string
		var total, active int64
		if err := rows.Scan(&owner, &total, &active); err != nil {
			return st, err
		}
		st.Total += total
		st.Active += active
		st.Expired += total - active
		st.ByOwner[owner] = total
	}
	return st, transient("reservation stats", rows.Err())
}
