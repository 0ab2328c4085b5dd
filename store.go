package tiercore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/mattn/go-sqlite3"
)

// 支持的 database/sql 驱动名
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

// LookupStore 查找路径的权威数据源。
type LookupStore[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
}

// CardStore 唯一性路径的权威数据源。
// Insert 在重复时必须返回 ErrConstraintViolation。
type CardStore interface {
	Exists(ctx context.Context, fingerprint string) (bool, error)
	Insert(ctx context.Context, rec CardRecord) error
}

// FingerprintSource 用于全量重建 taken 过滤器。
type FingerprintSource interface {
	ScanFingerprints(ctx context.Context, batch int, fn func([]string) error) error
}

// 最小化的表结构，仅服务于内置的 SQL 适配器。
// 时间统一存 Unix 毫秒，避免方言差异。
var schema = []string{
	`CREATE TABLE IF NOT EXISTS bin_records (
		bin        TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS generated_cards (
		card_hash   TEXT PRIMARY KEY,
		card_number TEXT NOT NULL,
		expiry_date TEXT NOT NULL,
		cvv         TEXT NOT NULL,
		bin         TEXT NOT NULL,
		created_at  BIGINT NOT NULL,
		UNIQUE (card_number, expiry_date, cvv)
	)`,
	`CREATE TABLE IF NOT EXISTS card_uniqueness_pool (
		card_hash      TEXT PRIMARY KEY,
		reserved_by    TEXT NOT NULL,
		reserved_until BIGINT NOT NULL,
		created_at     BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_uniqueness_pool_until ON card_uniqueness_pool (reserved_until)`,
}

// SQLStore 基于 database/sql 的权威存储（Postgres 或 SQLite）。
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// OpenSQLStore 打开数据库、检查连通性并建表。
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite 单写者，串行化连接避免 SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, transient("db ping", err)
	}
	s := NewSQLStore(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore db: 外部传入的连接池（DI）。
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate 建表（幂等）。
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Get 按 BIN 读取记录。
func (s *SQLStore) Get(ctx context.Context, bin string) (BinRecord, bool, error) {
	var rec BinRecord
	var payload string
	err := s.db.QueryRowContext(ctx,
		rebind(s.driver, `SELECT payload FROM bin_records WHERE bin = ?`), bin).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, transient("bin get", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return rec, false, fmt.Errorf("decode bin %s: %w", bin, err)
	}
	return rec, true, nil
}

// PutBIN 插入或覆盖 BIN 记录（供导入任务使用）。
func (s *SQLStore) PutBIN(ctx context.Context, rec BinRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO bin_records (bin, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (bin) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`),
		rec.BIN, string(payload), s.now().UnixMilli())
	return transient("bin put", err)
}

// Exists 全局检查指纹是否已持久化。
func (s *SQLStore) Exists(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		rebind(s.driver, `SELECT 1 FROM generated_cards WHERE card_hash = ? LIMIT 1`), fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transient("card exists", err)
	}
	return true, nil
}

// Insert 持久化卡记录。唯一约束冲突返回 ErrConstraintViolation。
func (s *SQLStore) Insert(ctx context.Context, rec CardRecord) error {
	fp := rec.Fingerprint
	if fp == "" {
		fp = rec.CardFields.Fingerprint()
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO generated_cards (card_hash, card_number, expiry_date, cvv, bin, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		fp, rec.Number, rec.Expiry, rec.Code, rec.BIN, created.UnixMilli())
	if isUniqueViolation(err) {
		return fmt.Errorf("insert card %s: %w", shortHash(fp), ErrConstraintViolation)
	}
	return transient("card insert", err)
}

// ScanFingerprints 按 card_hash 顺序分批遍历所有已持久化指纹（keyset 分页）。
func (s *SQLStore) ScanFingerprints(ctx context.Context, batch int, fn func([]string) error) error {
	if batch < 1 {
		batch = 1000
	}
	q := rebind(s.driver, `SELECT card_hash FROM generated_cards WHERE card_hash > ? ORDER BY card_hash LIMIT ?`)
	after := ""
	for {
		rows, err := s.db.QueryContext(ctx, q, after, batch)
		if err != nil {
			return transient("scan fingerprints", err)
		}
		page := make([]string, 0, batch)
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				rows.Close()
				return err
			}
			page = append(page, fp)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return transient("scan fingerprints", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batch {
			return nil
		}
		after = page[len(page)-1]
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// rebind 将 ? 占位符转换为 Postgres 的 $n。
func rebind(driver, q string) string {
	if driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
