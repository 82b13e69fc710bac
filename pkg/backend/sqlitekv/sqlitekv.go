// Package sqlitekv is an embedded-SQL livedict backend on sqlite3.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"go.uber.org/zap"

	"github.com/hemanshu03/livedict/pkg/livedict"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	bucket     TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	expire_at  REAL NOT NULL,
	updated_at REAL NOT NULL,
	PRIMARY KEY (bucket, key)
);
CREATE INDEX IF NOT EXISTS idx_records_key ON records (key);
`

// Backend keeps one row per (bucket, key). expire_at and updated_at are
// unix seconds; expire_at <= 0 means no expiry.
type Backend struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the database at path and applies schema and
// pragmas.
func Open(ctx context.Context, path string, log *zap.Logger) (*Backend, error) {
	if path == "" {
		return nil, errors.New("sqlitekv: path is empty")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitekv: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitekv: apply pragma %q: %w", stmt, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitekv: create schema: %w", err)
	}
	return &Backend{db: db, log: log}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

func (b *Backend) Set(ctx context.Context, rec livedict.Record) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO records (bucket, key, value, expire_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bucket, key) DO UPDATE SET
			value = excluded.value,
			expire_at = excluded.expire_at,
			updated_at = excluded.updated_at`,
		rec.Bucket, rec.Key, rec.Value, rec.ExpireAt, nowSeconds())
	if err != nil {
		return fmt.Errorf("sqlitekv: upsert: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, bucket, key string) (livedict.Record, bool, error) {
	rec, ok, err := b.scanOne(ctx, `
		SELECT bucket, key, value, expire_at FROM records
		WHERE bucket = ? AND key = ? AND (expire_at <= 0 OR expire_at > ?)`,
		bucket, key, nowSeconds())
	if err != nil || ok {
		return rec, ok, err
	}
	// Tolerant fallback: most recently updated live row under the same key
	// in any bucket.
	return b.scanOne(ctx, `
		SELECT bucket, key, value, expire_at FROM records
		WHERE key = ? AND (expire_at <= 0 OR expire_at > ?)
		ORDER BY updated_at DESC LIMIT 1`,
		key, nowSeconds())
}

func (b *Backend) scanOne(ctx context.Context, query string, args ...interface{}) (livedict.Record, bool, error) {
	var rec livedict.Record
	err := b.db.QueryRowContext(ctx, query, args...).
		Scan(&rec.Bucket, &rec.Key, &rec.Value, &rec.ExpireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return livedict.Record{}, false, nil
	}
	if err != nil {
		return livedict.Record{}, false, fmt.Errorf("sqlitekv: query: %w", err)
	}
	return rec, true, nil
}

func (b *Backend) Delete(ctx context.Context, bucket, key string) error {
	_, err := b.db.ExecContext(ctx,
		"DELETE FROM records WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return fmt.Errorf("sqlitekv: delete: %w", err)
	}
	return nil
}

func (b *Backend) Keys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT key FROM records
		WHERE bucket = ? AND (expire_at <= 0 OR expire_at > ?)`,
		bucket, nowSeconds())
	if err != nil {
		return nil, fmt.Errorf("sqlitekv: keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sqlitekv: keys: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitekv: keys: %w", err)
	}
	return keys, nil
}

// Cleanup deletes every expired row.
func (b *Backend) Cleanup(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM records WHERE expire_at > 0 AND expire_at <= ?", nowSeconds())
	if err != nil {
		return 0, fmt.Errorf("sqlitekv: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		b.log.Debug("cleaned expired rows", zap.Int64("removed", n))
	}
	return int(n), nil
}
