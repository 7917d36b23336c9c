package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore is a durable Store backed by SQLite or PostgreSQL, generalizing
// db.Store's dual-driver connection handling into a single namespaced
// key/value/expiry table usable by any caller of this package.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore opens databaseURL (a bare file path or "sqlite://..." for
// SQLite, "postgres://..." for PostgreSQL) and ensures the backing table
// exists.
func OpenSQLStore(ctx context.Context, databaseURL string) (*SQLStore, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("kv: ping db: %w", err)
	}

	if driver == "sqlite" {
		const maxConns = 4
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("kv: sqlite pragma (%s): %w", pragma, err)
			}
		}
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS kv_store (
	k          TEXT NOT NULL PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL DEFAULT 0
)`

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("kv: migrate: %w", err)
	}
	return nil
}

// ph returns the nth (1-indexed) SQL placeholder token for this driver.
func (s *SQLStore) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	k := joinKey(key)
	now := time.Now().UnixNano()

	var value []byte
	var expiresAt int64
	query := `SELECT value, expires_at FROM kv_store WHERE k = ` + s.ph(1)
	err := s.db.QueryRowContext(ctx, query, k).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: get: %w", err)
	}
	if expiresAt != 0 && now > expiresAt {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key Key, value []byte, opts SetOptions) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	k := joinKey(key)
	now := time.Now()

	created := now.UnixNano()
	var existingCreated int64
	query := `SELECT created_at FROM kv_store WHERE k = ` + s.ph(1)
	err := s.db.QueryRowContext(ctx, query, k).Scan(&existingCreated)
	if err == nil {
		created = existingCreated
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("kv: set: %w", err)
	}

	var expiresAt int64
	if opts.TTL > 0 {
		expiresAt = now.Add(opts.TTL).UnixNano()
	}

	if s.driver == "postgres" {
		upsert := `INSERT INTO kv_store (k, value, created_at, expires_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (k) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
		_, err = s.db.ExecContext(ctx, upsert, k, value, created, expiresAt)
	} else {
		upsert := `INSERT INTO kv_store (k, value, created_at, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (k) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
		_, err = s.db.ExecContext(ctx, upsert, k, value, created, expiresAt)
	}
	if err != nil {
		return fmt.Errorf("kv: set: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key Key) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	query := `DELETE FROM kv_store WHERE k = ` + s.ph(1)
	if _, err := s.db.ExecContext(ctx, query, joinKey(key)); err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// CAS is implemented as a transaction: read-compare-write under the
// transaction isolation the driver provides. SQLite's single-writer lock and
// PostgreSQL's default read-committed isolation both make the read-then-write
// here race-free against concurrent callers of this same method, since the
// row lock taken by the UPDATE/INSERT is held until commit.
func (s *SQLStore) CAS(ctx context.Context, key Key, expected, newValue []byte, opts SetOptions) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	k := joinKey(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("kv: cas: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	var current []byte
	var expiresAt int64
	var created int64
	query := `SELECT value, created_at, expires_at FROM kv_store WHERE k = ` + s.ph(1)
	err = tx.QueryRowContext(ctx, query, k).Scan(&current, &created, &expiresAt)
	present := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		present = false
	case err != nil:
		return false, fmt.Errorf("kv: cas: %w", err)
	case expiresAt != 0 && now.UnixNano() > expiresAt:
		present = false
	}

	var observed []byte
	if present {
		observed = current
	}
	if !Equal(observed, expected) {
		return false, nil
	}

	if newValue == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_store WHERE k = `+s.ph(1), k); err != nil {
			return false, fmt.Errorf("kv: cas: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("kv: cas commit: %w", err)
		}
		return true, nil
	}

	if !present {
		created = now.UnixNano()
	}
	var newExpiresAt int64
	if opts.TTL > 0 {
		newExpiresAt = now.Add(opts.TTL).UnixNano()
	}

	if s.driver == "postgres" {
		upsert := `INSERT INTO kv_store (k, value, created_at, expires_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (k) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
		_, err = tx.ExecContext(ctx, upsert, k, newValue, created, newExpiresAt)
	} else {
		upsert := `INSERT INTO kv_store (k, value, created_at, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (k) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`
		_, err = tx.ExecContext(ctx, upsert, k, newValue, created, newExpiresAt)
	}
	if err != nil {
		return false, fmt.Errorf("kv: cas: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("kv: cas commit: %w", err)
	}
	return true, nil
}
