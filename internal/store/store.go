// Package store provides the key-value store shared by every receipt in
// flight: employee records, per-file stage logs, and stored receipt
// embeddings. Keys are flat strings namespaced by convention
// ("employee:E1", "file:<uuid>", "receipt:FOOD_EXPENSE:<uuid>").
//
// Two value shapes are supported. Plain values are a single string per
// key (Get/Set). Hash values map a key to a set of named fields
// (HSet/HGet/HGetAll), used for append-style logs where each writer owns
// a distinct field. Every write touches exactly one row, so no
// multi-key transactions are needed or offered.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers "sqlite3" (cgo)
	_ "modernc.org/sqlite"          // registers "sqlite" (pure Go)
)

// Supported database/sql driver names.
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// ErrNotFound is returned by Get and HGet when the key (or field) does
// not exist.
var ErrNotFound = errors.New("key not found")

// Store is a key-value store backed by SQLite. All public methods are
// safe for concurrent use; the connection pool is pinned to a single
// connection so SQLite never reports a busy database to concurrent
// receipts.
type Store struct {
	db *sql.DB
}

// Open creates a store at path using the named driver ([DriverCGO] or
// [DriverPure]). An empty driver selects [DriverCGO]. The schema is
// created automatically on first use.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "":
		driver = DriverCGO
	case DriverCGO, DriverPure:
	default:
		return nil, fmt.Errorf("unsupported store driver %q (valid: %s, %s)", driver, DriverCGO, DriverPure)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS kv_hash (
		key        TEXT NOT NULL,
		field      TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (key, field)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Get returns the plain value stored at key, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a plain value. Existing values are overwritten.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys, plain and hash alike, and returns how
// many distinct keys existed. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) (int, error) {
	removed := 0
	for _, key := range keys {
		plain, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		if err != nil {
			return removed, fmt.Errorf("delete %s: %w", key, err)
		}
		hash, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ?`, key)
		if err != nil {
			return removed, fmt.Errorf("delete hash %s: %w", key, err)
		}
		p, _ := plain.RowsAffected()
		h, _ := hash.RowsAffected()
		if p > 0 || h > 0 {
			removed++
		}
	}
	return removed, nil
}

// Keys returns every key (plain or hash) matching a glob pattern, sorted.
// The pattern syntax is SQLite GLOB: '*' matches any run of characters,
// '?' matches one, and '[...]' matches a character class. Matching is
// case-sensitive.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE key GLOB ?1
		 UNION
		 SELECT DISTINCT key FROM kv_hash WHERE key GLOB ?1`,
		pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// HSet upserts a single field of the hash stored at key.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_hash (key, field, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key, field) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, field, value, now(),
	)
	if err != nil {
		return fmt.Errorf("hset %s/%s: %w", key, field, err)
	}
	return nil
}

// HGet returns one field of the hash stored at key, or [ErrNotFound].
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("hget %s/%s: %w", key, field, err)
	}
	return value, nil
}

// HGetAll returns every field of the hash stored at key. Returns an
// empty (non-nil) map if the hash does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM kv_hash WHERE key = ? ORDER BY field`, key,
	)
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("hgetall %s: %w", key, err)
		}
		result[f] = v
	}
	return result, rows.Err()
}
