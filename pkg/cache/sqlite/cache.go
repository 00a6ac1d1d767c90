// Package sqlite implements the persistent response cache: a single
// SQLite file holding cached responses plus durable hit/miss counters.
// Expiry is lazy (checked on read), eviction is LRU and runs only after
// an insert pushes the store over its configured entry limit.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parrot-ai/parrot/pkg/models"
)

// Store is the response cache. All operations run in their own
// transaction, so counters and entry state never observe a torn write
// under concurrent requests.
type Store struct {
	db         *sql.DB
	path       string
	defaultTTL time.Duration // 0 means entries never expire
	maxEntries int64         // 0 means unlimited
}

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	model TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	hit_count INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at);
CREATE INDEX IF NOT EXISTS idx_cache_last_accessed ON cache_entries(last_accessed);
CREATE TABLE IF NOT EXISTS cache_stats (
	counter TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO cache_stats (counter, value) VALUES ('hits', 0);
INSERT OR IGNORE INTO cache_stats (counter, value) VALUES ('misses', 0);
`

// dsnParams enables WAL and a busy timeout using the _pragma syntax the
// modernc driver understands. A single connection serializes the
// write transactions on top of that; see openDB.
const dsnParams = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

// openDB opens the database and applies the schema. The pool is capped
// at one connection: every operation runs a write transaction, and
// SQLite allows only one writer, so extra connections would just
// contend for the file lock.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return db, nil
}

// New opens (creating if needed) the cache database at path.
// defaultTTL of 0 disables expiry; maxEntries of 0 disables eviction.
func New(path string, defaultTTL time.Duration, maxEntries int64) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, path: path, defaultTTL: defaultTTL, maxEntries: maxEntries}, nil
}

// Path returns the location of the backing database file.
func (s *Store) Path() string { return s.path }

// Get looks up a cached response. A found-but-expired entry is deleted
// and reported as a miss. Every hit bumps the entry's hit_count and
// last_accessed plus the durable hits counter; every miss bumps the
// misses counter. Each call applies its side effects exactly once, in
// one transaction.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	now := time.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("cache get: begin: %w", err)
	}
	defer tx.Rollback()

	var response []byte
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT response, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&response, &expiresAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, s.recordMiss(ctx, tx)
	case err != nil:
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	if expiresAt.Valid && expiresAt.Int64 < now {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return nil, false, fmt.Errorf("cache get: reap expired: %w", err)
		}
		return nil, false, s.recordMiss(ctx, tx)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed = ? WHERE key = ?`,
		now, key,
	); err != nil {
		return nil, false, fmt.Errorf("cache get: record hit: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_stats SET value = value + 1 WHERE counter = 'hits'`,
	); err != nil {
		return nil, false, fmt.Errorf("cache get: bump hits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("cache get: commit: %w", err)
	}
	return response, true, nil
}

// recordMiss bumps the misses counter and commits the transaction.
func (s *Store) recordMiss(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_stats SET value = value + 1 WHERE counter = 'misses'`,
	); err != nil {
		return fmt.Errorf("cache get: bump misses: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache get: commit: %w", err)
	}
	return nil
}

// Set stores a response under key using the store's default TTL.
func (s *Store) Set(ctx context.Context, key string, response []byte, model string) error {
	return s.set(ctx, key, response, model, s.defaultTTL)
}

// SetTTL stores a response with an explicit TTL, overriding the
// default. A non-positive ttl stores the entry without expiry.
func (s *Store) SetTTL(ctx context.Context, key string, response []byte, model string, ttl time.Duration) error {
	return s.set(ctx, key, response, model, ttl)
}

// set inserts or fully replaces the entry for key. A replace is a fresh
// entry: hit_count drops to zero and the timestamps reset. Eviction
// runs in the same transaction when an entry limit is configured.
func (s *Store) set(ctx context.Context, key string, response []byte, model string, ttl time.Duration) error {
	now := time.Now().UnixNano()
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: now + ttl.Nanoseconds(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache set: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (key, response, model, created_at, expires_at, hit_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		key, response, model, now, expiresAt, now,
	); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}

	if s.maxEntries > 0 {
		if err := evictLRU(ctx, tx, s.maxEntries); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache set: commit: %w", err)
	}
	return nil
}

// evictLRU removes the oldest-accessed entries until the count is back
// at the limit. Ties on last_accessed break by key so eviction order is
// deterministic.
func evictLRU(ctx context.Context, tx *sql.Tx, maxEntries int64) error {
	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return fmt.Errorf("cache evict: count: %w", err)
	}
	if count <= maxEntries {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries
			ORDER BY last_accessed ASC, key ASC
			LIMIT ?
		)`,
		count-maxEntries,
	); err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}

// Delete removes an entry. It reports whether anything was removed and
// leaves the hit/miss counters untouched.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	return n > 0, nil
}

// Clear removes entries and zeroes the hit/miss counters. A positive
// olderThan removes only entries created before now-olderThan; zero or
// negative removes everything. The counters reset on every clear, even
// a partial one, matching the store's historical behavior.
func (s *Store) Clear(ctx context.Context, olderThan time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache clear: begin: %w", err)
	}
	defer tx.Rollback()

	if olderThan > 0 {
		cutoff := time.Now().Add(-olderThan).UnixNano()
		_, err = tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, cutoff)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE cache_stats SET value = 0`); err != nil {
		return fmt.Errorf("cache clear: reset stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache clear: commit: %w", err)
	}
	return nil
}

// Stats returns a snapshot of counters, entry counts and physical size.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := models.CacheStats{
		ByModel:  make(map[string]int64),
		Location: s.path,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT counter, value FROM cache_stats`)
	if err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var counter string
		var value int64
		if err := rows.Scan(&counter, &value); err != nil {
			return stats, fmt.Errorf("cache stats: %w", err)
		}
		switch counter {
		case "hits":
			stats.Hits = value
		case "misses":
			stats.Misses = value
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&stats.Entries); err != nil {
		return stats, fmt.Errorf("cache stats: count: %w", err)
	}

	modelRows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*) FROM cache_entries GROUP BY model`)
	if err != nil {
		return stats, fmt.Errorf("cache stats: by model: %w", err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var model string
		var count int64
		if err := modelRows.Scan(&model, &count); err != nil {
			return stats, fmt.Errorf("cache stats: by model: %w", err)
		}
		stats.ByModel[model] = count
	}
	if err := modelRows.Err(); err != nil {
		return stats, fmt.Errorf("cache stats: by model: %w", err)
	}

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.SizeBytes = s.fileSize()
	return stats, nil
}

// fileSize reports physical usage: the main database file plus the WAL,
// which holds recent writes until a checkpoint folds them back in.
func (s *Store) fileSize() int64 {
	var size int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			size += fi.Size()
		}
	}
	return size
}

// Export writes a consistent snapshot of the database to dst. VACUUM
// INTO takes its own read transaction, so concurrent mutation cannot
// tear the copy.
func (s *Store) Export(ctx context.Context, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		// VACUUM INTO refuses to overwrite; match copy semantics.
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("cache export: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("cache export: %w", err)
	}
	return nil
}

// Import replaces the store's contents with the database file at src.
// Not safe while the store is serving traffic; the CLI is the only
// caller and runs against a stopped server.
func (s *Store) Import(src string) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache import: close: %w", err)
	}
	if err := copyFile(src, s.path); err != nil {
		return fmt.Errorf("cache import: %w", err)
	}

	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("cache import: reopen: %w", err)
	}
	s.db = db
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
