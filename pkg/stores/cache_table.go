package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheTable is a distributed cache tier stored in the cache_entries table,
// for deployments that share a database file but run no Redis.
type CacheTable struct {
	db  *sql.DB
	now func() time.Time
}

// NewCacheTable creates a cache tier on the database of s.
func NewCacheTable(s *SQLiteStore) (*CacheTable, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	return &CacheTable{db: s.db, now: time.Now}, nil
}

// Get returns an unexpired entry and its remaining lifetime.
func (c *CacheTable) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	now := c.now()

	var value []byte
	var expiresAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key, now.UnixMilli(),
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	return value, time.UnixMilli(expiresAt).Sub(now), true, nil
}

// Set stores an entry for ttl.
func (c *CacheTable) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, c.now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (c *CacheTable) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes every expired entry and reports how many were
// removed.
func (c *CacheTable) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// Close is a no-op; the database belongs to the SQLiteStore.
func (c *CacheTable) Close() error {
	return nil
}
