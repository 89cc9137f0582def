package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the document store backed by SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with WAL journaling and immediate write
// transactions.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// DB exposes the underlying handle to the other stores sharing the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// GetByID retrieves a document by kind and id.
func (s *SQLiteStore) GetByID(ctx context.Context, kind, id string) (*Document, error) {
	query := `
		SELECT kind, id, name, platform, platform_version, model_name, action_name, version, body, created_at, updated_at
		FROM documents
		WHERE kind = ? AND id = ?
	`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, kind, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}

	return doc, nil
}

// Find lists documents matching filter ordered by id. A non-positive limit
// returns every match after skip.
func (s *SQLiteStore) Find(ctx context.Context, filter Filter, skip, limit int) ([]*Document, error) {
	if filter.Kind == "" {
		return nil, fmt.Errorf("filter kind is required")
	}
	if limit <= 0 {
		limit = -1
	}
	if skip < 0 {
		skip = 0
	}

	query := `
		SELECT kind, id, name, platform, platform_version, model_name, action_name, version, body, created_at, updated_at
		FROM documents
		WHERE kind = ?
		  AND (? = '' OR name = ?)
		  AND (? = '' OR platform = ?)
		  AND (? = '' OR platform_version = ?)
		  AND (? = '' OR model_name = ?)
		  AND (? = '' OR action_name = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Kind,
		filter.Name, filter.Name,
		filter.Platform, filter.Platform,
		filter.PlatformVersion, filter.PlatformVersion,
		filter.ModelName, filter.ModelName,
		filter.ActionName, filter.ActionName,
		limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", filter.Kind, err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", filter.Kind, err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", filter.Kind, err)
	}

	return docs, nil
}

// Put inserts or replaces a document. A document whose version is lower than
// the stored version is rejected with ErrStaleVersion; the creation time of an
// existing document is preserved.
func (s *SQLiteStore) Put(ctx context.Context, doc *Document) error {
	if doc.Kind == "" || doc.ID == "" {
		return fmt.Errorf("document kind and id are required")
	}
	if len(doc.Body) == 0 {
		return fmt.Errorf("%s %s: document body is required", doc.Kind, doc.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE kind = ? AND id = ?`, doc.Kind, doc.ID).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read stored version: %w", err)
	case stored != "" && CompareVersions(doc.Version, stored) < 0:
		return fmt.Errorf("%s %s: version %s is lower than stored %s: %w", doc.Kind, doc.ID, doc.Version, stored, ErrStaleVersion)
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (
			kind, id, name, platform, platform_version, model_name, action_name, version, body, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			name = excluded.name,
			platform = excluded.platform,
			platform_version = excluded.platform_version,
			model_name = excluded.model_name,
			action_name = excluded.action_name,
			version = excluded.version,
			body = excluded.body,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		doc.Kind,
		doc.ID,
		doc.Name,
		doc.Platform,
		doc.PlatformVersion,
		doc.ModelName,
		doc.ActionName,
		doc.Version,
		doc.Body,
		doc.CreatedAt.UnixMilli(),
		doc.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", doc.Kind, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", doc.Kind, err)
	}

	return nil
}

// Delete removes a document.
func (s *SQLiteStore) Delete(ctx context.Context, kind, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	doc := &Document{}
	var createdAt, updatedAt int64
	err := row.Scan(
		&doc.Kind,
		&doc.ID,
		&doc.Name,
		&doc.Platform,
		&doc.PlatformVersion,
		&doc.ModelName,
		&doc.ActionName,
		&doc.Version,
		&doc.Body,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return doc, nil
}
