// Package state persists datasource lifecycle records in SQLite, one
// self-contained JSON document per datasource keyed by normalized name.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/lakeforge/lakeforge/pkg/provision"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no record exists for a datasource name.
var ErrNotFound = provision.ErrRecordNotFound

// SQLiteStore stores lifecycle records in a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string

	// mu serializes writes so concurrent saves of the same record do not
	// interleave.
	mu sync.Mutex
}

// NewSQLiteStore creates a store for the given database path. The parent
// directory is created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}
	return &SQLiteStore{path: path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Get retrieves the record for a datasource name. Returns ErrNotFound when
// no record exists.
func (s *SQLiteStore) Get(ctx context.Context, name string) (*provision.DatasourceRecord, error) {
	query := `SELECT document FROM datasources WHERE name = ?`

	var document string
	err := s.db.QueryRowContext(ctx, query, name).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	record := &provision.DatasourceRecord{}
	if err := json.Unmarshal([]byte(document), record); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", name, err)
	}
	return record, nil
}

// Save upserts the record under the given name, stamping updated_at with
// the current second-precision UTC time.
func (s *SQLiteStore) Save(ctx context.Context, name string, record *provision.DatasourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.UpdatedAt = time.Now().UTC().Truncate(time.Second)

	document, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", name, err)
	}

	query := `
		INSERT INTO datasources (name, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, name, string(document), record.UpdatedAt.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("failed to save record %s: %w", name, err)
	}
	return nil
}

// Delete removes the record for a name and reports whether a row was
// removed. Deleting an absent record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM datasources WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	return affected > 0, nil
}

// Exists reports whether a record exists for the name.
func (s *SQLiteStore) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM datasources WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check record: %w", err)
	}
	return true, nil
}

// List returns all record names in lexical order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM datasources ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan record name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return names, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Open is a convenience that creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(path)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
