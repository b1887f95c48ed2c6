// Package store manages the SQLite warehouse that holds accepted events.
//
// The schema is owned by the embedded migrations; the ingest manifest table
// lives in the same database so that event rows and manifest records commit
// in one transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/piper/piper/internal/envelope"
	perrors "github.com/piper/piper/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// EventsTable is the table holding accepted events.
const EventsTable = "events"

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Store is the SQLite warehouse.
type Store struct {
	db   *sql.DB
	path string
}

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
}

// Migrate brings the database at dbPath to the latest schema version. It is
// safe to call on an up-to-date database.
func Migrate(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return perrors.NewStoreError(perrors.CodeMigrationFailed, "failed to create warehouse directory", err)
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return perrors.NewStoreError(perrors.CodeOpenFailed, "failed to open database", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return perrors.NewStoreError(perrors.CodeMigrationFailed, "failed to load migrations", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		db.Close()
		return perrors.NewStoreError(perrors.CodeMigrationFailed, "failed to init migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		db.Close()
		return perrors.NewStoreError(perrors.CodeMigrationFailed, "failed to init migrator", err)
	}
	// Closing the migrator closes db.
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return perrors.NewStoreError(perrors.CodeMigrationFailed, "failed to apply migrations", err)
	}
	return nil
}

// Open migrates the database at dbPath and opens it for use.
func Open(dbPath string) (*Store, error) {
	if err := Migrate(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, perrors.NewStoreError(perrors.CodeOpenFailed, "failed to open database", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, perrors.NewStoreError(perrors.CodeOpenFailed, fmt.Sprintf("failed to open %s", dbPath), err)
	}
	return &Store{db: db, path: dbPath}, nil
}

// New wraps an existing database handle. The schema must already exist.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path, empty when wrapping a handle.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx starts a write transaction.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, perrors.NewStoreError(perrors.CodeInsertFailed, "failed to begin transaction", err)
	}
	return tx, nil
}

var insertEventSQL = fmt.Sprintf(
	"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(event_id) DO NOTHING",
	EventsTable,
	strings.Join(envelope.Columns, ", "),
	strings.TrimSuffix(strings.Repeat("?, ", len(envelope.Columns)), ", "),
)

// InsertRows inserts rows whose event_id is not yet stored and returns how
// many were inserted. Rows with an existing event_id, including earlier rows
// of the same batch, are skipped.
func InsertRows(ctx context.Context, ex Execer, rows []envelope.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	stmt, err := ex.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return 0, perrors.NewStoreError(perrors.CodeInsertFailed, "failed to prepare insert", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		res, err := stmt.ExecContext(ctx, row.Values()...)
		if err != nil {
			return inserted, perrors.NewStoreError(perrors.CodeInsertFailed,
				fmt.Sprintf("failed to insert event %s", row.EventID), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, perrors.NewStoreError(perrors.CodeInsertFailed, "failed to read rows affected", err)
		}
		inserted += int(n)
	}
	return inserted, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+EventsTable).Scan(&n); err != nil {
		return 0, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to count events", err)
	}
	return n, nil
}

// EventIDs returns every stored event id in ascending order.
func (s *Store) EventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT event_id FROM "+EventsTable+" ORDER BY event_id")
	if err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to list event ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to scan event id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to list event ids", err)
	}
	return ids, nil
}

// Version returns the applied schema migration version.
func (s *Store) Version(ctx context.Context) (uint, bool, error) {
	var (
		version int64
		dirty   bool
	)
	err := s.db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to read schema version", err)
	}
	return uint(version), dirty, nil
}
