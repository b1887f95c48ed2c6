// Package manifest tracks which source files have been ingested.
//
// A file is processed when the manifest holds a record with the same path,
// size and modification time. A file that grows or is rewritten gets a new
// fingerprint and is picked up again; the store's event_id dedup makes the
// re-read safe.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/piper/piper/internal/discovery"
	perrors "github.com/piper/piper/internal/errors"
)

// Table is the manifest table name.
const Table = "ingest_manifest"

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Record is one manifest entry.
type Record struct {
	FilePath      string
	FileSize      int64
	FileModTimeNs int64
	AcceptedCount int
	RejectedCount int
	RecordedAt    time.Time
}

// Fingerprint returns the fingerprint the record was made for.
func (r Record) Fingerprint() discovery.Fingerprint {
	return discovery.Fingerprint{Size: r.FileSize, ModTimeNs: r.FileModTimeNs}
}

// Totals summarizes the manifest.
type Totals struct {
	Files    int64
	Accepted int64
	Rejected int64
}

// InvalidRate returns rejected / (accepted + rejected), or 0 with no data.
func (t Totals) InvalidRate() float64 {
	total := t.Accepted + t.Rejected
	if total == 0 {
		return 0
	}
	return float64(t.Rejected) / float64(total)
}

// Manifest reads and writes the manifest table.
type Manifest struct {
	db *sql.DB
}

// New creates a manifest over db. The table is created by the store
// migrations.
func New(db *sql.DB) *Manifest {
	return &Manifest{db: db}
}

// IsProcessed reports whether path was recorded with exactly fp.
func (m *Manifest) IsProcessed(ctx context.Context, path string, fp discovery.Fingerprint) (bool, error) {
	var one int
	err := m.db.QueryRowContext(ctx,
		`SELECT 1 FROM `+Table+` WHERE file_path = ? AND file_size = ? AND file_mtime_ns = ?`,
		path, fp.Size, fp.ModTimeNs,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, perrors.NewManifestError(perrors.CodeQueryFailed, fmt.Sprintf("failed to look up %s", path), err)
	}
	return true, nil
}

const upsertSQL = `
INSERT INTO ` + Table + ` (file_path, file_size, file_mtime_ns, accepted_count, rejected_count, recorded_at_utc)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(file_path) DO UPDATE SET
    file_size = excluded.file_size,
    file_mtime_ns = excluded.file_mtime_ns,
    accepted_count = excluded.accepted_count,
    rejected_count = excluded.rejected_count,
    recorded_at_utc = excluded.recorded_at_utc`

// Record upserts the outcome for path through ex, which is normally the
// transaction that inserted the file's rows.
func (m *Manifest) Record(ctx context.Context, ex Execer, path string, fp discovery.Fingerprint, accepted, rejected int) error {
	if ex == nil {
		ex = m.db
	}
	recordedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := ex.ExecContext(ctx, upsertSQL, path, fp.Size, fp.ModTimeNs, accepted, rejected, recordedAt); err != nil {
		return perrors.NewManifestError(perrors.CodeRecordFailed, fmt.Sprintf("failed to record %s", path), err)
	}
	return nil
}

// Get returns the record for path, or nil when absent.
func (m *Manifest) Get(ctx context.Context, path string) (*Record, error) {
	row := m.db.QueryRowContext(ctx, selectSQL+` WHERE file_path = ?`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, perrors.NewManifestError(perrors.CodeQueryFailed, fmt.Sprintf("failed to read %s", path), err)
	}
	return rec, nil
}

// List returns every record ordered by path.
func (m *Manifest) List(ctx context.Context) ([]*Record, error) {
	rows, err := m.db.QueryContext(ctx, selectSQL+` ORDER BY file_path`)
	if err != nil {
		return nil, perrors.NewManifestError(perrors.CodeQueryFailed, "failed to list manifest", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, perrors.NewManifestError(perrors.CodeQueryFailed, "failed to scan manifest record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.NewManifestError(perrors.CodeQueryFailed, "failed to list manifest", err)
	}
	return out, nil
}

// Totals sums accepted and rejected counts over every record.
func (m *Manifest) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(accepted_count), 0), COALESCE(SUM(rejected_count), 0) FROM `+Table,
	).Scan(&t.Files, &t.Accepted, &t.Rejected)
	if err != nil {
		return Totals{}, perrors.NewManifestError(perrors.CodeQueryFailed, "failed to total manifest", err)
	}
	return t, nil
}

const selectSQL = `SELECT file_path, file_size, file_mtime_ns, accepted_count, rejected_count, recorded_at_utc FROM ` + Table

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec        Record
		recordedAt string
	)
	if err := s.Scan(&rec.FilePath, &rec.FileSize, &rec.FileModTimeNs, &rec.AcceptedCount, &rec.RejectedCount, &recordedAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid recorded_at_utc %q: %w", recordedAt, err)
	}
	rec.RecordedAt = t
	return &rec, nil
}
