// Package export writes the events table to a Hive-partitioned Parquet tree
// (event_date=YYYY-MM-DD/event_type=<type>/) using an in-memory DuckDB, and
// optionally publishes the tree to object storage.
//
// Every export rebuilds the tree wholesale: it is written to a staging
// directory next to the silver directory and swapped into place, so a
// failed export leaves the previous tree intact.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/piper/piper/internal/bloom"
	"github.com/piper/piper/internal/envelope"
	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/logging"
	"github.com/piper/piper/internal/metrics"
	"github.com/piper/piper/internal/storage"
)

// SidecarName is the metadata file written at the root of the tree.
const SidecarName = "_piper_export.json"

// BloomFPR is the target false positive rate of the event id filter.
const BloomFPR = 0.01

// duckTable mirrors the events table with typed columns.
const duckTable = `CREATE TABLE events (
    event_id         VARCHAR,
    schema_version   VARCHAR,
    event_type       VARCHAR,
    occurred_at_utc  TIMESTAMP,
    status           VARCHAR,
    pipeline_name    VARCHAR,
    pipeline_dcc     VARCHAR,
    host_hostname    VARCHAR,
    host_user        VARCHAR,
    host_os          VARCHAR,
    session_id       VARCHAR,
    action_id        VARCHAR,
    scope_show       VARCHAR,
    scope_sequence   VARCHAR,
    scope_shot       VARCHAR,
    scope_asset      VARCHAR,
    scope_department VARCHAR,
    scope_task       VARCHAR,
    error_code       VARCHAR,
    error_message    VARCHAR,
    payload          VARCHAR,
    metrics          VARCHAR,
    source_file      VARCHAR,
    source_line      BIGINT,
    ingested_at_utc  VARCHAR
)`

// Sidecar describes one export.
type Sidecar struct {
	ExportID      string     `json:"export_id"`
	ExportedAt    string     `json:"exported_at_utc"`
	RowCount      int64      `json:"row_count"`
	Files         int        `json:"files"`
	MinOccurredAt string     `json:"min_occurred_at_utc,omitempty"`
	MaxOccurredAt string     `json:"max_occurred_at_utc,omitempty"`
	EventIDFilter BloomBlock `json:"event_id_filter"`
}

// BloomBlock is the encoded event id filter.
type BloomBlock struct {
	Algorithm string  `json:"algorithm"`
	Bits      int     `json:"bits"`
	Hashes    int     `json:"hashes"`
	Count     uint64  `json:"count"`
	FPR       float64 `json:"estimated_fpr"`
	Data      string  `json:"data"`
}

// MayContain consults the filter. False means the id is not in the export.
func (s *Sidecar) MayContain(eventID string) (bool, error) {
	f, err := bloom.Decode(s.EventIDFilter.Data)
	if err != nil {
		return false, err
	}
	return f.MayContain(eventID), nil
}

// ReadSidecar loads the sidecar from an exported tree.
func ReadSidecar(dir string) (*Sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("export: invalid sidecar: %w", err)
	}
	return &s, nil
}

// Options configures an Exporter.
type Options struct {
	// SilverDir receives the Parquet tree.
	SilverDir string

	// Destination, when set, receives a mirror of SilverDir under Prefix.
	Destination storage.ObjectStore
	Prefix      string

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Result summarizes an export.
type Result struct {
	ExportID  string
	Dir       string
	Rows      int64
	Files     int
	Published *storage.SyncResult
	Duration  time.Duration
}

// Exporter copies events from the SQLite warehouse to Parquet.
type Exporter struct {
	src  *sql.DB
	opts Options
	log  *zap.Logger
}

// New creates an exporter reading from src.
func New(src *sql.DB, opts Options) *Exporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exporter{src: src, opts: opts, log: logging.OrNop(opts.Logger)}
}

// Export rebuilds the silver tree and publishes it if a destination is set.
func (e *Exporter) Export(ctx context.Context) (*Result, error) {
	start := time.Now()
	exportID := uuid.NewString()
	silver := filepath.Clean(e.opts.SilverDir)
	staging := silver + ".staging-" + exportID[:8]

	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to create staging directory", err)
	}
	defer os.RemoveAll(staging)

	duck, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to open duckdb", err)
	}
	defer duck.Close()
	duck.SetMaxOpenConns(1)

	sc, err := e.load(ctx, duck)
	if err != nil {
		return nil, err
	}
	sc.ExportID = exportID
	sc.ExportedAt = e.opts.Now().UTC().Format(time.RFC3339)

	if sc.RowCount > 0 {
		copySQL := fmt.Sprintf(
			`COPY (SELECT *, CAST(occurred_at_utc AS DATE) AS event_date FROM events ORDER BY occurred_at_utc, event_id)
			 TO '%s' (FORMAT PARQUET, PARTITION_BY (event_date, event_type), OVERWRITE_OR_IGNORE)`,
			strings.ReplaceAll(staging, "'", "''"))
		if _, err := duck.ExecContext(ctx, copySQL); err != nil {
			return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to write parquet", err)
		}
	}

	sc.Files, err = countParquet(staging)
	if err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to scan staging directory", err)
	}
	if err := writeSidecar(staging, sc); err != nil {
		return nil, err
	}
	if err := swap(staging, silver); err != nil {
		return nil, err
	}

	res := &Result{ExportID: exportID, Dir: silver, Rows: sc.RowCount, Files: sc.Files}
	e.log.Info("export written",
		zap.String("export_id", exportID),
		zap.String("dir", silver),
		zap.Int64("rows", sc.RowCount),
		zap.Int("files", sc.Files),
	)

	if e.opts.Destination != nil {
		published, err := storage.Sync(ctx, e.opts.Destination, silver, e.opts.Prefix)
		if err != nil {
			return res, perrors.NewExportError(perrors.CodePublishFailed, "failed to publish export", err)
		}
		res.Published = &published
		e.log.Info("export published",
			zap.String("prefix", e.opts.Prefix),
			zap.Int("uploaded", len(published.Uploaded)),
			zap.Int("deleted", len(published.Deleted)),
		)
	}

	e.opts.Metrics.SetExportedRows(sc.RowCount)
	res.Duration = time.Since(start)
	return res, nil
}

// load copies every event into duck and builds the sidecar statistics.
func (e *Exporter) load(ctx context.Context, duck *sql.DB) (*Sidecar, error) {
	if _, err := duck.ExecContext(ctx, duckTable); err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to create export table", err)
	}

	var total int64
	if err := e.src.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&total); err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to count events", err)
	}
	filter := bloom.ForEventIDs(int(total), BloomFPR)

	cols := append(append([]string{}, envelope.Columns...), "ingested_at_utc")
	rows, err := e.src.QueryContext(ctx,
		"SELECT "+strings.Join(cols, ", ")+" FROM events ORDER BY occurred_at_utc, event_id")
	if err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to read events", err)
	}
	defer rows.Close()

	tx, err := duck.BeginTx(ctx, nil)
	if err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to begin export load", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO events VALUES ("+placeholders+")")
	if err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to prepare export load", err)
	}
	defer stmt.Close()

	const (
		idIdx       = 0
		occurredIdx = 3
	)
	sc := &Sidecar{}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to scan event", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		occurred, _ := vals[occurredIdx].(string)
		ts, err := envelope.ParseTimestamp(occurred)
		if err != nil {
			return nil, perrors.NewExportError(perrors.CodeWriteFailed,
				fmt.Sprintf("event %v has unreadable occurred_at_utc %q", vals[idIdx], occurred), err)
		}
		args := append([]any{}, vals...)
		args[occurredIdx] = ts

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to load event into duckdb", err)
		}

		id, _ := vals[idIdx].(string)
		filter.Add(id)
		if sc.RowCount == 0 {
			sc.MinOccurredAt = occurred
		}
		sc.MaxOccurredAt = occurred
		sc.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.NewStoreError(perrors.CodeQueryFailed, "failed to read events", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, perrors.NewExportError(perrors.CodeWriteFailed, "failed to commit export load", err)
	}

	sc.EventIDFilter = BloomBlock{
		Algorithm: bloom.Algorithm,
		Bits:      filter.Bits(),
		Hashes:    filter.Hashes(),
		Count:     filter.Count(),
		FPR:       filter.EstimatedFPR(),
		Data:      filter.Encode(),
	}
	return sc, nil
}

func writeSidecar(dir string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return perrors.NewExportError(perrors.CodeWriteFailed, "failed to encode sidecar", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SidecarName), append(data, '\n'), 0644); err != nil {
		return perrors.NewExportError(perrors.CodeWriteFailed, "failed to write sidecar", err)
	}
	return nil
}

// swap replaces silver with staging.
func swap(staging, silver string) error {
	old := silver + ".old"
	if err := os.RemoveAll(old); err != nil {
		return perrors.NewExportError(perrors.CodeWriteFailed, "failed to clear previous export", err)
	}
	if err := os.Rename(silver, old); err != nil && !os.IsNotExist(err) {
		return perrors.NewExportError(perrors.CodeWriteFailed, "failed to move previous export aside", err)
	}
	if err := os.Rename(staging, silver); err != nil {
		_ = os.Rename(old, silver)
		return perrors.NewExportError(perrors.CodeWriteFailed, "failed to move export into place", err)
	}
	return os.RemoveAll(old)
}

func countParquet(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".parquet") {
			n++
		}
		return nil
	})
	return n, err
}
