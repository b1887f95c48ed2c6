// Package ingest orchestrates one ingest run: discovery, parsing, validation,
// quarantine, deduplicated load and manifest bookkeeping under the run lock.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/piper/piper/internal/discovery"
	"github.com/piper/piper/internal/envelope"
	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/logging"
	"github.com/piper/piper/internal/manifest"
	"github.com/piper/piper/internal/metrics"
	"github.com/piper/piper/internal/parser"
	"github.com/piper/piper/internal/quarantine"
	"github.com/piper/piper/internal/store"
)

// Discoverer lists settled candidate files.
type Discoverer interface {
	Scan() ([]discovery.CandidateFile, error)
}

// Locker serializes runs.
type Locker interface {
	WithLock(fn func() error) error
}

// Deps are the collaborators of a Loader.
type Deps struct {
	Store      *store.Store
	Manifest   *manifest.Manifest
	Quarantine *quarantine.Sink
	Validator  *envelope.Validator
	Discoverer Discoverer
	Lock       Locker

	Metrics *metrics.Metrics // optional
	Logger  *zap.Logger      // optional

	// Now is the validation wall clock. Defaults to time.Now.
	Now func() time.Time
}

// RunOptions controls one run.
type RunOptions struct {
	// DryRun reports pending files without reading or writing anything.
	DryRun bool

	// Limit caps the number of files processed; 0 means no cap.
	Limit int

	// Force re-ingests files the manifest already holds.
	Force bool

	// Since and Until restrict files by modification time; zero is open.
	Since time.Time
	Until time.Time
}

// FileStats counts the outcome of one file.
type FileStats struct {
	// Total is the number of non-blank lines.
	Total int

	// Accepted is the number of rows newly stored.
	Accepted int

	// Duplicate is the number of valid rows whose event_id was already stored.
	Duplicate int

	// Quarantined is the number of lines rejected at parse or validation.
	Quarantined int

	// UnknownTypes is the number of valid events with an unknown event_type.
	UnknownTypes int
}

func (s *FileStats) add(o FileStats) {
	s.Total += o.Total
	s.Accepted += o.Accepted
	s.Duplicate += o.Duplicate
	s.Quarantined += o.Quarantined
	s.UnknownTypes += o.UnknownTypes
}

// RunSummary reports a whole run.
type RunSummary struct {
	DryRun bool

	FilesDiscovered int
	FilesPending    int
	FilesProcessed  int
	FilesSkipped    int
	FilesFailed     int

	FileStats

	// Pending lists the files selected for processing.
	Pending []discovery.CandidateFile

	Duration time.Duration
}

// SourceError reports a source file that could not be read. The run logs it
// and moves on; the file stays out of the manifest so the next run retries.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("ingest: failed to read %s: %v", e.Path, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Loader runs ingestion.
type Loader struct {
	deps   Deps
	logger *zap.Logger
}

// New creates a loader.
func New(deps Deps) *Loader {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Loader{deps: deps, logger: logging.OrNop(deps.Logger)}
}

// Run performs one ingest run. Outside dry-run mode the run lock is held from
// discovery through the last manifest update; lock contention returns an
// error matching lock.ErrLocked.
func (l *Loader) Run(ctx context.Context, opts RunOptions) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{DryRun: opts.DryRun}

	if opts.DryRun {
		if err := l.plan(ctx, opts, summary); err != nil {
			return nil, err
		}
		summary.Duration = time.Since(start)
		l.logger.Info("ingest dry run",
			zap.Int("files_discovered", summary.FilesDiscovered),
			zap.Int("files_pending", summary.FilesPending),
		)
		return summary, nil
	}

	err := l.deps.Lock.WithLock(func() error {
		if err := l.plan(ctx, opts, summary); err != nil {
			return err
		}
		for _, f := range summary.Pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := l.process(ctx, f, summary); err != nil {
				return err
			}
		}
		return nil
	})
	summary.Duration = time.Since(start)
	if err != nil {
		l.logger.Error("ingest aborted", zap.Error(err), zap.Int("files_processed", summary.FilesProcessed))
		return summary, err
	}

	l.logger.Info("ingest complete",
		zap.Int("files_discovered", summary.FilesDiscovered),
		zap.Int("files_processed", summary.FilesProcessed),
		zap.Int("files_skipped", summary.FilesSkipped),
		zap.Int("files_failed", summary.FilesFailed),
		zap.Int("lines_total", summary.Total),
		zap.Int("accepted", summary.Accepted),
		zap.Int("duplicate", summary.Duplicate),
		zap.Int("quarantined", summary.Quarantined),
		zap.Int("unknown_event_types", summary.UnknownTypes),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// Pending returns the files a run with opts would process.
func (l *Loader) Pending(ctx context.Context, opts RunOptions) ([]discovery.CandidateFile, error) {
	var summary RunSummary
	if err := l.plan(ctx, opts, &summary); err != nil {
		return nil, err
	}
	return summary.Pending, nil
}

func (l *Loader) plan(ctx context.Context, opts RunOptions, summary *RunSummary) error {
	files, err := l.deps.Discoverer.Scan()
	if err != nil {
		return err
	}
	files = discovery.FilterWindow(files, opts.Since, opts.Until)
	summary.FilesDiscovered = len(files)

	for _, f := range files {
		if !opts.Force {
			done, err := l.deps.Manifest.IsProcessed(ctx, f.Path, f.Fingerprint())
			if err != nil {
				return err
			}
			if done {
				summary.FilesSkipped++
				l.deps.Metrics.RecordFile("skipped")
				continue
			}
		}
		summary.Pending = append(summary.Pending, f)
	}

	if opts.Limit > 0 && len(summary.Pending) > opts.Limit {
		summary.Pending = summary.Pending[:opts.Limit]
	}
	summary.FilesPending = len(summary.Pending)
	return nil
}

func (l *Loader) process(ctx context.Context, f discovery.CandidateFile, summary *RunSummary) error {
	started := time.Now()
	stats, err := l.IngestFile(ctx, f)

	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		summary.FilesFailed++
		l.deps.Metrics.RecordFile("failed")
		l.logger.Warn("source file unreadable, skipping", zap.String("path", f.Path), zap.Error(srcErr.Err))
		return nil
	}
	if err != nil {
		return err
	}

	summary.FilesProcessed++
	summary.add(stats)

	l.deps.Metrics.RecordFile("processed")
	l.deps.Metrics.RecordLines("accepted", stats.Accepted)
	l.deps.Metrics.RecordLines("duplicate", stats.Duplicate)
	l.deps.Metrics.RecordLines("quarantined", stats.Quarantined)
	l.deps.Metrics.RecordUnknownTypes(stats.UnknownTypes)
	l.deps.Metrics.RecordFileDuration(time.Since(started))

	l.logger.Info("file ingested",
		zap.String("path", f.Path),
		zap.Int("total", stats.Total),
		zap.Int("accepted", stats.Accepted),
		zap.Int("duplicate", stats.Duplicate),
		zap.Int("quarantined", stats.Quarantined),
	)
	return nil
}

// IngestFile loads one file. Bad lines are quarantined before the file's rows
// and manifest record commit in a single transaction, so a crash leaves the
// file either fully stored and recorded or not recorded at all.
func (l *Loader) IngestFile(ctx context.Context, f discovery.CandidateFile) (FileStats, error) {
	res, err := parser.ParseFile(f.Path)
	if err != nil {
		return FileStats{}, &SourceError{Path: f.Path, Err: err}
	}

	stats := FileStats{Total: len(res.Accepted) + len(res.Rejected)}

	for _, rej := range res.Rejected {
		if err := l.deps.Quarantine.Write(f.Path, rej); err != nil {
			return stats, err
		}
	}
	stats.Quarantined = len(res.Rejected)

	now := l.deps.Now()
	rows := make([]envelope.Row, 0, len(res.Accepted))
	for _, line := range res.Accepted {
		row, reason := l.normalize(line, f.Path, now)
		if reason != "" {
			rej := parser.RejectedLine{LineNumber: line.LineNumber, RawText: line.Raw, Reason: reason}
			if err := l.deps.Quarantine.Write(f.Path, rej); err != nil {
				return stats, err
			}
			stats.Quarantined++
			continue
		}
		if !envelope.IsKnownEventType(row.EventType) {
			stats.UnknownTypes++
		}
		rows = append(rows, row)
	}

	tx, err := l.deps.Store.BeginTx(ctx)
	if err != nil {
		return stats, err
	}
	defer tx.Rollback()

	inserted, err := store.InsertRows(ctx, tx, rows)
	if err != nil {
		return stats, err
	}
	stats.Accepted = inserted
	stats.Duplicate = len(rows) - inserted

	if err := l.deps.Manifest.Record(ctx, tx, f.Path, f.Fingerprint(), stats.Accepted, stats.Quarantined); err != nil {
		return stats, err
	}
	if err := tx.Commit(); err != nil {
		return stats, perrors.NewStoreError(perrors.CodeInsertFailed, fmt.Sprintf("failed to commit %s", f.Path), err)
	}
	return stats, nil
}

// normalize validates one parsed line and flattens it, returning a rejection
// reason on failure.
func (l *Loader) normalize(line parser.ParsedLine, path string, now time.Time) (envelope.Row, string) {
	env, err := l.deps.Validator.Validate(line.Object, now)
	if err != nil {
		return envelope.Row{}, err.Error()
	}
	row, err := envelope.NewRow(env, path, line.LineNumber)
	if err != nil {
		return envelope.Row{}, err.Error()
	}
	return row, ""
}
