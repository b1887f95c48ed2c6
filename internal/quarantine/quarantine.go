// Package quarantine preserves rejected telemetry lines for later audit.
//
// Records are appended as JSON lines to <root>/<YYYY-MM-DD>/<source name>, the
// day being the UTC day the line was quarantined. Quarantine files are valid
// JSON-lines themselves and can be replayed.
package quarantine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/parser"
)

// DayLayout names the per-day partition directories.
const DayLayout = "2006-01-02"

// Record is one quarantined line.
type Record struct {
	QuarantinedAt string `json:"quarantined_at_utc"`
	SourceFile    string `json:"source_file"`
	LineNumber    int    `json:"line_number"`
	Reason        string `json:"reason"`
	RawText       string `json:"raw_text"`
}

// Sink appends rejected lines to the quarantine tree.
type Sink struct {
	root string
	mu   sync.Mutex

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewSink creates a sink rooted at root. Directories are created on demand.
func NewSink(root string) *Sink {
	return &Sink{root: root, Now: time.Now}
}

// Root returns the quarantine root directory.
func (s *Sink) Root() string {
	return s.root
}

// Write appends rej, rejected from sourceFile, and fsyncs before returning.
func (s *Sink) Write(sourceFile string, rej parser.RejectedLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now().UTC()
	dayDir := filepath.Join(s.root, now.Format(DayLayout))
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return perrors.NewQuarantineError("failed to create quarantine partition", err)
	}

	line, err := json.Marshal(Record{
		QuarantinedAt: now.Format(time.RFC3339),
		SourceFile:    sourceFile,
		LineNumber:    rej.LineNumber,
		Reason:        rej.Reason,
		RawText:       rej.RawText,
	})
	if err != nil {
		return perrors.NewQuarantineError("failed to encode quarantine record", err)
	}
	line = append(line, '\n')

	path := filepath.Join(dayDir, filepath.Base(sourceFile))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return perrors.NewQuarantineError(fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return perrors.NewQuarantineError(fmt.Sprintf("failed to append to %s", path), err)
	}
	if err := f.Sync(); err != nil {
		return perrors.NewQuarantineError(fmt.Sprintf("failed to fsync %s", path), err)
	}
	return nil
}

// Count returns the number of records across every partition.
func (s *Sink) Count() (int, error) {
	total := 0
	err := s.walk(func(path string) error {
		recs, err := ReadRecords(path)
		total += len(recs)
		return err
	})
	return total, err
}

// CountSince returns the number of records in partitions dated on or after
// day.
func (s *Sink) CountSince(day time.Time) (int, error) {
	cutoff := day.UTC().Format(DayLayout)
	total := 0
	err := s.walk(func(path string) error {
		if filepath.Base(filepath.Dir(path)) < cutoff {
			return nil
		}
		recs, err := ReadRecords(path)
		total += len(recs)
		return err
	})
	return total, err
}

func (s *Sink) walk(fn func(path string) error) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(path)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadRecords reads every record of one quarantine file.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("quarantine: failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out []Record
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var rec Record
			if jerr := json.Unmarshal(line, &rec); jerr != nil {
				return out, fmt.Errorf("quarantine: corrupt record in %s: %w", path, jerr)
			}
			out = append(out, rec)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("quarantine: failed to read %s: %w", path, err)
		}
	}
}
