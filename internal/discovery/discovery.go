// Package discovery finds telemetry files that are safe to read.
//
// Producers append to their files while a session is running, so a file is
// only handed to the loader once it has not been modified for the settle
// window.
package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CandidateFile is a settled source file observed during discovery.
type CandidateFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Fingerprint identifies one observed version of a file.
type Fingerprint struct {
	Size      int64
	ModTimeNs int64
}

// Fingerprint returns the (size, mtime) pair used by the manifest.
func (f CandidateFile) Fingerprint() Fingerprint {
	return Fingerprint{Size: f.Size, ModTimeNs: f.ModTime.UnixNano()}
}

// Discover walks root recursively and returns the regular files ending in ext
// whose modification time is at or before now-settle, ordered by
// (mtime, path). A missing root yields no files.
func Discover(root, ext string, settle time.Duration, now time.Time) ([]CandidateFile, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to resolve %s: %w", root, err)
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to stat %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discovery: %s is not a directory", abs)
	}

	cutoff := now.Add(-settle)
	var files []CandidateFile

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		fi, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// removed between readdir and stat
			return nil
		}
		if err != nil {
			return err
		}
		if fi.ModTime().After(cutoff) {
			return nil
		}
		files = append(files, CandidateFile{Path: path, Size: fi.Size(), ModTime: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: failed to walk %s: %w", abs, err)
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.Before(files[j].ModTime)
		}
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// FilterWindow keeps files whose mtime lies in [since, until]. A zero bound
// is open.
func FilterWindow(files []CandidateFile, since, until time.Time) []CandidateFile {
	if since.IsZero() && until.IsZero() {
		return files
	}
	out := make([]CandidateFile, 0, len(files))
	for _, f := range files {
		if !since.IsZero() && f.ModTime.Before(since) {
			continue
		}
		if !until.IsZero() && f.ModTime.After(until) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Scanner binds discovery to a configured source tree.
type Scanner struct {
	Root      string
	Extension string
	Settle    time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Scan runs Discover against the scanner's tree at the current time.
func (s *Scanner) Scan() ([]CandidateFile, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Discover(s.Root, s.Extension, s.Settle, now())
}
