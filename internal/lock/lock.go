// Package lock provides the single-writer run lock.
//
// The lock is a file holding the owner's PID. A lock whose owner is no longer
// running is stale and is taken over silently, so a crashed run never blocks
// the next one.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	perrors "github.com/piper/piper/internal/errors"
)

// FileName is the lock file created in the state directory.
const FileName = "piper.lock"

// ErrLocked matches a *LockedError with errors.Is.
var ErrLocked = perrors.New(perrors.ErrCategoryLock, perrors.CodeLocked, "run lock held by another process")

// LockedError reports a live lock holder.
type LockedError struct {
	PID  int
	Path string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("piper is already running (PID %d), lock file: %s", e.PID, e.Path)
}

// Is matches ErrLocked.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// Unwrap exposes the lock category for perrors.GetCategory.
func (e *LockedError) Unwrap() error {
	return ErrLocked
}

// RunLock is a PID-file lock.
type RunLock struct {
	path string
	pid  int

	// Alive reports whether the holder of the lock file is still running.
	// Defaults to the platform probe.
	Alive func(path string, pid int) bool

	mu            sync.Mutex
	holds         int
	stopHeartbeat func()
}

// New creates a lock in stateDir for the current process.
func New(stateDir string) *RunLock {
	return &RunLock{
		path:  filepath.Join(stateDir, FileName),
		pid:   os.Getpid(),
		Alive: holderAlive,
	}
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.path
}

// Acquire takes the lock or returns a *LockedError if a live process holds it.
// Acquiring a lock this RunLock already holds nests; each Acquire needs a
// matching Release.
func (l *RunLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holds > 0 {
		l.holds++
		return nil
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	switch {
	case err == nil:
		_, werr := f.WriteString(strconv.Itoa(l.pid))
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(l.path)
			return fmt.Errorf("lock: failed to write %s: %w", l.path, errors.Join(werr, cerr))
		}
	case errors.Is(err, os.ErrExist):
		if pid, ok := readPID(l.path); ok && pid != l.pid && l.Alive(l.path, pid) {
			return &LockedError{PID: pid, Path: l.path}
		}
		if err := l.takeOver(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("lock: failed to create %s: %w", l.path, err)
	}

	l.holds = 1
	l.stopHeartbeat = startHeartbeat(l.path)
	return nil
}

// takeOver replaces a stale lock file with one holding our PID.
func (l *RunLock) takeOver() error {
	tmp := fmt.Sprintf("%s.%d.tmp", l.path, l.pid)
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(l.pid)), 0644); err != nil {
		return fmt.Errorf("lock: failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("lock: failed to replace stale lock %s: %w", l.path, err)
	}
	return nil
}

// Release drops one hold. The last release removes the lock file if it still
// holds our PID.
func (l *RunLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holds == 0 {
		return nil
	}
	l.holds--
	if l.holds > 0 {
		return nil
	}
	if l.stopHeartbeat != nil {
		l.stopHeartbeat()
		l.stopHeartbeat = nil
	}

	if pid, ok := readPID(l.path); !ok || pid != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lock: failed to remove %s: %w", l.path, err)
	}
	return nil
}

// WithLock runs fn while holding the lock. The lock is released on every
// exit path, including a panic in fn.
func (l *RunLock) WithLock(fn func() error) (err error) {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// HolderPID returns the PID recorded in the lock file, if any.
func (l *RunLock) HolderPID() (int, bool) {
	return readPID(l.path)
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
