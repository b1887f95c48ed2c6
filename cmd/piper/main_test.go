package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/lock"
)

type env struct {
	root       string
	rawRoot    string
	dataRoot   string
	configFile string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		root:       root,
		rawRoot:    filepath.Join(root, "raw"),
		dataRoot:   filepath.Join(root, "data"),
		configFile: filepath.Join(root, "piper.yaml"),
	}
	require.NoError(t, os.MkdirAll(e.rawRoot, 0755))
	cfg := fmt.Sprintf(`paths:
  raw_root: %s
  data_root: %s
ingest:
  settle_window: 30s
logging:
  level: error
`, e.rawRoot, e.dataRoot)
	require.NoError(t, os.WriteFile(e.configFile, []byte(cfg), 0644))
	return e
}

func (e *env) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), append([]string{"--config", e.configFile}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *env) writeRaw(t *testing.T, name string, mtime time.Time, lines ...string) {
	t.Helper()
	p := filepath.Join(e.rawRoot, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\n")+"\n"), 0644))
	require.NoError(t, os.Chtimes(p, mtime, mtime))
}

func eventLine(id string) string {
	return fmt.Sprintf(`{"schema_version":"1.0","event_id":%q,"event_type":"file.open","occurred_at_utc":"2026-03-01T10:00:00Z","status":"success","pipeline":{"name":"p"},"host":{"hostname":"samus","user":"rees23"},"session":{"session_id":"s1"}}`, id)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"locked", &lock.LockedError{PID: 42, Path: "/x"}, 2},
		{"wrapped locked", fmt.Errorf("ingest: %w", lock.ErrLocked), 2},
		{"explicit", &exitError{code: 1}, 1},
		{"config", perrors.NewConfigError("bad", nil), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestBackfillWindow(t *testing.T) {
	since, until, err := backfillWindow("2026-03-01", "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), since)
	assert.Equal(t, time.Date(2026, 3, 2, 23, 59, 59, 999999999, time.UTC), until)

	_, _, err = backfillWindow("2026-03-02", "2026-03-01")
	assert.Error(t, err)
	_, _, err = backfillWindow("03/01/2026", "2026-03-01")
	assert.Error(t, err)
}

func TestInit(t *testing.T) {
	e := newEnv(t)
	code, out, stderr := e.run(t, "init")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "telemetry.db")
	assert.FileExists(t, filepath.Join(e.dataRoot, "warehouse", "telemetry.db"))
	assert.DirExists(t, filepath.Join(e.dataRoot, "quarantine", "invalid_jsonl"))
}

func TestIngest_JSONSummary(t *testing.T) {
	e := newEnv(t)
	old := time.Now().Add(-time.Hour)
	e.writeRaw(t, "a.jsonl", old, eventLine("evt-1"), "not json", eventLine("evt-2"))
	e.writeRaw(t, "fresh.jsonl", time.Now(), eventLine("evt-3"))

	code, out, stderr := e.run(t, "ingest", "--dry-run", "-o", "json")
	require.Equal(t, 0, code, stderr)
	var dry map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &dry))
	assert.Equal(t, true, dry["dry_run"])
	assert.Equal(t, float64(1), dry["files_pending"])

	code, out, stderr = e.run(t, "ingest", "-o", "json")
	require.Equal(t, 0, code, stderr)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, float64(1), report["files_processed"])
	assert.Equal(t, float64(2), report["accepted"])
	assert.Equal(t, float64(1), report["quarantined"])

	code, out, _ = e.run(t, "manifest", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "a.jsonl")
	assert.NotContains(t, out, "fresh.jsonl")
}

func TestIngest_LockedExitsTwo(t *testing.T) {
	e := newEnv(t)
	code, _, _ := e.run(t, "init")
	require.Equal(t, 0, code)

	// pid 1 is always alive
	require.NoError(t, os.WriteFile(filepath.Join(e.dataRoot, "state", lock.FileName), []byte("1"), 0644))

	code, _, stderr := e.run(t, "ingest")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "already running")
}

func TestBackfill_BadRange(t *testing.T) {
	e := newEnv(t)
	code, _, stderr := e.run(t, "backfill", "--start", "2026-03-05", "--end", "2026-03-01")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "before --start")
}

func TestDoctor_EmptyWarehouseFails(t *testing.T) {
	e := newEnv(t)
	code, out, _ := e.run(t, "doctor")
	assert.Equal(t, 2, code)
	assert.Contains(t, out, "freshness")
	assert.Contains(t, out, "fail")

	code, _, stderr := e.run(t, "doctor", "--check", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unknown check")
}

func TestMaterialize(t *testing.T) {
	e := newEnv(t)
	code, out, stderr := e.run(t, "materialize", "--model", "host_error_rates")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "host_error_rates")
}

func TestConfigShow(t *testing.T) {
	e := newEnv(t)
	code, out, stderr := e.run(t, "config", "show")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "# loaded from "+e.configFile)
	assert.Contains(t, out, "raw_root: "+e.rawRoot)
	assert.Contains(t, out, "settle_window: 30s")
}

func TestUnsupportedOutput(t *testing.T) {
	e := newEnv(t)
	code, _, stderr := e.run(t, "config", "show", "-o", "xml")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "unsupported output format")
}
