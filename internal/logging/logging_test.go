package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/piper/piper/internal/config"
)

func TestNewRunID(t *testing.T) {
	id := NewRunID()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), id)
	assert.NotEqual(t, id, NewRunID())
}

func TestNew_WritesRunLogWithRunID(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 2, 41, 55, 0, time.UTC)

	logger, err := New(config.LoggingConfig{Level: "info", Format: "json"}, dir, now)
	require.NoError(t, err)

	logger.Info("ingest started", zap.Int("file_count", 42))
	logger.Debug("filtered out by level")
	require.NoError(t, logger.Close())

	assert.Equal(t, filepath.Join(dir, "2026-03-01", logger.RunID+".jsonl"), logger.LogFile)

	f, err := os.Open(logger.LogFile)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		entries = append(entries, m)
	}
	require.Len(t, entries, 1)
	assert.Equal(t, "ingest started", entries[0]["event"])
	assert.Equal(t, logger.RunID, entries[0]["run_id"])
	assert.EqualValues(t, 42, entries[0]["file_count"])
	assert.Equal(t, "info", entries[0]["level"])
}

func TestNew_TextFormatWithoutRunLog(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "text"}, "", time.Now())
	require.NoError(t, err)
	assert.Empty(t, logger.LogFile)
	require.NoError(t, logger.Close())
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud", Format: "json"}, "", time.Now())
	require.Error(t, err)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
