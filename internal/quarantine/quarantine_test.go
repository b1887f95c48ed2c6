package quarantine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/parser"
)

func fixedSink(t *testing.T, now time.Time) *Sink {
	t.Helper()
	s := NewSink(filepath.Join(t.TempDir(), "invalid_jsonl"))
	s.Now = func() time.Time { return now }
	return s
}

func TestSink_WriteAppendsRecord(t *testing.T) {
	// 23:30 in UTC-6 is the next UTC day.
	now := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("CST", -6*3600))
	s := fixedSink(t, now)

	src := "/raw/2026/03/01/samus_53fe7b00.jsonl"
	require.NoError(t, s.Write(src, parser.RejectedLine{LineNumber: 3, RawText: "{oops", Reason: "invalid JSON: x"}))
	require.NoError(t, s.Write(src, parser.RejectedLine{LineNumber: 9, RawText: "[]", Reason: "expected JSON object, got array"}))

	path := filepath.Join(s.Root(), "2026-03-02", "samus_53fe7b00.jsonl")
	recs, err := ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, Record{
		QuarantinedAt: "2026-03-02T05:30:00Z",
		SourceFile:    src,
		LineNumber:    3,
		Reason:        "invalid JSON: x",
		RawText:       "{oops",
	}, recs[0])
	assert.Equal(t, 9, recs[1].LineNumber)
}

func TestSink_PartitionsByDay(t *testing.T) {
	day1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := fixedSink(t, day1)
	rej := parser.RejectedLine{LineNumber: 1, RawText: "x", Reason: "r"}

	require.NoError(t, s.Write("/raw/a.jsonl", rej))
	s.Now = func() time.Time { return day1.Add(24 * time.Hour) }
	require.NoError(t, s.Write("/raw/a.jsonl", rej))
	require.NoError(t, s.Write("/raw/b.jsonl", rej))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.CountSince(day1.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(filepath.Join(s.Root(), "2026-03-01", "a.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Root(), "2026-03-02", "b.jsonl"))
	assert.NoError(t, err)
}

func TestSink_CountEmptyRoot(t *testing.T) {
	s := NewSink(filepath.Join(t.TempDir(), "never-created"))
	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSink_WriteFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(root, []byte("not a dir"), 0644))

	err := NewSink(root).Write("/raw/a.jsonl", parser.RejectedLine{LineNumber: 1})
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCategoryQuarantine, perrors.GetCategory(err))
}

func TestReadRecords_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"line_number\":1}\nnot json\n"), 0644))

	recs, err := ReadRecords(path)
	require.Error(t, err)
	assert.Len(t, recs, 1)
}
