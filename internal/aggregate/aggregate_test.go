package aggregate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piper/piper/internal/envelope"
	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/store"
)

func seed(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mk := func(id, eventType, status, host, metrics string, day int) envelope.Row {
		return envelope.Row{
			EventID: id, SchemaVersion: "1.0", EventType: eventType, Status: status,
			OccurredAt:   time.Date(2026, 3, day, 10, 0, 0, 0, time.UTC),
			PipelineName: "p", HostHostname: host, HostUser: "u", SessionID: "s",
			Payload: "{}", Metrics: metrics, SourceFile: "/raw/a.jsonl", SourceLine: 1,
		}
	}
	rows := []envelope.Row{
		mk("1", "publish.asset.usd", "success", "samus", `{"duration_ms":100}`, 1),
		mk("2", "publish.asset.usd", "error", "samus", `{"duration_ms":300}`, 1),
		mk("3", "file.open", "success", "link", `{}`, 2),
		mk("4", "brand.new", "info", "link", `{"duration_ms":"slow"}`, 2),
	}
	_, err = store.InsertRows(context.Background(), s.DB(), rows)
	require.NoError(t, err)
	return s
}

func TestModels(t *testing.T) {
	models, err := Models()
	require.NoError(t, err)

	var names []string
	for _, m := range models {
		names = append(names, m.Name)
		assert.NotContains(t, m.SQL, "{{")
	}
	assert.Equal(t, []string{
		"daily_event_counts",
		"host_error_rates",
		"event_durations",
		"publish_health_daily",
		"unknown_event_types",
	}, names)
}

func TestMaterialize_All(t *testing.T) {
	s := seed(t)
	ctx := context.Background()

	built, err := Materialize(ctx, s.DB(), "")
	require.NoError(t, err)
	assert.Len(t, built, 5)

	// idempotent
	_, err = Materialize(ctx, s.DB(), "")
	require.NoError(t, err)

	var n int
	require.NoError(t, s.DB().QueryRow(
		"SELECT event_count FROM daily_event_counts WHERE event_date = '2026-03-01' AND status = 'error'",
	).Scan(&n))
	assert.Equal(t, 1, n)

	var rate float64
	require.NoError(t, s.DB().QueryRow(
		"SELECT error_rate_pct FROM host_error_rates WHERE host_hostname = 'samus'",
	).Scan(&rate))
	assert.Equal(t, 50.0, rate)

	var avg float64
	require.NoError(t, s.DB().QueryRow(
		"SELECT avg_duration_ms FROM event_durations WHERE event_type = 'publish.asset.usd'",
	).Scan(&avg))
	assert.Equal(t, 200.0, avg)

	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM event_durations").Scan(&n))
	assert.Equal(t, 1, n)

	var success float64
	require.NoError(t, s.DB().QueryRow(
		"SELECT success_rate_pct FROM publish_health_daily WHERE event_type = 'publish.asset.usd'",
	).Scan(&success))
	assert.Equal(t, 50.0, success)

	var unknown string
	require.NoError(t, s.DB().QueryRow("SELECT event_type FROM unknown_event_types").Scan(&unknown))
	assert.Equal(t, "brand.new", unknown)
}

func TestMaterialize_Only(t *testing.T) {
	s := seed(t)

	built, err := Materialize(context.Background(), s.DB(), "host_error_rates")
	require.NoError(t, err)
	assert.Equal(t, []string{"host_error_rates"}, built)

	_, err = Materialize(context.Background(), s.DB(), "nope")
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCategoryConfig, perrors.GetCategory(err))
}
