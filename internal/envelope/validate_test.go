package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/piper/piper/internal/errors"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// baseEvent mirrors a real playblast.create event.
func baseEvent() map[string]any {
	return map[string]any{
		"schema_version":  "1.0",
		"event_id":        "bfc41fdd-0000-0000-0000-000000000000",
		"event_type":      "playblast.create",
		"occurred_at_utc": "2026-03-01T10:00:00Z",
		"status":          "success",
		"pipeline":        map[string]any{"name": "sandwich-pipeline", "dcc": "maya"},
		"host":            map[string]any{"hostname": "samus.cs.byu.edu", "user": "rees23"},
		"session":         map[string]any{"session_id": "53fe7b00"},
	}
}

func validate(t *testing.T, raw map[string]any) (*Envelope, error) {
	t.Helper()
	return NewValidator(DefaultClockSkewTolerance).Validate(raw, testNow)
}

func TestValidate_HappyPath(t *testing.T) {
	env, err := validate(t, baseEvent())
	require.NoError(t, err)

	assert.Equal(t, "playblast.create", env.EventType)
	assert.Equal(t, StatusSuccess, env.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), env.OccurredAt)
	assert.Equal(t, "maya", *env.Pipeline.DCC)
	assert.Empty(t, env.Payload)
	assert.NotNil(t, env.Payload)
	assert.Empty(t, env.Metrics)
	assert.Nil(t, env.Scope.Shot)
	assert.Nil(t, env.Error)
	assert.Nil(t, env.Host.PID)
}

func TestValidate_FullEvent(t *testing.T) {
	raw := baseEvent()
	raw["host"] = map[string]any{
		"hostname": "samus", "user": "rees23", "os": "Linux",
		"os_release": "5.14.0", "pid": json.Number("648681"),
	}
	raw["session"] = map[string]any{"session_id": "s1", "action_id": "a1"}
	raw["scope"] = map[string]any{"show": "skwondo", "shot": "0010_0020", "task": nil}
	raw["status"] = "error"
	raw["error"] = map[string]any{"code": "E42", "message": "boom"}
	raw["payload"] = map[string]any{"frame_start": json.Number("1001")}
	raw["occurred_at_utc"] = "2026-03-01T04:00:00-06:00"

	env, err := validate(t, raw)
	require.NoError(t, err)
	assert.EqualValues(t, 648681, *env.Host.PID)
	assert.Equal(t, "a1", *env.Session.ActionID)
	assert.Equal(t, "skwondo", *env.Scope.Show)
	assert.Nil(t, env.Scope.Task)
	assert.Equal(t, "E42", *env.Error.Code)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), env.OccurredAt)
}

func TestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(map[string]any)
	}{
		{"schema_version", func(m map[string]any) { delete(m, "schema_version") }},
		{"event_id", func(m map[string]any) { delete(m, "event_id") }},
		{"event_type", func(m map[string]any) { delete(m, "event_type") }},
		{"occurred_at_utc", func(m map[string]any) { delete(m, "occurred_at_utc") }},
		{"status", func(m map[string]any) { delete(m, "status") }},
		{"pipeline", func(m map[string]any) { delete(m, "pipeline") }},
		{"pipeline.name", func(m map[string]any) { m["pipeline"] = map[string]any{"dcc": "maya"} }},
		{"host", func(m map[string]any) { delete(m, "host") }},
		{"host.hostname", func(m map[string]any) { m["host"] = map[string]any{"user": "u"} }},
		{"host.user", func(m map[string]any) { m["host"] = map[string]any{"hostname": "h"} }},
		{"session", func(m map[string]any) { delete(m, "session") }},
		{"session.session_id", func(m map[string]any) { m["session"] = map[string]any{} }},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			raw := baseEvent()
			tt.mutate(raw)
			_, err := validate(t, raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMissingField)
			assert.NotErrorIs(t, err, ErrInvalidField)

			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
			assert.True(t, perrors.IsDataQuality(err))
		})
	}
}

func TestValidate_InvalidFields(t *testing.T) {
	tests := []struct {
		name   string
		field  string
		mutate func(map[string]any)
	}{
		{"unknown status", "status", func(m map[string]any) { m["status"] = "ok" }},
		{"numeric event id", "event_id", func(m map[string]any) { m["event_id"] = json.Number("7") }},
		{"empty event id", "event_id", func(m map[string]any) { m["event_id"] = "" }},
		{"naive timestamp", "occurred_at_utc", func(m map[string]any) { m["occurred_at_utc"] = "2026-03-01T10:00:00" }},
		{"garbage timestamp", "occurred_at_utc", func(m map[string]any) { m["occurred_at_utc"] = "yesterday" }},
		{"pipeline not object", "pipeline", func(m map[string]any) { m["pipeline"] = "sandwich" }},
		{"dcc wrong type", "pipeline.dcc", func(m map[string]any) { m["pipeline"] = map[string]any{"name": "p", "dcc": true} }},
		{"fractional pid", "host.pid", func(m map[string]any) {
			m["host"] = map[string]any{"hostname": "h", "user": "u", "pid": json.Number("1.5")}
		}},
		{"string pid", "host.pid", func(m map[string]any) {
			m["host"] = map[string]any{"hostname": "h", "user": "u", "pid": "123"}
		}},
		{"payload array", "payload", func(m map[string]any) { m["payload"] = []any{} }},
		{"payload null", "payload", func(m map[string]any) { m["payload"] = nil }},
		{"metrics string", "metrics", func(m map[string]any) { m["metrics"] = "fast" }},
		{"scope string", "scope", func(m map[string]any) { m["scope"] = "shot" }},
		{"scope shot number", "scope.shot", func(m map[string]any) { m["scope"] = map[string]any{"shot": json.Number("10")} }},
		{"error string", "error", func(m map[string]any) { m["error"] = "bad" }},
		{"pid out of range", "host.pid", func(m map[string]any) {
			m["host"] = map[string]any{"hostname": "h", "user": "u", "pid": json.Number("1e30")}
		}},
		{"schema version number", "schema_version", func(m map[string]any) { m["schema_version"] = json.Number("1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := baseEvent()
			tt.mutate(raw)
			_, err := validate(t, raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidField)

			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestValidate_FirstFailureWins(t *testing.T) {
	raw := baseEvent()
	raw["status"] = "bogus"
	delete(raw, "host")

	_, err := validate(t, raw)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "status", fe.Field)
}

func TestValidate_TimestampCause(t *testing.T) {
	raw := baseEvent()
	raw["occurred_at_utc"] = "not-a-time"
	_, err := validate(t, raw)

	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	require.Error(t, fe.Cause)
	assert.True(t, errors.Is(err, fe.Cause))
}

func TestValidate_ClockSkewBoundary(t *testing.T) {
	tests := []struct {
		name     string
		occurred time.Time
		skewed   bool
	}{
		{"past", testNow.Add(-24 * time.Hour), false},
		{"exactly at tolerance", testNow.Add(time.Hour), false},
		{"one second past tolerance", testNow.Add(time.Hour + time.Second), true},
		{"far future", testNow.Add(48 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := baseEvent()
			raw["occurred_at_utc"] = tt.occurred.Format(time.RFC3339)
			_, err := validate(t, raw)
			if tt.skewed {
				assert.ErrorIs(t, err, ErrClockSkew)
				assert.NotErrorIs(t, err, ErrInvalidField)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_ConfigurableTolerance(t *testing.T) {
	raw := baseEvent()
	raw["occurred_at_utc"] = testNow.Add(30 * time.Minute).Format(time.RFC3339)

	_, err := NewValidator(10*time.Minute).Validate(raw, testNow)
	assert.ErrorIs(t, err, ErrClockSkew)
	_, err = NewValidator(time.Hour).Validate(raw, testNow)
	assert.NoError(t, err)
}

func TestValidate_ForwardCompatibility(t *testing.T) {
	raw := baseEvent()
	raw["event_type"] = "brand.new.event"
	raw["future_field"] = map[string]any{"x": json.Number("1")}
	raw["host"].(map[string]any)["gpu"] = "rtx"
	raw["schema_version"] = "1.7"

	env, err := validate(t, raw)
	require.NoError(t, err)
	assert.Equal(t, "brand.new.event", env.EventType)
	assert.Equal(t, "1.7", env.SchemaVersion)
	assert.False(t, IsKnownEventType(env.EventType))
}

func TestValidate_NewerSchemaMajor(t *testing.T) {
	for _, version := range []string{"2.0", "3", "0.9"} {
		t.Run(version, func(t *testing.T) {
			raw := baseEvent()
			raw["schema_version"] = version
			env, err := validate(t, raw)
			require.NoError(t, err)
			assert.Equal(t, version, env.SchemaVersion)
			assert.Equal(t, "playblast.create", env.EventType)
		})
	}
}

func TestValidate_WholeFloatPID(t *testing.T) {
	tests := []struct {
		pid  any
		want int64
	}{
		{json.Number("1.0"), 1},
		{json.Number("1e3"), 1000},
		{json.Number("-4.0"), -4},
		{float64(77), 77},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.pid), func(t *testing.T) {
			raw := baseEvent()
			raw["host"] = map[string]any{"hostname": "h", "user": "u", "pid": tt.pid}
			env, err := validate(t, raw)
			require.NoError(t, err)
			require.NotNil(t, env.Host.PID)
			assert.Equal(t, tt.want, *env.Host.PID)
		})
	}
}

func TestValidate_NullOptionalScalars(t *testing.T) {
	raw := baseEvent()
	raw["pipeline"] = map[string]any{"name": "p", "dcc": nil}
	raw["error"] = nil
	raw["scope"] = nil

	env, err := validate(t, raw)
	require.NoError(t, err)
	assert.Nil(t, env.Pipeline.DCC)
	assert.Nil(t, env.Error)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 2, 41, 55, 123456000, time.UTC)
	for _, s := range []string{
		"2026-03-01T02:41:55.123456Z",
		"2026-03-01T02:41:55.123456+00:00",
		"2026-03-01 02:41:55.123456Z",
		"2026-02-28T20:41:55.123456-06:00",
	} {
		got, err := ParseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
		assert.Equal(t, time.UTC, got.Location())
	}
}

func TestKnownEventTypes(t *testing.T) {
	types := KnownEventTypes()
	assert.Len(t, types, 18)
	assert.True(t, IsKnownEventType("playblast.create"))
	assert.True(t, IsKnownEventType("storage.scan.bucket"))
	assert.False(t, IsKnownEventType("playblast"))
	assert.IsIncreasing(t, types)
}
