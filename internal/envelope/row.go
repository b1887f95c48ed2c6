package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is how timestamps are stored: UTC with microseconds, so
// stored values sort lexically in time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// Columns lists the events columns in the order Row.Values returns them.
var Columns = []string{
	"event_id",
	"schema_version",
	"event_type",
	"occurred_at_utc",
	"status",
	"pipeline_name",
	"pipeline_dcc",
	"host_hostname",
	"host_user",
	"host_os",
	"session_id",
	"action_id",
	"scope_show",
	"scope_sequence",
	"scope_shot",
	"scope_asset",
	"scope_department",
	"scope_task",
	"error_code",
	"error_message",
	"payload",
	"metrics",
	"source_file",
	"source_line",
}

// Row is one flattened event ready for the store.
type Row struct {
	EventID         string
	SchemaVersion   string
	EventType       string
	OccurredAt      time.Time
	Status          string
	PipelineName    string
	PipelineDCC     *string
	HostHostname    string
	HostUser        string
	HostOS          *string
	SessionID       string
	ActionID        *string
	ScopeShow       *string
	ScopeSequence   *string
	ScopeShot       *string
	ScopeAsset      *string
	ScopeDepartment *string
	ScopeTask       *string
	ErrorCode       *string
	ErrorMessage    *string
	Payload         string
	Metrics         string
	SourceFile      string
	SourceLine      int
}

// NewRow flattens env and attaches source lineage.
func NewRow(env *Envelope, sourceFile string, sourceLine int) (Row, error) {
	payload, err := CanonicalJSON(env.Payload)
	if err != nil {
		return Row{}, fmt.Errorf("envelope: failed to encode payload: %w", err)
	}
	metrics, err := CanonicalJSON(env.Metrics)
	if err != nil {
		return Row{}, fmt.Errorf("envelope: failed to encode metrics: %w", err)
	}

	row := Row{
		EventID:         env.EventID,
		SchemaVersion:   env.SchemaVersion,
		EventType:       env.EventType,
		OccurredAt:      env.OccurredAt.UTC(),
		Status:          string(env.Status),
		PipelineName:    env.Pipeline.Name,
		PipelineDCC:     env.Pipeline.DCC,
		HostHostname:    env.Host.Hostname,
		HostUser:        env.Host.User,
		HostOS:          env.Host.OS,
		SessionID:       env.Session.SessionID,
		ActionID:        env.Session.ActionID,
		ScopeShow:       env.Scope.Show,
		ScopeSequence:   env.Scope.Sequence,
		ScopeShot:       env.Scope.Shot,
		ScopeAsset:      env.Scope.Asset,
		ScopeDepartment: env.Scope.Department,
		ScopeTask:       env.Scope.Task,
		Payload:         payload,
		Metrics:         metrics,
		SourceFile:      sourceFile,
		SourceLine:      sourceLine,
	}
	if env.Error != nil {
		row.ErrorCode = env.Error.Code
		row.ErrorMessage = env.Error.Message
	}
	return row, nil
}

// Values returns the row's column values in Columns order. Absent optional
// fields are nil so they store as NULL.
func (r Row) Values() []any {
	return []any{
		r.EventID,
		r.SchemaVersion,
		r.EventType,
		r.OccurredAt.UTC().Format(TimestampLayout),
		r.Status,
		r.PipelineName,
		nullable(r.PipelineDCC),
		r.HostHostname,
		r.HostUser,
		nullable(r.HostOS),
		r.SessionID,
		nullable(r.ActionID),
		nullable(r.ScopeShow),
		nullable(r.ScopeSequence),
		nullable(r.ScopeShot),
		nullable(r.ScopeAsset),
		nullable(r.ScopeDepartment),
		nullable(r.ScopeTask),
		nullable(r.ErrorCode),
		nullable(r.ErrorMessage),
		r.Payload,
		r.Metrics,
		r.SourceFile,
		r.SourceLine,
	}
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// CanonicalJSON encodes v compactly with sorted object keys and without
// HTML escaping. A nil map encodes as {}.
func CanonicalJSON(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
