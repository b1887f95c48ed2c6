// Package doctor runs health checks against the warehouse.
//
// Every check is safe on an empty warehouse: it reports fail or warn with a
// message rather than returning an error. Errors are reserved for the
// database being unusable.
package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/piper/piper/internal/envelope"
	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/manifest"
)

// Status is a check outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Result is the outcome of one check.
type Result struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Thresholds.
const (
	FreshnessWarnAfter = 48 * time.Hour
	FreshnessFailAfter = 96 * time.Hour
	VolumeWindow       = 7 * 24 * time.Hour
	VolumeFloor        = 10
	InvalidRateWarn    = 2.0
	InvalidRateFail    = 10.0
	SkewWarnDays       = 1
	SkewFailDays       = 7
)

type check struct {
	name string
	fn   func(ctx context.Context) (Result, error)
}

// Doctor runs checks over the events and manifest tables.
type Doctor struct {
	db       *sql.DB
	manifest *manifest.Manifest

	// Now defaults to time.Now.
	Now func() time.Time
}

// New creates a doctor over db.
func New(db *sql.DB) *Doctor {
	return &Doctor{db: db, manifest: manifest.New(db), Now: time.Now}
}

func (d *Doctor) checks() []check {
	return []check{
		{"freshness", d.checkFreshness},
		{"volume", d.checkVolume},
		{"invalid_rate", d.checkInvalidRate},
		{"clock_skew", d.checkClockSkew},
		{"unknown_event_types", d.checkUnknownTypes},
	}
}

// CheckNames lists the checks in run order.
func (d *Doctor) CheckNames() []string {
	var names []string
	for _, c := range d.checks() {
		names = append(names, c.name)
	}
	return names
}

// Run runs every check, or only the named one.
func (d *Doctor) Run(ctx context.Context, only string) ([]Result, error) {
	var selected []check
	for _, c := range d.checks() {
		if only == "" || c.name == only {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return nil, perrors.NewConfigError(
			fmt.Sprintf("unknown check %q, known: %s", only, strings.Join(d.CheckNames(), ", ")), nil)
	}

	results := make([]Result, 0, len(selected))
	for _, c := range selected {
		r, err := c.fn(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// ExitCode maps results to 0 (all pass), 1 (warnings) or 2 (any failure).
func ExitCode(results []Result) int {
	code := 0
	for _, r := range results {
		switch r.Status {
		case StatusFail:
			return 2
		case StatusWarn:
			code = 1
		}
	}
	return code
}

func queryErr(what string, err error) error {
	return perrors.NewStoreError(perrors.CodeQueryFailed, "doctor: failed to "+what, err)
}

func (d *Doctor) checkFreshness(ctx context.Context) (Result, error) {
	var latest sql.NullString
	if err := d.db.QueryRowContext(ctx, "SELECT MAX(occurred_at_utc) FROM events").Scan(&latest); err != nil {
		return Result{}, queryErr("read latest event", err)
	}
	if !latest.Valid {
		return Result{Name: "freshness", Status: StatusFail,
			Message: "no events in the warehouse",
			Hint:    "run `piper ingest` to pull the latest telemetry"}, nil
	}
	ts, err := envelope.ParseTimestamp(latest.String)
	if err != nil {
		return Result{}, queryErr("parse latest event time", err)
	}

	age := d.Now().Sub(ts)
	hours := age.Hours()
	switch {
	case age <= FreshnessWarnAfter:
		return Result{Name: "freshness", Status: StatusPass,
			Message: fmt.Sprintf("most recent event %.1f h ago", hours)}, nil
	case age <= FreshnessFailAfter:
		return Result{Name: "freshness", Status: StatusWarn,
			Message: fmt.Sprintf("most recent event %.1f h ago (threshold: 48 h)", hours),
			Hint:    "run `piper ingest`, the pipeline may have missed recent files"}, nil
	default:
		return Result{Name: "freshness", Status: StatusFail,
			Message: fmt.Sprintf("most recent event %.1f h ago (threshold: 96 h)", hours),
			Hint:    "check raw_root and run `piper ingest`"}, nil
	}
}

func (d *Doctor) checkVolume(ctx context.Context) (Result, error) {
	cutoff := d.Now().Add(-VolumeWindow).UTC().Format(envelope.TimestampLayout)
	var n int
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE occurred_at_utc >= ?", cutoff,
	).Scan(&n); err != nil {
		return Result{}, queryErr("count recent events", err)
	}

	switch {
	case n >= VolumeFloor:
		return Result{Name: "volume", Status: StatusPass,
			Message: fmt.Sprintf("%d events in the last 7 days", n)}, nil
	case n > 0:
		return Result{Name: "volume", Status: StatusWarn,
			Message: fmt.Sprintf("only %d events in the last 7 days (floor: %d)", n, VolumeFloor),
			Hint:    "confirm the pipeline is running and raw_root is correct"}, nil
	default:
		return Result{Name: "volume", Status: StatusFail,
			Message: "0 events in the last 7 days",
			Hint:    "confirm the pipeline is running and run `piper ingest`"}, nil
	}
}

func (d *Doctor) checkInvalidRate(ctx context.Context) (Result, error) {
	totals, err := d.manifest.Totals(ctx)
	if err != nil {
		return Result{}, err
	}
	lines := totals.Accepted + totals.Rejected
	if lines == 0 {
		return Result{Name: "invalid_rate", Status: StatusPass,
			Message: "no lines processed yet, skipping"}, nil
	}

	rate := 100 * totals.InvalidRate()
	switch {
	case rate <= InvalidRateWarn:
		return Result{Name: "invalid_rate", Status: StatusPass,
			Message: fmt.Sprintf("%.1f%% of lines quarantined (%d/%d)", rate, totals.Rejected, lines)}, nil
	case rate <= InvalidRateFail:
		return Result{Name: "invalid_rate", Status: StatusWarn,
			Message: fmt.Sprintf("%.1f%% of lines quarantined (warn threshold: 2%%)", rate),
			Hint:    "inspect quarantine/invalid_jsonl for malformed records"}, nil
	default:
		return Result{Name: "invalid_rate", Status: StatusFail,
			Message: fmt.Sprintf("%.1f%% of lines quarantined (fail threshold: 10%%)", rate),
			Hint:    "investigate the upstream producer emitting malformed JSONL"}, nil
	}
}

const skewCountSQL = `
SELECT COUNT(*) FROM events
WHERE ABS(julianday(ingested_at_utc) - julianday(occurred_at_utc)) > ?`

func (d *Doctor) checkClockSkew(ctx context.Context) (Result, error) {
	var nFail, nWarn int
	if err := d.db.QueryRowContext(ctx, skewCountSQL, SkewFailDays).Scan(&nFail); err != nil {
		return Result{}, queryErr("count skewed events", err)
	}
	if nFail > 0 {
		return Result{Name: "clock_skew", Status: StatusFail,
			Message: fmt.Sprintf("%d event(s) with clock skew > 7 days", nFail),
			Hint:    "check host clock synchronisation on field machines"}, nil
	}
	if err := d.db.QueryRowContext(ctx, skewCountSQL, SkewWarnDays).Scan(&nWarn); err != nil {
		return Result{}, queryErr("count skewed events", err)
	}
	if nWarn > 0 {
		return Result{Name: "clock_skew", Status: StatusWarn,
			Message: fmt.Sprintf("%d event(s) with clock skew > 1 day", nWarn),
			Hint:    "check host clock synchronisation on field machines"}, nil
	}
	return Result{Name: "clock_skew", Status: StatusPass, Message: "no clock-skew anomalies detected"}, nil
}

func (d *Doctor) checkUnknownTypes(ctx context.Context) (Result, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT event_type, COUNT(*) FROM events GROUP BY event_type")
	if err != nil {
		return Result{}, queryErr("count event types", err)
	}
	defer rows.Close()

	var (
		unknown []string
		events  int
	)
	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return Result{}, queryErr("scan event types", err)
		}
		if !envelope.IsKnownEventType(t) {
			unknown = append(unknown, t)
			events += n
		}
	}
	if err := rows.Err(); err != nil {
		return Result{}, queryErr("count event types", err)
	}

	if len(unknown) == 0 {
		return Result{Name: "unknown_event_types", Status: StatusPass, Message: "all event types are known"}, nil
	}
	sort.Strings(unknown)
	return Result{Name: "unknown_event_types", Status: StatusWarn,
		Message: fmt.Sprintf("%d event(s) of %d unknown type(s): %s", events, len(unknown), strings.Join(unknown, ", ")),
		Hint:    "a producer is emitting new event types, update the known type list"}, nil
}
