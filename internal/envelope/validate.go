package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	perrors "github.com/piper/piper/internal/errors"
	"github.com/piper/piper/internal/parser"
)

// DefaultClockSkewTolerance is how far past the wall clock an event may be
// timestamped before it is rejected.
const DefaultClockSkewTolerance = time.Hour

// Sentinels for errors.Is. Every *FieldError matches exactly one of them.
var (
	ErrMissingField = perrors.NewValidationError(perrors.CodeMissingField, "missing required field")
	ErrInvalidField = perrors.NewValidationError(perrors.CodeInvalidField, "invalid field")
	ErrClockSkew    = perrors.NewValidationError(perrors.CodeClockSkew, "clock skew")
)

// FieldError is a validation failure on one envelope field.
type FieldError struct {
	Code  string
	Field string
	Msg   string
	Cause error
}

func (e *FieldError) Error() string {
	switch e.Code {
	case perrors.CodeMissingField:
		return fmt.Sprintf("missing required field %q", e.Field)
	case perrors.CodeClockSkew:
		return fmt.Sprintf("clock skew on %q: %s", e.Field, e.Msg)
	default:
		return fmt.Sprintf("invalid value for %q: %s", e.Field, e.Msg)
	}
}

// Unwrap exposes the categorized error and the underlying cause, so both
// errors.Is(err, ErrInvalidField) and errors.Is(err, cause) hold.
func (e *FieldError) Unwrap() []error {
	errs := []error{perrors.NewValidationError(e.Code, e.Msg)}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func missing(field string) error {
	return &FieldError{Code: perrors.CodeMissingField, Field: field, Msg: "field required"}
}

func invalid(field, format string, args ...any) error {
	return &FieldError{Code: perrors.CodeInvalidField, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validator checks decoded objects against the envelope schema.
type Validator struct {
	tolerance time.Duration
}

// NewValidator creates a validator with the given clock-skew tolerance.
func NewValidator(tolerance time.Duration) *Validator {
	return &Validator{tolerance: tolerance}
}

// Validate decodes raw into an Envelope. Fields are checked in declaration
// order and only the first failure is returned. Unknown fields are ignored.
func (v *Validator) Validate(raw map[string]any, now time.Time) (*Envelope, error) {
	version, err := requiredString(raw, "schema_version", "schema_version")
	if err != nil {
		return nil, err
	}
	major, _, _ := strings.Cut(version, ".")
	decode, ok := decoders[major]
	if !ok {
		// Newer producers keep flowing: decode with the latest known field
		// set and store schema_version as sent.
		decode = decoders[latestMajor]
	}
	return decode(v, raw, version, now)
}

// decoders maps a schema_version major to the decoder for its field set.
var decoders = map[string]func(*Validator, map[string]any, string, time.Time) (*Envelope, error){
	"1": (*Validator).validateV1,
}

const latestMajor = "1"

func (v *Validator) validateV1(raw map[string]any, version string, now time.Time) (*Envelope, error) {
	env := &Envelope{SchemaVersion: version}
	var err error

	if env.EventID, err = requiredString(raw, "event_id", "event_id"); err != nil {
		return nil, err
	}
	if env.EventID == "" {
		return nil, invalid("event_id", "must not be empty")
	}
	if env.EventType, err = requiredString(raw, "event_type", "event_type"); err != nil {
		return nil, err
	}

	ts, err := requiredString(raw, "occurred_at_utc", "occurred_at_utc")
	if err != nil {
		return nil, err
	}
	if env.OccurredAt, err = ParseTimestamp(ts); err != nil {
		return nil, &FieldError{Code: perrors.CodeInvalidField, Field: "occurred_at_utc", Msg: err.Error(), Cause: err}
	}

	status, err := requiredString(raw, "status", "status")
	if err != nil {
		return nil, err
	}
	env.Status = Status(status)
	if !env.Status.Valid() {
		return nil, invalid("status", "expected one of success, error, warning, info, got %q", status)
	}

	if err := decodePipeline(raw, &env.Pipeline); err != nil {
		return nil, err
	}
	if err := decodeHost(raw, &env.Host); err != nil {
		return nil, err
	}
	if err := decodeSession(raw, &env.Session); err != nil {
		return nil, err
	}

	if env.Payload, err = optionalMap(raw, "payload"); err != nil {
		return nil, err
	}
	if env.Metrics, err = optionalMap(raw, "metrics"); err != nil {
		return nil, err
	}
	if err := decodeScope(raw, &env.Scope); err != nil {
		return nil, err
	}
	if env.Error, err = decodeError(raw); err != nil {
		return nil, err
	}

	if limit := now.Add(v.tolerance); env.OccurredAt.After(limit) {
		return nil, &FieldError{
			Code:  perrors.CodeClockSkew,
			Field: "occurred_at_utc",
			Msg: fmt.Sprintf("event timestamp is %s ahead of wall clock (tolerance %s)",
				env.OccurredAt.Sub(now), v.tolerance),
		}
	}

	return env, nil
}

func decodePipeline(raw map[string]any, p *Pipeline) error {
	obj, err := requiredObject(raw, "pipeline", "pipeline")
	if err != nil {
		return err
	}
	if p.Name, err = requiredString(obj, "name", "pipeline.name"); err != nil {
		return err
	}
	p.DCC, err = optionalString(obj, "dcc", "pipeline.dcc")
	return err
}

func decodeHost(raw map[string]any, h *Host) error {
	obj, err := requiredObject(raw, "host", "host")
	if err != nil {
		return err
	}
	if h.Hostname, err = requiredString(obj, "hostname", "host.hostname"); err != nil {
		return err
	}
	if h.User, err = requiredString(obj, "user", "host.user"); err != nil {
		return err
	}
	if h.OS, err = optionalString(obj, "os", "host.os"); err != nil {
		return err
	}
	if h.OSRelease, err = optionalString(obj, "os_release", "host.os_release"); err != nil {
		return err
	}
	h.PID, err = optionalInt(obj, "pid", "host.pid")
	return err
}

func decodeSession(raw map[string]any, s *Session) error {
	obj, err := requiredObject(raw, "session", "session")
	if err != nil {
		return err
	}
	if s.SessionID, err = requiredString(obj, "session_id", "session.session_id"); err != nil {
		return err
	}
	s.ActionID, err = optionalString(obj, "action_id", "session.action_id")
	return err
}

func decodeScope(raw map[string]any, s *Scope) error {
	val, ok := raw["scope"]
	if !ok || val == nil {
		return nil
	}
	obj, ok := val.(map[string]any)
	if !ok {
		return invalid("scope", "expected object, got %s", parser.TypeName(val))
	}

	fields := []struct {
		key string
		dst **string
	}{
		{"show", &s.Show},
		{"sequence", &s.Sequence},
		{"shot", &s.Shot},
		{"asset", &s.Asset},
		{"department", &s.Department},
		{"task", &s.Task},
	}
	for _, f := range fields {
		var err error
		if *f.dst, err = optionalString(obj, f.key, "scope."+f.key); err != nil {
			return err
		}
	}
	return nil
}

func decodeError(raw map[string]any) (*ErrorInfo, error) {
	val, ok := raw["error"]
	if !ok || val == nil {
		return nil, nil
	}
	obj, ok := val.(map[string]any)
	if !ok {
		return nil, invalid("error", "expected object or null, got %s", parser.TypeName(val))
	}
	info := &ErrorInfo{}
	var err error
	if info.Code, err = optionalString(obj, "code", "error.code"); err != nil {
		return nil, err
	}
	if info.Message, err = optionalString(obj, "message", "error.message"); err != nil {
		return nil, err
	}
	return info, nil
}

func requiredString(obj map[string]any, key, field string) (string, error) {
	val, ok := obj[key]
	if !ok {
		return "", missing(field)
	}
	s, ok := val.(string)
	if !ok {
		return "", invalid(field, "expected string, got %s", parser.TypeName(val))
	}
	return s, nil
}

func optionalString(obj map[string]any, key, field string) (*string, error) {
	val, ok := obj[key]
	if !ok || val == nil {
		return nil, nil
	}
	s, ok := val.(string)
	if !ok {
		return nil, invalid(field, "expected string, got %s", parser.TypeName(val))
	}
	return &s, nil
}

func optionalInt(obj map[string]any, key, field string) (*int64, error) {
	val, ok := obj[key]
	if !ok || val == nil {
		return nil, nil
	}
	var n int64
	switch x := val.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			n = i
			break
		}
		f, err := x.Float64()
		if err != nil || !wholeInt64(f) {
			return nil, invalid(field, "expected integer, got %s", x)
		}
		n = int64(f)
	case float64:
		if !wholeInt64(x) {
			return nil, invalid(field, "expected integer, got %v", x)
		}
		n = int64(x)
	default:
		return nil, invalid(field, "expected integer, got %s", parser.TypeName(val))
	}
	return &n, nil
}

// wholeInt64 reports whether f has no fractional part and fits in an int64.
func wholeInt64(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64
}

func requiredObject(obj map[string]any, key, field string) (map[string]any, error) {
	val, ok := obj[key]
	if !ok {
		return nil, missing(field)
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, invalid(field, "expected object, got %s", parser.TypeName(val))
	}
	return m, nil
}

func optionalMap(obj map[string]any, key string) (map[string]any, error) {
	val, ok := obj[key]
	if !ok {
		return map[string]any{}, nil
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, invalid(key, "expected object, got %s", parser.TypeName(val))
	}
	return m, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
}

// ParseTimestamp parses an RFC 3339 timestamp with an explicit offset and
// returns it in UTC. A space may separate date and time.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp with offset, got %q", s)
}
