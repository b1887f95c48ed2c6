// Package envelope validates decoded telemetry objects against the versioned
// event envelope and flattens accepted events into store rows.
package envelope

import "time"

// Status is the outcome reported by the producer.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
	StatusInfo    Status = "info"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusWarning, StatusInfo:
		return true
	}
	return false
}

// Envelope is a validated telemetry event.
type Envelope struct {
	SchemaVersion string
	EventID       string
	EventType     string
	OccurredAt    time.Time
	Status        Status
	Pipeline      Pipeline
	Host          Host
	Session       Session
	Scope         Scope
	Error         *ErrorInfo
	Payload       map[string]any
	Metrics       map[string]any
}

// Pipeline identifies the emitting pipeline.
type Pipeline struct {
	Name string
	DCC  *string
}

// Host identifies the machine and user that emitted the event.
type Host struct {
	Hostname  string
	User      string
	OS        *string
	OSRelease *string
	PID       *int64
}

// Session groups events from one tool session.
type Session struct {
	SessionID string
	ActionID  *string
}

// Scope is the production context. Every field is optional.
type Scope struct {
	Show       *string
	Sequence   *string
	Shot       *string
	Asset      *string
	Department *string
	Task       *string
}

// ErrorInfo carries failure detail for error events.
type ErrorInfo struct {
	Code    *string
	Message *string
}
