// Package metrics provides Prometheus metrics for piper runs.
//
// piper is a batch tool, so metrics are not scraped; a run writes its
// registry to a node-exporter textfile when one is configured.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "piper"

// Metrics holds the run metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	FilesTotal       *prometheus.CounterVec
	LinesTotal       *prometheus.CounterVec
	UnknownTypes     prometheus.Counter
	FileDuration     prometheus.Histogram
	RunDuration      prometheus.Gauge
	LastRunTimestamp *prometheus.GaugeVec
	ExportedRows     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a metrics set on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Source files seen by ingest, by outcome",
		},
		[]string{"outcome"}, // "processed", "skipped", "failed"
	)

	m.LinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Non-blank source lines, by outcome",
		},
		[]string{"outcome"}, // "accepted", "duplicate", "quarantined"
	)

	m.UnknownTypes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_event_types_total",
			Help:      "Accepted events whose event_type is not a known v1 type",
		},
	)

	m.FileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_duration_seconds",
			Help:      "Time to ingest one source file",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	m.RunDuration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run",
		},
	)

	m.LastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished, by command and result",
		},
		[]string{"command", "result"},
	)

	m.ExportedRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exported_rows",
			Help:      "Rows written by the last Parquet export",
		},
	)

	m.registry.MustRegister(
		m.FilesTotal,
		m.LinesTotal,
		m.UnknownTypes,
		m.FileDuration,
		m.RunDuration,
		m.LastRunTimestamp,
		m.ExportedRows,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFile counts one file with the given outcome.
func (m *Metrics) RecordFile(outcome string) {
	if m != nil {
		m.FilesTotal.WithLabelValues(outcome).Inc()
	}
}

// RecordLines adds n lines with the given outcome.
func (m *Metrics) RecordLines(outcome string, n int) {
	if m != nil && n > 0 {
		m.LinesTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordUnknownTypes adds n events of unknown type.
func (m *Metrics) RecordUnknownTypes(n int) {
	if m != nil && n > 0 {
		m.UnknownTypes.Add(float64(n))
	}
}

// RecordFileDuration observes the time spent on one file.
func (m *Metrics) RecordFileDuration(d time.Duration) {
	if m != nil {
		m.FileDuration.Observe(d.Seconds())
	}
}

// RecordRun records the end of a command run.
func (m *Metrics) RecordRun(command string, ok bool, d time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	m.RunDuration.Set(d.Seconds())
	m.LastRunTimestamp.WithLabelValues(command, result).Set(float64(finished.Unix()))
}

// SetExportedRows records the size of the last export.
func (m *Metrics) SetExportedRows(n int64) {
	if m != nil {
		m.ExportedRows.Set(float64(n))
	}
}

// WriteTextfile writes the registry to path in the text exposition format.
// The write is atomic so a concurrent node-exporter never sees a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("metrics: failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("metrics: failed to write %s: %w", path, err)
	}
	return nil
}
