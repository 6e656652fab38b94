// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package metrics defines the Prometheus instrumentation of ecfsync.
//
// ecfsync is a batch job, so metrics are not scraped. After a run the default
// registry is written to a node_exporter textfile collector file when
// metrics.textfile is configured.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ecfsync"

var (
	// Run Metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of import runs by mode and final status",
		},
		[]string{"mode", "status"}, // mode: full, incremental; status: succeeded, no_changes, failed, canceled
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of import runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	LastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful import run",
		},
	)

	// Diff Metrics
	DeltaRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_rows_total",
			Help:      "Rows classified by the diff engine",
		},
		[]string{"table", "kind"}, // kind: changed, deleted, unchanged
	)

	DiffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "diff_duration_seconds",
			Help:      "Duration of delta generation per table",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// Extraction Metrics
	ExtractRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_rows_total",
			Help:      "Rows written by the extraction pipeline",
		},
		[]string{"table"},
	)

	ExtractDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extract_duration_seconds",
			Help:      "Duration of table extraction",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	// Remote Metrics
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "Duration of remote API requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "status_code"},
	)

	RemoteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_retries_total",
			Help:      "Remote requests retried after a transient failure",
		},
		[]string{"operation"},
	)

	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Table uploads by content type and result",
		},
		[]string{"content_type", "result"},
	)

	UploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes of ECF data uploaded",
		},
		[]string{"table"},
	)

	MergeWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_wait_seconds",
			Help:      "Time spent waiting for the remote merge outcome",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_requests_total",
			Help:      "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// RecordRun records the outcome of one import run.
func RecordRun(mode, status string, duration time.Duration) {
	RunsTotal.WithLabelValues(mode, status).Inc()
	RunDuration.Observe(duration.Seconds())
	if status == "succeeded" || status == "no_changes" {
		LastSuccessTimestamp.SetToCurrentTime()
	}
}

// RecordDelta records the diff result of one table.
func RecordDelta(table string, changed, deleted, unchanged int, duration time.Duration) {
	DeltaRows.WithLabelValues(table, "changed").Add(float64(changed))
	DeltaRows.WithLabelValues(table, "deleted").Add(float64(deleted))
	DeltaRows.WithLabelValues(table, "unchanged").Add(float64(unchanged))
	DiffDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordExtract records one extracted table.
func RecordExtract(table string, rows int, duration time.Duration) {
	ExtractRows.WithLabelValues(table).Add(float64(rows))
	ExtractDuration.WithLabelValues(table).Observe(duration.Seconds())
}

// RecordRemoteRequest records one remote request attempt. A zero status code
// means no response was received.
func RecordRemoteRequest(operation string, statusCode int, duration time.Duration) {
	RemoteRequestDuration.WithLabelValues(operation, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordRemoteRetry records a retried remote request.
func RecordRemoteRetry(operation string) {
	RemoteRetries.WithLabelValues(operation).Inc()
}

// RecordUpload records one table upload.
func RecordUpload(table, contentType string, bytes int64, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	} else {
		UploadBytes.WithLabelValues(table).Add(float64(bytes))
	}
	Uploads.WithLabelValues(contentType, result).Inc()
}

// RecordMergeWait records the time spent waiting for a merge outcome.
func RecordMergeWait(duration time.Duration) {
	MergeWaitDuration.Observe(duration.Seconds())
}

// WriteTextfile writes the default registry to path in the text exposition
// format, creating the parent directory.
func WriteTextfile(path string) error {
	return writeTextfile(path, prometheus.DefaultGatherer)
}

func writeTextfile(path string, g prometheus.Gatherer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
