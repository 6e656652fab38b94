// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("incremental", "succeeded"))
	RecordRun("incremental", "succeeded", 3*time.Second)
	after := testutil.ToFloat64(RunsTotal.WithLabelValues("incremental", "succeeded"))

	if after-before != 1 {
		t.Errorf("runs_total increased by %v, want 1", after-before)
	}
	if testutil.ToFloat64(LastSuccessTimestamp) == 0 {
		t.Error("last success timestamp should be set after a successful run")
	}
}

func TestRecordDelta(t *testing.T) {
	RecordDelta("MetricsStudents", 4, 2, 10, 50*time.Millisecond)

	tests := []struct {
		kind string
		want float64
	}{
		{"changed", 4},
		{"deleted", 2},
		{"unchanged", 10},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(DeltaRows.WithLabelValues("MetricsStudents", tt.kind)); got != tt.want {
			t.Errorf("delta_rows_total{kind=%q} = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestRecordUpload(t *testing.T) {
	okBefore := testutil.ToFloat64(Uploads.WithLabelValues("Complete", "success"))
	failBefore := testutil.ToFloat64(Uploads.WithLabelValues("Complete", "failure"))

	RecordUpload("MetricsTeachers", "Complete", 2048, nil)
	RecordUpload("MetricsTeachers", "Complete", 4096, errors.New("503"))

	if got := testutil.ToFloat64(Uploads.WithLabelValues("Complete", "success")) - okBefore; got != 1 {
		t.Errorf("successful uploads increased by %v, want 1", got)
	}
	if got := testutil.ToFloat64(Uploads.WithLabelValues("Complete", "failure")) - failBefore; got != 1 {
		t.Errorf("failed uploads increased by %v, want 1", got)
	}
	if got := testutil.ToFloat64(UploadBytes.WithLabelValues("MetricsTeachers")); got != 2048 {
		t.Errorf("upload_bytes_total = %v, want only the successful 2048", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "ecfsync_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	path := filepath.Join(t.TempDir(), "collector", "ecfsync.prom")
	if err := writeTextfile(path, reg); err != nil {
		t.Fatalf("writeTextfile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ecfsync_test_total 3") {
		t.Errorf("textfile content = %s", data)
	}
}

func TestMetricsLint(t *testing.T) {
	RecordRemoteRequest("create_job", 201, 10*time.Millisecond)
	RecordRemoteRetry("create_job")
	RecordMergeWait(time.Second)
	RecordExtract("MetricsRooms", 3, time.Millisecond)

	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer)
	if err != nil {
		t.Fatalf("GatherAndLint() error = %v", err)
	}
	for _, p := range problems {
		if strings.HasPrefix(p.Metric, namespace+"_") {
			t.Errorf("lint problem in %s: %s", p.Metric, p.Text)
		}
	}
}
