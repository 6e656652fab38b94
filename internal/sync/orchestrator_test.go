// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/ecfsync/internal/history"
	"github.com/tomtom215/ecfsync/internal/manifest"
	"github.com/tomtom215/ecfsync/internal/remote"
	"github.com/tomtom215/ecfsync/internal/remote/remotetest"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

var (
	previousStudents = ecfText("Id;Name", "1;Anna", "2;Ben")
	currentStudents  = ecfText("Id;Name", "1;Anna", "3;Carla")
)

func TestRunFirstRunUploadsComplete(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Current, currentStudents)

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Mode != ModeIncremental || res.Status != StatusSucceeded {
		t.Errorf("mode/status = %s/%s, want incremental/succeeded", res.Mode, res.Status)
	}

	uploads := f.uploads(t)
	if len(uploads) != 1 || uploads[remote.Complete] != currentStudents {
		t.Errorf("uploads = %v, want only Complete with current content", uploads)
	}
	if got := readFile(t, f.path("Students", rowstore.Previous)); got != currentStudents {
		t.Errorf("previous = %q, want %q", got, currentStudents)
	}
	if f.store.Exists("Students", rowstore.Current) {
		t.Error("current still exists after rotation")
	}
	f.assertNoDeltas(t, "Students")
	if !res.Tables[0].Complete {
		t.Error("table result not marked complete")
	}
}

func TestRunIncrementalScenario(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	uploads := f.uploads(t)
	if got, want := uploads[remote.ChangedOnly], ecfText("Id;Name", "3;Carla"); got != want {
		t.Errorf("ChangedOnly = %q, want %q", got, want)
	}
	if got, want := uploads[remote.DeletedOnly], ecfText("Id;Name", "2;Ben"); got != want {
		t.Errorf("DeletedOnly = %q, want %q", got, want)
	}
	if _, ok := uploads[remote.Complete]; ok {
		t.Error("Complete uploaded in incremental run")
	}

	tr := res.Tables[0]
	if tr.Changed != 1 || tr.Deleted != 1 || tr.Unchanged != 1 {
		t.Errorf("table result = %+v, want 1 changed, 1 deleted, 1 unchanged", tr)
	}
	if res.TableCount != 2 || res.RecordCount != 2 {
		t.Errorf("merge summary = %d tables, %d records; want 2, 2", res.TableCount, res.RecordCount)
	}

	// Rotation: previous is byte-identical to the run's current input.
	if got := readFile(t, f.path("Students", rowstore.Previous)); got != currentStudents {
		t.Errorf("previous = %q, want %q", got, currentStudents)
	}
	f.assertNoDeltas(t, "Students")
	if !strings.HasPrefix(f.reporter.last(), "success Import finished") {
		t.Errorf("last report = %q", f.reporter.last())
	}
}

func TestRunCellUpdate(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, ecfText("Id;Name", "1;Anna"))
	f.write(t, "Students", rowstore.Current, ecfText("Id;Name", "1;Anne"))

	if _, err := f.orchestrator(t).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	uploads := f.uploads(t)
	if len(uploads) != 1 || uploads[remote.ChangedOnly] != ecfText("Id;Name", "1;Anne") {
		t.Errorf("uploads = %v, want only ChangedOnly with the updated row", uploads)
	}
}

func TestRunNoChangesSkipsRemote(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)

	orch := f.orchestrator(t)
	if _, err := orch.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	calls := len(f.server.Calls())

	// Same extract again.
	f.write(t, "Students", rowstore.Current, currentStudents)
	res, err := orch.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if res.Status != StatusNoChanges {
		t.Errorf("status = %s, want no_changes", res.Status)
	}
	if tr := res.Tables[0]; tr.Changed != 0 || tr.Deleted != 0 {
		t.Errorf("table result = %+v, want no delta", tr)
	}
	if got := len(f.server.Calls()); got != calls {
		t.Errorf("remote calls after no-op run = %d, want %d", got, calls)
	}
	if got := readFile(t, f.path("Students", rowstore.Previous)); got != currentStudents {
		t.Errorf("previous = %q, want %q", got, currentStudents)
	}
	f.assertNoDeltas(t, "Students")
}

func TestRunContextChangeForcesFull(t *testing.T) {
	tests := []struct {
		name string
		ctx  manifest.Context
	}{
		{"school term", manifest.Context{SchoolTerm: "2025/26"}},
		{"valid from", manifest.Context{SchoolTerm: testTerm, ValidFrom: manifest.At(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))}},
		{"valid to", manifest.Context{SchoolTerm: testTerm, ValidTo: manifest.At(time.Date(2027, 7, 31, 0, 0, 0, 0, time.UTC))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.tracker.SaveContext(tt.ctx); err != nil {
				t.Fatal(err)
			}
			f.write(t, "Students", rowstore.Previous, currentStudents)
			f.write(t, "Students", rowstore.Current, currentStudents)
			f.write(t, "Students", rowstore.Changed, "stale")

			res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.Mode != ModeFull {
				t.Errorf("mode = %s, want full", res.Mode)
			}
			uploads := f.uploads(t)
			if len(uploads) != 1 || uploads[remote.Complete] != currentStudents {
				t.Errorf("uploads = %v, want only Complete", uploads)
			}
			if tr := res.Tables[0]; tr.Changed != 0 || tr.Unchanged != 0 {
				t.Errorf("table result = %+v, want no diff computed", tr)
			}

			saved, _ := f.tracker.LoadContext()
			if saved.SchoolTerm != testTerm || saved.ValidFrom.Valid || saved.ValidTo.Valid {
				t.Errorf("saved context = %+v, want current run context", saved)
			}
		})
	}
}

func TestRunExplicitFull(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{Full: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Mode != ModeFull {
		t.Errorf("mode = %s, want full", res.Mode)
	}
	if uploads := f.uploads(t); uploads[remote.Complete] != currentStudents {
		t.Errorf("uploads = %v, want Complete", uploads)
	}
}

func TestRunManifestDrivesJob(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.tracker.ManifestPath(), `{"validFrom": "2026-08-01", "validTo": null}`)
	f.write(t, "Students", rowstore.Current, currentStudents)

	if _, err := f.orchestrator(t).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	job := f.server.Jobs()[0].Request
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if job.SchoolTerm != testTerm || !job.ValidFrom.Time.Equal(want) || job.ValidTo.Valid {
		t.Errorf("job request = %+v", job)
	}
	if job.Provider.ID != "school-42" {
		t.Errorf("provider = %+v", job.Provider)
	}

	saved, _ := f.tracker.LoadContext()
	if !saved.ValidFrom.Equal(manifest.At(want)) {
		t.Errorf("saved validFrom = %v, want %v", saved.ValidFrom, want)
	}
}

func TestRunMergeFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)
	f.server.SetMergeOutcome(remotetest.MergeFail, "unknown class 5x")

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})

	var mergeErr *MergeError
	if !errors.As(err, &mergeErr) || mergeErr.Reason != "unknown class 5x" {
		t.Fatalf("Run() error = %v, want MergeError", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	assertRolledBack(t, f)
	if !strings.Contains(f.reporter.last(), "unknown class 5x") {
		t.Errorf("last report = %q, want merge reason", f.reporter.last())
	}

	// The next run diffs against the same baseline.
	f.server.SetMergeOutcome(remotetest.MergeSucceed, "")
	f.write(t, "Students", rowstore.Current, currentStudents)
	res, err = f.orchestrator(t).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("retry Run() error = %v", err)
	}
	if tr := res.Tables[0]; tr.Changed != 1 || tr.Deleted != 1 {
		t.Errorf("retry table result = %+v, want same delta as the failed run", tr)
	}
}

func assertRolledBack(t *testing.T, f *fixture) {
	t.Helper()
	if got := readFile(t, f.path("Students", rowstore.Previous)); got != previousStudents {
		t.Errorf("previous = %q, want unchanged %q", got, previousStudents)
	}
	if f.store.Exists("Students", rowstore.Current) {
		t.Error("current still exists after failed run")
	}
	f.assertNoDeltas(t, "Students")
}

func TestRunRequestFailures(t *testing.T) {
	tests := []struct {
		op     string
		status int
	}{
		{remotetest.OpSnapshot, http.StatusInternalServerError},
		{remotetest.OpJob, http.StatusBadRequest},
		{remotetest.OpTable, http.StatusConflict},
		{remotetest.OpUpload, http.StatusRequestEntityTooLarge},
		{remotetest.OpMerge, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			f := newFixture(t)
			f.sameContext(t)
			f.write(t, "Students", rowstore.Previous, previousStudents)
			f.write(t, "Students", rowstore.Current, currentStudents)
			f.server.FailNext(tt.op, 1, tt.status, "rejected by test")

			res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})

			var reqErr *remote.RequestError
			if !errors.As(err, &reqErr) || reqErr.StatusCode != tt.status {
				t.Fatalf("Run() error = %v, want RequestError %d", err, tt.status)
			}
			if reqErr.Message != "rejected by test" {
				t.Errorf("message = %q", reqErr.Message)
			}
			if res.Status != StatusFailed {
				t.Errorf("status = %s, want failed", res.Status)
			}
			assertRolledBack(t, f)
		})
	}
}

func TestRunSaveContextOnFailure(t *testing.T) {
	for _, save := range []bool{true, false} {
		f := newFixture(t)
		f.settings.SaveContextOnFailure = save
		if err := f.tracker.SaveContext(manifest.Context{SchoolTerm: "2025/26"}); err != nil {
			t.Fatal(err)
		}
		f.write(t, "Students", rowstore.Current, currentStudents)
		f.server.FailNext(remotetest.OpJob, 1, http.StatusBadRequest, "no")

		if _, err := f.orchestrator(t).Run(context.Background(), RunOptions{}); err == nil {
			t.Fatal("Run() succeeded")
		}
		saved, _ := f.tracker.LoadContext()
		want := "2025/26"
		if save {
			want = testTerm
		}
		if saved.SchoolTerm != want {
			t.Errorf("save=%v: saved term = %q, want %q", save, saved.SchoolTerm, want)
		}
	}
}

func TestRunCanceledDuringMerge(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)
	f.server.SetMergeOutcome(remotetest.MergeSilent, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.reporter.onStart = func(label string) {
		if label == "Merging" {
			cancel()
		}
	}

	res, err := f.orchestrator(t).Run(ctx, RunOptions{})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Run() error = %v, want ErrCanceled", err)
	}
	if res.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", res.Status)
	}
	assertRolledBack(t, f)
	if f.reporter.last() != "error Import canceled" {
		t.Errorf("last report = %q", f.reporter.last())
	}
}

func TestRunConnectionLost(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)
	f.server.SetMergeOutcome(remotetest.MergeDrop, "")

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Run() error = %v, want ErrConnectionLost", err)
	}
	if res.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", res.Status)
	}
	assertRolledBack(t, f)
}

func TestRunMergeTimeout(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.settings.MergeTimeout = 50 * time.Millisecond
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)
	f.server.SetMergeOutcome(remotetest.MergeSilent, "")

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrMergeTimeout) {
		t.Fatalf("Run() error = %v, want ErrMergeTimeout", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	assertRolledBack(t, f)
}

func TestRunNoExportTables(t *testing.T) {
	f := newFixture(t)
	f.store = rowstore.New(f.dir, nil)

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrNoExportTables) {
		t.Fatalf("Run() error = %v, want ErrNoExportTables", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if len(f.server.Calls()) != 0 || len(f.reporter.calls) != 0 {
		t.Error("precondition failure had side effects")
	}
	saved, _ := f.tracker.LoadContext()
	if saved.SchoolTerm != "" {
		t.Error("context saved on precondition failure")
	}
}

func TestRunSnapshot(t *testing.T) {
	t.Run("recent snapshot is a warning", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, "Students", rowstore.Current, currentStudents)
		f.server.SetSnapshotStatus(http.StatusTooManyRequests)

		res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.SnapshotCreated {
			t.Error("SnapshotCreated = true")
		}
		if f.server.CallCount(remotetest.OpJob) != 1 {
			t.Error("job not created after 429 snapshot")
		}
	})

	t.Run("created", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, "Students", rowstore.Current, currentStudents)

		res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !res.SnapshotCreated || f.server.Snapshots() != 1 {
			t.Errorf("SnapshotCreated = %v, snapshots = %d", res.SnapshotCreated, f.server.Snapshots())
		}
	})

	t.Run("skipped", func(t *testing.T) {
		f := newFixture(t)
		f.write(t, "Students", rowstore.Current, currentStudents)

		if _, err := f.orchestrator(t).Run(context.Background(), RunOptions{SkipSnapshot: true}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if got := f.server.CallCount(remotetest.OpSnapshot); got != 0 {
			t.Errorf("snapshot calls = %d, want 0", got)
		}
	})
}

func TestRunSmartFull(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.settings.SmartFull = true
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)

	if _, err := f.orchestrator(t).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	uploads := f.uploads(t)
	if uploads[remote.ChangedOnly] != currentStudents {
		t.Errorf("ChangedOnly = %q, want every current row", uploads[remote.ChangedOnly])
	}
	if uploads[remote.DeletedOnly] != ecfText("Id;Name", "2;Ben") {
		t.Errorf("DeletedOnly = %q", uploads[remote.DeletedOnly])
	}
}

func TestRunMultipleTables(t *testing.T) {
	teachers := rowstore.Table{Name: "Teachers", KeyHeaders: []string{"Code"}}
	f := newFixture(t, students, teachers)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, previousStudents)
	f.write(t, "Teachers", rowstore.Current, ecfText("Code;Name", "AB;Abel"))

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.Tables) != 2 || res.Tables[0].Name != "Students" || res.Tables[1].Name != "Teachers" {
		t.Fatalf("tables = %+v, want declaration order", res.Tables)
	}
	job := f.server.Jobs()[0]
	if len(job.Tables) != 1 || job.Tables[0].Request.Name != "Teachers" || job.Tables[0].Request.ContentType != remote.Complete {
		t.Errorf("uploaded tables = %+v, want only Teachers as Complete", job.Tables)
	}
	if got := readFile(t, f.path("Students", rowstore.Previous)); got != previousStudents {
		t.Errorf("unchanged table previous = %q", got)
	}
}

func TestRunColumnFilter(t *testing.T) {
	f := newFixture(t)
	f.settings.ExcludeColumns = map[string][]string{"Students": {"Secret"}}
	f.write(t, "Students", rowstore.Current, ecfText("Id;Name;Secret", "1;Anna;x"))

	res, err := f.orchestrator(t).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Tables[0].Filtered {
		t.Error("table not marked filtered")
	}
	if got := f.uploads(t)[remote.Complete]; got != ecfText("Id;Name", "1;Anna") {
		t.Errorf("uploaded = %q, want filtered columns", got)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "Students", rowstore.Current, currentStudents)
	hist := history.NewInMemory(10)

	res, err := f.orchestrator(t, WithHistory(hist)).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	last, err := history.Last(context.Background(), hist)
	if err != nil {
		t.Fatalf("Last() error = %v", err)
	}
	if last.ID != res.RunID || last.Status != string(StatusSucceeded) || last.JobID != res.JobID {
		t.Errorf("history = %+v, result = %+v", last, res)
	}
	if len(last.Tables) != 1 || last.Tables[0].ContentType != string(remote.Complete) || last.Tables[0].Uploaded != 1 {
		t.Errorf("history tables = %+v", last.Tables)
	}
}

func TestRunSuccessRemovesStaleTemporary(t *testing.T) {
	f := newFixture(t)
	f.sameContext(t)
	f.write(t, "Students", rowstore.Previous, previousStudents)
	f.write(t, "Students", rowstore.Current, currentStudents)
	f.write(t, "Students", rowstore.Temporary, ecfText("Id;Name", "9;Half written"))

	if _, err := f.orchestrator(t).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.assertNoDeltas(t, "Students")
}

func TestRunUnreadableContextIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.tracker = manifest.NewTracker("", f.tracker.ManifestPath())
	f.write(t, "Students", rowstore.Current, currentStudents)
	hist := history.NewInMemory(10)

	res, err := f.orchestrator(t, WithHistory(hist)).Run(context.Background(), RunOptions{})
	if err == nil {
		t.Fatal("Run() succeeded without a context file")
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if !strings.HasPrefix(f.reporter.last(), "error Import failed") {
		t.Errorf("last report = %q, want failure", f.reporter.last())
	}
	last, herr := history.Last(context.Background(), hist)
	if herr != nil {
		t.Fatalf("Last() error = %v", herr)
	}
	if last.ID != res.RunID || last.Status != string(StatusFailed) || last.Error == "" {
		t.Errorf("history = %+v, want the failed run", last)
	}
	if n := len(f.server.Calls()); n != 0 {
		t.Errorf("remote received %d calls, want 0", n)
	}
	if f.store.Exists("Students", rowstore.Current) {
		t.Error("current file kept after a failed run")
	}
}
