// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomtom215/ecfsync/internal/manifest"
	"github.com/tomtom215/ecfsync/internal/remote"
	"github.com/tomtom215/ecfsync/internal/remote/remotetest"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

const testTerm = "2026/27"

var students = rowstore.Table{Name: "Students", KeyHeaders: []string{"Id"}}

// ecfText joins lines into ECF text with CRLF line ends.
func ecfText(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// recorder is a progress.Reporter keeping every call.
type recorder struct {
	calls   []string
	onStart func(label string)
}

func (r *recorder) StartProgress(label string) {
	r.calls = append(r.calls, "start "+label)
	if r.onStart != nil {
		r.onStart(label)
	}
}
func (r *recorder) ContinueProgress(int)   {}
func (r *recorder) FinishProgress()        { r.calls = append(r.calls, "finish") }
func (r *recorder) CancelProgress()        { r.calls = append(r.calls, "cancel") }
func (r *recorder) Success(message string) { r.calls = append(r.calls, "success "+message) }
func (r *recorder) Error(message string)   { r.calls = append(r.calls, "error "+message) }

func (r *recorder) last() string {
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

// fixture is one state directory wired to a fake remote.
type fixture struct {
	dir      string
	store    *rowstore.Store
	tracker  *manifest.Tracker
	server   *remotetest.Server
	reporter *recorder
	settings Settings
}

func newFixture(t *testing.T, tables ...rowstore.Table) *fixture {
	t.Helper()
	if len(tables) == 0 {
		tables = []rowstore.Table{students}
	}
	dir := t.TempDir()
	srv := remotetest.New()
	t.Cleanup(srv.Close)

	return &fixture{
		dir:      dir,
		store:    rowstore.New(dir, tables),
		tracker:  manifest.NewTracker(filepath.Join(dir, "context.json"), filepath.Join(dir, "manifest.json")),
		server:   srv,
		reporter: &recorder{},
		settings: Settings{
			SchoolTerm:           testTerm,
			ProviderID:           "school-42",
			SaveContextOnFailure: true,
		},
	}
}

// orchestrator builds an Orchestrator from the fixture's current settings.
func (f *fixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	cfg := f.server.RemoteConfig()
	client, err := remote.New(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	return New(f.store, f.tracker, NewRemote(client), f.reporter, f.settings, opts...)
}

// sameContext persists a context equal to the one the next run derives, so
// the run is incremental.
func (f *fixture) sameContext(t *testing.T) {
	t.Helper()
	if err := f.tracker.SaveContext(manifest.Context{SchoolTerm: testTerm}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) path(table string, file rowstore.File) string {
	return f.store.Path(table, file)
}

func (f *fixture) write(t *testing.T, table string, file rowstore.File, content string) {
	t.Helper()
	writeFile(t, f.path(table, file), content)
}

// uploads returns content type and data of every table of the only job.
func (f *fixture) uploads(t *testing.T) map[remote.ContentType]string {
	t.Helper()
	jobs := f.server.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	out := make(map[remote.ContentType]string)
	for _, tbl := range jobs[0].Tables {
		out[tbl.Request.ContentType] = string(tbl.Data)
	}
	return out
}

func (f *fixture) assertNoDeltas(t *testing.T, table string) {
	t.Helper()
	for _, file := range []rowstore.File{rowstore.Changed, rowstore.Deleted, rowstore.Temporary} {
		if f.store.Exists(table, file) {
			t.Errorf("%s %s file still exists", table, file)
		}
	}
}
