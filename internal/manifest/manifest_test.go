// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) Time {
	return At(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

func TestLoadMissingFilesSoftFail(t *testing.T) {
	dir := t.TempDir()
	tr := NewTracker(filepath.Join(dir, "context.json"), filepath.Join(dir, "manifest.json"))

	c, err := tr.LoadContext()
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if c != (Context{}) {
		t.Errorf("LoadContext() = %+v, want zero value", c)
	}

	m, err := tr.LoadManifest()
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if m.ValidFrom.Valid || m.ValidTo.Valid {
		t.Errorf("LoadManifest() = %+v, want null timestamps", m)
	}
}

func TestLoadMalformedContextYieldsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "context.json")
	if err := os.WriteFile(path, []byte(`{"schoolTerm": "2026", "validFrom": 42`), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := NewTracker(path, "").LoadContext()
	if err != nil {
		t.Fatalf("LoadContext() error = %v", err)
	}
	if c != (Context{}) {
		t.Errorf("LoadContext() = %+v, want zero value", c)
	}
}

func TestSaveContextRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "context.json")
	tr := NewTracker(path, "")

	want := Context{
		SchoolTerm: "2026/27-1",
		ValidFrom:  date(2026, time.August, 1),
	}
	if err := tr.SaveContext(want); err != nil {
		t.Fatalf("SaveContext() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"validTo": null`) {
		t.Errorf("context file should store null validTo, got %s", data)
	}

	got, err := tr.LoadContext()
	if err != nil {
		t.Fatal(err)
	}
	if Changed(want, got) {
		t.Errorf("LoadContext() = %+v, want %+v", got, want)
	}

	// Overwrite unconditionally.
	want.SchoolTerm = "2026/27-2"
	if err := tr.SaveContext(want); err != nil {
		t.Fatal(err)
	}
	got, _ = tr.LoadContext()
	if got.SchoolTerm != "2026/27-2" {
		t.Errorf("SchoolTerm = %q after overwrite", got.SchoolTerm)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the context file in its directory, found %d entries", len(entries))
	}
}

func TestLoadManifestFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	content := `{"validFrom": "2026-08-01", "validTo": "2027-07-31T23:59:59+02:00"}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := NewTracker("", path).LoadManifest()
	if err != nil {
		t.Fatal(err)
	}
	if !m.ValidFrom.Equal(date(2026, time.August, 1)) {
		t.Errorf("ValidFrom = %v", m.ValidFrom)
	}
	wantTo := At(time.Date(2027, time.July, 31, 21, 59, 59, 0, time.UTC))
	if !m.ValidTo.Equal(wantTo) {
		t.Errorf("ValidTo = %v, want %v", m.ValidTo, wantTo)
	}
}

func TestChanged(t *testing.T) {
	base := Context{
		SchoolTerm: "2026/27-1",
		ValidFrom:  date(2026, time.August, 1),
		ValidTo:    date(2027, time.July, 31),
	}

	tests := []struct {
		name   string
		modify func(c *Context)
		want   bool
	}{
		{"identical", func(*Context) {}, false},
		{"school term", func(c *Context) { c.SchoolTerm = "2026/27-2" }, true},
		{"valid from", func(c *Context) { c.ValidFrom = date(2026, time.September, 1) }, true},
		{"valid to null", func(c *Context) { c.ValidTo = Time{} }, true},
		{"same instant other zone", func(c *Context) {
			c.ValidFrom = At(time.Date(2026, time.August, 1, 2, 0, 0, 0, time.FixedZone("CEST", 2*3600)))
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := base
			tt.modify(&cur)
			if got := Changed(base, cur); got != tt.want {
				t.Errorf("Changed() = %v, want %v", got, tt.want)
			}
		})
	}

	if Changed(Context{}, FromManifest("", Manifest{})) {
		t.Error("zero context and empty manifest must compare equal")
	}
}
