// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package manifest persists the run context and reads the extraction manifest.
//
// The manifest is written by the upstream extraction step and carries the
// validity window of the extracted data. The context is this pipeline's memory
// of the last run: the school term and the validity window it ran with. When
// the two disagree a full resync is required.
//
// Both files are small JSON documents:
//
//	{"schoolTerm": "2026/27-1", "validFrom": "2026-08-01T00:00:00Z", "validTo": null}
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/ecfsync/internal/logging"
)

// Time is an optional timestamp. The zero value is null.
type Time struct {
	Time  time.Time
	Valid bool
}

// At returns a present timestamp.
func At(t time.Time) Time {
	return Time{Time: t, Valid: true}
}

// Equal reports whether both are null or both denote the same instant.
func (t Time) Equal(o Time) bool {
	if t.Valid != o.Valid {
		return false
	}
	return !t.Valid || t.Time.Equal(o.Time)
}

func (t Time) String() string {
	if !t.Valid {
		return "null"
	}
	return t.Time.Format(time.RFC3339)
}

// MarshalJSON encodes null or an RFC 3339 string.
func (t Time) MarshalJSON() ([]byte, error) {
	if !t.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts null, an RFC 3339 timestamp or a plain date.
func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*t = Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	if s == "" {
		*t = Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = At(parsed)
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// Manifest is the validity metadata of one extraction.
type Manifest struct {
	ValidFrom Time `json:"validFrom"`
	ValidTo   Time `json:"validTo"`
}

// Context is the persisted state of the previous run.
type Context struct {
	SchoolTerm string `json:"schoolTerm"`
	ValidFrom  Time   `json:"validFrom"`
	ValidTo    Time   `json:"validTo"`
}

// FromManifest derives the context of the current run.
func FromManifest(schoolTerm string, m Manifest) Context {
	return Context{
		SchoolTerm: schoolTerm,
		ValidFrom:  m.ValidFrom,
		ValidTo:    m.ValidTo,
	}
}

// Changed reports whether any field differs. Null versus a value is a change.
func Changed(prev, cur Context) bool {
	return prev.SchoolTerm != cur.SchoolTerm ||
		!prev.ValidFrom.Equal(cur.ValidFrom) ||
		!prev.ValidTo.Equal(cur.ValidTo)
}

// Tracker reads and writes the context and manifest files.
type Tracker struct {
	contextPath  string
	manifestPath string
}

// NewTracker returns a Tracker for the given file paths.
func NewTracker(contextPath, manifestPath string) *Tracker {
	return &Tracker{contextPath: contextPath, manifestPath: manifestPath}
}

// ContextPath returns the context file path.
func (t *Tracker) ContextPath() string {
	return t.contextPath
}

// ManifestPath returns the manifest file path.
func (t *Tracker) ManifestPath() string {
	return t.manifestPath
}

// LoadContext returns the persisted context. A missing file yields the zero
// Context, the expected state of a first run. An unreadable or malformed file
// is logged and also yields the zero Context, which forces a full resync.
func (t *Tracker) LoadContext() (Context, error) {
	return loadSoft[Context](t.contextPath, "context")
}

// LoadManifest returns the manifest, or the zero Manifest when none was supplied.
func (t *Tracker) LoadManifest() (Manifest, error) {
	return loadSoft[Manifest](t.manifestPath, "manifest")
}

// SaveContext overwrites the context file, creating parent directories.
// The file is written to a sibling and renamed into place.
func (t *Tracker) SaveContext(c Context) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	dir := filepath.Dir(t.contextPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create context directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(t.contextPath)+".*")
	if err != nil {
		return fmt.Errorf("save context: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("save context: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save context: %w", err)
	}
	if err := os.Rename(tmpName, t.contextPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save context: %w", err)
	}
	return nil
}

// loadSoft decodes path into a T. Only an empty path is an error.
func loadSoft[T any](path, what string) (T, error) {
	var v T
	if path == "" {
		return v, fmt.Errorf("no %s file configured", what)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Debug().Str("path", path).Msgf("No %s file, using defaults", what)
		return v, nil
	}
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msgf("Cannot read %s file, using defaults", what)
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		logging.Warn().Err(err).Str("path", path).Msgf("Malformed %s file, using defaults", what)
		var zero T
		return zero, nil
	}
	return v, nil
}
