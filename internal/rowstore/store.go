// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package rowstore owns the on-disk lifecycle of ECF table files.
//
// Every configured table has up to five files in the state directory, named
// by suffix on the table name:
//
//	Students.csv           current extract of this run
//	Students.csv.previous  last extract accepted by the remote system
//	Students.csv.changed   changed-or-new rows of this run
//	Students.csv.deleted   deleted rows of this run
//	Students.csv.tmp       scratch file of a column filter rewrite
//
// The Store is the only component that creates, moves or deletes these
// files. It does no locking: one process per state directory.
package rowstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tomtom215/ecfsync/internal/ecf"
	"github.com/tomtom215/ecfsync/internal/logging"
)

// ErrTableNotConfigured is returned for a table name the Store does not know.
var ErrTableNotConfigured = errors.New("table not configured")

// File identifies one lifecycle file of a table.
type File int

const (
	Current File = iota
	Previous
	Changed
	Deleted
	Temporary
)

var suffixes = [...]string{
	Current:   ".csv",
	Previous:  ".csv.previous",
	Changed:   ".csv.changed",
	Deleted:   ".csv.deleted",
	Temporary: ".csv.tmp",
}

var fileNames = [...]string{
	Current:   "current",
	Previous:  "previous",
	Changed:   "changed",
	Deleted:   "deleted",
	Temporary: "temporary",
}

// Suffix returns the file name suffix appended to the table name.
func (f File) Suffix() string {
	return suffixes[f]
}

func (f File) String() string {
	if f < 0 || int(f) >= len(fileNames) {
		return fmt.Sprintf("File(%d)", int(f))
	}
	return fileNames[f]
}

// Table is one configured ECF table.
type Table struct {
	Name       string
	KeyHeaders []string
}

// Store manages table files in one directory.
type Store struct {
	dir    string
	tables []Table
	byName map[string]int
}

// New returns a Store for the given tables in declaration order.
func New(dir string, tables []Table) *Store {
	s := &Store{
		dir:    dir,
		tables: make([]Table, len(tables)),
		byName: make(map[string]int, len(tables)),
	}
	copy(s.tables, tables)
	for i, t := range tables {
		s.byName[t.Name] = i
	}
	return s
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Len returns the number of configured tables.
func (s *Store) Len() int {
	return len(s.tables)
}

// Table looks up a configured table.
func (s *Store) Table(name string) (Table, error) {
	i, ok := s.byName[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrTableNotConfigured, name)
	}
	return s.tables[i], nil
}

// ForEachTable calls fn for every table in declaration order and stops at
// the first error.
func (s *Store) ForEachTable(fn func(Table) error) error {
	for _, t := range s.tables {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the path of one lifecycle file.
func (s *Store) Path(table string, f File) string {
	return filepath.Join(s.dir, table+f.Suffix())
}

// Exists reports whether the file is present.
func (s *Store) Exists(table string, f File) bool {
	info, err := os.Stat(s.Path(table, f))
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the file. A missing file is not an error.
func (s *Store) Delete(table string, f File) error {
	err := os.Remove(s.Path(table, f))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s file of %s: %w", f, table, err)
	}
	return nil
}

// Move renames one lifecycle file to another, replacing the target.
func (s *Store) Move(table string, from, to File) error {
	if err := os.Rename(s.Path(table, from), s.Path(table, to)); err != nil {
		return fmt.Errorf("move %s file of %s to %s: %w", from, table, to, err)
	}
	logging.Debug().Str("table", table).Stringer("from", from).Stringer("to", to).Msg("Moved table file")
	return nil
}

// DeleteAll removes the given files of a table, attempting every file and
// returning all errors joined.
func (s *Store) DeleteAll(table string, files ...File) error {
	var errs []error
	for _, f := range files {
		if err := s.Delete(table, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open opens a lifecycle file for reading.
func (s *Store) Open(table string, f File) (*ecf.Reader, error) {
	r, err := ecf.Open(s.Path(table, f))
	if err != nil {
		return nil, fmt.Errorf("open %s file of %s: %w", f, table, err)
	}
	return r, nil
}

// Create creates or truncates a lifecycle file and writes its header row.
func (s *Store) Create(table string, f File, h *ecf.Headers) (*ecf.Writer, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	w, err := ecf.Create(s.Path(table, f), h)
	if err != nil {
		return nil, fmt.Errorf("create %s file of %s: %w", f, table, err)
	}
	return w, nil
}

// TableState is a snapshot of which lifecycle files exist.
type TableState struct {
	Table     Table
	Current   bool
	Previous  bool
	Changed   bool
	Deleted   bool
	Temporary bool
}

// State reports the lifecycle files present for a table.
func (s *Store) State(t Table) TableState {
	return TableState{
		Table:     t,
		Current:   s.Exists(t.Name, Current),
		Previous:  s.Exists(t.Name, Previous),
		Changed:   s.Exists(t.Name, Changed),
		Deleted:   s.Exists(t.Name, Deleted),
		Temporary: s.Exists(t.Name, Temporary),
	}
}

// FilterColumns removes columns from the current file of a table. The rows
// are rewritten into the temporary file, which replaces the current file on
// success and is discarded on failure. It reports whether a rewrite happened.
func (s *Store) FilterColumns(table string, exclude []string) (rewritten bool, err error) {
	t, err := s.Table(table)
	if err != nil {
		return false, err
	}
	if len(exclude) == 0 {
		return false, nil
	}

	r, err := s.Open(table, Current)
	if err != nil {
		return false, err
	}
	defer r.Close()

	kept, positions := r.Headers().Without(exclude)
	if kept.Len() == r.Headers().Len() {
		return false, nil
	}
	if err := kept.Require(t.KeyHeaders); err != nil {
		return false, fmt.Errorf("filter %s: %w", table, err)
	}

	w, err := s.Create(table, Temporary, kept)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = w.Close()
			_ = s.Delete(table, Temporary)
		}
	}()

	values := make([]ecf.Value, len(positions))
	for {
		row, rerr := r.Read()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return false, fmt.Errorf("filter %s: %w", table, rerr)
		}
		src := row.Values()
		for i, p := range positions {
			values[i] = src[p]
		}
		if err = w.Write(ecf.NewRow(kept, values...)); err != nil {
			return false, fmt.Errorf("filter %s: %w", table, err)
		}
	}
	if err = w.Close(); err != nil {
		return false, fmt.Errorf("filter %s: %w", table, err)
	}
	_ = r.Close()
	if err = s.Move(table, Temporary, Current); err != nil {
		return false, err
	}

	logging.Debug().Str("table", table).Int("rows", w.Count()).Strs("excluded", exclude).Msg("Filtered table columns")
	return true, nil
}
