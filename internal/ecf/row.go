// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package ecf implements the ECF row model and its text encoding.
//
// An ECF table is a header row followed by data rows. Every cell is an
// optional string: a cell may be absent, which is distinct from an empty
// string. Values are never coerced or trimmed.
//
//	r, err := ecf.Open("Students.csv")
//	if err != nil {
//	    return err
//	}
//	defer r.Close()
//	for {
//	    row, err := r.Read()
//	    if errors.Is(err, io.EOF) {
//	        break
//	    }
//	    ...
//	}
package ecf

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingKeyHeader is returned when a declared key header is not in the header row.
	ErrMissingKeyHeader = errors.New("key header not in header row")

	// ErrDuplicateHeader is returned when a header row names a column twice.
	ErrDuplicateHeader = errors.New("duplicate header")

	// ErrEmptyHeader is returned for a header row with an empty or absent name.
	ErrEmptyHeader = errors.New("empty header name")
)

// Value is a single optional cell.
type Value struct {
	String string
	Valid  bool
}

// V returns a present value.
func V(s string) Value {
	return Value{String: s, Valid: true}
}

// Absent is the value of a cell that was not written.
var Absent = Value{}

// Equal reports exact equality. Absent differs from the empty string.
func (v Value) Equal(o Value) bool {
	return v.Valid == o.Valid && v.String == o.String
}

func (v Value) GoString() string {
	if !v.Valid {
		return "<absent>"
	}
	return fmt.Sprintf("%q", v.String)
}

// Headers is an immutable, ordered header row.
type Headers struct {
	names []string
	index map[string]int
}

// NewHeaders builds a header row. Names must be non-empty and unique.
func NewHeaders(names ...string) (*Headers, error) {
	h := &Headers{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		if n == "" {
			return nil, fmt.Errorf("column %d: %w", i+1, ErrEmptyHeader)
		}
		if _, dup := h.index[n]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHeader, n)
		}
		h.names[i] = n
		h.index[n] = i
	}
	return h, nil
}

// MustHeaders is NewHeaders for literals; it panics on invalid names.
func MustHeaders(names ...string) *Headers {
	h, err := NewHeaders(names...)
	if err != nil {
		panic(err)
	}
	return h
}

// Names returns a copy of the header names in order.
func (h *Headers) Names() []string {
	out := make([]string, len(h.names))
	copy(out, h.names)
	return out
}

// Len returns the number of columns.
func (h *Headers) Len() int {
	return len(h.names)
}

// Index returns the column position of name.
func (h *Headers) Index(name string) (int, bool) {
	i, ok := h.index[name]
	return i, ok
}

// Name returns the header at position i.
func (h *Headers) Name(i int) string {
	return h.names[i]
}

// Require checks that every name is a header.
func (h *Headers) Require(names []string) error {
	var missing []string
	for _, n := range names {
		if _, ok := h.index[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKeyHeader, strings.Join(missing, ", "))
	}
	return nil
}

// Without returns a header row without the given names and the positions kept.
func (h *Headers) Without(exclude []string) (*Headers, []int) {
	drop := make(map[string]struct{}, len(exclude))
	for _, n := range exclude {
		drop[n] = struct{}{}
	}
	kept := make([]string, 0, len(h.names))
	positions := make([]int, 0, len(h.names))
	for i, n := range h.names {
		if _, ok := drop[n]; ok {
			continue
		}
		kept = append(kept, n)
		positions = append(positions, i)
	}
	// Names are a subset of a valid header row.
	out, _ := NewHeaders(kept...)
	return out, positions
}

// Row is one data row bound to its table's header row.
type Row struct {
	headers *Headers
	values  []Value
}

// NewRow binds values to headers. Missing trailing values are absent and
// surplus values are dropped.
func NewRow(h *Headers, values ...Value) Row {
	v := make([]Value, h.Len())
	copy(v, values)
	return Row{headers: h, values: v}
}

// Headers returns the header row the row belongs to.
func (r Row) Headers() *Headers {
	return r.headers
}

// Values returns the cells in header order. The slice is shared with the row.
func (r Row) Values() []Value {
	return r.values
}

// Get returns the cell for name, or Absent when the table has no such column.
func (r Row) Get(name string) Value {
	if r.headers == nil {
		return Absent
	}
	if i, ok := r.headers.index[name]; ok {
		return r.values[i]
	}
	return Absent
}

// Set replaces the cell for name. It reports false for an unknown column.
func (r Row) Set(name string, v Value) bool {
	i, ok := r.headers.Index(name)
	if !ok {
		return false
	}
	r.values[i] = v
	return true
}

// Key concatenates the key header values in order; absent cells contribute
// nothing. Keys ("12","3") and ("1","23") are indistinguishable.
func (r Row) Key(keyHeaders []string) string {
	if len(keyHeaders) == 1 {
		return r.Get(keyHeaders[0]).String
	}
	var b strings.Builder
	for _, k := range keyHeaders {
		b.WriteString(r.Get(k).String)
	}
	return b.String()
}
