// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package ecf

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// Delimiter separates cells.
	Delimiter = ';'
	quote     = '"'
)

var bom = []byte{0xEF, 0xBB, 0xBF}

var (
	// ErrNoHeader is returned by NewReader for an empty input.
	ErrNoHeader = errors.New("missing header row")

	// ErrFieldCount is returned for a row with more cells than headers.
	ErrFieldCount = errors.New("wrong number of fields")

	// ErrQuote is returned for a malformed quoted cell.
	ErrQuote = errors.New("malformed quoted field")
)

// ParseError reports the line a decoding error occurred on.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reader decodes ECF rows from a stream.
type Reader struct {
	br      *bufio.Reader
	closer  io.Closer
	headers *Headers
	line    int
	field   bytes.Buffer
}

// NewReader reads the header row from r.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{br: bufio.NewReaderSize(r, 64*1024)}
	if p, err := rd.br.Peek(len(bom)); err == nil && bytes.Equal(p, bom) {
		_, _ = rd.br.Discard(len(bom))
	}

	fields, err := rd.readRecord()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.String
	}
	h, err := NewHeaders(names...)
	if err != nil {
		return nil, &ParseError{Line: 1, Err: err}
	}
	rd.headers = h
	return rd, nil
}

// Open opens an ECF file. Close releases it.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// Headers returns the header row.
func (r *Reader) Headers() *Headers {
	return r.headers
}

// Read returns the next row, or io.EOF after the last one.
//
// Rows with fewer cells than headers are padded with absent values. A blank
// line in a multi-column table is skipped.
func (r *Reader) Read() (Row, error) {
	for {
		fields, err := r.readRecord()
		if err != nil {
			return Row{}, err
		}
		if len(fields) == 1 && !fields[0].Valid && r.headers.Len() > 1 {
			continue
		}
		if len(fields) > r.headers.Len() {
			return Row{}, &ParseError{Line: r.line, Err: fmt.Errorf("%w: got %d, want %d", ErrFieldCount, len(fields), r.headers.Len())}
		}
		return NewRow(r.headers, fields...), nil
	}
}

// Close closes the underlying file if the reader was created by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// readRecord reads one logical record. Quoted cells may span lines.
func (r *Reader) readRecord() ([]Value, error) {
	c, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}
	r.line++
	startLine := r.line

	var fields []Value
	for {
		v, end, err := r.readField(c, startLine)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
		if end != Delimiter {
			return fields, nil
		}
		c, err = r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return append(fields, Absent), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readField reads one cell whose first byte is c. It returns the byte that
// ended the cell: Delimiter, '\n' for a line end, or 0 at end of input.
func (r *Reader) readField(c byte, startLine int) (Value, byte, error) {
	r.field.Reset()

	if c == quote {
		if err := r.readQuoted(startLine); err != nil {
			return Absent, 0, err
		}
		v := V(r.field.String())
		next, err := r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return v, 0, nil
		}
		if err != nil {
			return Absent, 0, err
		}
		switch next {
		case Delimiter:
			return v, Delimiter, nil
		case '\r', '\n':
			r.consumeLF(next)
			return v, '\n', nil
		}
		return Absent, 0, &ParseError{Line: r.line, Err: fmt.Errorf("%w: unexpected %q after closing quote", ErrQuote, next)}
	}

	for {
		switch c {
		case Delimiter:
			return r.unquoted(), Delimiter, nil
		case '\r', '\n':
			r.consumeLF(c)
			return r.unquoted(), '\n', nil
		}
		r.field.WriteByte(c)

		var err error
		c, err = r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return r.unquoted(), 0, nil
		}
		if err != nil {
			return Absent, 0, err
		}
	}
}

func (r *Reader) unquoted() Value {
	if r.field.Len() == 0 {
		return Absent
	}
	return V(r.field.String())
}

// readQuoted reads up to and including the closing quote.
func (r *Reader) readQuoted(startLine int) error {
	for {
		c, err := r.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return &ParseError{Line: startLine, Err: fmt.Errorf("%w: unterminated quote", ErrQuote)}
		}
		if err != nil {
			return err
		}
		if c == '\n' {
			r.line++
		}
		if c != quote {
			r.field.WriteByte(c)
			continue
		}
		next, err := r.br.Peek(1)
		if err == nil && next[0] == quote {
			_, _ = r.br.Discard(1)
			r.field.WriteByte(quote)
			continue
		}
		return nil
	}
}

func (r *Reader) consumeLF(c byte) {
	if c != '\r' {
		return
	}
	if next, err := r.br.Peek(1); err == nil && next[0] == '\n' {
		_, _ = r.br.Discard(1)
	}
}

// Writer encodes ECF rows. Rows are projected onto the writer's header row
// by name, so rows read with a different header layout can be written.
type Writer struct {
	bw      *bufio.Writer
	closer  io.Closer
	headers *Headers
	count   int
}

// NewWriter writes the header row to w.
func NewWriter(w io.Writer, h *Headers) (*Writer, error) {
	wr := &Writer{bw: bufio.NewWriterSize(w, 64*1024), headers: h}
	names := make([]Value, h.Len())
	for i, n := range h.names {
		names[i] = V(n)
	}
	if err := wr.writeValues(names); err != nil {
		return nil, err
	}
	return wr, nil
}

// Create creates or truncates path and writes the header row. Close flushes it.
func Create(path string, h *Headers) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, h)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Headers returns the header row written first.
func (w *Writer) Headers() *Headers {
	return w.headers
}

// Write encodes one row.
func (w *Writer) Write(row Row) error {
	if row.headers == w.headers {
		return w.writeRow(row.values)
	}
	values := make([]Value, w.headers.Len())
	for i, n := range w.headers.names {
		values[i] = row.Get(n)
	}
	return w.writeRow(values)
}

// Count returns the number of data rows written.
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) writeRow(values []Value) error {
	if err := w.writeValues(values); err != nil {
		return err
	}
	w.count++
	return nil
}

func (w *Writer) writeValues(values []Value) error {
	for i, v := range values {
		if i > 0 {
			if err := w.bw.WriteByte(Delimiter); err != nil {
				return err
			}
		}
		if err := w.writeValue(v); err != nil {
			return err
		}
	}
	_, err := w.bw.WriteString("\r\n")
	return err
}

func (w *Writer) writeValue(v Value) error {
	if !v.Valid {
		return nil
	}
	if !needsQuotes(v.String) {
		_, err := w.bw.WriteString(v.String)
		return err
	}
	if err := w.bw.WriteByte(quote); err != nil {
		return err
	}
	if _, err := w.bw.WriteString(strings.ReplaceAll(v.String, `"`, `""`)); err != nil {
		return err
	}
	return w.bw.WriteByte(quote)
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Close flushes and, for writers made by Create, closes the file.
func (w *Writer) Close() error {
	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func needsQuotes(s string) bool {
	if s == "" {
		return true
	}
	if strings.ContainsAny(s, ";\"\r\n") {
		return true
	}
	first, _ := utf8.DecodeRuneInString(s)
	last, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(first) || unicode.IsSpace(last)
}
