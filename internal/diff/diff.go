// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package diff computes per-table deltas between two ECF snapshots.
//
// Rows are paired by primary key only. The key of a row is the plain
// concatenation of its key header values in declared order (see ecf.Row.Key).
// A current row is "changed" when its key is new or any non-key cell differs
// from the previous row with that key; an absent cell differs from an empty
// string. Previous rows whose key is missing from the current snapshot are
// "deleted". Rows keep source order; the diff is a filter, not a sort.
package diff

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tomtom215/ecfsync/internal/ecf"
)

// cancelCheckInterval is how many rows are processed between context checks.
const cancelCheckInterval = 1024

// RowReader is a finite stream of rows sharing one header row.
type RowReader interface {
	Headers() *ecf.Headers
	Read() (ecf.Row, error)
}

// RowWriter receives emitted rows.
type RowWriter interface {
	Write(row ecf.Row) error
}

// Index holds a snapshot keyed by primary key.
type Index struct {
	keyHeaders []string
	headers    *ecf.Headers
	rows       []ecf.Row
	byKey      map[string]int
}

// BuildIndex reads every row of r. For duplicate keys the first row is used
// for comparison; all rows still take part in deletion.
func BuildIndex(ctx context.Context, r RowReader, keyHeaders []string) (*Index, error) {
	if err := r.Headers().Require(keyHeaders); err != nil {
		return nil, err
	}
	idx := &Index{
		keyHeaders: keyHeaders,
		headers:    r.Headers(),
		byKey:      make(map[string]int),
	}
	err := each(ctx, r, func(row ecf.Row) error {
		key := row.Key(keyHeaders)
		if _, dup := idx.byKey[key]; !dup {
			idx.byKey[key] = len(idx.rows)
		}
		idx.rows = append(idx.rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Len returns the number of indexed rows.
func (x *Index) Len() int {
	return len(x.rows)
}

// Headers returns the header row of the indexed snapshot.
func (x *Index) Headers() *ecf.Headers {
	return x.headers
}

// Lookup returns the row with the given key.
func (x *Index) Lookup(key string) (ecf.Row, bool) {
	i, ok := x.byKey[key]
	if !ok {
		return ecf.Row{}, false
	}
	return x.rows[i], true
}

// KeySet is the set of keys seen in a snapshot.
type KeySet map[string]struct{}

// ChangedOrNew streams current, writes every new or modified row to w and
// returns the emitted and suppressed counts together with the current key set.
// With all set, every row is emitted without comparison.
func ChangedOrNew(ctx context.Context, prev *Index, current RowReader, w RowWriter, all bool) (emitted, unchanged int, keys KeySet, err error) {
	if err := current.Headers().Require(prev.keyHeaders); err != nil {
		return 0, 0, nil, err
	}
	cmp := newComparer(current.Headers(), prev.headers, prev.keyHeaders)
	keys = make(KeySet, prev.Len())

	err = each(ctx, current, func(row ecf.Row) error {
		key := row.Key(prev.keyHeaders)
		keys[key] = struct{}{}
		if !all {
			if old, ok := prev.Lookup(key); ok && cmp.equal(row, old) {
				unchanged++
				return nil
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
		emitted++
		return nil
	})
	if err != nil {
		return 0, 0, nil, err
	}
	return emitted, unchanged, keys, nil
}

// DeletedOnly writes every previous row whose key is not in current to w, in
// previous order and with its previous content.
func DeletedOnly(ctx context.Context, prev *Index, current KeySet, w RowWriter) (int, error) {
	deleted := 0
	for i, row := range prev.rows {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return deleted, err
			}
		}
		if _, ok := current[row.Key(prev.keyHeaders)]; ok {
			continue
		}
		if err := w.Write(row); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// CollectKeys reads the key set of a snapshot.
func CollectKeys(ctx context.Context, r RowReader, keyHeaders []string) (KeySet, error) {
	if err := r.Headers().Require(keyHeaders); err != nil {
		return nil, err
	}
	keys := make(KeySet)
	err := each(ctx, r, func(row ecf.Row) error {
		keys[row.Key(keyHeaders)] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// comparer checks non-key cells of a current row against a previous row.
// Columns are those of the current snapshot; a column the previous snapshot
// lacks compares as absent.
type comparer struct {
	cur     []int
	prev    []int
	curOnly []int
}

func newComparer(cur, prev *ecf.Headers, keyHeaders []string) *comparer {
	isKey := make(map[string]struct{}, len(keyHeaders))
	for _, k := range keyHeaders {
		isKey[k] = struct{}{}
	}
	c := &comparer{}
	for i := 0; i < cur.Len(); i++ {
		name := cur.Name(i)
		if _, ok := isKey[name]; ok {
			continue
		}
		if j, ok := prev.Index(name); ok {
			c.cur = append(c.cur, i)
			c.prev = append(c.prev, j)
		} else {
			c.curOnly = append(c.curOnly, i)
		}
	}
	return c
}

func (c *comparer) equal(cur, prev ecf.Row) bool {
	cv, pv := cur.Values(), prev.Values()
	for n, i := range c.cur {
		if !cv[i].Equal(pv[c.prev[n]]) {
			return false
		}
	}
	for _, i := range c.curOnly {
		if cv[i].Valid {
			return false
		}
	}
	return true
}

func each(ctx context.Context, r RowReader, fn func(ecf.Row) error) error {
	for n := 0; ; n++ {
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}
