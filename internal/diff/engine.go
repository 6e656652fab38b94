// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package diff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/ecfsync/internal/ecf"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

// ErrNoPrevious is returned when a table has no previous snapshot to diff against.
var ErrNoPrevious = errors.New("no previous snapshot")

// Result summarizes the deltas generated for one table.
type Result struct {
	Table     string
	Changed   int
	Deleted   int
	Unchanged int
	SmartFull bool
	Duration  time.Duration
}

// HasWork reports whether any delta file was written.
func (r Result) HasWork() bool {
	return r.Changed > 0 || r.Deleted > 0
}

// Engine writes delta files into a row store.
type Engine struct {
	store *rowstore.Store
}

// NewEngine returns an Engine for store.
func NewEngine(store *rowstore.Store) *Engine {
	return &Engine{store: store}
}

// Generate writes the changed-only and deleted-only files of a table in one
// pass over each snapshot. With smartFull every current row is written as
// changed while deletions are computed normally. Empty delta files are removed.
func (e *Engine) Generate(ctx context.Context, table rowstore.Table, smartFull bool) (Result, error) {
	start := time.Now()
	res := Result{Table: table.Name, SmartFull: smartFull}

	prev, err := e.loadPrevious(ctx, table)
	if err != nil {
		return res, err
	}

	changed, unchanged, keys, err := e.writeChanged(ctx, table, prev, smartFull)
	if err != nil {
		return res, err
	}
	res.Changed, res.Unchanged = changed, unchanged

	deleted, err := e.writeDeleted(ctx, table, prev, keys)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted
	res.Duration = time.Since(start)

	logging.Ctx(ctx).Debug().
		Str("table", table.Name).
		Int("changed", res.Changed).
		Int("deleted", res.Deleted).
		Int("unchanged", res.Unchanged).
		Bool("smart_full", smartFull).
		Dur("duration", res.Duration).
		Msg("Delta generated")
	return res, nil
}

// GenerateChangedOrNew writes only the changed-only file and returns its row count.
func (e *Engine) GenerateChangedOrNew(ctx context.Context, table rowstore.Table) (int, error) {
	prev, err := e.loadPrevious(ctx, table)
	if err != nil {
		return 0, err
	}
	n, _, _, err := e.writeChanged(ctx, table, prev, false)
	return n, err
}

// GenerateDeletedOnly writes only the deleted-only file and returns its row count.
func (e *Engine) GenerateDeletedOnly(ctx context.Context, table rowstore.Table) (int, error) {
	prev, err := e.loadPrevious(ctx, table)
	if err != nil {
		return 0, err
	}

	cur, err := e.store.Open(table.Name, rowstore.Current)
	if err != nil {
		return 0, err
	}
	keys, err := CollectKeys(ctx, cur, table.KeyHeaders)
	_ = cur.Close()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", table.Name, err)
	}

	return e.writeDeleted(ctx, table, prev, keys)
}

func (e *Engine) loadPrevious(ctx context.Context, table rowstore.Table) (*Index, error) {
	if !e.store.Exists(table.Name, rowstore.Previous) {
		return nil, fmt.Errorf("%s: %w", table.Name, ErrNoPrevious)
	}
	r, err := e.store.Open(table.Name, rowstore.Previous)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	idx, err := BuildIndex(ctx, r, table.KeyHeaders)
	if err != nil {
		return nil, fmt.Errorf("index previous %s: %w", table.Name, err)
	}
	return idx, nil
}

func (e *Engine) writeChanged(ctx context.Context, table rowstore.Table, prev *Index, all bool) (int, int, KeySet, error) {
	cur, err := e.store.Open(table.Name, rowstore.Current)
	if err != nil {
		return 0, 0, nil, err
	}
	defer cur.Close()

	var (
		changed, unchanged int
		keys               KeySet
	)
	err = e.writeDelta(table.Name, rowstore.Changed, cur.Headers(), func(w *ecf.Writer) (int, error) {
		var err error
		changed, unchanged, keys, err = ChangedOrNew(ctx, prev, cur, w, all)
		return changed, err
	})
	if err != nil {
		return 0, 0, nil, err
	}
	return changed, unchanged, keys, nil
}

func (e *Engine) writeDeleted(ctx context.Context, table rowstore.Table, prev *Index, keys KeySet) (int, error) {
	var deleted int
	err := e.writeDelta(table.Name, rowstore.Deleted, prev.Headers(), func(w *ecf.Writer) (int, error) {
		var err error
		deleted, err = DeletedOnly(ctx, prev, keys, w)
		return deleted, err
	})
	return deleted, err
}

// writeDelta creates a delta file, fills it with fn and removes it again when
// fn wrote nothing or failed.
func (e *Engine) writeDelta(table string, f rowstore.File, h *ecf.Headers, fn func(w *ecf.Writer) (int, error)) error {
	w, err := e.store.Create(table, f, h)
	if err != nil {
		return err
	}
	n, err := fn(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = e.store.Delete(table, f)
		return fmt.Errorf("write %s file of %s: %w", f, table, err)
	}
	if n == 0 {
		return e.store.Delete(table, f)
	}
	return nil
}
