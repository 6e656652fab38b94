// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package extract writes the current file of each table from a source system.
//
// Every provider supplies only a RowProducer per table. The Pipeline streams
// its rows through the configured transforms (identity mapping, code
// translation) into the table's temporary file and renames that into place,
// so a failed extraction never leaves a half-written current file behind.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/ecf"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/metrics"
	"github.com/tomtom215/ecfsync/internal/progress"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

// progressEvery is how many rows pass between progress updates.
const progressEvery = 500

// RowProducer yields the rows of one table once. Next returns io.EOF after
// the last row.
type RowProducer interface {
	Headers() *ecf.Headers
	Next(ctx context.Context) (ecf.Row, error)
	Close() error
}

// Source opens a RowProducer for a configured table.
type Source interface {
	Produce(ctx context.Context, table config.TableConfig) (RowProducer, error)
}

// Result summarizes one extracted table.
type Result struct {
	Table    string
	Rows     int
	Duration time.Duration
}

// Pipeline writes producer rows into a row store.
type Pipeline struct {
	store    *rowstore.Store
	reporter progress.Reporter
}

// NewPipeline returns a Pipeline. A nil reporter discards progress.
func NewPipeline(store *rowstore.Store, reporter progress.Reporter) *Pipeline {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Pipeline{store: store, reporter: reporter}
}

// Run writes every row of p as the current file of table. The producer is
// closed before Run returns.
func (pl *Pipeline) Run(ctx context.Context, table string, p RowProducer, transforms ...Transform) (res Result, err error) {
	res.Table = table
	start := time.Now()
	defer p.Close()

	t, err := pl.store.Table(table)
	if err != nil {
		return res, err
	}
	h := p.Headers()
	if err := h.Require(t.KeyHeaders); err != nil {
		return res, fmt.Errorf("extract %s: %w", table, err)
	}
	for _, tf := range transforms {
		if _, ok := h.Index(tf.Column); !ok {
			return res, fmt.Errorf("extract %s: transform column %q not produced", table, tf.Column)
		}
	}

	w, err := pl.store.Create(table, rowstore.Temporary, h)
	if err != nil {
		return res, err
	}
	defer func() {
		if err != nil {
			_ = w.Close()
			_ = pl.store.Delete(table, rowstore.Temporary)
			pl.reporter.CancelProgress()
		}
	}()

	pl.reporter.StartProgress("Extracting " + table)
	for {
		if res.Rows%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			pl.reporter.ContinueProgress(res.Rows)
		}

		row, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("extract %s: row %d: %w", table, res.Rows+1, err)
		}
		for _, tf := range transforms {
			if err := tf.apply(row); err != nil {
				return res, fmt.Errorf("extract %s: row %d: %w", table, res.Rows+1, err)
			}
		}
		if err := w.Write(row); err != nil {
			return res, err
		}
		res.Rows++
	}

	if err := w.Close(); err != nil {
		return res, fmt.Errorf("extract %s: %w", table, err)
	}
	if err := pl.store.Move(table, rowstore.Temporary, rowstore.Current); err != nil {
		return res, err
	}

	pl.reporter.ContinueProgress(res.Rows)
	pl.reporter.FinishProgress()
	res.Duration = time.Since(start)
	metrics.RecordExtract(table, res.Rows, res.Duration)
	logging.Ctx(ctx).Debug().Str("table", table).Int("rows", res.Rows).Dur("duration", res.Duration).Msg("Table extracted")
	return res, nil
}

// ExtractAll extracts every table that has a query, in order, sharing ids
// across tables. It stops at the first failure.
func (pl *Pipeline) ExtractAll(ctx context.Context, src Source, tables []config.TableConfig, ids *IdentityMap) ([]Result, error) {
	var results []Result
	for _, tc := range tables {
		if tc.Query == "" {
			logging.Ctx(ctx).Debug().Str("table", tc.Name).Msg("No query configured, table not extracted")
			continue
		}
		transforms, err := TransformsFor(tc, ids)
		if err != nil {
			return results, err
		}
		p, err := src.Produce(ctx, tc)
		if err != nil {
			return results, fmt.Errorf("extract %s: %w", tc.Name, err)
		}
		res, err := pl.Run(ctx, tc.Name, p, transforms...)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
