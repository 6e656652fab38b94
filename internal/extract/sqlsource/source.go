// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package sqlsource produces ECF rows from SQL queries against a school
// administration database. Result columns become ECF headers; SQL NULL
// becomes an absent value.
//
// Supported drivers: sqlite (modernc.org/sqlite), mysql
// (github.com/go-sql-driver/mysql) and postgres (github.com/lib/pq).
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/ecf"
	"github.com/tomtom215/ecfsync/internal/extract"
	"github.com/tomtom215/ecfsync/internal/logging"
)

// driverNames maps configured driver names to database/sql driver names.
var driverNames = map[string]string{
	"sqlite":   "sqlite",
	"mysql":    "mysql",
	"postgres": "postgres",
}

// Source runs table queries against one database.
type Source struct {
	db *sql.DB
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, cfg *config.SourceConfig) (*Source, error) {
	name, ok := driverNames[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported source driver %q", cfg.Driver)
	}
	db, err := sql.Open(name, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s source: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s source: %w", cfg.Driver, err)
	}

	logging.Debug().Str("driver", cfg.Driver).Msg("Source database connected")
	return &Source{db: db}, nil
}

// New wraps an open database.
func New(db *sql.DB) *Source {
	return &Source{db: db}
}

// Close closes the database.
func (s *Source) Close() error {
	return s.db.Close()
}

// Produce runs the table's query.
func (s *Source) Produce(ctx context.Context, table config.TableConfig) (extract.RowProducer, error) {
	if table.Query == "" {
		return nil, fmt.Errorf("table %s has no query", table.Name)
	}
	return Query(ctx, s.db, table.Query)
}

// Producer streams the rows of one query.
type Producer struct {
	rows    *sql.Rows
	headers *ecf.Headers
	scan    []sql.NullString
	dest    []any
}

// Query runs query and returns its rows as a Producer.
func Query(ctx context.Context, db *sql.DB, query string, args ...any) (*Producer, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("query columns: %w", err)
	}
	h, err := ecf.NewHeaders(cols...)
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("query columns: %w", err)
	}

	p := &Producer{
		rows:    rows,
		headers: h,
		scan:    make([]sql.NullString, len(cols)),
		dest:    make([]any, len(cols)),
	}
	for i := range p.scan {
		p.dest[i] = &p.scan[i]
	}
	return p, nil
}

// Headers returns the result columns.
func (p *Producer) Headers() *ecf.Headers {
	return p.headers
}

// Next returns the next row or io.EOF.
func (p *Producer) Next(ctx context.Context) (ecf.Row, error) {
	if err := ctx.Err(); err != nil {
		return ecf.Row{}, err
	}
	if !p.rows.Next() {
		if err := p.rows.Err(); err != nil {
			return ecf.Row{}, err
		}
		return ecf.Row{}, io.EOF
	}
	if err := p.rows.Scan(p.dest...); err != nil {
		return ecf.Row{}, fmt.Errorf("scan: %w", err)
	}

	values := make([]ecf.Value, len(p.scan))
	for i, ns := range p.scan {
		if ns.Valid {
			values[i] = ecf.V(ns.String)
		}
	}
	return ecf.NewRow(p.headers, values...), nil
}

// Close releases the result set.
func (p *Producer) Close() error {
	err := p.rows.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
