// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomtom215/ecfsync/internal/extract"
	"github.com/tomtom215/ecfsync/internal/extract/sqlsource"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/progress"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

var errNoSource = errors.New("source.driver is not configured")

func newExtractCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Write the current file of every table that has a query",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reporter := a.reporter()
			defer a.writeMetrics()
			return a.extract(cmd.Context(), a.store(), reporter)
		},
	}
}

// extract runs the configured table queries against the source database.
func (a *app) extract(ctx context.Context, store *rowstore.Store, reporter progress.Reporter) error {
	if a.cfg.Source.Driver == "" {
		return withCode(exitUsage, errNoSource)
	}

	src, err := sqlsource.Open(ctx, &a.cfg.Source)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logging.Warn().Err(err).Msg("Failed to close source database")
		}
	}()

	ids := extract.NewIdentityMap(a.cfg.Sync.ProviderID)
	results, err := extract.NewPipeline(store, reporter).ExtractAll(ctx, src, a.cfg.Tables, ids)
	if err != nil {
		reporter.Error("Extraction failed: " + err.Error())
		return err
	}

	rows := 0
	for _, r := range results {
		rows += r.Rows
	}
	logging.Ctx(ctx).Info().
		Int("tables", len(results)).
		Int("rows", rows).
		Int("identities", ids.Len()).
		Msg("Extraction finished")
	reporter.Success(fmt.Sprintf("Extracted %d tables, %d rows", len(results), rows))
	return nil
}
