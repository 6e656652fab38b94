// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/remote"
	"github.com/tomtom215/ecfsync/internal/sync"
)

type importOptions struct {
	full         bool
	skipSnapshot bool
	extract      bool
}

func newImportCmd(a *app) *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Send changed and deleted rows to the remote system and merge them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runImport(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.full, "full", false, "send complete tables even when the run context is unchanged")
	cmd.Flags().BoolVar(&opts.skipSnapshot, "skip-snapshot", false, "do not request a remote snapshot before the job")
	cmd.Flags().BoolVar(&opts.extract, "extract", false, "run the table queries before diffing")

	return cmd
}

func (a *app) runImport(ctx context.Context, opts *importOptions) error {
	if err := a.cfg.Readiness().Err(); err != nil {
		return withCode(exitUsage, err)
	}

	client, err := remote.New(&a.cfg.Remote)
	if err != nil {
		return withCode(exitUsage, err)
	}

	hist, err := a.openHistory()
	if err != nil {
		return err
	}
	defer closeHistory(hist)
	defer a.writeMetrics()

	store := a.store()
	reporter := a.reporter()

	if opts.extract {
		if err := a.extract(ctx, store, reporter); err != nil {
			return err
		}
	}

	orch := sync.New(store, a.tracker(), sync.NewRemote(client), reporter,
		sync.SettingsFromConfig(a.cfg), sync.WithHistory(hist))

	res, err := orch.Run(ctx, sync.RunOptions{
		Full:         opts.full,
		SkipSnapshot: opts.skipSnapshot,
	})
	logging.Ctx(ctx).Debug().
		Str("run_id", res.RunID).
		Str("status", string(res.Status)).
		Str("mode", string(res.Mode)).
		Dur("duration", res.Duration).
		Msg("Import command finished")
	return err
}
