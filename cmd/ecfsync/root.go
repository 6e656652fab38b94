// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/history"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/manifest"
	"github.com/tomtom215/ecfsync/internal/metrics"
	"github.com/tomtom215/ecfsync/internal/progress"
	"github.com/tomtom215/ecfsync/internal/rowstore"
	"github.com/tomtom215/ecfsync/internal/sync"
)

// app is the state shared by all commands of one invocation.
type app struct {
	configPath string
	cfg        *config.Config
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "ecfsync",
		Short:         "Incremental ECF synchronization with a remote school data hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(); err != nil {
				return err
			}
			logger := logging.With().Str("command", cmd.Name()).Logger()
			cmd.SetContext(logging.ContextWithLogger(cmd.Context(), logger))
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: $ECFSYNC_CONFIG or ./ecfsync.yaml)")

	cmd.AddCommand(
		newImportCmd(a),
		newExtractCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

// load reads the configuration and configures logging.
func (a *app) load() error {
	cfg, err := config.LoadWithKoanf(a.configPath)
	if err != nil {
		return withCode(exitUsage, err)
	}
	a.cfg = cfg

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: a.stderr,
	})
	logging.Debug().
		Str("state_dir", cfg.State.Dir).
		Int("tables", len(cfg.Tables)).
		Str("remote_url", cfg.Remote.URL).
		Str("api_key", logging.MaskSecret(cfg.Remote.APIKey)).
		Str("source_driver", cfg.Source.Driver).
		Str("source_dsn", logging.RedactDSN(cfg.Source.DSN)).
		Msg("Configuration loaded")
	return nil
}

func (a *app) store() *rowstore.Store {
	return rowstore.New(a.cfg.State.Dir, sync.Tables(a.cfg.Tables))
}

func (a *app) tracker() *manifest.Tracker {
	return manifest.NewTracker(a.cfg.State.ContextPath(), a.cfg.State.ManifestPath())
}

// reporter writes progress to stdout and, at debug level, to the log.
func (a *app) reporter() progress.Reporter {
	return progress.Tee(
		progress.NewConsole(a.stdout),
		progress.NewLog(logging.WithComponent("progress")),
	)
}

// openHistory opens the persistent run history, or an in-memory one when
// history.dir is empty.
func (a *app) openHistory() (history.Store, error) {
	if a.cfg.History.Dir == "" {
		return history.NewInMemory(a.cfg.History.Keep), nil
	}
	h, err := history.OpenBadger(a.cfg.History.Dir, a.cfg.History.Keep)
	if err != nil {
		return nil, fmt.Errorf("open run history: %w", err)
	}
	return h, nil
}

func closeHistory(h history.Store) {
	if err := h.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close run history")
	}
}

// writeMetrics exports the process metrics when a textfile is configured.
func (a *app) writeMetrics() {
	path := a.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := metrics.WriteTextfile(path); err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("Failed to write metrics textfile")
		return
	}
	logging.Debug().Str("path", path).Msg("Metrics textfile written")
}
