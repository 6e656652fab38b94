// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tomtom215/ecfsync/internal/history"
)

var errNoHistoryDir = errors.New("history.dir is not configured, runs are not persisted")

type historyOptions struct {
	limit  int
	asJSON bool
}

func newHistoryCmd(a *app) *cobra.Command {
	opts := &historyOptions{}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent import runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.History.Dir == "" {
				return withCode(exitUsage, errNoHistoryDir)
			}
			if opts.limit < 0 {
				return withCode(exitUsage, fmt.Errorf("--limit must not be negative, got %d", opts.limit))
			}

			h, err := a.openHistory()
			if err != nil {
				return err
			}
			defer closeHistory(h)

			runs, err := h.List(cmd.Context(), opts.limit)
			if err != nil {
				return err
			}
			if opts.asJSON {
				if runs == nil {
					runs = []history.Run{}
				}
				return writeJSON(a.stdout, runs)
			}
			return writeHistory(a.stdout, runs)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "number of runs to list, 0 for all")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the runs as JSON")

	return cmd
}

func writeHistory(w io.Writer, runs []history.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No runs recorded")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STARTED", "MODE", "STATUS", "TERM", "JOB", "TABLES", "RECORDS", "DURATION", "ERROR")
	for _, r := range runs {
		t.Row(
			r.StartedAt.Local().Format(time.DateTime),
			orDash(r.Mode),
			r.Status,
			orDash(r.SchoolTerm),
			orDash(r.JobID),
			strconv.Itoa(len(r.Tables)),
			strconv.Itoa(r.RecordCount),
			r.Duration.Round(time.Millisecond).String(),
			orDash(r.Error),
		)
	}
	_, err := fmt.Fprintln(w, t)
	return err
}
