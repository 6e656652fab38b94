// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/tomtom215/ecfsync/internal/history"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/manifest"
	"github.com/tomtom215/ecfsync/internal/rowstore"
	"github.com/tomtom215/ecfsync/internal/sync"
)

// statusReport is what the status command prints.
type statusReport struct {
	Previous manifest.Context  `json:"previous"`
	Current  manifest.Context  `json:"current"`
	Manifest manifest.Manifest `json:"manifest"`
	NextMode sync.Mode         `json:"nextMode"`
	Reason   string            `json:"reason"`
	Tables   []tableStatus     `json:"tables"`
	LastRun  *history.Run      `json:"lastRun,omitempty"`
}

type tableStatus struct {
	Name      string   `json:"name"`
	Key       []string `json:"key"`
	Current   bool     `json:"current"`
	Previous  bool     `json:"previous"`
	Changed   bool     `json:"changed"`
	Deleted   bool     `json:"deleted"`
	Temporary bool     `json:"temporary"`
}

func newStatusCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run context, the mode of the next run and the table files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.stdout, report)
			}
			return writeStatus(a.stdout, report)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func (a *app) status(ctx context.Context) (*statusReport, error) {
	tracker := a.tracker()
	prev, err := tracker.LoadContext()
	if err != nil {
		return nil, err
	}
	man, err := tracker.LoadManifest()
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Previous: prev,
		Current:  manifest.FromManifest(a.cfg.Sync.SchoolTerm, man),
		Manifest: man,
	}
	report.NextMode = sync.NextMode(report.Previous, report.Current, sync.RunOptions{})
	switch {
	case prev.SchoolTerm == "" && !prev.ValidFrom.Valid && !prev.ValidTo.Valid:
		report.Reason = "no previous run"
	case report.NextMode == sync.ModeFull:
		report.Reason = "run context changed"
	default:
		report.Reason = "run context unchanged"
	}

	store := a.store()
	if err := store.ForEachTable(func(t rowstore.Table) error {
		st := store.State(t)
		report.Tables = append(report.Tables, tableStatus{
			Name:      t.Name,
			Key:       t.KeyHeaders,
			Current:   st.Current,
			Previous:  st.Previous,
			Changed:   st.Changed,
			Deleted:   st.Deleted,
			Temporary: st.Temporary,
		})
		return nil
	}); err != nil {
		return nil, err
	}

	// An in-memory history is always empty here.
	if a.cfg.History.Dir != "" {
		report.LastRun = a.lastRun(ctx)
	}
	return report, nil
}

// lastRun returns the newest recorded run, or nil. The history may be locked
// by a running import, which is not an error for status.
func (a *app) lastRun(ctx context.Context) *history.Run {
	h, err := a.openHistory()
	if err != nil {
		logging.Warn().Err(err).Msg("Run history unavailable")
		return nil
	}
	defer closeHistory(h)

	run, err := history.Last(ctx, h)
	if err != nil {
		if !errors.Is(err, history.ErrNoRuns) {
			logging.Warn().Err(err).Msg("Failed to read run history")
		}
		return nil
	}
	return &run
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatus(w io.Writer, r *statusReport) error {
	runContext := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("", "LAST RUN", "THIS RUN").
		Row("School term", orDash(r.Previous.SchoolTerm), orDash(r.Current.SchoolTerm)).
		Row("Valid from", r.Previous.ValidFrom.String(), r.Current.ValidFrom.String()).
		Row("Valid to", r.Previous.ValidTo.String(), r.Current.ValidTo.String())

	files := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TABLE", "CURRENT", "PREVIOUS", "CHANGED", "DELETED", "TEMPORARY")
	for _, t := range r.Tables {
		files.Row(t.Name, mark(t.Current), mark(t.Previous), mark(t.Changed), mark(t.Deleted), mark(t.Temporary))
	}

	if _, err := fmt.Fprintf(w, "%s\n\nNext run: %s (%s)\n\n%s\n", runContext, r.NextMode, r.Reason, files); err != nil {
		return err
	}
	if r.LastRun != nil {
		last := r.LastRun
		_, err := fmt.Fprintf(w, "\nLast run: %s %s at %s, %d records in %s\n",
			last.Mode, last.Status, last.StartedAt.Format(time.RFC3339), last.RecordCount, last.Duration.Round(time.Millisecond))
		return err
	}
	return nil
}

func mark(present bool) string {
	if present {
		return "yes"
	}
	return "-"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
