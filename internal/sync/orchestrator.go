// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

/*
orchestrator.go - Import run state machine

Run is the only entry point. It loads the run context and manifest, decides
the mode, prepares the delta files, talks to the remote system and always
finishes with one of the two cleanup paths. The remote calls themselves live
in upload.go and merge.go, the cleanup paths in cleanup.go.
*/

//nolint:staticcheck // File documentation, not package doc
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/diff"
	"github.com/tomtom215/ecfsync/internal/history"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/manifest"
	"github.com/tomtom215/ecfsync/internal/metrics"
	"github.com/tomtom215/ecfsync/internal/progress"
	"github.com/tomtom215/ecfsync/internal/remote"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

// Settings controls how runs behave.
type Settings struct {
	SchoolTerm   string
	ProviderID   string
	ProviderName string

	// SmartFull uploads every current row as changed while still computing
	// deletions.
	SmartFull    bool
	SkipSnapshot bool

	// SaveContextOnFailure persists the run context after failed runs too.
	// A failed run then no longer forces a full run on the next attempt.
	SaveContextOnFailure bool

	// MergeTimeout bounds the wait for the merge outcome. Zero waits until
	// the run context is canceled.
	MergeTimeout time.Duration

	// ExcludeColumns lists per table the columns removed from the current
	// file before diffing.
	ExcludeColumns map[string][]string
}

// SettingsFromConfig builds Settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	s := Settings{
		SchoolTerm:           cfg.Sync.SchoolTerm,
		ProviderID:           cfg.Sync.ProviderID,
		ProviderName:         cfg.Sync.ProviderName,
		SmartFull:            cfg.Sync.SmartFull,
		SkipSnapshot:         cfg.Sync.SkipSnapshot,
		SaveContextOnFailure: cfg.Sync.SaveContextOnFailure,
		MergeTimeout:         cfg.Sync.MergeTimeout,
		ExcludeColumns:       make(map[string][]string),
	}
	for _, t := range cfg.Tables {
		if len(t.ExcludeColumns) > 0 {
			s.ExcludeColumns[t.Name] = t.ExcludeColumns
		}
	}
	return s
}

// Tables converts table configuration into row store tables.
func Tables(cfgs []config.TableConfig) []rowstore.Table {
	tables := make([]rowstore.Table, 0, len(cfgs))
	for _, t := range cfgs {
		tables = append(tables, rowstore.Table{Name: t.Name, KeyHeaders: t.Key})
	}
	return tables
}

// RunOptions are per-invocation overrides.
type RunOptions struct {
	// Full forces a full run even when the run context is unchanged.
	Full         bool
	SkipSnapshot bool
}

// Orchestrator executes import runs against one state directory.
type Orchestrator struct {
	store    *rowstore.Store
	tracker  *manifest.Tracker
	engine   *diff.Engine
	remote   Remote
	reporter progress.Reporter
	history  history.Store
	settings Settings
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithHistory records every run in h.
func WithHistory(h history.Store) Option {
	return func(o *Orchestrator) {
		o.history = h
	}
}

// New creates an Orchestrator. A nil reporter discards progress.
func New(store *rowstore.Store, tracker *manifest.Tracker, rem Remote, reporter progress.Reporter, settings Settings, opts ...Option) *Orchestrator {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	o := &Orchestrator{
		store:    store,
		tracker:  tracker,
		engine:   diff.NewEngine(store),
		remote:   rem,
		reporter: reporter,
		settings: settings,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the state carried between the steps of one Run.
type run struct {
	res     *Result
	current manifest.Context
	// derived is false until the manifest has been read; the context is
	// never saved before that.
	derived bool
}

// Run executes one import. The returned Result is never nil. The error is
// nil for StatusSucceeded and StatusNoChanges; ErrCanceled and
// ErrConnectionLost accompany StatusCanceled.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	res := &Result{
		RunID:      logging.NewRunID(),
		SchoolTerm: o.settings.SchoolTerm,
		StartedAt:  time.Now(),
	}
	if o.store.Len() == 0 {
		res.Status = StatusFailed
		return res, ErrNoExportTables
	}

	ctx = logging.ContextWithRunID(ctx, res.RunID)
	r := &run{res: res}

	prev, err := o.tracker.LoadContext()
	if err != nil {
		return res, o.finish(ctx, r, fmt.Errorf("load context: %w", err))
	}
	man, err := o.tracker.LoadManifest()
	if err != nil {
		return res, o.finish(ctx, r, fmt.Errorf("load manifest: %w", err))
	}

	r.current = manifest.FromManifest(o.settings.SchoolTerm, man)
	r.derived = true
	res.Mode = o.decideMode(ctx, prev, r.current, opts)

	logging.Ctx(ctx).Info().
		Str("mode", string(res.Mode)).
		Str("school_term", r.current.SchoolTerm).
		Int("tables", o.store.Len()).
		Msg("Import started")

	runErr := o.execute(ctx, r, opts)
	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, ErrCanceled) {
		runErr = fmt.Errorf("%w: %w", ErrCanceled, runErr)
	}
	return res, o.finish(ctx, r, runErr)
}

// NextMode reports the mode a run with opts would use, given the persisted
// context prev and the context cur derived from the manifest.
func NextMode(prev, cur manifest.Context, opts RunOptions) Mode {
	if opts.Full || manifest.Changed(prev, cur) {
		return ModeFull
	}
	return ModeIncremental
}

func (o *Orchestrator) decideMode(ctx context.Context, prev, cur manifest.Context, opts RunOptions) Mode {
	log := logging.Ctx(ctx)
	if opts.Full {
		log.Info().Msg("Full import requested")
		return ModeFull
	}
	if NextMode(prev, cur, opts) == ModeFull {
		log.Info().
			Str("previous_term", prev.SchoolTerm).
			Str("term", cur.SchoolTerm).
			Stringer("previous_valid_from", prev.ValidFrom).
			Stringer("valid_from", cur.ValidFrom).
			Stringer("previous_valid_to", prev.ValidTo).
			Stringer("valid_to", cur.ValidTo).
			Msg("Run context changed, full import required")
		return ModeFull
	}
	return ModeIncremental
}

func (o *Orchestrator) execute(ctx context.Context, r *run, opts RunOptions) error {
	if err := o.filterColumns(ctx, r); err != nil {
		return err
	}

	var hasWork bool
	var err error
	if r.res.Mode == ModeFull {
		hasWork, err = o.fullPrep(ctx, r)
	} else {
		hasWork, err = o.incrementalPrep(ctx, r)
	}
	if err != nil {
		return err
	}
	if !hasWork {
		logging.Ctx(ctx).Info().Msg("No new data, remote system not contacted")
		r.res.Status = StatusNoChanges
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !o.settings.SkipSnapshot && !opts.SkipSnapshot {
		if err := o.snapshot(ctx, r); err != nil {
			return err
		}
	}

	jobID, err := o.createJob(ctx, r)
	if err != nil {
		return err
	}
	ctx = logging.ContextWithJobID(ctx, jobID)

	if err := o.upload(ctx, r); err != nil {
		return err
	}
	return o.merge(ctx, r)
}

// filterColumns applies the configured column filters to current files.
func (o *Orchestrator) filterColumns(ctx context.Context, r *run) error {
	return o.store.ForEachTable(func(t rowstore.Table) error {
		exclude := o.settings.ExcludeColumns[t.Name]
		if len(exclude) == 0 || !o.store.Exists(t.Name, rowstore.Current) {
			return nil
		}
		rewritten, err := o.store.FilterColumns(t.Name, exclude)
		if err != nil {
			return err
		}
		if rewritten {
			r.res.table(t.Name).Filtered = true
			logging.Ctx(ctx).Debug().Str("table", t.Name).Strs("columns", exclude).Msg("Columns filtered")
		}
		return nil
	})
}

// fullPrep removes previous snapshots and stale deltas so every current
// file is sent as Complete.
func (o *Orchestrator) fullPrep(ctx context.Context, r *run) (bool, error) {
	hasWork := false
	err := o.store.ForEachTable(func(t rowstore.Table) error {
		tr := r.res.table(t.Name)
		if err := o.store.DeleteAll(t.Name, rowstore.Previous, rowstore.Changed, rowstore.Deleted); err != nil {
			return err
		}
		if !o.store.Exists(t.Name, rowstore.Current) {
			logging.Ctx(ctx).Warn().Str("table", t.Name).Msg("No current file, table skipped")
			return nil
		}
		tr.Complete = true
		hasWork = true
		return nil
	})
	return hasWork, err
}

// incrementalPrep writes delta files. Tables without a previous snapshot
// are sent as Complete.
func (o *Orchestrator) incrementalPrep(ctx context.Context, r *run) (bool, error) {
	hasWork := false
	err := o.store.ForEachTable(func(t rowstore.Table) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tr := r.res.table(t.Name)
		if err := o.store.DeleteAll(t.Name, rowstore.Changed, rowstore.Deleted); err != nil {
			return err
		}
		if !o.store.Exists(t.Name, rowstore.Current) {
			logging.Ctx(ctx).Warn().Str("table", t.Name).Msg("No current file, table skipped")
			return nil
		}
		if !o.store.Exists(t.Name, rowstore.Previous) {
			logging.Ctx(ctx).Info().Str("table", t.Name).Msg("No previous snapshot, sending complete table")
			tr.Complete = true
			hasWork = true
			return nil
		}

		o.reporter.StartProgress("Comparing " + t.Name)
		d, err := o.engine.Generate(ctx, t, o.settings.SmartFull)
		if err != nil {
			o.reporter.CancelProgress()
			return err
		}
		o.reporter.ContinueProgress(d.Changed + d.Deleted)
		o.reporter.FinishProgress()
		metrics.RecordDelta(t.Name, d.Changed, d.Deleted, d.Unchanged, d.Duration)

		tr.Changed, tr.Deleted, tr.Unchanged = d.Changed, d.Deleted, d.Unchanged
		if d.HasWork() {
			hasWork = true
		}
		return nil
	})
	return hasWork, err
}

func (o *Orchestrator) snapshot(ctx context.Context, r *run) error {
	o.reporter.StartProgress("Requesting snapshot")
	created, err := o.remote.CreateSnapshot(ctx)
	if err != nil {
		o.reporter.CancelProgress()
		return err
	}
	o.reporter.FinishProgress()

	r.res.SnapshotCreated = created
	if !created {
		logging.Ctx(ctx).Warn().Msg("Remote system has a recent snapshot, continuing without a new one")
	}
	return nil
}

func (o *Orchestrator) createJob(ctx context.Context, r *run) (string, error) {
	jobID, err := o.remote.CreateJob(ctx, remote.JobRequest{
		SchoolTerm: r.current.SchoolTerm,
		Provider:   remote.Provider{ID: o.settings.ProviderID, Name: o.settings.ProviderName},
		ValidFrom:  r.current.ValidFrom,
		ValidTo:    r.current.ValidTo,
	})
	if err != nil {
		return "", err
	}
	r.res.JobID = jobID
	logging.Ctx(ctx).Info().Str("job_id", jobID).Msg("Remote job created")
	return jobID, nil
}

// finish runs the cleanup path matching runErr, persists the context and
// reports the outcome. Cleanup errors are joined after runErr.
func (o *Orchestrator) finish(ctx context.Context, r *run, runErr error) error {
	res := r.res
	var cleanupErr error

	if runErr == nil {
		if res.Status == "" {
			res.Status = StatusSucceeded
		}
		cleanupErr = o.cleanupSuccess(ctx)
		if err := o.tracker.SaveContext(r.current); err != nil {
			cleanupErr = errors.Join(cleanupErr, fmt.Errorf("save context: %w", err))
		}
	} else {
		res.Status = statusOf(runErr)
		cleanupErr = o.cleanupFailure(ctx)
		if o.settings.SaveContextOnFailure && r.derived {
			if err := o.tracker.SaveContext(r.current); err != nil {
				cleanupErr = errors.Join(cleanupErr, fmt.Errorf("save context: %w", err))
			}
		}
	}

	err := runErr
	if cleanupErr != nil {
		if runErr == nil {
			res.Status = StatusFailed
		}
		err = errors.Join(runErr, cleanupErr)
	}

	res.Duration = time.Since(res.StartedAt)
	o.report(ctx, res, err)
	o.record(ctx, res, err)
	metrics.RecordRun(string(res.Mode), string(res.Status), res.Duration)
	return err
}

func statusOf(err error) Status {
	if errors.Is(err, ErrCanceled) || errors.Is(err, ErrConnectionLost) {
		return StatusCanceled
	}
	return StatusFailed
}

func (o *Orchestrator) report(ctx context.Context, res *Result, err error) {
	log := logging.Ctx(ctx)
	switch res.Status {
	case StatusSucceeded:
		o.reporter.Success(fmt.Sprintf("Import finished: %d tables, %d records merged", res.TableCount, res.RecordCount))
		log.Info().Int("uploads", res.uploads()).Int("records", res.RecordCount).Dur("duration", res.Duration).Msg("Import finished")
	case StatusNoChanges:
		o.reporter.Success("No new data since the last import")
	case StatusCanceled:
		if errors.Is(err, ErrConnectionLost) {
			o.reporter.Error("Import aborted: connection to the remote system lost")
		} else {
			o.reporter.Error("Import canceled")
		}
		log.Warn().Err(err).Msg("Import aborted")
	default:
		o.reporter.Error("Import failed: " + err.Error())
		log.Error().Err(err).Msg("Import failed")
	}
}

func (o *Orchestrator) record(ctx context.Context, res *Result, err error) {
	if o.history == nil {
		return
	}
	if herr := o.history.Record(context.WithoutCancel(ctx), res.historyRun(err)); herr != nil {
		logging.Ctx(ctx).Warn().Err(herr).Msg("Failed to record run history")
	}
}
