// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

/*
Package sync drives one import run from local ECF files to the remote system.

An Orchestrator executes a fixed state machine:

	DecideMode -> FullPrep | IncrementalPrep -> MaybeSnapshot -> CreateJob -> Upload -> Merge -> Cleanup

DecideMode compares the persisted run context with the current manifest. Any
difference in school term or validity window, or an explicit request, selects
a full run: stale previous snapshots and deltas are removed and every current
file is uploaded as Complete. Otherwise the diff engine writes changed-only and
deleted-only files per table; tables without a previous snapshot are uploaded
as Complete. An incremental run without any delta ends right there as
StatusNoChanges without contacting the remote system.

Merge subscribes to the job's event stream before triggering the merge and
waits for exactly one of: a success event, a failure event, the stream closing
(ErrConnectionLost), the optional merge timeout, or cancellation of the run
context (ErrCanceled).

Cleanup on success rotates every current file into the previous slot and
deletes the deltas. Cleanup on failure deletes current files and deltas and
leaves previous snapshots untouched, so the next run diffs against the last
accepted state. The run context is saved after success and, unless disabled,
after failure too.

Usage Example:

	store := rowstore.New(cfg.State.Dir, tables)
	tracker := manifest.NewTracker(cfg.State.ContextPath(), cfg.State.ManifestPath())
	client, err := remote.New(&cfg.Remote)
	if err != nil {
	    return err
	}

	orch := sync.New(store, tracker, sync.NewRemote(client), reporter,
	    sync.SettingsFromConfig(&cfg.Sync), sync.WithHistory(hist))
	res, err := orch.Run(ctx, sync.RunOptions{Full: full})

Only one run may use a state directory at a time.
*/
package sync
