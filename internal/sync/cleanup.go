// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"context"
	"errors"

	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

// cleanupSuccess promotes every current file to previous and removes the
// deltas and any leftover temporary file. It is the only place a previous
// snapshot is replaced. Every table is attempted; errors are joined.
func (o *Orchestrator) cleanupSuccess(ctx context.Context) error {
	var errs []error
	_ = o.store.ForEachTable(func(t rowstore.Table) error {
		if !o.store.Exists(t.Name, rowstore.Current) {
			errs = append(errs, o.store.DeleteAll(t.Name, rowstore.Changed, rowstore.Deleted, rowstore.Temporary))
			return nil
		}
		if err := o.store.DeleteAll(t.Name, rowstore.Previous, rowstore.Changed, rowstore.Deleted, rowstore.Temporary); err != nil {
			errs = append(errs, err)
			return nil
		}
		errs = append(errs, o.store.Move(t.Name, rowstore.Current, rowstore.Previous))
		return nil
	})

	err := errors.Join(errs...)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Rotating snapshots failed")
	}
	return err
}

// cleanupFailure discards current files and deltas. Previous snapshots stay
// untouched so the next run diffs against the last accepted state.
func (o *Orchestrator) cleanupFailure(ctx context.Context) error {
	var errs []error
	_ = o.store.ForEachTable(func(t rowstore.Table) error {
		errs = append(errs, o.store.DeleteAll(t.Name,
			rowstore.Current, rowstore.Changed, rowstore.Deleted, rowstore.Temporary))
		return nil
	})

	err := errors.Join(errs...)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Discarding run files failed")
	}
	return err
}
