// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/metrics"
	"github.com/tomtom215/ecfsync/internal/remote"
)

// merge subscribes to the job events, triggers the merge and waits for its
// outcome.
func (o *Orchestrator) merge(ctx context.Context, r *run) error {
	jobID := r.res.JobID

	stream, err := o.remote.Subscribe(ctx, jobID)
	if err != nil {
		return fmt.Errorf("subscribe to job events: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logging.Ctx(ctx).Debug().Err(cerr).Msg("Closing job event stream")
		}
	}()

	if err := o.remote.StartMerge(ctx, jobID); err != nil {
		return err
	}

	o.reporter.StartProgress("Merging")
	start := time.Now()
	err = o.awaitMerge(ctx, r, stream)
	metrics.RecordMergeWait(time.Since(start))
	if err != nil {
		o.reporter.CancelProgress()
		return err
	}
	o.reporter.FinishProgress()
	return nil
}

// awaitMerge blocks until the first of: success, failure, stream loss,
// merge timeout, cancellation.
func (o *Orchestrator) awaitMerge(ctx context.Context, r *run, stream EventStream) error {
	var timeout <-chan time.Time
	if o.settings.MergeTimeout > 0 {
		timer := time.NewTimer(o.settings.MergeTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	log := logging.Ctx(ctx)
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timeout:
			return fmt.Errorf("%w (%s)", ErrMergeTimeout, o.settings.MergeTimeout)

		case ev, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrConnectionLost, err)
				}
				return ErrConnectionLost
			}

			switch ev.Type {
			case remote.EventSuccess:
				r.res.TableCount = ev.TableCount
				r.res.RecordCount = ev.RecordCount
				log.Info().Int("tables", ev.TableCount).Int("records", ev.RecordCount).Msg("Merge succeeded")
				return nil
			case remote.EventFailure:
				return &MergeError{JobID: r.res.JobID, Reason: ev.Message}
			case remote.EventProgress:
				o.reporter.ContinueProgress(ev.Progress)
			default:
				log.Debug().Str("event", string(ev.Type)).Str("message", ev.Message).Msg("Job event")
			}
		}
	}
}
