// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"context"
	"fmt"
	"os"

	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/metrics"
	"github.com/tomtom215/ecfsync/internal/remote"
	"github.com/tomtom215/ecfsync/internal/rowstore"
)

// upload sends each table's files in declaration order. Complete tables
// send their current file, the others their non-empty deltas.
func (o *Orchestrator) upload(ctx context.Context, r *run) error {
	return o.store.ForEachTable(func(t rowstore.Table) error {
		tr := r.res.table(t.Name)
		if tr.Complete {
			return o.uploadFile(ctx, r, t, rowstore.Current, remote.Complete)
		}
		if o.store.Exists(t.Name, rowstore.Changed) {
			if err := o.uploadFile(ctx, r, t, rowstore.Changed, remote.ChangedOnly); err != nil {
				return err
			}
		}
		if o.store.Exists(t.Name, rowstore.Deleted) {
			if err := o.uploadFile(ctx, r, t, rowstore.Deleted, remote.DeletedOnly); err != nil {
				return err
			}
		}
		return nil
	})
}

func (o *Orchestrator) uploadFile(ctx context.Context, r *run, t rowstore.Table, f rowstore.File, ct remote.ContentType) error {
	o.reporter.StartProgress(fmt.Sprintf("Uploading %s (%s)", t.Name, ct))

	up, err := o.sendFile(ctx, r.res.JobID, t, f, ct)
	metrics.RecordUpload(t.Name, string(ct), up.Bytes, err)
	if err != nil {
		o.reporter.CancelProgress()
		return fmt.Errorf("upload %s (%s): %w", t.Name, ct, err)
	}
	o.reporter.FinishProgress()

	tr := r.res.table(t.Name)
	tr.Uploads = append(tr.Uploads, up)
	logging.Ctx(ctx).Debug().
		Str("table", t.Name).
		Str("content_type", string(ct)).
		Str("table_id", up.TableID).
		Int64("bytes", up.Bytes).
		Msg("Table uploaded")
	return nil
}

func (o *Orchestrator) sendFile(ctx context.Context, jobID string, t rowstore.Table, f rowstore.File, ct remote.ContentType) (Upload, error) {
	up := Upload{ContentType: ct}

	file, err := os.Open(o.store.Path(t.Name, f))
	if err != nil {
		return up, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return up, err
	}

	tableID, err := o.remote.CreateTable(ctx, jobID, remote.TableRequest{
		Name:        t.Name,
		KeyHeaders:  t.KeyHeaders,
		ContentType: ct,
	})
	if err != nil {
		return up, err
	}
	up.TableID = tableID

	if err := o.remote.UploadTable(ctx, jobID, tableID, file); err != nil {
		return up, err
	}
	up.Bytes = info.Size()
	return up, nil
}
