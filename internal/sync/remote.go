// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"context"
	"io"

	"github.com/tomtom215/ecfsync/internal/remote"
)

// Remote is the remote job API used by the Orchestrator. Retries of
// transient failures happen behind it.
type Remote interface {
	CreateSnapshot(ctx context.Context) (bool, error)
	CreateJob(ctx context.Context, job remote.JobRequest) (string, error)
	CreateTable(ctx context.Context, jobID string, table remote.TableRequest) (string, error)
	UploadTable(ctx context.Context, jobID, tableID string, data io.ReadSeeker) error
	StartMerge(ctx context.Context, jobID string) error
	Subscribe(ctx context.Context, jobID string) (EventStream, error)
}

// EventStream delivers job events. Events is closed when the stream ends;
// Err then reports why.
type EventStream interface {
	Events() <-chan remote.Event
	Err() error
	Close() error
}

// NewRemote adapts a remote.Client to Remote.
func NewRemote(c *remote.Client) Remote {
	return clientAdapter{c}
}

type clientAdapter struct {
	*remote.Client
}

func (a clientAdapter) Subscribe(ctx context.Context, jobID string) (EventStream, error) {
	sub, err := a.Client.Subscribe(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
