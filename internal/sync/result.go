// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"time"

	"github.com/tomtom215/ecfsync/internal/history"
	"github.com/tomtom215/ecfsync/internal/remote"
)

// Mode is how a run sends data.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	// StatusNoChanges means an incremental run found no delta and did not
	// contact the remote system.
	StatusNoChanges Status = "no_changes"
	StatusFailed    Status = "failed"
	// StatusCanceled covers operator interrupts and a lost event stream.
	StatusCanceled Status = "canceled"
)

// Upload is one file sent for a table.
type Upload struct {
	ContentType remote.ContentType
	TableID     string
	Bytes       int64
}

// TableResult is the per-table outcome of a run.
type TableResult struct {
	Name      string
	Complete  bool
	Changed   int
	Deleted   int
	Unchanged int
	Filtered  bool
	Uploads   []Upload
}

// Result describes one run.
type Result struct {
	RunID           string
	Mode            Mode
	Status          Status
	SchoolTerm      string
	JobID           string
	SnapshotCreated bool
	Tables          []TableResult
	// TableCount and RecordCount are reported by the remote merge.
	TableCount  int
	RecordCount int
	StartedAt   time.Time
	Duration    time.Duration
}

func (r *Result) table(name string) *TableResult {
	for i := range r.Tables {
		if r.Tables[i].Name == name {
			return &r.Tables[i]
		}
	}
	r.Tables = append(r.Tables, TableResult{Name: name})
	return &r.Tables[len(r.Tables)-1]
}

// uploads counts the files sent.
func (r *Result) uploads() int {
	n := 0
	for _, t := range r.Tables {
		n += len(t.Uploads)
	}
	return n
}

// historyRun converts r into a history record.
func (r *Result) historyRun(runErr error) history.Run {
	run := history.Run{
		ID:          r.RunID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.StartedAt.Add(r.Duration),
		Mode:        string(r.Mode),
		Status:      string(r.Status),
		SchoolTerm:  r.SchoolTerm,
		JobID:       r.JobID,
		TableCount:  r.TableCount,
		RecordCount: r.RecordCount,
		Duration:    r.Duration,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	for _, t := range r.Tables {
		tr := history.TableRun{Name: t.Name, Changed: t.Changed, Deleted: t.Deleted, Uploaded: len(t.Uploads)}
		if t.Complete {
			tr.ContentType = string(remote.Complete)
		} else if len(t.Uploads) > 0 {
			tr.ContentType = "Delta"
		}
		run.Tables = append(run.Tables, tr)
	}
	return run
}
