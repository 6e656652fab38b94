// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrNoExportTables is returned before anything is touched when no
	// table is configured.
	ErrNoExportTables = errors.New("no export tables configured")

	// ErrCanceled reports an operator interrupt.
	ErrCanceled = errors.New("import canceled")

	// ErrConnectionLost reports that the job event stream closed before the
	// merge outcome arrived.
	ErrConnectionLost = errors.New("job event connection lost")

	// ErrMergeTimeout reports that no merge outcome arrived within the
	// configured merge timeout.
	ErrMergeTimeout = errors.New("timed out waiting for merge outcome")
)

// MergeError is a merge failure reported by the remote system.
type MergeError struct {
	JobID  string
	Reason string
}

func (e *MergeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("merge of job %s failed", e.JobID)
	}
	return fmt.Sprintf("merge of job %s failed: %s", e.JobID, e.Reason)
}
