// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package main

import (
	"context"
	"errors"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/sync"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitUsage    = 2
	exitCanceled = 130
)

// exitError attaches an exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// exitCode maps an error returned by a command to the process exit code.
// An explicit code from withCode wins over the classification by cause.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, sync.ErrCanceled),
		errors.Is(err, sync.ErrConnectionLost),
		errors.Is(err, context.Canceled):
		return exitCanceled
	case errors.Is(err, config.ErrIncomplete),
		errors.Is(err, sync.ErrNoExportTables):
		return exitUsage
	default:
		return exitFailed
	}
}
