// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package main is the entry point for the ecfsync command.
//
// ecfsync keeps a remote school data hub in step with a local school
// administration system. Each run exports the configured ECF tables, compares
// them with the snapshot of the last successful run and uploads only the rows
// that changed or disappeared. A full upload happens on the first run and
// whenever the school term or the validity window of the manifest changes.
//
// # Commands
//
//	ecfsync import    extract (optional), diff, upload and merge
//	ecfsync extract   run the configured table queries into the state directory
//	ecfsync status    show the run context, the next run mode and table files
//	ecfsync history   list recent runs
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest priority wins):
//   - Environment variables (ECFSYNC_*, LOG_LEVEL, LOG_FORMAT)
//   - Config file (--config, ECFSYNC_CONFIG, ./ecfsync.yaml, /etc/ecfsync/config.yaml)
//   - Built-in defaults
//
// Tables are only configurable from the file. The import command additionally
// requires a school term, the remote URL and credentials; missing settings are
// reported together and exit with code 2.
//
// # Exit Codes
//
//	0    import succeeded or there was nothing to send
//	1    the run failed
//	2    usage or configuration error
//	130  interrupted, or the remote event stream was lost
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the running import. Files of the interrupted run
// are removed and the previous snapshot stays in place, so the next run sends
// the same delta again.
//
// # Example Usage
//
//	export ECFSYNC_SCHOOL_TERM=2026/27-1
//	export ECFSYNC_REMOTE_URL=https://hub.example.org
//	export ECFSYNC_REMOTE_API_KEY=your-api-key
//	ecfsync --config /etc/ecfsync/config.yaml import --extract
//
// Force a full upload, for example after restoring the remote system:
//
//	ecfsync import --full
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "ecfsync: %v\n", err)
	}
	return exitCode(err)
}
