// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewRunID(t *testing.T) {
	t.Parallel()

	a, b := NewRunID(), NewRunID()
	if len(a) != 36 {
		t.Errorf("run id length = %d, want 36", len(a))
	}
	if a == b {
		t.Error("run ids should be unique")
	}
}

func TestRunAndJobIDContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if RunIDFromContext(ctx) != "" || JobIDFromContext(ctx) != "" {
		t.Fatal("empty context should carry no ids")
	}

	ctx = ContextWithRunID(ctx, "run-1")
	ctx = ContextWithJobID(ctx, "job-9")
	if got := RunIDFromContext(ctx); got != "run-1" {
		t.Errorf("RunIDFromContext = %q", got)
	}
	if got := JobIDFromContext(ctx); got != "job-9" {
		t.Errorf("JobIDFromContext = %q", got)
	}
}

func TestCtxAddsFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithRunID(ctx, "run-42")
	ctx = ContextWithJobID(ctx, "job-7")

	Ctx(ctx).Info().Msg("merge started")

	out := buf.String()
	for _, want := range []string{`"run_id":"run-42"`, `"job_id":"job-7"`, "merge started"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}
