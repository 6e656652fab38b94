// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package progress reports run progress to the operator.
//
// A Reporter is write-only: nothing it does feeds back into the sync. One
// progress line is active at a time, opened by StartProgress and closed by
// FinishProgress or CancelProgress. Success and Error print a final verdict.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Reporter receives progress notifications.
type Reporter interface {
	StartProgress(label string)
	ContinueProgress(count int)
	FinishProgress()
	CancelProgress()
	Success(message string)
	Error(message string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) StartProgress(string) {}
func (Nop) ContinueProgress(int) {}
func (Nop) FinishProgress()      {}
func (Nop) CancelProgress()      {}
func (Nop) Success(string)       {}
func (Nop) Error(string)         {}

// Tee forwards every call to all reporters in order.
func Tee(reporters ...Reporter) Reporter {
	return tee(reporters)
}

type tee []Reporter

func (t tee) StartProgress(label string) {
	for _, r := range t {
		r.StartProgress(label)
	}
}

func (t tee) ContinueProgress(count int) {
	for _, r := range t {
		r.ContinueProgress(count)
	}
}

func (t tee) FinishProgress() {
	for _, r := range t {
		r.FinishProgress()
	}
}

func (t tee) CancelProgress() {
	for _, r := range t {
		r.CancelProgress()
	}
}

func (t tee) Success(message string) {
	for _, r := range t {
		r.Success(message)
	}
}

func (t tee) Error(message string) {
	for _, r := range t {
		r.Error(message)
	}
}

// Console writes human-readable progress. On a terminal the active line is
// redrawn in place; otherwise only completed lines are written.
type Console struct {
	mu          sync.Mutex
	out         io.Writer
	interactive bool
	minRedraw   time.Duration

	label    string
	count    int
	active   bool
	started  time.Time
	lastDraw time.Time

	labelStyle   lipgloss.Style
	countStyle   lipgloss.Style
	successStyle lipgloss.Style
	errorStyle   lipgloss.Style
	mutedStyle   lipgloss.Style
}

// NewConsole returns a Console writing to out. Colors and in-place redraw are
// enabled only when out is a terminal.
func NewConsole(out io.Writer) *Console {
	interactive := false
	if f, ok := out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	renderer := lipgloss.NewRenderer(out)
	return &Console{
		out:          out,
		interactive:  interactive,
		minRedraw:    100 * time.Millisecond,
		labelStyle:   renderer.NewStyle().Bold(true),
		countStyle:   renderer.NewStyle().Foreground(lipgloss.Color("12")),
		successStyle: renderer.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		errorStyle:   renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		mutedStyle:   renderer.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// StartProgress opens a progress line, closing any line still open.
func (c *Console) StartProgress(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		c.endLine("")
	}
	c.label = label
	c.count = 0
	c.active = true
	c.started = time.Now()
	c.lastDraw = time.Time{}
	c.draw()
}

// ContinueProgress updates the running count of the active line.
func (c *Console) ContinueProgress(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.count = count
	if c.interactive && time.Since(c.lastDraw) >= c.minRedraw {
		c.draw()
	}
}

// FinishProgress closes the active line as completed.
func (c *Console) FinishProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.endLine(c.mutedStyle.Render(fmt.Sprintf("done in %s", time.Since(c.started).Round(time.Millisecond))))
}

// CancelProgress closes the active line as canceled.
func (c *Console) CancelProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.endLine(c.errorStyle.Render("canceled"))
}

// Success prints a success verdict.
func (c *Console) Success(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOpen()
	fmt.Fprintln(c.out, c.successStyle.Render("✔ "+message))
}

// Error prints a failure verdict.
func (c *Console) Error(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOpen()
	fmt.Fprintln(c.out, c.errorStyle.Render("✘ "+message))
}

func (c *Console) closeOpen() {
	if c.active {
		c.endLine(c.errorStyle.Render("aborted"))
	}
}

func (c *Console) line() string {
	s := c.labelStyle.Render(c.label) + " ..."
	if c.count > 0 {
		s += " " + c.countStyle.Render(fmt.Sprint(c.count))
	}
	return s
}

func (c *Console) draw() {
	if !c.interactive {
		return
	}
	fmt.Fprint(c.out, "\r\033[K"+c.line())
	c.lastDraw = time.Now()
}

// endLine must be called with mu held.
func (c *Console) endLine(status string) {
	if c.interactive {
		fmt.Fprint(c.out, "\r\033[K")
	}
	if status != "" {
		fmt.Fprintln(c.out, c.line()+" "+status)
	} else {
		fmt.Fprintln(c.out, c.line())
	}
	c.active = false
}

// Log reports progress as structured log events.
type Log struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	label   string
	count   int
	started time.Time
}

// NewLog returns a Reporter writing to logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) StartProgress(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.label, l.count, l.started = label, 0, time.Now()
	l.logger.Debug().Str("step", label).Msg("Started")
}

func (l *Log) ContinueProgress(count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count = count
}

func (l *Log) FinishProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Info().Str("step", l.label).Int("count", l.count).Dur("duration", time.Since(l.started)).Msg("Finished")
}

func (l *Log) CancelProgress() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Warn().Str("step", l.label).Int("count", l.count).Msg("Canceled")
}

func (l *Log) Success(message string) {
	l.logger.Info().Msg(message)
}

func (l *Log) Error(message string) {
	l.logger.Error().Msg(message)
}
