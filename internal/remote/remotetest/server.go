// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package remotetest provides an in-process fake of the remote job API for
// tests. It records every job, table and upload and can be scripted to fail
// individual operations or to end a merge in a chosen way.
package remotetest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/remote"
)

// APIKey is accepted by servers created with New.
const APIKey = "test-api-key"

// Operation names used with FailNext.
const (
	OpSnapshot = "snapshot"
	OpJob      = "job"
	OpTable    = "table"
	OpUpload   = "upload"
	OpMerge    = "merge"
)

// MergeOutcome selects how a started merge ends.
type MergeOutcome int

const (
	// MergeSucceed publishes begin, progress, end and success.
	MergeSucceed MergeOutcome = iota
	// MergeFail publishes begin and failure.
	MergeFail
	// MergeSilent publishes nothing.
	MergeSilent
	// MergeDrop closes every event connection of the job.
	MergeDrop
)

// Table is one declared table of a job.
type Table struct {
	ID      string
	Request remote.TableRequest
	Data    []byte
}

// Job is one created job.
type Job struct {
	ID      string
	Request remote.JobRequest
	Tables  []*Table
	Merged  bool
}

type failure struct {
	status  int
	message string
	header  http.Header
}

// Server is a fake remote API.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	jobs           []*Job
	snapshots      int
	snapshotStatus int
	failures       map[string][]failure
	calls          []string
	mergeOutcome   MergeOutcome
	mergeMessage   string
	events         map[string][]remote.Event
	subscribers    map[string][]*wsConn
	dropped        map[string]bool
	nextID         int

	upgrader websocket.Upgrader
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(ev remote.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(ev)
}

// New starts a fake server. Close it with t.Cleanup(s.Close).
func New() *Server {
	s := &Server{
		snapshotStatus: http.StatusCreated,
		failures:       make(map[string][]failure),
		events:         make(map[string][]remote.Event),
		subscribers:    make(map[string][]*wsConn),
		dropped:        make(map[string]bool),
	}

	r := chi.NewRouter()
	r.Use(s.requireAPIKey)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/snapshots", s.handleSnapshot)
		r.Post("/jobs", s.handleCreateJob)
		r.Post("/jobs/{job}/tables", s.handleCreateTable)
		r.Put("/jobs/{job}/tables/{table}/data", s.handleUpload)
		r.Post("/jobs/{job}/merge", s.handleMerge)
		r.Get("/events", s.handleEvents)
	})

	s.Server = httptest.NewServer(r)
	return s
}

// Close drops event connections and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, conns := range s.subscribers {
		for _, c := range conns {
			_ = c.conn.Close()
		}
	}
	s.subscribers = make(map[string][]*wsConn)
	s.mu.Unlock()
	s.Server.Close()
}

// RemoteConfig returns a client configuration pointing at the server with
// millisecond retries.
func (s *Server) RemoteConfig() config.RemoteConfig {
	return config.RemoteConfig{
		URL:                     s.URL,
		APIKey:                  APIKey,
		Timeout:                 5 * time.Second,
		RetryAttempts:           3,
		RetryInitialInterval:    time.Millisecond,
		RetryMaxInterval:        5 * time.Millisecond,
		BreakerFailureThreshold: 50,
		BreakerTimeout:          time.Second,
	}
}

// SetSnapshotStatus sets the status returned for snapshot requests.
func (s *Server) SetSnapshotStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotStatus = status
}

// SetMergeOutcome scripts how merges end. message is used by MergeFail.
func (s *Server) SetMergeOutcome(outcome MergeOutcome, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeOutcome = outcome
	s.mergeMessage = message
}

// FailNext makes the next times calls of op answer with status and message.
func (s *Server) FailNext(op string, times, status int, message string) {
	s.FailNextWithHeader(op, times, status, message, nil)
}

// FailNextWithHeader is FailNext with extra response headers.
func (s *Server) FailNextWithHeader(op string, times, status int, message string, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < times; i++ {
		s.failures[op] = append(s.failures[op], failure{status: status, message: message, header: header})
	}
}

// Snapshots returns how many snapshot requests succeeded.
func (s *Server) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots
}

// Jobs returns the created jobs.
func (s *Server) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Calls returns the operations received, failed ones included.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how often op was received.
func (s *Server) CallCount(op string) int {
	n := 0
	for _, c := range s.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// begin records op and applies a scripted failure. It returns false when
// the response has been written.
func (s *Server) begin(w http.ResponseWriter, op string) bool {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	queue := s.failures[op]
	if len(queue) == 0 {
		s.mu.Unlock()
		return true
	}
	f := queue[0]
	s.failures[op] = queue[1:]
	s.mu.Unlock()

	for k, v := range f.header {
		w.Header()[k] = v
	}
	writeError(w, f.status, f.message)
	return false
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if !s.begin(w, OpSnapshot) {
		return
	}
	s.mu.Lock()
	status := s.snapshotStatus
	if status < 300 {
		s.snapshots++
	}
	s.mu.Unlock()

	if status >= 300 {
		writeError(w, status, "a snapshot was created recently")
		return
	}
	w.WriteHeader(status)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, OpJob) {
		return
	}
	var req remote.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.SchoolTerm) == "" {
		writeError(w, http.StatusBadRequest, "schoolTerm is required")
		return
	}

	s.mu.Lock()
	s.nextID++
	job := &Job{ID: fmt.Sprintf("job-%d", s.nextID), Request: req}
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, OpTable) {
		return
	}
	var req remote.TableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.findJob(chi.URLParam(r, "job"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.nextID++
	table := &Table{ID: fmt.Sprintf("table-%d", s.nextID), Request: req}
	job.Tables = append(job.Tables, table)
	writeJSON(w, http.StatusCreated, map[string]string{"id": table.ID})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, OpUpload) {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.findJob(chi.URLParam(r, "job"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	for _, t := range job.Tables {
		if t.ID == chi.URLParam(r, "table") {
			t.Data = data
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	writeError(w, http.StatusNotFound, "table not found")
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if !s.begin(w, OpMerge) {
		return
	}

	s.mu.Lock()
	job := s.findJob(chi.URLParam(r, "job"))
	if job == nil {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.Merged = true
	outcome, message := s.mergeOutcome, s.mergeMessage
	records := 0
	for _, t := range job.Tables {
		records += max(strings.Count(string(t.Data), "\r\n")-1, 0)
	}
	tables := len(job.Tables)
	s.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)

	go func() {
		switch outcome {
		case MergeSucceed:
			s.publish(remote.Event{Type: remote.EventBegin, JobID: job.ID})
			s.publish(remote.Event{Type: remote.EventProgress, JobID: job.ID, Progress: 50})
			s.publish(remote.Event{Type: remote.EventEnd, JobID: job.ID})
			s.publish(remote.Event{Type: remote.EventSuccess, JobID: job.ID, TableCount: tables, RecordCount: records})
		case MergeFail:
			s.publish(remote.Event{Type: remote.EventBegin, JobID: job.ID})
			s.publish(remote.Event{Type: remote.EventFailure, JobID: job.ID, Message: message})
		case MergeDrop:
			s.dropSubscribers(job.ID)
		case MergeSilent:
		}
	}()
}

// handleEvents replays past events of the job to a new subscriber, then
// streams new ones.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}

	s.mu.Lock()
	if s.dropped[jobID] {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	for _, ev := range s.events[jobID] {
		c.send(ev)
	}
	s.subscribers[jobID] = append(s.subscribers[jobID], c)
	s.mu.Unlock()

	// Drain client frames so control messages (ping, close) are handled.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) publish(ev remote.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.JobID] = append(s.events[ev.JobID], ev)
	for _, c := range s.subscribers[ev.JobID] {
		c.send(ev)
	}
}

func (s *Server) dropSubscribers(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.subscribers[jobID] {
		_ = c.conn.Close()
	}
	delete(s.subscribers, jobID)
	s.dropped[jobID] = true
}

func (s *Server) findJob(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
