// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package history keeps a bounded log of import runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const runKeyPrefix = "run:"

// Run is the record of one import run.
type Run struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt"`
	Mode        string        `json:"mode"`
	Status      string        `json:"status"`
	SchoolTerm  string        `json:"schoolTerm,omitempty"`
	JobID       string        `json:"jobId,omitempty"`
	Tables      []TableRun    `json:"tables,omitempty"`
	TableCount  int           `json:"tableCount,omitempty"`
	RecordCount int           `json:"recordCount,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// TableRun is the per-table part of a Run.
type TableRun struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Changed     int    `json:"changed"`
	Deleted     int    `json:"deleted"`
	Uploaded    int    `json:"uploaded"`
}

// Store persists runs.
type Store interface {
	Record(ctx context.Context, run Run) error
	List(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// BadgerStore keeps runs in a BadgerDB, newest last in key order.
type BadgerStore struct {
	db   *badger.DB
	keep int
}

// OpenBadger opens or creates a run history database in dir, keeping at most
// keep runs.
func OpenBadger(dir string, keep int) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for history: %w", err)
	}
	return NewBadgerStore(db, keep), nil
}

// NewBadgerStore wraps an open database.
func NewBadgerStore(db *badger.DB, keep int) *BadgerStore {
	if keep < 1 {
		keep = 1
	}
	return &BadgerStore{db: db, keep: keep}
}

func runKey(r Run) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", runKeyPrefix, r.StartedAt.UnixNano(), r.ID))
}

// Record stores run and prunes the oldest runs beyond the retention limit.
func (s *BadgerStore) Record(_ context.Context, run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(run), data)
	}); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	return s.prune()
}

func (s *BadgerStore) prune() error {
	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runKeyPrefix)
		n := 0
		for it.Seek(append([]byte(runKeyPrefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			n++
			if n > s.keep {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan history: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return fmt.Errorf("prune history: %w", err)
			}
		}
		return nil
	})
}

// List returns up to limit runs, newest first. A limit below 1 returns all.
func (s *BadgerStore) List(_ context.Context, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runKeyPrefix)
		for it.Seek(append([]byte(runKeyPrefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var r Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return runs, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// InMemory keeps runs for the lifetime of the process.
type InMemory struct {
	mu   sync.Mutex
	runs []Run
	keep int
}

// NewInMemory returns an in-memory store keeping at most keep runs.
func NewInMemory(keep int) *InMemory {
	if keep < 1 {
		keep = 1
	}
	return &InMemory{keep: keep}
}

// Record stores a copy of run.
func (m *InMemory) Record(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run.Tables = append([]TableRun(nil), run.Tables...)
	m.runs = append(m.runs, run)
	sort.SliceStable(m.runs, func(i, j int) bool {
		return m.runs[i].StartedAt.Before(m.runs[j].StartedAt)
	})
	if len(m.runs) > m.keep {
		m.runs = append([]Run(nil), m.runs[len(m.runs)-m.keep:]...)
	}
	return nil
}

// List returns up to limit runs, newest first.
func (m *InMemory) List(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Run, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}

// Close is a no-op.
func (m *InMemory) Close() error {
	return nil
}

// ErrNoRuns is returned by Last for an empty history.
var ErrNoRuns = errors.New("no runs recorded")

// Last returns the newest run in s.
func Last(ctx context.Context, s Store) (Run, error) {
	runs, err := s.List(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNoRuns
	}
	return runs[0], nil
}
