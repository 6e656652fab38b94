// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/ecfsync/internal/logging"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	writeWait  = 10 * time.Second
)

// EventType is the kind of a job event.
type EventType string

const (
	EventBegin    EventType = "begin"
	EventProgress EventType = "progress"
	EventEnd      EventType = "end"
	EventSuccess  EventType = "success"
	EventFailure  EventType = "failure"
)

// Event is a push notification about a job.
type Event struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"jobId"`
	Message     string    `json:"message,omitempty"`
	Progress    int       `json:"progress,omitempty"`
	TableCount  int       `json:"tableCount,omitempty"`
	RecordCount int       `json:"recordCount,omitempty"`
}

// Terminal reports whether the event ends the job.
func (e Event) Terminal() bool {
	return e.Type == EventSuccess || e.Type == EventFailure
}

// Subscription delivers events of one job until closed. The events channel
// is closed when the connection ends; Err then tells why.
type Subscription struct {
	jobID  string
	conn   *websocket.Conn
	events chan Event

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Subscribe opens the event stream for a job. Subscribe before starting the
// merge so no event is missed.
func (c *Client) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	u := *c.eventsURL
	q := u.Query()
	q.Set("jobId", jobID)
	u.RawQuery = q.Encode()

	header, err := c.handshakeHeader()
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &RequestError{Op: "subscribe events", StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	s := &Subscription{
		jobID:    jobID,
		conn:     conn,
		events:   make(chan Event, 16),
		stopChan: make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.wg.Add(2)
	go s.listen(ctx)
	go s.pingLoop()

	logging.Ctx(ctx).Debug().Str("url", c.eventsURL.Redacted()).Msg("Subscribed to job events")
	return s, nil
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Err returns the reason the event stream ended, or nil while it is open or
// after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the subscription and waits for its goroutines.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Subscription) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Subscription) listen(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !s.stopped() {
				s.mu.Lock()
				s.err = fmt.Errorf("event stream closed: %w", err)
				s.mu.Unlock()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logging.Ctx(ctx).Warn().Err(err).Msg("Job event stream lost")
				}
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("Ignoring malformed job event")
			continue
		}
		if ev.JobID != "" && ev.JobID != s.jobID {
			continue
		}

		select {
		case s.events <- ev:
		case <-s.stopChan:
			return
		}
	}
}

func (s *Subscription) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logging.Debug().Err(err).Msg("Job event ping failed")
				}
				return
			}
		}
	}
}
