// ECF Sync - Incremental School Data Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ecfsync

// Package remote is the client of the remote job API that receives ECF tables.
//
// One import run maps to one remote job:
//
//	POST /api/v1/snapshots                          point-in-time snapshot (429: a recent one exists)
//	POST /api/v1/jobs                               create job, returns {"id": ...}
//	POST /api/v1/jobs/{job}/tables                  declare table and content type, returns {"id": ...}
//	PUT  /api/v1/jobs/{job}/tables/{table}/data     upload ECF text
//	POST /api/v1/jobs/{job}/merge                   start the merge
//	GET  /api/v1/events?jobId={job}                 websocket with begin/progress/end/success/failure events
//
// Transient failures (no response, 408, 429, 502, 503, 504) are retried with
// exponential backoff. Every attempt passes a circuit breaker and an optional
// client-side rate limiter. Callers only see the final outcome of a call.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/ecfsync/internal/config"
	"github.com/tomtom215/ecfsync/internal/logging"
	"github.com/tomtom215/ecfsync/internal/manifest"
	"github.com/tomtom215/ecfsync/internal/metrics"
)

// apiKeyHeader carries the static API key.
const apiKeyHeader = "X-API-Key"

// maxErrorBodySize caps how much of an error response is read.
const maxErrorBodySize = 4096

// ContentType declares what an uploaded table contains.
type ContentType string

const (
	// Complete is a full snapshot of the table.
	Complete ContentType = "Complete"
	// ChangedOnly holds new and modified rows.
	ChangedOnly ContentType = "ChangedOnly"
	// DeletedOnly holds rows to remove.
	DeletedOnly ContentType = "DeletedOnly"
)

// Provider identifies the source system of a job.
type Provider struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// JobRequest creates a job.
type JobRequest struct {
	SchoolTerm string        `json:"schoolTerm"`
	Provider   Provider      `json:"provider"`
	ValidFrom  manifest.Time `json:"validFrom"`
	ValidTo    manifest.Time `json:"validTo"`
}

// TableRequest declares one uploaded table of a job.
type TableRequest struct {
	Name        string      `json:"name"`
	KeyHeaders  []string    `json:"keyHeaders"`
	ContentType ContentType `json:"contentType"`
}

type idResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// RequestError is a non-success response of the remote API.
type RequestError struct {
	Op         string
	StatusCode int
	Message    string
	retryAfter time.Duration
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: remote returned %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether the status is worth retrying.
func (e *RequestError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client talks to the remote job API.
type Client struct {
	baseURL   *url.URL
	eventsURL *url.URL
	apiKey    string
	http      *http.Client
	tokens    oauth2.TokenSource
	limiter   *rate.Limiter
	breaker   *breaker
	dialer    *websocket.Dialer

	retryAttempts        int
	retryInitialInterval time.Duration
	retryMaxInterval     time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. OAuth2 configuration is ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
		c.tokens = nil
	}
}

// New creates a client from configuration.
func New(cfg *config.RemoteConfig, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote url is not configured")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if !strings.HasPrefix(base.Path, "/") {
		base.Path = "/" + base.Path
	}
	events, err := eventsURL(base, cfg.EventsURL)
	if err != nil {
		return nil, err
	}

	hc, tokens := newHTTPClient(cfg)
	c := &Client{
		baseURL:              base,
		eventsURL:            events,
		apiKey:               cfg.APIKey,
		http:                 hc,
		tokens:               tokens,
		breaker:              newBreaker("remote-api", cfg.BreakerFailureThreshold, cfg.BreakerTimeout),
		dialer:               &websocket.Dialer{HandshakeTimeout: 10 * time.Second, EnableCompression: true},
		retryAttempts:        cfg.RetryAttempts,
		retryInitialInterval: cfg.RetryInitialInterval,
		retryMaxInterval:     cfg.RetryMaxInterval,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func eventsURL(base *url.URL, configured string) (*url.URL, error) {
	var u *url.URL
	if configured != "" {
		parsed, err := url.Parse(configured)
		if err != nil {
			return nil, fmt.Errorf("parse events url: %w", err)
		}
		u = parsed
	} else {
		u = base.JoinPath("api", "v1", "events")
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u, nil
}

// CreateSnapshot asks the remote system for a point-in-time snapshot. It
// returns false without error when the remote reports a recent snapshot.
func (c *Client) CreateSnapshot(ctx context.Context) (bool, error) {
	status, err := c.do(ctx, request{
		op:     "create snapshot",
		method: http.MethodPost,
		path:   []string{"api", "v1", "snapshots"},
		accept: []int{http.StatusTooManyRequests},
	}, nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusTooManyRequests, nil
}

// CreateJob creates a job and returns its id.
func (c *Client) CreateJob(ctx context.Context, job JobRequest) (string, error) {
	var resp idResponse
	_, err := c.do(ctx, request{
		op:     "create job",
		method: http.MethodPost,
		path:   []string{"api", "v1", "jobs"},
		body:   jsonBody(job),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &RequestError{Op: "create job", StatusCode: http.StatusOK, Message: "response without job id"}
	}
	return resp.ID, nil
}

// CreateTable declares a table of a job and returns its id.
func (c *Client) CreateTable(ctx context.Context, jobID string, table TableRequest) (string, error) {
	var resp idResponse
	_, err := c.do(ctx, request{
		op:     "create table " + table.Name,
		method: http.MethodPost,
		path:   []string{"api", "v1", "jobs", jobID, "tables"},
		body:   jsonBody(table),
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &RequestError{Op: "create table " + table.Name, StatusCode: http.StatusOK, Message: "response without table id"}
	}
	return resp.ID, nil
}

// UploadTable sends ECF text for a declared table. The reader is rewound
// before every attempt.
func (c *Client) UploadTable(ctx context.Context, jobID, tableID string, data io.ReadSeeker) error {
	_, err := c.do(ctx, request{
		op:          "upload table",
		method:      http.MethodPut,
		path:        []string{"api", "v1", "jobs", jobID, "tables", tableID, "data"},
		contentType: "text/csv; charset=utf-8",
		body: func() (io.Reader, error) {
			if _, err := data.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			return io.NopCloser(data), nil
		},
	}, nil)
	return err
}

// StartMerge asks the remote system to merge all uploaded tables of a job.
func (c *Client) StartMerge(ctx context.Context, jobID string) error {
	_, err := c.do(ctx, request{
		op:     "start merge",
		method: http.MethodPost,
		path:   []string{"api", "v1", "jobs", jobID, "merge"},
	}, nil)
	return err
}

func jsonBody(v interface{}) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(data), nil
	}
}

// handshakeHeader carries credentials for the websocket handshake, which
// does not pass through the OAuth2 transport.
func (c *Client) handshakeHeader() (http.Header, error) {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set(apiKeyHeader, c.apiKey)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("fetch access token: %w", err)
		}
		h.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	}
	return h, nil
}

type request struct {
	op          string
	method      string
	path        []string
	body        func() (io.Reader, error)
	contentType string
	// accept lists non-2xx statuses that are returned without error.
	accept []int
}

// do runs r with retries and returns the final status code.
func (c *Client) do(ctx context.Context, r request, out interface{}) (int, error) {
	endpoint := c.baseURL.JoinPath(r.path...).String()

	var status int
	attempt := 0
	b := &pausingBackOff{BackOff: c.newBackOff()}
	operation := func() error {
		attempt++
		if attempt > 1 {
			metrics.RecordRemoteRetry(r.op)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		var err error
		status, err = c.breaker.execute(func() (int, error) {
			return c.send(ctx, r, endpoint, out)
		})
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return backoff.Permanent(err)
		}

		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.retryAfter > 0 {
			wait := min(reqErr.retryAfter, c.retryMaxInterval)
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-time.After(wait):
			}
			b.paused = true
		}
		return err
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		logging.Ctx(ctx).Warn().Err(err).Str("operation", r.op).Int("attempt", attempt).Dur("retry_in", d).Msg("Remote request failed, retrying")
	})
	return status, err
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitialInterval
	b.MaxInterval = c.retryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(c.retryAttempts, 0)))
}

// pausingBackOff yields a zero interval once after the operation has already
// slept for a Retry-After delay. The wrapped policy still counts the retry.
type pausingBackOff struct {
	backoff.BackOff
	paused bool
}

func (b *pausingBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop || !b.paused {
		return d
	}
	b.paused = false
	return 0
}

func (b *pausingBackOff) Reset() {
	b.paused = false
	b.BackOff.Reset()
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, errCircuitOpen) {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Temporary()
	}
	// No response at all: connection refused, reset, timeout.
	return true
}

// send performs one attempt.
func (c *Client) send(ctx context.Context, r request, endpoint string, out interface{}) (int, error) {
	body := io.Reader(http.NoBody)
	if r.body != nil {
		b, err := r.body()
		if err != nil {
			return 0, backoff.Permanent(fmt.Errorf("%s: prepare body: %w", r.op, err))
		}
		body = b
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("%s: create request: %w", r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		ct := r.contentType
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(r.op, 0, time.Since(start))
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%s: %w", r.op, err)
	}
	defer resp.Body.Close()
	metrics.RecordRemoteRequest(r.op, resp.StatusCode, time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				// The request was accepted; sending it again would repeat it.
				return resp.StatusCode, &RequestError{
					Op:         r.op,
					StatusCode: resp.StatusCode,
					Message:    "decode response: " + err.Error(),
				}
			}
		}
		return resp.StatusCode, nil
	}
	for _, s := range r.accept {
		if resp.StatusCode == s {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize))
			return resp.StatusCode, nil
		}
	}

	return resp.StatusCode, &RequestError{
		Op:         r.op,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(readBodyForError(resp.Body)),
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// readBodyForError reads at most maxErrorBodySize bytes of an error body.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("... (truncated)")...)
	}
	return body
}

// errorMessage extracts {"message": ...} or returns the body verbatim.
func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}
