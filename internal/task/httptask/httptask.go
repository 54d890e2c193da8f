// Package httptask runs HTTP requests as engine tasks. Rate-limited
// responses fail with a throttle signal so a throttle policy can pause the
// pool.
package httptask

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"dispatchq/internal/task"
)

const (
	DefaultTimeout = 30 * time.Second
	// DefaultRetryAfter is used for 429/503 responses without a usable Retry-After.
	DefaultRetryAfter = 30 * time.Second
	// MaxBodyBytes caps how much of a response body is kept.
	MaxBodyBytes = 1 << 20
)

// Request describes one HTTP call.
type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Response is the task result for statuses below 400.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// StatusError reports an unexpected status.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client builds HTTP tasks sharing one http.Client and an optional local
// token bucket.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithRateLimit throttles tasks locally at perSec with burst. perSec <= 0 disables it.
func WithRateLimit(perSec float64, burst int) Option {
	return func(cl *Client) {
		if perSec <= 0 {
			cl.limiter = nil
			return
		}
		cl.limiter = rate.NewLimiter(rate.Limit(perSec), max(burst, 1))
	}
}

func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{http: &http.Client{Timeout: timeout}, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Task returns a task performing req. A Request passed as the run input
// replaces req for that attempt.
func (c *Client) Task(req Request) task.Task {
	return task.RateLimited(&httpTask{c: c, req: req}, c.limiter)
}

type httpTask struct {
	c   *Client
	req Request
}

func (t *httpTask) Run(ctx context.Context, input any) (any, error) {
	req := t.req
	switch in := input.(type) {
	case Request:
		req = in
	case *Request:
		if in != nil {
			req = *in
		}
	}
	return t.c.Do(ctx, req)
}

// Do performs req once and classifies the outcome for the engine.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, task.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, req.URL, err)
	}

	if resp.StatusCode < 400 {
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
	}

	serr := &StatusError{Method: method, URL: req.URL, Status: resp.StatusCode, Body: snippet(data)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		now := c.now()
		return nil, task.Throttle(serr, retryAfter(resp.Header.Get("Retry-After"), now))
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return nil, serr
	default:
		return nil, task.Permanent(serr)
	}
}

// retryAfter parses delta-seconds or an HTTP date. Anything else, or a time
// not after now, falls back to DefaultRetryAfter.
func retryAfter(v string, now time.Time) time.Time {
	v = strings.TrimSpace(v)
	if v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t
		}
	}
	return now.Add(DefaultRetryAfter)
}

func snippet(b []byte) string {
	const n = 200
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[:n] + "..."
	}
	return s
}
