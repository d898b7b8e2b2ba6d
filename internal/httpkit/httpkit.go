// Package httpkit is the outbound HTTP client shared by the Slack,
// Notion, Anthropic and WebDAV clients, plus a JSON request helper.
package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/postern/internal/buildinfo"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultResponseHeader = 15 * time.Second
	defaultRetries        = 2
	defaultRetryDelay     = 500 * time.Millisecond

	// errorBodyLimit caps the body kept on a StatusError.
	errorBodyLimit = 2048
)

type options struct {
	timeout        time.Duration
	responseHeader time.Duration
	retries        int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// Option adjusts NewClient.
type Option func(*options)

// WithTimeout bounds each whole request. Zero leaves only the context.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithResponseHeaderTimeout bounds the wait for response headers, for
// APIs that think before answering.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.responseHeader = d }
}

// WithRetry sets how often a request that never reached the server is
// retried. Zero disables retries.
func WithRetry(n int, delay time.Duration) Option {
	return func(o *options) { o.retries, o.retryDelay = n, delay }
}

// WithLogger logs retries at debug.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// NewClient returns an http.Client that sets a postern User-Agent and
// retries dial failures.
func NewClient(opts ...Option) *http.Client {
	o := options{
		timeout:        defaultTimeout,
		responseHeader: defaultResponseHeader,
		retries:        defaultRetries,
		retryDelay:     defaultRetryDelay,
	}
	for _, fn := range opts {
		fn(&o)
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: o.responseHeader,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout: o.timeout,
		Transport: &transport{
			base:       base,
			userAgent:  buildinfo.UserAgent(),
			retries:    o.retries,
			retryDelay: o.retryDelay,
			logger:     o.logger,
		},
	}
}

type transport struct {
	base       http.RoundTripper
	userAgent  string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.retries && neverSent(err) && rewindable(req); attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request", "method", req.Method, "host", req.URL.Host, "attempt", attempt, "error", err)
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.retryDelay):
		}

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			if again.Body, err = req.GetBody(); err != nil {
				return nil, fmt.Errorf("rewind body: %w", err)
			}
		}
		resp, err = t.base.RoundTrip(again)
	}
	return resp, err
}

// neverSent reports dial failures where no byte reached the server.
// A reset connection may have delivered the request, so it is not one.
func neverSent(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// StatusError is a non-2xx answer to DoJSON.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// DoJSON sends in as a JSON body when non-nil and decodes a 2xx reply
// into out when non-nil. Other statuses return *StatusError.
func DoJSON(ctx context.Context, c *http.Client, method, url string, header http.Header, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
