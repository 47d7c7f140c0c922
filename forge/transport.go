// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
)

const jsonContentType = "application/json"

// RequestIDHeader carries a fresh identifier on every HTTP attempt.
const RequestIDHeader = "X-Request-ID"

// RetryPolicy governs transport retries. Fatal reports HTTP status codes
// that must not be retried; connection errors are always retriable.
type RetryPolicy struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Fatal        func(status int) bool
}

// DefaultRetryPolicy makes up to 3 attempts with exponential backoff and
// treats every 4xx status as fatal.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Fatal:        func(status int) bool { return status >= 400 && status < 500 },
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	return b
}

func (p RetryPolicy) fatal(status int) bool {
	if p.Fatal == nil {
		return status >= 400 && status < 500
	}
	return p.Fatal(status)
}

// Transport performs JSON POSTs and raw GETs against the service with
// retries. A Transport is safe for concurrent use and pools connections for
// its lifetime.
type Transport struct {
	client    *http.Client
	policy    RetryPolicy
	userAgent string
	logger    *slog.Logger

	retries atomic.Int64
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithHTTPClient replaces the underlying HTTP client. Its RoundTripper is
// wrapped to negotiate gzip and zstd response compression.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) { t.client = c }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) TransportOption {
	return func(t *Transport) { t.policy = p }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) TransportOption {
	return func(t *Transport) { t.userAgent = ua }
}

// WithTransportLogger sets the logger used for retry warnings.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) { t.logger = l }
}

// NewTransport creates a Transport.
func NewTransport(opts ...TransportOption) *Transport {
	t := &Transport{
		policy:    DefaultRetryPolicy(),
		userAgent: ClientName + "/" + Version,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	base := http.DefaultTransport
	var timeout time.Duration
	if t.client != nil {
		if t.client.Transport != nil {
			base = t.client.Transport
		}
		timeout = t.client.Timeout
	}
	t.client = &http.Client{Transport: gzhttp.Transport(base), Timeout: timeout}
	return t
}

var defaultTransport = sync.OnceValue(func() *Transport { return NewTransport() })

// DefaultTransport returns the process-wide Transport.
func DefaultTransport() *Transport {
	return defaultTransport()
}

// Retries returns the number of retried attempts made so far.
func (t *Transport) Retries() int64 {
	return t.retries.Load()
}

// Post sends body as JSON to url and returns the response body.
func (t *Transport) Post(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", url, err)
	}
	return t.do(ctx, http.MethodPost, url, payload)
}

// Get fetches url and returns the response body.
func (t *Transport) Get(ctx context.Context, url string) ([]byte, error) {
	return t.do(ctx, http.MethodGet, url, nil)
}

func (t *Transport) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	attempt := 0
	op := func() ([]byte, error) {
		attempt++
		return t.once(ctx, method, url, payload)
	}
	notify := func(err error, d time.Duration) {
		t.retries.Add(1)
		statsFrom(ctx).RecordRetries(1)
		t.logger.Warn("forge: retrying request",
			"method", method, "url", url, "attempt", attempt, "delay", d, "err", err)
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(t.policy.backOff()),
		backoff.WithMaxTries(max(t.policy.MaxAttempts, 1)),
		backoff.WithNotify(notify),
	)
}

// once performs a single attempt. Fatal failures are wrapped with
// backoff.Permanent so the retry loop stops.
func (t *Transport) once(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", jsonContentType)
	}
	for k, vs := range outgoingHeaders(ctx) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", jsonContentType)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set(RequestIDHeader, uuid.NewString())
	statsFrom(ctx).RecordRequest(len(payload))

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	statsFrom(ctx).RecordResponse(len(data))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	failure := &ApiCallFailedError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(data, resp.Status),
		URL:        url,
	}
	if t.policy.fatal(resp.StatusCode) {
		return nil, backoff.Permanent(failure)
	}
	return nil, failure
}

// errorMessage extracts a human-readable message from an error response.
func errorMessage(body []byte, status string) string {
	var envelope struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch {
		case envelope.Message != "":
			return envelope.Message
		case envelope.Error != "":
			return envelope.Error
		case envelope.Detail != nil:
			return fmt.Sprint(envelope.Detail)
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return status
}

// IsRetriable reports whether err is a transport failure worth retrying at a
// higher level: a 5xx response or a connection error.
func IsRetriable(err error) bool {
	var failed *ApiCallFailedError
	if errors.As(err, &failed) {
		return failed.Retriable()
	}
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
