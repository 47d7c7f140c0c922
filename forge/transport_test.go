// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryPolicy(attempts uint) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

// scriptedServer answers each request with the next status in statuses,
// then 200 with body.
func scriptedServer(t *testing.T, body string, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			_, _ = io.WriteString(w, `{"message":"scripted failure"}`)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestTransportPostSendsJSON(t *testing.T) {
	var got struct {
		header http.Header
		body   map[string]any
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	tr := NewTransport(WithUserAgent("forge-test/1"))
	out, err := tr.Post(context.Background(), srv.URL+"/test/echo", map[string]any{"text": "<hi>"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	assert.Equal(t, "forge-test/1", got.header.Get("User-Agent"))
	assert.Len(t, got.header.Get(RequestIDHeader), 36)
	assert.Equal(t, "<hi>", got.body["text"])
}

func TestTransportRetriesServerErrors(t *testing.T) {
	srv, hits := scriptedServer(t, `"done"`, http.StatusBadGateway, http.StatusServiceUnavailable)
	tr := NewTransport(WithRetryPolicy(fastRetryPolicy(3)))

	out, err := tr.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(out))
	assert.EqualValues(t, 3, hits.Load())
	assert.EqualValues(t, 2, tr.Retries())
}

func TestTransportGivesUpAfterMaxAttempts(t *testing.T) {
	srv, hits := scriptedServer(t, `"never"`, 500, 500, 500, 500)
	tr := NewTransport(WithRetryPolicy(fastRetryPolicy(3)))

	_, err := tr.Get(context.Background(), srv.URL)
	var failed *ApiCallFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 500, failed.StatusCode)
	assert.Equal(t, "scripted failure", failed.Message)
	assert.True(t, IsRetriable(err))
	assert.EqualValues(t, 3, hits.Load())
}

func TestTransportClientErrorsAreFatal(t *testing.T) {
	srv, hits := scriptedServer(t, `"never"`, http.StatusUnauthorized)
	tr := NewTransport(WithRetryPolicy(fastRetryPolicy(5)))

	_, err := tr.Post(context.Background(), srv.URL, map[string]any{})
	require.ErrorIs(t, err, ErrApiCallFailed)
	assert.False(t, IsRetriable(err))
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 0, tr.Retries())
}

func TestTransportCustomFatalPredicate(t *testing.T) {
	srv, hits := scriptedServer(t, `1`, http.StatusTooManyRequests)
	p := fastRetryPolicy(3)
	p.Fatal = func(status int) bool { return status != http.StatusTooManyRequests && status < 500 }
	tr := NewTransport(WithRetryPolicy(p))

	_, err := tr.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestTransportConnectionErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewTransport(WithRetryPolicy(fastRetryPolicy(2)))
	_, err := tr.Get(context.Background(), url)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrApiCallFailed)
	assert.True(t, IsRetriable(err))
	assert.EqualValues(t, 1, tr.Retries())
}

func TestTransportHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewTransport(WithRetryPolicy(fastRetryPolicy(5))).Get(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsRetriable(err))
}

func TestTransportOutgoingHeadersAndStats(t *testing.T) {
	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		_, _ = io.WriteString(w, `{"v":1}`)
	}))
	defer srv.Close()

	stats := &CallStatistics{}
	ctx := withStats(context.Background(), stats)
	ctx = WithOutgoingHeaders(ctx, http.Header{"Traceparent": {"00-abc-def-01"}})
	_, err := NewTransport().Post(ctx, srv.URL, map[string]any{"a": 1})
	require.NoError(t, err)

	assert.Equal(t, "00-abc-def-01", traceparent)
	assert.EqualValues(t, len(`{"a":1}`), stats.RequestBytes)
	assert.EqualValues(t, len(`{"v":1}`), stats.ResponseBytes)
}

func TestTransportConcurrentUse(t *testing.T) {
	srv, hits := scriptedServer(t, `"ok"`)
	tr := NewTransport()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Get(context.Background(), srv.URL)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 20, hits.Load())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "m", errorMessage([]byte(`{"message":"m","error":"e"}`), "500"))
	assert.Equal(t, "e", errorMessage([]byte(`{"error":"e"}`), "500"))
	assert.Equal(t, "[bad field]", errorMessage([]byte(`{"detail":["bad field"]}`), "422"))
	assert.Equal(t, "plain text", errorMessage([]byte(" plain text\n"), "500"))
	assert.Equal(t, "502 Bad Gateway", errorMessage(nil, "502 Bad Gateway"))
}

type countingRoundTripper struct {
	calls atomic.Int32
}

func (c *countingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestTransportWrapsCustomHTTPClient(t *testing.T) {
	srv, _ := scriptedServer(t, `"ok"`)
	rt := &countingRoundTripper{}
	tr := NewTransport(WithHTTPClient(&http.Client{Transport: rt, Timeout: time.Second}))

	out, err := tr.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(out))
	assert.EqualValues(t, 1, rt.calls.Load())
}
