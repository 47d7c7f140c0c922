// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		client, server string
		want           Compatibility
	}{
		{"7.4.0", "7.4.0", Compatible},
		{"7.4.0", "v7.4.0", Compatible},
		{"7.4.0", "7.4.3", PatchDivergence},
		{"7.4.9", "7.4.0", PatchDivergence},
		{"7.4.0", "7.5.0", MinorDivergence},
		{"7.4.0", "6.9.9", MajorDivergence},
		{"7.4.0", "8.0.0", MajorDivergence},
	}
	for _, c := range cases {
		got, err := CompareVersions(c.client, c.server)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s vs %s", c.client, c.server)
	}

	_, err := CompareVersions("7.4.0", "latest")
	assert.Error(t, err)
	_, err = CompareVersions("seven", "7.4.0")
	assert.Error(t, err)
	assert.Equal(t, "minor divergence", MinorDivergence.String())
}

type aboutServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newAboutServer(t *testing.T, status int, body string) *aboutServer {
	t.Helper()
	s := &aboutServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/about/about", r.URL.Path)
		s.hits.Add(1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func probeClient(diag io.Writer) *Client {
	return NewClient(
		WithTransport(NewTransport(WithRetryPolicy(fastRetryPolicy(1)))),
		WithDiagnosticsWriter(diag),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestProbeDiagnostics(t *testing.T) {
	for server, want := range map[string]string{
		Version:  "",
		"7.4.1":  "differ only in patch version",
		"7.9.0":  "differ in minor version",
		"10.0.0": "is incompatible with server API 10.0.0",
	} {
		t.Run(server, func(t *testing.T) {
			srv := newAboutServer(t, http.StatusOK, fmt.Sprintf(`{"api_semver":%q}`, server))
			var diag bytes.Buffer
			c := probeClient(&diag)
			c.probe.check(context.Background(), c, srv.URL)
			if want == "" {
				assert.Empty(t, diag.String())
				return
			}
			assert.Contains(t, diag.String(), want)
		})
	}
}

func TestProbeRunsOncePerHost(t *testing.T) {
	clearSettings(t)
	srv := newAboutServer(t, http.StatusOK, `{"api_semver":"7.5.0"}`)
	var diag bytes.Buffer
	c := probeClient(&diag)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.probe.check(ctx, c, srv.URL)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, srv.hits.Load())

	c.ResetCompatibilityCheck()
	c.probe.check(ctx, c, srv.URL)
	assert.EqualValues(t, 2, srv.hits.Load())

	require.NoError(t, SetClientDebug(false))
	c.probe.check(ctx, c, srv.URL)
	assert.EqualValues(t, 3, srv.hits.Load(), "a setter re-arms the probe")

	other := newAboutServer(t, http.StatusOK, `{"api_semver":"7.4.0"}`)
	c.probe.check(ctx, c, other.URL)
	assert.EqualValues(t, 1, other.hits.Load())
}

func TestProbeFailuresAreSilent(t *testing.T) {
	for name, srv := range map[string]*aboutServer{
		"server error":   newAboutServer(t, http.StatusInternalServerError, `{"message":"down"}`),
		"no api_semver":  newAboutServer(t, http.StatusOK, `{}`),
		"invalid semver": newAboutServer(t, http.StatusOK, `{"api_semver":"banana"}`),
	} {
		t.Run(name, func(t *testing.T) {
			var diag bytes.Buffer
			c := probeClient(&diag)
			c.probe.check(context.Background(), c, srv.URL)
			assert.Empty(t, diag.String())
			assert.EqualValues(t, 1, srv.hits.Load())

			c.probe.check(context.Background(), c, srv.URL)
			assert.EqualValues(t, 1, srv.hits.Load(), "failed probes still latch")
		})
	}
}
