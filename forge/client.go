// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is the pause between polls of an open call.
const DefaultPollInterval = time.Second

// BlobFetcher retrieves result and params blobs whose URL scheme is not
// http or https.
type BlobFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// BlobFetcherFunc adapts a function to BlobFetcher.
type BlobFetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f.
func (f BlobFetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

var blobFetchers struct {
	mu sync.RWMutex
	m  map[string]BlobFetcher
}

// RegisterBlobFetcher installs a process-wide fetcher for URL scheme. Client
// options take precedence. A nil f removes the scheme.
func RegisterBlobFetcher(scheme string, f BlobFetcher) {
	blobFetchers.mu.Lock()
	defer blobFetchers.mu.Unlock()
	if f == nil {
		delete(blobFetchers.m, strings.ToLower(scheme))
		return
	}
	if blobFetchers.m == nil {
		blobFetchers.m = map[string]BlobFetcher{}
	}
	blobFetchers.m[strings.ToLower(scheme)] = f
}

// Client drives remote calls. A Client is safe for concurrent use; the zero
// value is not usable, construct one with NewClient.
type Client struct {
	transport    *Transport
	registry     *Registry
	pollInterval time.Duration
	logger       *slog.Logger
	hook         CallHook
	diagnostics  io.Writer
	fetchers     map[string]BlobFetcher
	probe        *versionProbe
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the HTTP transport. The default is DefaultTransport().
func WithTransport(t *Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithRegistry sets the transform registry. The default is DefaultRegistry().
func WithRegistry(r *Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithPollInterval sets the pause between polls of an open call.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCallHook installs an observability hook.
func WithCallHook(h CallHook) Option {
	return func(c *Client) { c.hook = h }
}

// WithDiagnosticsWriter sets where compatibility diagnostics are printed.
// The default is os.Stderr.
func WithDiagnosticsWriter(w io.Writer) Option {
	return func(c *Client) { c.diagnostics = w }
}

// WithBlobFetcher sets the fetcher used for result URLs with scheme.
func WithBlobFetcher(scheme string, f BlobFetcher) Option {
	return func(c *Client) { c.fetchers[strings.ToLower(scheme)] = f }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		registry:     DefaultRegistry(),
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
		diagnostics:  os.Stderr,
		fetchers:     map[string]BlobFetcher{},
		probe:        newVersionProbe(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.transport == nil {
		c.transport = DefaultTransport()
	}
	return c
}

var defaultClient = sync.OnceValue(func() *Client { return NewClient() })

// DefaultClient returns the process-wide Client used when a context carries
// none.
func DefaultClient() *Client {
	return defaultClient()
}

type clientKey struct{}

// WithClient returns a context whose calls are driven by c.
func WithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

func clientFrom(ctx context.Context) *Client {
	if c, ok := ctx.Value(clientKey{}).(*Client); ok && c != nil {
		return c
	}
	return DefaultClient()
}

// Registry returns the client's transform registry.
func (c *Client) Registry() *Registry {
	return c.registry
}

// ResetCompatibilityCheck makes the next call re-run the server version
// check for every host.
func (c *Client) ResetCompatibilityCheck() {
	c.probe.reset()
}

// fetch retrieves a secondary result or params URL.
func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ApiCallResultUnavailableError{URL: rawURL, Cause: err}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "http" || scheme == "https" {
		data, err := c.transport.Get(ctx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			unavailable := &ApiCallResultUnavailableError{URL: rawURL, Cause: err}
			var failed *ApiCallFailedError
			if errors.As(err, &failed) {
				unavailable.StatusCode = failed.StatusCode
			}
			return nil, unavailable
		}
		return data, nil
	}

	f, ok := c.fetchers[scheme]
	if !ok {
		blobFetchers.mu.RLock()
		f, ok = blobFetchers.m[scheme]
		blobFetchers.mu.RUnlock()
	}
	if !ok {
		return nil, &ApiCallResultUnavailableError{
			URL:   rawURL,
			Cause: fmt.Errorf("no blob fetcher registered for scheme %q", scheme),
		}
	}
	data, err := f.Fetch(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ApiCallResultUnavailableError{URL: rawURL, Cause: err}
	}
	statsFrom(ctx).RecordResponse(len(data))
	return data, nil
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
