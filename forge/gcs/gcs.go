// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package gcs lets Forge clients read result and params blobs the service
// stores in Google Cloud Storage, addressed as gs://bucket/object.
//
// Usage:
//
//	f, err := gcs.New(ctx)
//	if err != nil { ... }
//	defer f.Close()
//	gcs.Register(f)
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/Query-farm/forge-go/forge"
)

// Scheme is the URL scheme served by Fetcher.
const Scheme = "gs"

// Fetcher reads gs:// URLs. It implements forge.BlobFetcher.
type Fetcher struct {
	client *storage.Client
	owned  bool
}

// New creates a Fetcher with a storage client using Application Default
// Credentials.
func New(ctx context.Context) (*Fetcher, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating storage client: %w", err)
	}
	return &Fetcher{client: c, owned: true}, nil
}

// NewWithClient wraps an existing storage client. Close leaves it open.
func NewWithClient(c *storage.Client) *Fetcher {
	return &Fetcher{client: c}
}

// Register installs f as the process-wide fetcher for gs:// URLs.
func Register(f *Fetcher) {
	forge.RegisterBlobFetcher(Scheme, f)
}

// Option returns a client option that uses f for gs:// URLs.
func Option(f *Fetcher) forge.Option {
	return forge.WithBlobFetcher(Scheme, f)
}

// Close releases the storage client if New created it.
func (f *Fetcher) Close() error {
	if f.owned {
		return f.client.Close()
	}
	return nil
}

// ParseURL splits gs://bucket/object into its parts.
func ParseURL(raw string) (bucket, object string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("gcs: malformed url %q: %w", raw, err)
	}
	if u.Scheme != Scheme {
		return "", "", fmt.Errorf("gcs: url %q does not use the %s scheme", raw, Scheme)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", fmt.Errorf("gcs: url %q needs a bucket and an object", raw)
	}
	return u.Host, object, nil
}

// Fetch reads the whole object named by a gs:// URL.
func (f *Fetcher) Fetch(ctx context.Context, raw string) ([]byte, error) {
	bucket, object, err := ParseURL(raw)
	if err != nil {
		return nil, err
	}
	r, err := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gcs: %s does not exist: %w", raw, err)
		}
		return nil, fmt.Errorf("gcs: opening %s: %w", raw, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs: reading %s: %w", raw, err)
	}
	return data, nil
}

// Stage uploads data as a JSON object under prefix in bucket with a random
// name and returns its gs:// URL. Services use it to publish large results.
func (f *Fetcher) Stage(ctx context.Context, bucket, prefix string, data []byte) (string, error) {
	object := path.Join(prefix, uuid.NewString()+".json")
	w := f.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs: writing %s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: finalizing %s/%s: %w", bucket, object, err)
	}
	return fmt.Sprintf("%s://%s/%s", Scheme, bucket, object), nil
}

var _ forge.BlobFetcher = (*Fetcher)(nil)
