// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"
)

// Compatibility levels reported by CompareVersions.
type Compatibility int

const (
	Compatible Compatibility = iota
	PatchDivergence
	MinorDivergence
	MajorDivergence
)

func (c Compatibility) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case PatchDivergence:
		return "patch divergence"
	case MinorDivergence:
		return "minor divergence"
	case MajorDivergence:
		return "major divergence"
	}
	return fmt.Sprintf("Compatibility(%d)", int(c))
}

func canonicalSemver(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// CompareVersions classifies the divergence between two "X.Y.Z" versions.
func CompareVersions(client, server string) (Compatibility, error) {
	cv, sv := canonicalSemver(client), canonicalSemver(server)
	if !semver.IsValid(cv) {
		return Compatible, fmt.Errorf("invalid client version %q", client)
	}
	if !semver.IsValid(sv) {
		return Compatible, fmt.Errorf("invalid server version %q", server)
	}
	switch {
	case semver.Compare(cv, sv) == 0:
		return Compatible, nil
	case semver.Major(cv) != semver.Major(sv):
		return MajorDivergence, nil
	case semver.MajorMinor(cv) != semver.MajorMinor(sv):
		return MinorDivergence, nil
	}
	return PatchDivergence, nil
}

// versionProbe is a latch per host: the server version is checked on the
// first call to a host, and again only after a setter changes configuration
// or the latch is reset.
type versionProbe struct {
	mu      sync.Mutex
	checked map[string]uint64
	group   singleflight.Group
}

func newVersionProbe() *versionProbe {
	return &versionProbe{checked: map[string]uint64{}}
}

func (p *versionProbe) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.checked)
}

func (p *versionProbe) done(host string, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.checked[host]
	return ok && g == gen
}

// check runs the probe for host unless it already ran. Failures are logged
// and never fail the call.
func (p *versionProbe) check(ctx context.Context, c *Client, host string) {
	gen := settingsGeneration.Load()
	if p.done(host, gen) {
		return
	}
	_, _, _ = p.group.Do(host, func() (any, error) {
		if p.done(host, gen) {
			return nil, nil
		}
		p.run(ctx, c, host)
		p.mu.Lock()
		p.checked[host] = gen
		p.mu.Unlock()
		return nil, nil
	})
}

func (p *versionProbe) run(ctx context.Context, c *Client, host string) {
	raw, err := c.transport.Get(ctx, endpointURL(host, "about/about"))
	if err != nil {
		c.logger.Warn("forge: compatibility check failed", "host", host, "err", err)
		return
	}
	var about struct {
		APISemver string `json:"api_semver"`
	}
	if err := json.Unmarshal(raw, &about); err != nil || about.APISemver == "" {
		c.logger.Warn("forge: compatibility check failed", "host", host, "err", "no api_semver in /about/about")
		return
	}
	level, err := CompareVersions(Version, about.APISemver)
	if err != nil {
		c.logger.Warn("forge: compatibility check failed", "host", host, "err", err)
		return
	}
	c.logger.Debug("forge: server version", "host", host, "api_semver", about.APISemver, "compatibility", level)

	var paint *color.Color
	var msg string
	switch level {
	case Compatible:
		return
	case PatchDivergence:
		paint = color.New(color.FgGreen)
		msg = "Forge client %s and server API %s differ only in patch version; everything should work."
	case MinorDivergence:
		paint = color.New(color.FgYellow)
		msg = "Forge client %s and server API %s differ in minor version; some features may be unavailable. Consider upgrading."
	default:
		paint = color.New(color.FgRed, color.Bold)
		msg = "Forge client %s is incompatible with server API %s; calls are likely to fail. Please upgrade the client."
	}
	_, _ = paint.Fprintf(c.diagnostics, msg+"\n", Version, about.APISemver)
}
