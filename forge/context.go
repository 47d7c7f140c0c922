// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// SchedulingMode tells the service what to do when the requested backend is
// not available right now.
type SchedulingMode string

const (
	// SchedulingImmediate runs the call now or fails with a scheduled-state error.
	SchedulingImmediate SchedulingMode = "immediate"
	// SchedulingNextAvailable queues the call for the next backend window.
	SchedulingNextAvailable SchedulingMode = "next_available"
)

// Valid reports whether m is one of the declared scheduling modes.
func (m SchedulingMode) Valid() bool {
	return m == SchedulingImmediate || m == SchedulingNextAvailable
}

// IBMQCredentials are third-party hardware credentials forwarded to the service.
type IBMQCredentials struct {
	Token   *string `json:"token,omitempty"`
	Hub     *string `json:"hub,omitempty"`
	Group   *string `json:"group,omitempty"`
	Project *string `json:"project,omitempty"`
}

// Credentials holds the Forge API key and optional nested hardware credentials.
type Credentials struct {
	QCWareAPIKey *string          `json:"qcware_api_key,omitempty"`
	IBMQ         *IBMQCredentials `json:"ibmq_credentials,omitempty"`
}

// Environment describes the calling client.
type Environment struct {
	Client         *string `json:"client,omitempty"`
	ClientVersion  *string `json:"client_version,omitempty"`
	RuntimeVersion *string `json:"runtime_version,omitempty"`
	Environment    *string `json:"environment,omitempty"`
	SourceFile     *string `json:"source_file,omitempty"`
	// Debug enables server traceback passthrough in client errors.
	Debug *bool `json:"debug,omitempty"`
}

// CallContext parameterizes every remote call. Nil fields mean "don't
// override" when the context is layered over another one.
type CallContext struct {
	Host                      *string         `json:"qcware_host,omitempty"`
	Credentials               *Credentials    `json:"credentials,omitempty"`
	Environment               *Environment    `json:"environment,omitempty"`
	ServerTimeout             *int            `json:"server_timeout,omitempty"`
	ClientTimeout             *int            `json:"client_timeout,omitempty"`
	AsyncIntervalBetweenTries *float64        `json:"async_interval_between_tries,omitempty"`
	SchedulingMode            *SchedulingMode `json:"scheduling_mode,omitempty"`
}

// Ptr returns a pointer to v. It is a convenience for building partial
// CallContext overrides.
func Ptr[T any](v T) *T {
	return &v
}

// pick returns b when it is set, otherwise a.
func pick[T any](a, b *T) *T {
	if b != nil {
		return b
	}
	return a
}

// Merge layers o over c: every field set in o wins, sub-records merge
// recursively, and nil fields in o leave c's value in place. Neither input is
// modified.
func (c CallContext) Merge(o CallContext) CallContext {
	return CallContext{
		Host:                      pick(c.Host, o.Host),
		Credentials:               c.Credentials.merge(o.Credentials),
		Environment:               c.Environment.merge(o.Environment),
		ServerTimeout:             pick(c.ServerTimeout, o.ServerTimeout),
		ClientTimeout:             pick(c.ClientTimeout, o.ClientTimeout),
		AsyncIntervalBetweenTries: pick(c.AsyncIntervalBetweenTries, o.AsyncIntervalBetweenTries),
		SchedulingMode:            pick(c.SchedulingMode, o.SchedulingMode),
	}
}

func (c *Credentials) merge(o *Credentials) *Credentials {
	if c == nil || o == nil {
		return pick(c, o)
	}
	return &Credentials{
		QCWareAPIKey: pick(c.QCWareAPIKey, o.QCWareAPIKey),
		IBMQ:         c.IBMQ.merge(o.IBMQ),
	}
}

func (c *IBMQCredentials) merge(o *IBMQCredentials) *IBMQCredentials {
	if c == nil || o == nil {
		return pick(c, o)
	}
	return &IBMQCredentials{
		Token:   pick(c.Token, o.Token),
		Hub:     pick(c.Hub, o.Hub),
		Group:   pick(c.Group, o.Group),
		Project: pick(c.Project, o.Project),
	}
}

func (e *Environment) merge(o *Environment) *Environment {
	if e == nil || o == nil {
		return pick(e, o)
	}
	return &Environment{
		Client:         pick(e.Client, o.Client),
		ClientVersion:  pick(e.ClientVersion, o.ClientVersion),
		RuntimeVersion: pick(e.RuntimeVersion, o.RuntimeVersion),
		Environment:    pick(e.Environment, o.Environment),
		SourceFile:     pick(e.SourceFile, o.SourceFile),
		Debug:          pick(e.Debug, o.Debug),
	}
}

// DeepMerge merges JSON-shaped maps the same way CallContext.Merge merges
// records: non-nil values of b win, nested maps merge recursively.
func DeepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		if bv == nil {
			continue
		}
		am, aIsMap := out[k].(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if aIsMap && bIsMap {
			out[k] = DeepMerge(am, bm)
			continue
		}
		out[k] = bv
	}
	return out
}

// HostURL returns the configured host, or "" when unset.
func (c CallContext) HostURL() string {
	if c.Host == nil {
		return ""
	}
	return *c.Host
}

// APIKey returns the Forge API key, or a configuration error when it is unset.
func (c CallContext) APIKey() (string, error) {
	if c.Credentials == nil || c.Credentials.QCWareAPIKey == nil || *c.Credentials.QCWareAPIKey == "" {
		return "", &ConfigurationError{
			Setting: "QCWARE_API_KEY",
			Message: "no API key configured; set QCWARE_API_KEY or call forge.SetAPIKey",
		}
	}
	return *c.Credentials.QCWareAPIKey, nil
}

// Debug reports whether server tracebacks should reach client errors.
func (c CallContext) Debug() bool {
	return c.Environment != nil && c.Environment.Debug != nil && *c.Environment.Debug
}

func (c CallContext) clientTimeout() int {
	if c.ClientTimeout == nil {
		return defaultClientTimeout
	}
	return *c.ClientTimeout
}

func (c CallContext) asyncInterval() float64 {
	if c.AsyncIntervalBetweenTries == nil {
		return defaultAsyncInterval
	}
	return *c.AsyncIntervalBetweenTries
}

// --- Stack ---

// ErrEmptyContextStack is returned by PopContext when nothing was pushed.
var ErrEmptyContextStack = errors.New("forge: context stack is empty")

// processStack holds contexts pushed with PushContext. It sits between the
// root context and any task-local overrides.
var processStack struct {
	mu     sync.RWMutex
	nextID uint64
	layers []processLayer
}

type processLayer struct {
	id      uint64
	context CallContext
}

// PushContext pushes an override onto the process-wide stack. Prefer
// WithContext or Scoped, which cannot leak an unpopped layer.
func PushContext(c CallContext) {
	pushProcessLayer(c)
}

func pushProcessLayer(c CallContext) uint64 {
	processStack.mu.Lock()
	defer processStack.mu.Unlock()
	processStack.nextID++
	processStack.layers = append(processStack.layers, processLayer{id: processStack.nextID, context: c})
	return processStack.nextID
}

// PopContext removes the most recently pushed process-wide override.
func PopContext() error {
	processStack.mu.Lock()
	defer processStack.mu.Unlock()
	n := len(processStack.layers)
	if n == 0 {
		return ErrEmptyContextStack
	}
	processStack.layers = processStack.layers[:n-1]
	return nil
}

// removeProcessLayer deletes the layer pushed with id, wherever it sits.
func removeProcessLayer(id uint64) {
	processStack.mu.Lock()
	defer processStack.mu.Unlock()
	processStack.layers = slices.DeleteFunc(processStack.layers, func(l processLayer) bool { return l.id == id })
}

type taskStackKey struct{}

// WithContext returns a derived context carrying override as a task-local
// layer. Calls made with the returned context observe the override; sibling
// goroutines holding the parent context do not. The layer disappears when the
// derived context goes out of scope, so no pop is required.
func WithContext(ctx context.Context, override CallContext) context.Context {
	parent := taskLayers(ctx)
	layers := make([]CallContext, len(parent), len(parent)+1)
	copy(layers, parent)
	layers = append(layers, override)
	return context.WithValue(ctx, taskStackKey{}, layers)
}

func taskLayers(ctx context.Context) []CallContext {
	if ctx == nil {
		return nil
	}
	layers, _ := ctx.Value(taskStackKey{}).([]CallContext)
	return layers
}

// Scoped runs fn with override layered over ctx. The layer is task-local:
// concurrent Scoped regions on other goroutines never see it, and it is gone
// once fn returns or panics.
func Scoped(ctx context.Context, override CallContext, fn func(ctx context.Context) error) error {
	return fn(WithContext(ctx, override))
}

// ScopedProcess pushes override onto the process-wide stack for the duration
// of fn and removes that same layer on every exit path, including panics.
// Overlapping scopes on other goroutines keep their own layers; every
// goroutine sees all layers still in place.
func ScopedProcess(ctx context.Context, override CallContext, fn func(ctx context.Context) error) error {
	id := pushProcessLayer(override)
	defer removeProcessLayer(id)
	return fn(ctx)
}

// CurrentContext returns the effective context: the root context built from
// the environment, then each process-wide layer, then each task-local layer
// carried by ctx. The environment is read on every call.
func CurrentContext(ctx context.Context) CallContext {
	eff := rootContext()

	processStack.mu.RLock()
	layers := slices.Clone(processStack.layers)
	processStack.mu.RUnlock()

	for _, l := range layers {
		eff = eff.Merge(l.context)
	}
	for _, l := range taskLayers(ctx) {
		eff = eff.Merge(l)
	}
	return eff
}
