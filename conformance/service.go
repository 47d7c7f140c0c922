// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/Query-farm/forge-go/forge"
)

const (
	defaultServerTimeout = 10 * time.Second
	maxServerTimeout     = 50 * time.Second
	unknownAPIKeyMessage = "invalid or missing API key"
)

// Service is an in-process Forge service. It serves the endpoint, call and
// blob routes of the real service over HTTP and runs registered handlers
// synchronously at submit time; WithCompletionDelay controls how long
// their outcome stays hidden behind the "open" state.
type Service struct {
	registry *forge.Registry
	mux      *http.ServeMux
	handler  http.Handler
	logger   *slog.Logger

	apiKey             string
	delay              time.Duration
	resultThreshold    int
	version            string
	backendUnavailable bool
	stager             ResultStager

	mu       sync.Mutex
	handlers map[string]Handler
	paths    map[string]string
	calls    map[string]*callEntry
	requests []Request
	failures []int
}

type callEntry struct {
	record     forge.CallRecord
	params     []byte
	resultBlob []byte
	readyAt    time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAPIKey makes every POST route require key in
// api_call_context.credentials.qcware_api_key. An empty key disables the
// check.
func WithAPIKey(key string) Option {
	return func(s *Service) { s.apiKey = key }
}

// WithCompletionDelay keeps each call open for d after submission.
func WithCompletionDelay(d time.Duration) Option {
	return func(s *Service) { s.delay = d }
}

// WithResultURLThreshold serves encoded results larger than n bytes from
// a result_url instead of inline. Zero always inlines.
func WithResultURLThreshold(n int) Option {
	return func(s *Service) { s.resultThreshold = n }
}

// ResultStager publishes an oversized encoded result and returns the URL
// clients read it from.
type ResultStager func(ctx context.Context, uid string, data []byte) (string, error)

// WithResultStager publishes results above the result URL threshold
// through stage instead of the service's own blob route.
func WithResultStager(stage ResultStager) Option {
	return func(s *Service) { s.stager = stage }
}

// WithServerVersion sets the api_semver reported by /about/about.
func WithServerVersion(v string) Option {
	return func(s *Service) { s.version = v }
}

// WithBackendUnavailable marks every backend as unavailable. Calls made in
// immediate scheduling mode end in the scheduled state.
func WithBackendUnavailable(unavailable bool) Option {
	return func(s *Service) { s.backendUnavailable = unavailable }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRegistry sets the registry used to decode arguments and encode
// results. The default is forge.DefaultRegistry().
func WithRegistry(r *forge.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// NewService creates a Service with no handlers. Use RegisterMethods for
// the catalogued endpoints.
func NewService(opts ...Option) *Service {
	s := &Service{
		registry: forge.DefaultRegistry(),
		logger:   slog.Default(),
		version:  forge.Version,
		handlers: map[string]Handler{},
		paths:    map[string]string{},
		calls:    map[string]*callEntry{},
	}
	for _, o := range opts {
		o(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /about/about", s.handleAbout)
	s.mux.HandleFunc("POST /api_calls", s.handlePoll)
	s.mux.HandleFunc("POST /api_calls/status", s.handleStatus)
	s.mux.HandleFunc("POST /api_calls/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api_calls/params", s.handleParams)
	s.mux.HandleFunc("GET /blobs/results/{uid}", s.handleResultBlob)
	s.mux.HandleFunc("GET /blobs/params/{uid}", s.handleParamsBlob)
	s.mux.HandleFunc("POST /{path...}", s.handleSubmit)
	s.handler = gzhttp.GzipHandler(http.HandlerFunc(s.serve))
	return s
}

// Handle registers the handler for method, served at forge.EndpointPath(method).
func (s *Service) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
	s.paths[forge.EndpointPath(method)] = method
}

// FailNext makes the next n requests fail with status before routing.
func (s *Service) FailNext(n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.failures = append(s.failures, status)
	}
}

// Requests returns every request received so far, in arrival order.
func (s *Service) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// RequestsTo returns the received requests whose path is path.
func (s *Service) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Record returns the stored call record for uid as a poll would see it.
func (s *Service) Record(uid string) (forge.CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.calls[uid]
	if !ok {
		return forge.CallRecord{}, false
	}
	return e.view(time.Now()), true
}

// ServeHTTP implements http.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	injected := 0
	if len(s.failures) > 0 {
		injected = s.failures[0]
		s.failures = s.failures[1:]
	}
	s.mu.Unlock()

	s.logger.Debug("conformance: request", "method", r.Method, "path", r.URL.Path, "bytes", len(body))
	if injected != 0 {
		writeMessage(w, injected, "injected failure")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Service) handleAbout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"api_semver": s.version})
}

// readCall decodes a POST body and checks its credentials. It writes the
// error response and returns ok=false on failure.
func (s *Service) readCall(w http.ResponseWriter, r *http.Request) (payload map[string]any, cc forge.CallContext, ok bool) {
	body, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return nil, cc, false
	}
	if raw, present := payload["api_call_context"]; present {
		b, _ := json.Marshal(raw)
		if err := json.Unmarshal(b, &cc); err != nil {
			writeMessage(w, http.StatusBadRequest, "malformed api_call_context: "+err.Error())
			return nil, cc, false
		}
	}
	if s.apiKey != "" {
		key, err := cc.APIKey()
		if err != nil || key != s.apiKey {
			writeMessage(w, http.StatusUnauthorized, unknownAPIKeyMessage)
			return nil, cc, false
		}
	}
	return payload, cc, true
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	payload, cc, ok := s.readCall(w, r)
	if !ok {
		return
	}
	path := strings.Trim(r.PathValue("path"), "/")

	s.mu.Lock()
	method, known := s.paths[path]
	h := s.handlers[method]
	s.mu.Unlock()
	if !known {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("no endpoint at /%s", path))
		return
	}

	wireArgs := maps.Clone(payload)
	delete(wireArgs, "api_call_context")
	args, err := s.registry.ArgsFromWire(method, wireArgs)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	params, _ := json.Marshal(payload)

	now := time.Now()
	e := &callEntry{
		record: forge.CallRecord{
			UID:         uuid.NewString(),
			Method:      method,
			TimeCreated: now.UTC().Format(time.RFC3339),
		},
		params:  params,
		readyAt: now.Add(s.delay),
	}

	mode := forge.SchedulingImmediate
	if cc.SchedulingMode != nil {
		mode = *cc.SchedulingMode
	}
	if s.backendUnavailable && mode == forge.SchedulingImmediate {
		e.record.State = forge.StateScheduled
		e.record.ScheduleAtStr = now.Add(time.Hour).UTC().Format(time.RFC3339)
	} else {
		s.complete(r.Context(), e, h, &Call{UID: e.record.UID, Method: method, Args: args, Context: cc}, baseURL(r))
	}

	s.mu.Lock()
	s.calls[e.record.UID] = e
	view := e.view(now)
	s.mu.Unlock()

	if view.State == forge.StateOpen {
		view.State = forge.StateNew
	}
	s.logger.Debug("conformance: call stored", "method", method, "uid", view.UID, "state", view.State)
	writeJSON(w, http.StatusOK, view)
}

// complete runs the handler and stores its outcome in e.
func (s *Service) complete(ctx context.Context, e *callEntry, h Handler, call *Call, base string) {
	result, err := runHandler(ctx, h, call)
	if err == nil {
		var wire any
		wire, err = s.registry.ResultToWire(call.Method, result)
		if err == nil {
			var raw []byte
			if raw, err = json.Marshal(wire); err == nil {
				if err = s.publish(ctx, e, call.UID, raw, base); err == nil {
					e.record.State = forge.StateSuccess
					return
				}
			}
		}
	}

	msg, trace := err.Error(), string(debug.Stack())
	var he *HandlerError
	if errors.As(err, &he) {
		msg = he.Message
		if he.StackTrace != "" {
			trace = he.StackTrace
		}
	}
	e.record.State = forge.StateError
	e.record.Result, _ = json.Marshal(map[string]any{"error": msg})
	e.record.Data = &forge.CallData{StackTrace: trace}
}

// publish stores an encoded result inline, behind the blob route, or with
// the stager once it passes the threshold.
func (s *Service) publish(ctx context.Context, e *callEntry, uid string, raw []byte, base string) error {
	switch {
	case s.resultThreshold <= 0 || len(raw) <= s.resultThreshold:
		e.record.Result = raw
	case s.stager != nil:
		url, err := s.stager(ctx, uid, raw)
		if err != nil {
			return fmt.Errorf("staging result of %s: %w", uid, err)
		}
		e.record.ResultURL = url
	default:
		e.resultBlob = raw
		e.record.ResultURL = base + "/blobs/results/" + uid
	}
	return nil
}

func runHandler(ctx context.Context, h Handler, call *Call) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{Type: "RuntimeError", Message: fmt.Sprint(p), StackTrace: string(debug.Stack())}
		}
	}()
	return h(ctx, call)
}

// view returns the record as a client observes it at now.
func (e *callEntry) view(now time.Time) forge.CallRecord {
	rec := e.record
	if now.Before(e.readyAt) && rec.State != forge.StateScheduled {
		return forge.CallRecord{
			UID:         rec.UID,
			State:       forge.StateOpen,
			Method:      rec.Method,
			TimeCreated: rec.TimeCreated,
		}
	}
	return rec
}

// lookup reads the call token from a body and returns its entry. It writes
// the error response and returns nil on failure.
func (s *Service) lookup(w http.ResponseWriter, r *http.Request) (*callEntry, forge.CallContext) {
	payload, cc, ok := s.readCall(w, r)
	if !ok {
		return nil, cc
	}
	token, _ := payload["call_token"].(string)
	s.mu.Lock()
	e := s.calls[token]
	s.mu.Unlock()
	if e == nil {
		writeMessage(w, http.StatusNotFound, fmt.Sprintf("unknown call token %q", token))
		return nil, cc
	}
	return e, cc
}

func (s *Service) handlePoll(w http.ResponseWriter, r *http.Request) {
	e, cc := s.lookup(w, r)
	if e == nil {
		return
	}
	limit := defaultServerTimeout
	if cc.ServerTimeout != nil {
		limit = time.Duration(*cc.ServerTimeout) * time.Second
	}
	limit = max(0, min(limit, maxServerTimeout))

	s.mu.Lock()
	wait := time.Until(e.readyAt)
	s.mu.Unlock()
	if wait = min(wait, limit); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-r.Context().Done():
		case <-t.C:
		}
		t.Stop()
	}

	s.mu.Lock()
	view := e.view(time.Now())
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	e, _ := s.lookup(w, r)
	if e == nil {
		return
	}
	s.mu.Lock()
	view := e.view(time.Now())
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, view)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, _ := s.lookup(w, r)
	if e == nil {
		return
	}
	s.mu.Lock()
	now := time.Now()
	if now.Before(e.readyAt) {
		e.record.State = forge.StateError
		e.record.Result, _ = json.Marshal(map[string]any{"error": "call cancelled"})
		e.record.ResultURL = ""
		e.record.Data = nil
		e.resultBlob = nil
		e.readyAt = now
	}
	view := e.view(now)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"uid": view.UID, "state": view.State})
}

func (s *Service) handleParams(w http.ResponseWriter, r *http.Request) {
	e, _ := s.lookup(w, r)
	if e == nil {
		return
	}
	writeJSON(w, http.StatusOK, forge.ParamsRecord{
		UID:       e.record.UID,
		Method:    e.record.Method,
		ParamsURL: baseURL(r) + "/blobs/params/" + e.record.UID,
	})
}

func (s *Service) handleResultBlob(w http.ResponseWriter, r *http.Request) {
	s.serveBlob(w, r, func(e *callEntry) []byte { return e.resultBlob })
}

func (s *Service) handleParamsBlob(w http.ResponseWriter, r *http.Request) {
	s.serveBlob(w, r, func(e *callEntry) []byte { return e.params })
}

func (s *Service) serveBlob(w http.ResponseWriter, r *http.Request, pick func(*callEntry) []byte) {
	s.mu.Lock()
	var blob []byte
	if e := s.calls[r.PathValue("uid")]; e != nil {
		blob = pick(e)
	}
	s.mu.Unlock()
	if blob == nil {
		writeMessage(w, http.StatusNotFound, "no such blob")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(blob)
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b, _ = json.Marshal(map[string]any{"message": err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"message": msg})
}
