// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"net/http"
	"sync/atomic"
)

// Invocation modes reported in CallInfo.Mode.
const (
	CallModeBlocking = "blocking"
	CallModeSubmit   = "submit"
	CallModeAsync    = "async"
	CallModeRetrieve = "retrieve"
)

// CallHook provides observability callpoints around a remote call.
// Implementations must be safe for concurrent use.
type CallHook interface {
	OnCallStart(ctx context.Context, info CallInfo) (context.Context, HookToken)
	OnCallEnd(ctx context.Context, token HookToken, info CallInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnCallStart and passed back to
// OnCallEnd. Only meaningful to the CallHook that created it.
type HookToken interface{}

// CallInfo carries call metadata passed to hooks.
type CallInfo struct {
	Method string // endpoint method name, or "" for retrieval by token
	Mode   string // CallModeBlocking, CallModeSubmit, CallModeAsync or CallModeRetrieve
	Host   string // effective host
	UID    string // call token, once known
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	Polls         int64
	Retries       int64
	RequestBytes  int64
	ResponseBytes int64
}

// RecordRequest records one outgoing request body of n bytes.
func (s *CallStatistics) RecordRequest(n int) {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.RequestBytes, int64(n))
}

// RecordResponse records one response body of n bytes.
func (s *CallStatistics) RecordResponse(n int) {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.ResponseBytes, int64(n))
}

// RecordPoll records one poll of the call record.
func (s *CallStatistics) RecordPoll() {
	if s == nil {
		return
	}
	atomic.AddInt64(&s.Polls, 1)
}

// RecordRetries adds n transport retries.
func (s *CallStatistics) RecordRetries(n int64) {
	if s == nil || n <= 0 {
		return
	}
	atomic.AddInt64(&s.Retries, n)
}

type statsKey struct{}

func withStats(ctx context.Context, s *CallStatistics) context.Context {
	return context.WithValue(ctx, statsKey{}, s)
}

func statsFrom(ctx context.Context) *CallStatistics {
	s, _ := ctx.Value(statsKey{}).(*CallStatistics)
	return s
}

type headersKey struct{}

// WithOutgoingHeaders returns a context whose HTTP requests carry h in
// addition to the transport's own headers. Hooks use it to propagate trace
// context.
func WithOutgoingHeaders(ctx context.Context, h http.Header) context.Context {
	return context.WithValue(ctx, headersKey{}, h)
}

func outgoingHeaders(ctx context.Context) http.Header {
	h, _ := ctx.Value(headersKey{}).(http.Header)
	return h
}
