// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"
)

// DefaultTraceback is reported in place of the server traceback when client
// debugging is disabled.
const DefaultTraceback = "traceback unavailable; set QCWARE_CLIENT_DEBUG=true to receive server tracebacks"

// Sentinels for use with errors.Is. Each matches any error of the same type.
var (
	ErrConfiguration     = &ConfigurationError{}
	ErrApiCallFailed     = &ApiCallFailedError{}
	ErrApiCallExecution  = &ApiCallExecutionError{}
	ErrApiTimeout        = &ApiTimeoutError{}
	ErrResultUnavailable = &ApiCallResultUnavailableError{}
	ErrUnsupportedValue  = &UnsupportedValueError{}

	// ErrCallScheduled matches an *ApiCallExecutionError raised because the
	// server rescheduled the call instead of running it.
	ErrCallScheduled = &scheduledMarker{}
)

// ApiCallInfo identifies a remote call in errors raised by the lifecycle engine.
type ApiCallInfo struct {
	Method      string `json:"method"`
	TimeCreated string `json:"time_created"`
	State       string `json:"state"`
	UID         string `json:"uid"`
}

// ConfigurationError reports a required setting that is absent or invalid.
type ConfigurationError struct {
	Setting string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Setting == "" {
		return "forge configuration: " + e.Message
	}
	return fmt.Sprintf("forge configuration: %s: %s", e.Setting, e.Message)
}

// Is supports errors.Is by matching any *ConfigurationError target.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// ApiCallFailedError is returned when the service answers with a non-2xx
// status. 4xx responses are never retried; 5xx responses surface here once the
// retry policy is exhausted.
type ApiCallFailedError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *ApiCallFailedError) Error() string {
	return fmt.Sprintf("api call failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// Is supports errors.Is by matching any *ApiCallFailedError target.
func (e *ApiCallFailedError) Is(target error) bool {
	_, ok := target.(*ApiCallFailedError)
	return ok
}

// Retriable reports whether the failure was a server-side (5xx) condition.
func (e *ApiCallFailedError) Retriable() bool {
	return e.StatusCode >= 500
}

// ApiCallExecutionError is returned when the call record ends in the error
// state, or in the scheduled state.
type ApiCallExecutionError struct {
	Message   string
	Traceback string
	// Scheduled is set when the server deferred the call; ScheduleAt holds the
	// server's rendering of the new start time.
	Scheduled  bool
	ScheduleAt string
	ApiCallInfo
}

func (e *ApiCallExecutionError) Error() string {
	return fmt.Sprintf("api call %s (%s) failed: %s", e.UID, e.Method, e.Message)
}

// Is supports errors.Is by matching any *ApiCallExecutionError target, and
// ErrCallScheduled when the call was rescheduled.
func (e *ApiCallExecutionError) Is(target error) bool {
	switch target.(type) {
	case *ApiCallExecutionError:
		return true
	case *scheduledMarker:
		return e.Scheduled
	}
	return false
}

type scheduledMarker struct{}

func (*scheduledMarker) Error() string { return "api call rescheduled" }

// ApiTimeoutError is returned when the client deadline expires while the call
// is still new or open. UID may be passed to RetrieveResult later.
type ApiTimeoutError struct {
	ApiCallInfo
}

func (e *ApiTimeoutError) Error() string {
	return fmt.Sprintf("api call %s (%s) timed out in state %q; retrieve it later with its token",
		e.UID, e.Method, e.State)
}

// Is supports errors.Is by matching any *ApiTimeoutError target.
func (e *ApiTimeoutError) Is(target error) bool {
	_, ok := target.(*ApiTimeoutError)
	return ok
}

// ApiCallResultUnavailableError is returned when a secondary result or params
// URL cannot be fetched. Retrying later usually succeeds.
type ApiCallResultUnavailableError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *ApiCallResultUnavailableError) Error() string {
	msg := fmt.Sprintf("result unavailable at %s", e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg + "; please retry"
}

func (e *ApiCallResultUnavailableError) Unwrap() error { return e.Cause }

// Is supports errors.Is by matching any *ApiCallResultUnavailableError target.
func (e *ApiCallResultUnavailableError) Is(target error) bool {
	_, ok := target.(*ApiCallResultUnavailableError)
	return ok
}

// UnsupportedValueError is a programming error: a coder received a value
// outside its declared input type. It is raised before any network I/O.
type UnsupportedValueError struct {
	Coder string
	Value any
	Hint  string
}

func (e *UnsupportedValueError) Error() string {
	msg := fmt.Sprintf("%s: unsupported value of type %T", e.Coder, e.Value)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

// Is supports errors.Is by matching any *UnsupportedValueError target.
func (e *UnsupportedValueError) Is(target error) bool {
	_, ok := target.(*UnsupportedValueError)
	return ok
}

func unsupported(coder string, v any, hint string, args ...any) error {
	if len(args) > 0 {
		hint = fmt.Sprintf(hint, args...)
	}
	return &UnsupportedValueError{Coder: coder, Value: v, Hint: hint}
}
