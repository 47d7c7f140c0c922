// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// CallState is the server-side state of a call.
type CallState string

const (
	StateNew       CallState = "new"
	StateOpen      CallState = "open"
	StateSuccess   CallState = "success"
	StateError     CallState = "error"
	StateScheduled CallState = "scheduled"
)

// Pending reports whether the call has not reached a terminal state.
func (s CallState) Pending() bool {
	return s == StateNew || s == StateOpen
}

// CallData holds auxiliary call record fields.
type CallData struct {
	StackTrace string `json:"stack_trace,omitempty"`
}

// CallRecord is the server's view of a submitted call.
type CallRecord struct {
	UID           string          `json:"uid"`
	State         CallState       `json:"state"`
	Method        string          `json:"method,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ResultURL     string          `json:"result_url,omitempty"`
	ScheduleAtStr string          `json:"schedule_at_str,omitempty"`
	TimeCreated   string          `json:"time_created,omitempty"`
	Data          *CallData       `json:"data,omitempty"`
}

// Info returns the identifying fields of r.
func (r *CallRecord) Info() ApiCallInfo {
	return ApiCallInfo{
		Method:      r.Method,
		TimeCreated: r.TimeCreated,
		State:       string(r.State),
		UID:         r.UID,
	}
}

// ParamsRecord is returned by /api_calls/params.
type ParamsRecord struct {
	UID       string          `json:"uid"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	ParamsURL string          `json:"params_url,omitempty"`
}

// Wire body keys.
const (
	keyAPICallContext = "api_call_context"
	keyCallToken      = "call_token"
)

// EndpointPath maps a method name such as "test.echo" to its URL path.
func EndpointPath(method string) string {
	return strings.ReplaceAll(method, ".", "/")
}

func endpointURL(host, path string) string {
	return strings.TrimRight(host, "/") + "/" + strings.TrimLeft(path, "/")
}

// resolve validates the parts of cc every request needs.
func resolve(cc CallContext) (string, error) {
	host := cc.HostURL()
	if err := validateHost(host); err != nil {
		return "", err
	}
	if _, err := cc.APIKey(); err != nil {
		return "", err
	}
	return host, nil
}

// observe runs fn between the hook callpoints.
func (c *Client) observe(ctx context.Context, info CallInfo, fn func(ctx context.Context, info *CallInfo) (any, error)) (any, error) {
	stats := &CallStatistics{}
	ctx = withStats(ctx, stats)
	var token HookToken
	if c.hook != nil {
		ctx, token = c.hook.OnCallStart(ctx, info)
	}
	v, err := fn(ctx, &info)
	if c.hook != nil {
		c.hook.OnCallEnd(ctx, token, info, stats, err)
	}
	return v, err
}

// submit encodes args and posts them to the endpoint.
func (c *Client) submit(ctx context.Context, cc CallContext, method, path string, args map[string]any) (*CallRecord, error) {
	host, err := resolve(cc)
	if err != nil {
		return nil, err
	}
	wireArgs, err := c.registry.ArgsToWire(method, args)
	if err != nil {
		return nil, err
	}
	c.probe.check(ctx, c, host)

	body := make(map[string]any, len(wireArgs)+1)
	for k, v := range wireArgs {
		body[k] = v
	}
	body[keyAPICallContext] = cc

	raw, err := c.transport.Post(ctx, endpointURL(host, path), body)
	if err != nil {
		return nil, err
	}
	rec, err := parseRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if rec.Method == "" {
		rec.Method = method
	}
	c.logger.Info("forge: call submitted", "method", method, "uid", rec.UID, "state", rec.State)
	return rec, nil
}

func parseRecord(raw []byte) (*CallRecord, error) {
	var rec CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding call record: %w", err)
	}
	if rec.UID == "" {
		return nil, errors.New("call record has no uid")
	}
	return &rec, nil
}

// tokenRequest posts {api_call_context, call_token} to an /api_calls route.
func (c *Client) tokenRequest(ctx context.Context, cc CallContext, path, token string) ([]byte, error) {
	host, err := resolve(cc)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		keyAPICallContext: cc,
		keyCallToken:      token,
	}
	return c.transport.Post(ctx, endpointURL(host, path), body)
}

// wait polls the call until it leaves new/open. It polls at least once, and
// returns an *ApiTimeoutError when another poll would overrun the client
// timeout.
func (c *Client) wait(ctx context.Context, cc CallContext, token, method string) (*CallRecord, error) {
	deadline := time.Duration(cc.clientTimeout()) * time.Second
	start := time.Now()
	for {
		raw, err := c.tokenRequest(ctx, cc, "api_calls", token)
		if err != nil {
			return nil, err
		}
		statsFrom(ctx).RecordPoll()
		rec, err := parseRecord(raw)
		if err != nil {
			return nil, err
		}
		if rec.Method == "" {
			rec.Method = method
		}
		if !rec.State.Pending() {
			return rec, nil
		}
		c.logger.Debug("forge: call pending", "uid", token, "state", rec.State)
		if time.Since(start)+c.pollInterval > deadline {
			return nil, &ApiTimeoutError{ApiCallInfo: rec.Info()}
		}
		if err := sleepCtx(ctx, c.pollInterval); err != nil {
			return nil, err
		}
	}
}

// decode turns a terminal call record into a value or a typed error.
func (c *Client) decode(ctx context.Context, cc CallContext, rec *CallRecord) (any, error) {
	switch rec.State {
	case StateSuccess:
		return c.decodeSuccess(ctx, cc, rec)
	case StateError:
		return nil, executionError(cc, rec)
	case StateScheduled:
		return nil, &ApiCallExecutionError{
			Message:     "rescheduled for " + rec.ScheduleAtStr,
			Traceback:   DefaultTraceback,
			Scheduled:   true,
			ScheduleAt:  rec.ScheduleAtStr,
			ApiCallInfo: rec.Info(),
		}
	case StateNew, StateOpen:
		return nil, &ApiTimeoutError{ApiCallInfo: rec.Info()}
	}
	return nil, fmt.Errorf("api call %s: unknown state %q", rec.UID, rec.State)
}

func (c *Client) decodeSuccess(ctx context.Context, cc CallContext, rec *CallRecord) (any, error) {
	if rec.Method == "" {
		return nil, fmt.Errorf("api call %s: call record carries no method", rec.UID)
	}
	raw := []byte(rec.Result)
	if rec.ResultURL != "" {
		data, err := c.fetch(ctx, rec.ResultURL)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Error("forge: undecodable result", "method", rec.Method, "uid", rec.UID, "err", err)
			return nil, fmt.Errorf("api call %s: decoding result: %w", rec.UID, err)
		}
	}
	v, err := c.registry.ResultFromWire(rec.Method, payload, cc.Debug())
	if err != nil {
		c.logger.Error("forge: result decode failed", "method", rec.Method, "uid", rec.UID, "err", err)
		return nil, err
	}
	if IsErrorEnvelope(v) {
		env := v.(map[string]any)
		tb, _ := env["traceback"].(string)
		if !cc.Debug() || tb == "" {
			tb = DefaultTraceback
		}
		return nil, &ApiCallExecutionError{
			Message:     fmt.Sprint(env["error"]),
			Traceback:   tb,
			ApiCallInfo: rec.Info(),
		}
	}
	return v, nil
}

func executionError(cc CallContext, rec *CallRecord) *ApiCallExecutionError {
	msg := "api call failed"
	var envelopeTrace string
	var result any
	if len(rec.Result) > 0 && json.Unmarshal(rec.Result, &result) == nil {
		switch r := result.(type) {
		case map[string]any:
			if e, ok := r["error"]; ok && e != nil {
				msg = fmt.Sprint(e)
			}
			envelopeTrace, _ = r["traceback"].(string)
		case string:
			if r != "" {
				msg = r
			}
		}
	}
	tb := DefaultTraceback
	if cc.Debug() {
		switch {
		case rec.Data != nil && rec.Data.StackTrace != "":
			tb = rec.Data.StackTrace
		case envelopeTrace != "":
			tb = envelopeTrace
		}
	}
	return &ApiCallExecutionError{
		Message:     msg,
		Traceback:   tb,
		ApiCallInfo: rec.Info(),
	}
}

// invoke runs one endpoint call in the given mode. Submit mode returns the
// call token as a string.
func (c *Client) invoke(ctx context.Context, method, path string, args map[string]any, mode string) (any, error) {
	cc := CurrentContext(ctx)
	info := CallInfo{Method: method, Mode: mode, Host: cc.HostURL()}
	return c.observe(ctx, info, func(ctx context.Context, info *CallInfo) (any, error) {
		rec, err := c.submit(ctx, cc, method, path, args)
		if err != nil {
			return nil, err
		}
		info.UID = rec.UID
		switch mode {
		case CallModeSubmit:
			return rec.UID, nil
		case CallModeAsync:
			return c.retrieveLoop(ctx, cc, rec.UID, method)
		}
		if cc.clientTimeout() == 0 {
			return nil, &ApiTimeoutError{ApiCallInfo: rec.Info()}
		}
		done, err := c.wait(ctx, cc, rec.UID, method)
		if err != nil {
			return nil, err
		}
		return c.decode(ctx, cc, done)
	})
}

// retrieveLoop waits for token, sleeping async_interval_between_tries after
// every timeout. It returns only on a terminal state or cancellation.
func (c *Client) retrieveLoop(ctx context.Context, cc CallContext, token, method string) (any, error) {
	interval := time.Duration(cc.asyncInterval() * float64(time.Second))
	for {
		rec, err := c.wait(ctx, cc, token, method)
		if errors.Is(err, ErrApiTimeout) {
			c.logger.Debug("forge: still waiting", "uid", token, "retry_in", interval)
			if err := sleepCtx(ctx, interval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return c.decode(ctx, cc, rec)
	}
}

// RetrieveResult waits for a previously submitted call and decodes its
// result. It returns an *ApiTimeoutError if the call is still pending when
// the client timeout elapses.
func (c *Client) RetrieveResult(ctx context.Context, token string) (any, error) {
	cc := CurrentContext(ctx)
	info := CallInfo{Mode: CallModeRetrieve, Host: cc.HostURL(), UID: token}
	return c.observe(ctx, info, func(ctx context.Context, info *CallInfo) (any, error) {
		rec, err := c.wait(ctx, cc, token, "")
		if err != nil {
			return nil, err
		}
		info.Method = rec.Method
		return c.decode(ctx, cc, rec)
	})
}

// AsyncRetrieveResult is RetrieveResult retried after every timeout, with
// async_interval_between_tries between attempts. It has no overall deadline:
// it returns on success, on a call error, or when ctx is cancelled.
func (c *Client) AsyncRetrieveResult(ctx context.Context, token string) (any, error) {
	cc := CurrentContext(ctx)
	info := CallInfo{Mode: CallModeAsync, Host: cc.HostURL(), UID: token}
	return c.observe(ctx, info, func(ctx context.Context, info *CallInfo) (any, error) {
		return c.retrieveLoop(ctx, cc, token, "")
	})
}

// CallStatus returns the current call record without waiting.
func (c *Client) CallStatus(ctx context.Context, token string) (*CallRecord, error) {
	raw, err := c.tokenRequest(ctx, CurrentContext(ctx), "api_calls/status", token)
	if err != nil {
		return nil, err
	}
	return parseRecord(raw)
}

// CancelCall asks the service to cancel a call. Cancelling ctx never does
// this implicitly.
func (c *Client) CancelCall(ctx context.Context, token string) error {
	_, err := c.tokenRequest(ctx, CurrentContext(ctx), "api_calls/cancel", token)
	return err
}

// RetrieveParams returns the decoded arguments a call was submitted with.
func (c *Client) RetrieveParams(ctx context.Context, token string) (map[string]any, error) {
	raw, err := c.tokenRequest(ctx, CurrentContext(ctx), "api_calls/params", token)
	if err != nil {
		return nil, err
	}
	var pr ParamsRecord
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, fmt.Errorf("decoding params record: %w", err)
	}
	body := []byte(pr.Params)
	if pr.ParamsURL != "" {
		if body, err = c.fetch(ctx, pr.ParamsURL); err != nil {
			return nil, err
		}
	}
	var params map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, fmt.Errorf("decoding params of %s: %w", token, err)
		}
	}
	delete(params, keyAPICallContext)
	return c.registry.ArgsFromWire(pr.Method, params)
}

// RetrieveResult is Client.RetrieveResult on the context's client.
func RetrieveResult(ctx context.Context, token string) (any, error) {
	return clientFrom(ctx).RetrieveResult(ctx, token)
}

// AsyncRetrieveResult is Client.AsyncRetrieveResult on the context's client.
func AsyncRetrieveResult(ctx context.Context, token string) (any, error) {
	return clientFrom(ctx).AsyncRetrieveResult(ctx, token)
}

// CallStatus is Client.CallStatus on the context's client.
func CallStatus(ctx context.Context, token string) (*CallRecord, error) {
	return clientFrom(ctx).CallStatus(ctx, token)
}

// CancelCall is Client.CancelCall on the context's client.
func CancelCall(ctx context.Context, token string) error {
	return clientFrom(ctx).CancelCall(ctx, token)
}

// RetrieveParams is Client.RetrieveParams on the context's client.
func RetrieveParams(ctx context.Context, token string) (map[string]any, error) {
	return clientFrom(ctx).RetrieveParams(ctx, token)
}
