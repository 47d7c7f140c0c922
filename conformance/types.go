// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Query-farm/forge-go/forge"
)

// Handler computes the in-memory result of a call from its decoded
// arguments. The Service encodes the result with the registry.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is one submitted call as seen by a Handler.
type Call struct {
	UID     string
	Method  string
	Args    map[string]any
	Context forge.CallContext
}

// HandlerError is a handler failure with an explicit exception type and
// stack trace. Other errors are reported with a generated trace.
type HandlerError struct {
	Type       string
	Message    string
	StackTrace string
}

func (e *HandlerError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Request is one HTTP request received by the Service.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// JSON decodes the request body into an untyped map.
func (r Request) JSON() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(r.Body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// RaiseErrorParams are the arguments of test.raise_error.
type RaiseErrorParams struct {
	Message    string `forge:"message,default=bad input"`
	StackTrace string `forge:"stack_trace"`
}

// Unary registers a typed handler. Arguments are bound to P by their
// `forge` struct tags after the registry decoded them.
func Unary[P any, R any](s *Service, method string, handler func(context.Context, P) (R, error)) {
	var p P
	paramsType := reflect.TypeOf(p)
	if paramsType.Kind() != reflect.Struct {
		panic(fmt.Sprintf("conformance: registering %q: params type %T is not a struct", method, p))
	}
	s.Handle(method, func(ctx context.Context, call *Call) (any, error) {
		var params P
		if err := unbindArgs(call.Args, reflect.ValueOf(&params).Elem()); err != nil {
			return nil, &HandlerError{Type: "TypeError", Message: fmt.Sprintf("parameter binding: %v", err)}
		}
		return handler(ctx, params)
	})
}

// unbindArgs fills target's tagged fields from args.
func unbindArgs(args map[string]any, target reflect.Value) error {
	rt := target.Type()
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		tag, ok := sf.Tag.Lookup("forge")
		if !ok || tag == "-" || !sf.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if err := setField(target.Field(i), v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, v any) error {
	rv := reflect.ValueOf(v)
	ft := field.Type()
	switch {
	case rv.Type().AssignableTo(ft):
		field.Set(rv)
		return nil
	case isNumber(rv.Kind()) && isNumber(ft.Kind()):
		field.Set(rv.Convert(ft))
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, field.Addr().Interface())
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
