// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Endpoint binds a remote method to a typed parameter struct P and result
// type R. Fields of P are named on the wire by their `forge` struct tag:
//
//	type EchoParams struct {
//		Text string `forge:"text,default=hello"`
//	}
//
// A default applies when the field holds its zero value. Untagged and
// unexported fields are ignored; a tag of "-" skips the field.
type Endpoint[P any, R any] struct {
	Name string
	Path string
	Doc  string
}

// NewEndpoint creates an endpoint whose URL path is derived from name.
func NewEndpoint[P any, R any](name, doc string) *Endpoint[P, R] {
	return &Endpoint[P, R]{Name: name, Path: EndpointPath(name), Doc: doc}
}

// Args binds params to the wire argument names, filling defaults. The result
// is the argument set before any transform is applied.
func (e *Endpoint[P, R]) Args(params P) (map[string]any, error) {
	args, err := bindArgs(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	return args, nil
}

// Call submits the call, waits for it and decodes the result. With a client
// timeout of 0 it returns an *ApiTimeoutError carrying the token right after
// submitting.
func (e *Endpoint[P, R]) Call(ctx context.Context, params P) (R, error) {
	return e.run(ctx, params, CallModeBlocking)
}

// Submit submits the call and returns its token without waiting.
func (e *Endpoint[P, R]) Submit(ctx context.Context, params P) (string, error) {
	args, err := e.Args(params)
	if err != nil {
		return "", err
	}
	v, err := clientFrom(ctx).invoke(ctx, e.Name, e.Path, args, CallModeSubmit)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CallAsync submits the call on a new goroutine and keeps waiting through
// client timeouts until the call finishes or the future is cancelled. The
// effective context is snapshotted from ctx when the goroutine starts.
func (e *Endpoint[P, R]) CallAsync(ctx context.Context, params P) *Future[R] {
	return goFuture(ctx, func(ctx context.Context) (R, error) {
		return e.run(ctx, params, CallModeAsync)
	})
}

// Retrieve waits for a previously submitted call of this endpoint.
func (e *Endpoint[P, R]) Retrieve(ctx context.Context, token string) (R, error) {
	v, err := RetrieveResult(ctx, token)
	if err != nil {
		var zero R
		return zero, err
	}
	return convertResult[R](e.Name, v)
}

func (e *Endpoint[P, R]) run(ctx context.Context, params P, mode string) (R, error) {
	var zero R
	args, err := e.Args(params)
	if err != nil {
		return zero, err
	}
	v, err := clientFrom(ctx).invoke(ctx, e.Name, e.Path, args, mode)
	if err != nil {
		return zero, err
	}
	return convertResult[R](e.Name, v)
}

// convertResult returns v as R, converting JSON-shaped values by
// re-marshaling.
func convertResult[R any](method string, v any) (R, error) {
	var out R
	if v == nil {
		return out, nil
	}
	if r, ok := v.(R); ok {
		return r, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("%s: result of type %T: %w", method, v, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("%s: result does not fit %T: %w", method, out, err)
	}
	return out, nil
}

// Future is the pending result of CallAsync.
type Future[R any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    R
	err    error
}

func goFuture[R any](ctx context.Context, fn func(ctx context.Context) (R, error)) *Future[R] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[R]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call finishes or ctx is done. Abandoning a Wait does
// not cancel the call; use Cancel for that.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

// Cancel stops waiting for the call. The server-side call keeps running;
// use CancelCall to stop it.
func (f *Future[R]) Cancel() {
	f.cancel()
}

// --- Argument binding ---

// tagInfo holds parsed information from a `forge` struct tag.
type tagInfo struct {
	Name    string
	Default *string
}

// parseTag parses a forge struct tag like "name" or "name,default=foo".
func parseTag(tag string) tagInfo {
	name, rest, _ := strings.Cut(tag, ",")
	info := tagInfo{Name: name}
	if val, ok := strings.CutPrefix(rest, "default="); ok {
		info.Default = &val
	}
	return info
}

func bindArgs(params any) (map[string]any, error) {
	rv := reflect.ValueOf(params)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("nil parameters")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("parameters must be a struct, got %s", rv.Type())
	}
	rt := rv.Type()
	args := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		tag, ok := sf.Tag.Lookup("forge")
		if !ok || tag == "-" || !sf.IsExported() {
			continue
		}
		info := parseTag(tag)
		fv := rv.Field(i)
		if fv.IsZero() && info.Default != nil {
			filled := reflect.New(sf.Type).Elem()
			if err := setFieldFromString(filled, sf.Type, *info.Default); err != nil {
				return nil, fmt.Errorf("field %s: %w", sf.Name, err)
			}
			fv = filled
		}
		args[info.Name] = argValue(fv)
	}
	return args, nil
}

// argValue unwraps pointers to scalars so the registry sees plain values.
// Pointers to registered wire types are passed through.
func argValue(fv reflect.Value) any {
	if fv.Kind() == reflect.Ptr && !fv.IsNil() {
		switch fv.Elem().Kind() {
		case reflect.String, reflect.Bool, reflect.Int, reflect.Int64, reflect.Int32,
			reflect.Float64, reflect.Float32:
			return fv.Elem().Interface()
		}
	}
	if (fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface || fv.Kind() == reflect.Map ||
		fv.Kind() == reflect.Slice) && fv.IsNil() {
		return nil
	}
	return fv.Interface()
}

// setFieldFromString sets a field from a string default value.
func setFieldFromString(field reflect.Value, fieldType reflect.Type, s string) error {
	if fieldType.Kind() == reflect.Ptr {
		elem := reflect.New(fieldType.Elem())
		if err := setFieldFromString(elem.Elem(), fieldType.Elem(), s); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}
	switch fieldType.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		field.SetInt(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", fieldType.Kind())
	}
	return nil
}
