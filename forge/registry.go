// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Coder converts one value between its in-memory and wire forms. Coders
// return an *UnsupportedValueError for inputs outside their declared type.
type Coder func(v any) (any, error)

// ShadowPrefix namespaces the argument coders of methods invoked through a
// delegating endpoint such as circuits.run_backend_method.
const ShadowPrefix = "_shadowed."

// Transforms are the coders registered for one method. Nil maps and coders
// pass values through unchanged.
type Transforms struct {
	ArgsToWire     map[string]Coder
	ArgsFromWire   map[string]Coder
	ResultToWire   Coder
	ResultFromWire Coder

	// Delegates marks a method whose "method" argument names an inner
	// method and whose "kwargs" argument holds that method's arguments. The
	// kwargs are coded with the ShadowPrefix entry of the inner method.
	Delegates bool
}

// Registry maps method names to their Transforms. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Transforms
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]Transforms{}}
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r := NewRegistry()
	registerCatalog(r)
	return r
})

// DefaultRegistry returns the process-wide registry holding the coders of
// every catalogued endpoint.
func DefaultRegistry() *Registry {
	return defaultRegistry()
}

// Register sets the transforms for method, replacing any earlier entry.
func (r *Registry) Register(method string, t Transforms) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[method] = t
}

// Lookup returns the transforms registered for method.
func (r *Registry) Lookup(method string) (Transforms, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[method]
	return t, ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.entries))
}

// ArgsToWire encodes every argument of method that has a registered coder.
// Arguments without a coder are forwarded unchanged. The input map is not
// modified.
func (r *Registry) ArgsToWire(method string, args map[string]any) (map[string]any, error) {
	return r.applyArgs(method, args, true, 0)
}

// ArgsFromWire is the inverse of ArgsToWire.
func (r *Registry) ArgsFromWire(method string, args map[string]any) (map[string]any, error) {
	return r.applyArgs(method, args, false, 0)
}

func (r *Registry) applyArgs(method string, args map[string]any, toWire bool, depth int) (map[string]any, error) {
	t, _ := r.Lookup(method)
	coders := t.ArgsFromWire
	if toWire {
		coders = t.ArgsToWire
	}

	out := make(map[string]any, len(args))
	for name, v := range args {
		coder, ok := coders[name]
		if !ok || coder == nil {
			out[name] = v
			continue
		}
		encoded, err := coder(v)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %q: %w", method, name, err)
		}
		out[name] = encoded
	}

	if t.Delegates && depth == 0 {
		inner, _ := args["method"].(string)
		kwargs, isMap := args["kwargs"].(map[string]any)
		if inner != "" && isMap {
			coded, err := r.applyArgs(ShadowPrefix+inner, kwargs, toWire, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", method, err)
			}
			out["kwargs"] = coded
		}
	}
	return out, nil
}

// IsErrorEnvelope reports whether v is a server error envelope, a JSON
// object carrying an "error" key.
func IsErrorEnvelope(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["error"]
	return ok
}

// ResultToWire encodes a result of method. Error envelopes pass through.
func (r *Registry) ResultToWire(method string, v any) (any, error) {
	if IsErrorEnvelope(v) {
		return v, nil
	}
	t, _ := r.Lookup(method)
	if t.ResultToWire == nil {
		return v, nil
	}
	out, err := t.ResultToWire(v)
	if err != nil {
		return nil, fmt.Errorf("%s: result: %w", method, err)
	}
	return out, nil
}

// ResultFromWire decodes a result of method. Error envelopes skip the coder
// and lose their traceback unless debug is set.
func (r *Registry) ResultFromWire(method string, v any, debug bool) (any, error) {
	if IsErrorEnvelope(v) {
		env := maps.Clone(v.(map[string]any))
		if !debug {
			delete(env, "traceback")
		}
		return env, nil
	}
	t, _ := r.Lookup(method)
	if t.ResultFromWire == nil {
		return v, nil
	}
	out, err := t.ResultFromWire(v)
	if err != nil {
		return nil, fmt.Errorf("%s: result: %w", method, err)
	}
	return out, nil
}

// DecodeAny walks an untyped JSON value and decodes every tagged array,
// scalar and polynomial it finds. Other values are returned as-is.
func DecodeAny(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		switch {
		case isTaggedArray(x):
			return DecodeNDArrayOrScalar(x)
		case isTaggedPolynomial(x):
			return polynomialFromWire(x)
		case IsErrorEnvelope(x):
			return x, nil
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			d, err := DecodeAny(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			d, err := DecodeAny(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = d
		}
		return out, nil
	}
	return v, nil
}

// EncodeAny is the inverse of DecodeAny: arrays, complex scalars,
// polynomials, circuits and Pauli sums nested in maps and slices are
// replaced by their wire forms.
func EncodeAny(v any) (any, error) {
	switch x := v.(type) {
	case *NDArray, NDArray:
		return EncodeNDArray(x)
	case complex128, complex64:
		return EncodeScalar(x)
	case *PolynomialObjective:
		return EncodePolynomial(x)
	case *Circuit:
		return EncodeCircuit(x)
	case PauliSum:
		return EncodePauli(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			e, err := EncodeAny(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = e
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			e, err := EncodeAny(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = e
		}
		return out, nil
	}
	return v, nil
}
