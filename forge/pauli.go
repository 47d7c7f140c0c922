// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"
	"regexp"
	"strings"
)

// PauliTerm is a Pauli string such as "X0*Z2" scaled by a complex
// coefficient. The empty string and "I" both denote the identity.
type PauliTerm struct {
	Pauli       string
	Coefficient complex128
}

// PauliSum is a linear combination of Pauli strings.
type PauliSum []PauliTerm

var pauliFactor = regexp.MustCompile(`^[XYZ][0-9]+$`)

// ValidatePauliString checks that s is "I", empty, or factors like "X0"
// joined by "*".
func ValidatePauliString(s string) error {
	if s == "" || s == "I" {
		return nil
	}
	for _, f := range strings.Split(s, "*") {
		if !pauliFactor.MatchString(f) {
			return fmt.Errorf("pauli: malformed factor %q in %q", f, s)
		}
	}
	return nil
}

// Equal reports whether p and o hold equal terms in the same order.
func (p PauliSum) Equal(o PauliSum) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

func (p PauliSum) String() string {
	if len(p) == 0 {
		return "0"
	}
	parts := make([]string, len(p))
	for i, t := range p {
		s := t.Pauli
		if s == "" {
			s = "I"
		}
		parts[i] = fmt.Sprintf("%v*%s", t.Coefficient, s)
	}
	return strings.Join(parts, " + ")
}

func pauliToWire(p PauliSum) ([]any, error) {
	out := make([]any, len(p))
	for i, t := range p {
		if err := ValidatePauliString(t.Pauli); err != nil {
			return nil, unsupported("pauli", p, "%v", err)
		}
		coef, err := EncodeScalar(t.Coefficient)
		if err != nil {
			return nil, err
		}
		out[i] = []any{t.Pauli, coef}
	}
	return out, nil
}

func pauliFromWire(v any) (PauliSum, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, unsupported("pauli", v, "expected a list of [pauli, coefficient] pairs")
	}
	out := make(PauliSum, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, unsupported("pauli", v, "term %d is not a pair", i)
		}
		s, ok := pair[0].(string)
		if !ok {
			return nil, unsupported("pauli", v, "term %d: pauli string expected", i)
		}
		raw, err := DecodeScalar(pair[1])
		if err != nil {
			return nil, fmt.Errorf("pauli: term %d: %w", i, err)
		}
		coef, err := toComplex(raw)
		if err != nil {
			return nil, fmt.Errorf("pauli: term %d: %w", i, err)
		}
		out[i] = PauliTerm{Pauli: s, Coefficient: coef}
	}
	return out, nil
}

func toComplex(v any) (complex128, error) {
	switch x := v.(type) {
	case complex128:
		return x, nil
	case complex64:
		return complex128(x), nil
	case float64:
		return complex(x, 0), nil
	case float32:
		return complex(float64(x), 0), nil
	case int64:
		return complex(float64(x), 0), nil
	case int32:
		return complex(float64(x), 0), nil
	}
	return 0, fmt.Errorf("expected a numeric coefficient, got %T", v)
}

// EncodePauli is the to-wire coder for PauliSum.
func EncodePauli(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case PauliSum:
		return pauliToWire(x)
	case []PauliTerm:
		return pauliToWire(x)
	}
	return nil, unsupported("pauli", v, "expected forge.PauliSum")
}

// DecodePauli is the from-wire coder for PauliSum.
func DecodePauli(v any) (any, error) {
	if v == nil {
		return PauliSum(nil), nil
	}
	return pauliFromWire(v)
}
