// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"fmt"
	"maps"
	"slices"
)

// Predicate is the relation a constraint polynomial must satisfy against zero.
type Predicate string

const (
	PredicatePositive    Predicate = "POSITIVE"
	PredicateNegative    Predicate = "NEGATIVE"
	PredicateZero        Predicate = "ZERO"
	PredicateNonPositive Predicate = "NONPOSITIVE"
	PredicateNonNegative Predicate = "NONNEGATIVE"
	PredicateNonZero     Predicate = "NONZERO"
)

// Valid reports whether p is a known predicate.
func (p Predicate) Valid() bool {
	switch p {
	case PredicatePositive, PredicateNegative, PredicateZero,
		PredicateNonPositive, PredicateNonNegative, PredicateNonZero:
		return true
	}
	return false
}

// Holds reports whether value satisfies p.
func (p Predicate) Holds(value int) bool {
	switch p {
	case PredicatePositive:
		return value > 0
	case PredicateNegative:
		return value < 0
	case PredicateZero:
		return value == 0
	case PredicateNonPositive:
		return value <= 0
	case PredicateNonNegative:
		return value >= 0
	case PredicateNonZero:
		return value != 0
	}
	return false
}

// Constraints groups constraint polynomials by predicate.
type Constraints map[Predicate][]*PolynomialObjective

// Add appends a constraint polynomial under predicate.
func (c Constraints) Add(p Predicate, poly *PolynomialObjective) {
	c[p] = append(c[p], poly)
}

// Count returns the total number of constraint polynomials.
func (c Constraints) Count() int {
	n := 0
	for _, ps := range c {
		n += len(ps)
	}
	return n
}

// Satisfied reports whether assignment satisfies every constraint.
func (c Constraints) Satisfied(assignment []int) (bool, error) {
	for pred, polys := range c {
		for _, poly := range polys {
			v, err := poly.Evaluate(assignment)
			if err != nil {
				return false, err
			}
			if !pred.Holds(v) {
				return false, nil
			}
		}
	}
	return true, nil
}

// Equal reports whether c and o hold equal polynomials under each predicate,
// in the same order.
func (c Constraints) Equal(o Constraints) bool {
	if len(c) != len(o) {
		return false
	}
	for pred, ps := range c {
		qs, ok := o[pred]
		if !ok || len(ps) != len(qs) {
			return false
		}
		for i := range ps {
			if !ps[i].Equal(qs[i]) {
				return false
			}
		}
	}
	return true
}

// ConstrainedProblem is an objective minimized subject to constraints.
type ConstrainedProblem struct {
	Objective   *PolynomialObjective
	Constraints Constraints
	Name        string
}

func constraintsToWire(c Constraints) (map[string]any, error) {
	out := make(map[string]any, len(c))
	for _, pred := range slices.Sorted(maps.Keys(c)) {
		if !pred.Valid() {
			return nil, unsupported("constraints", c, "unknown predicate %q", pred)
		}
		encoded := make([]any, len(c[pred]))
		for i, poly := range c[pred] {
			if poly == nil {
				return nil, unsupported("constraints", c, "nil polynomial under %s", pred)
			}
			m, err := polynomialToWire(poly)
			if err != nil {
				return nil, fmt.Errorf("constraints: %s[%d]: %w", pred, i, err)
			}
			encoded[i] = m
		}
		out[string(pred)] = encoded
	}
	return out, nil
}

func constraintsFromWire(v any) (Constraints, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, unsupported("constraints", v, "expected an object keyed by predicate")
	}
	out := make(Constraints, len(m))
	for key, raw := range m {
		pred := Predicate(key)
		if !pred.Valid() {
			return nil, fmt.Errorf("constraints: unknown predicate %q", key)
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, unsupported("constraints", v, "%s must be a list", key)
		}
		polys := make([]*PolynomialObjective, len(list))
		for i, item := range list {
			p, err := polynomialFromWire(item)
			if err != nil {
				return nil, fmt.Errorf("constraints: %s[%d]: %w", key, i, err)
			}
			polys[i] = p
		}
		out[pred] = polys
	}
	return out, nil
}

// EncodeConstraints is the to-wire coder for Constraints.
func EncodeConstraints(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Constraints:
		if x == nil {
			return nil, nil
		}
		return constraintsToWire(x)
	}
	return nil, unsupported("constraints", v, "expected forge.Constraints")
}

// DecodeConstraints is the from-wire coder for Constraints.
func DecodeConstraints(v any) (any, error) {
	if v == nil {
		return Constraints(nil), nil
	}
	return constraintsFromWire(v)
}

// EncodeProblem is the to-wire coder for *ConstrainedProblem.
func EncodeProblem(v any) (any, error) {
	var p *ConstrainedProblem
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *ConstrainedProblem:
		p = x
	case ConstrainedProblem:
		p = &x
	default:
		return nil, unsupported("problem", v, "expected *forge.ConstrainedProblem")
	}
	if p == nil {
		return nil, nil
	}
	if p.Objective == nil {
		return nil, unsupported("problem", v, "objective is required")
	}
	obj, err := polynomialToWire(p.Objective)
	if err != nil {
		return nil, err
	}
	var cons any
	if p.Constraints != nil {
		if cons, err = constraintsToWire(p.Constraints); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"objective":   obj,
		"constraints": cons,
		"name":        p.Name,
	}, nil
}

// DecodeProblem is the from-wire coder for *ConstrainedProblem.
func DecodeProblem(v any) (any, error) {
	if v == nil {
		return (*ConstrainedProblem)(nil), nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, unsupported("problem", v, "expected a problem object")
	}
	obj, err := polynomialFromWire(m["objective"])
	if err != nil {
		return nil, fmt.Errorf("problem: objective: %w", err)
	}
	p := &ConstrainedProblem{Objective: obj}
	if name, ok := m["name"].(string); ok {
		p.Name = name
	}
	if raw := m["constraints"]; raw != nil {
		if p.Constraints, err = constraintsFromWire(raw); err != nil {
			return nil, fmt.Errorf("problem: %w", err)
		}
	}
	return p, nil
}
