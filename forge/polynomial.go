// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Domain selects the algebraic interpretation of polynomial variables.
type Domain string

const (
	// DomainBoolean variables take values in {0, 1}.
	DomainBoolean Domain = "boolean"
	// DomainSpin variables take values in {+1, -1}.
	DomainSpin Domain = "spin"
)

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return d == DomainBoolean || d == DomainSpin
}

// Term is one monomial of a polynomial: the product of Variables scaled by
// Coefficient. An empty Variables slice is the constant term.
type Term struct {
	Variables   []int
	Coefficient int
}

// PolynomialObjective is an integer-coefficient polynomial over NumVariables
// binary or spin variables.
type PolynomialObjective struct {
	NumVariables int
	Domain       Domain
	// VariableNameMapping optionally names variables by index.
	VariableNameMapping map[int]string

	terms map[string]Term
}

// NewPolynomialObjective returns an empty polynomial.
func NewPolynomialObjective(numVariables int, domain Domain) *PolynomialObjective {
	return &PolynomialObjective{
		NumVariables: numVariables,
		Domain:       domain,
		terms:        map[string]Term{},
	}
}

func termKey(vars []int) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (p *PolynomialObjective) canonical(vars []int) ([]int, error) {
	sorted := slices.Clone(vars)
	slices.Sort(sorted)
	for i, v := range sorted {
		if v < 0 || v >= p.NumVariables {
			return nil, fmt.Errorf("polynomial: variable %d out of range [0, %d)", v, p.NumVariables)
		}
		if i > 0 && sorted[i-1] == v {
			return nil, fmt.Errorf("polynomial: variable %d repeated in term %v", v, vars)
		}
	}
	return sorted, nil
}

// SetTerm sets the coefficient of the monomial over vars. Variable order does
// not matter. A zero coefficient removes the term.
func (p *PolynomialObjective) SetTerm(coefficient int, vars ...int) error {
	sorted, err := p.canonical(vars)
	if err != nil {
		return err
	}
	if p.terms == nil {
		p.terms = map[string]Term{}
	}
	key := termKey(sorted)
	if coefficient == 0 {
		delete(p.terms, key)
		return nil
	}
	p.terms[key] = Term{Variables: sorted, Coefficient: coefficient}
	return nil
}

// AddTerm adds coefficient to the monomial over vars.
func (p *PolynomialObjective) AddTerm(coefficient int, vars ...int) error {
	return p.SetTerm(p.Coefficient(vars...)+coefficient, vars...)
}

// Coefficient returns the coefficient of the monomial over vars, or 0.
func (p *PolynomialObjective) Coefficient(vars ...int) int {
	sorted := slices.Clone(vars)
	slices.Sort(sorted)
	return p.terms[termKey(sorted)].Coefficient
}

// Terms returns the non-zero terms ordered by degree, then lexicographically.
func (p *PolynomialObjective) Terms() []Term {
	out := slices.Collect(maps.Values(p.terms))
	slices.SortFunc(out, func(a, b Term) int {
		if c := cmp.Compare(len(a.Variables), len(b.Variables)); c != 0 {
			return c
		}
		return slices.Compare(a.Variables, b.Variables)
	})
	return out
}

// Degree returns the largest term degree, or 0 for an empty polynomial.
func (p *PolynomialObjective) Degree() int {
	d := 0
	for _, t := range p.terms {
		d = max(d, len(t.Variables))
	}
	return d
}

// Evaluate computes the polynomial at an assignment of all variables. Boolean
// domains expect 0/1 values, spin domains +1/-1.
func (p *PolynomialObjective) Evaluate(assignment []int) (int, error) {
	if len(assignment) != p.NumVariables {
		return 0, fmt.Errorf("polynomial: assignment has %d values, want %d", len(assignment), p.NumVariables)
	}
	total := 0
	for _, t := range p.terms {
		prod := t.Coefficient
		for _, v := range t.Variables {
			prod *= assignment[v]
		}
		total += prod
	}
	return total, nil
}

// Equal reports whether p and q have the same terms, domain, variable count
// and name mapping.
func (p *PolynomialObjective) Equal(q *PolynomialObjective) bool {
	if p == nil || q == nil {
		return p == q
	}
	if p.NumVariables != q.NumVariables || p.Domain != q.Domain || len(p.terms) != len(q.terms) {
		return false
	}
	if !maps.Equal(p.VariableNameMapping, q.VariableNameMapping) &&
		(len(p.VariableNameMapping) != 0 || len(q.VariableNameMapping) != 0) {
		return false
	}
	for k, t := range p.terms {
		if q.terms[k].Coefficient != t.Coefficient {
			return false
		}
	}
	return true
}

func (p *PolynomialObjective) String() string {
	var b strings.Builder
	for i, t := range p.Terms() {
		if i > 0 {
			b.WriteString(" + ")
		}
		b.WriteString(strconv.Itoa(t.Coefficient))
		for _, v := range t.Variables {
			fmt.Fprintf(&b, "*x%d", v)
		}
	}
	if b.Len() == 0 {
		b.WriteString("0")
	}
	return fmt.Sprintf("%s (%d vars, %s)", b.String(), p.NumVariables, p.Domain)
}

// --- Wire form ---

const (
	tagPolynomial   = "polynomial"
	tagNumVariables = "num_variables"
	tagDomain       = "domain"
	tagNameMapping  = "variable_name_mapping"
)

// formatTuple renders variable indices the way tuple keys appear on the wire:
// "()", "(3,)", "(0, 1)".
func formatTuple(vars []int) string {
	switch len(vars) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", vars[0])
	}
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = strconv.Itoa(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// parseTuple parses a wire tuple key.
func parseTuple(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("polynomial: malformed term key %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []int{}, nil
	}
	var vars []int
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("polynomial: malformed term key %q: %w", s, err)
		}
		vars = append(vars, n)
	}
	return vars, nil
}

func polynomialToWire(p *PolynomialObjective) (map[string]any, error) {
	if !p.Domain.Valid() {
		return nil, unsupported("polynomial", p, "unknown domain %q", p.Domain)
	}
	poly := make(map[string]any, len(p.terms))
	for _, t := range p.terms {
		if _, err := p.canonical(t.Variables); err != nil {
			return nil, err
		}
		poly[formatTuple(t.Variables)] = t.Coefficient
	}
	names := make(map[string]any, len(p.VariableNameMapping))
	for idx, name := range p.VariableNameMapping {
		names[strconv.Itoa(idx)] = name
	}
	return map[string]any{
		tagPolynomial:   poly,
		tagNumVariables: p.NumVariables,
		tagDomain:       string(p.Domain),
		tagNameMapping:  names,
	}, nil
}

func polynomialFromWire(v any) (*PolynomialObjective, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, unsupported("polynomial", v, "expected a tagged polynomial object")
	}
	n, err := asInt(m[tagNumVariables])
	if err != nil {
		return nil, fmt.Errorf("polynomial: num_variables: %w", err)
	}
	domain := Domain(fmt.Sprint(m[tagDomain]))
	if !domain.Valid() {
		return nil, fmt.Errorf("polynomial: unknown domain %q", domain)
	}
	p := NewPolynomialObjective(n, domain)

	rawPoly, ok := m[tagPolynomial].(map[string]any)
	if !ok && m[tagPolynomial] != nil {
		return nil, unsupported("polynomial", v, "polynomial must be an object")
	}
	for key, rawCoef := range rawPoly {
		vars, err := parseTuple(key)
		if err != nil {
			return nil, err
		}
		coef, err := asInt(rawCoef)
		if err != nil {
			return nil, fmt.Errorf("polynomial: coefficient of %s: %w", key, err)
		}
		if err := p.AddTerm(coef, vars...); err != nil {
			return nil, err
		}
	}

	if rawNames, ok := m[tagNameMapping].(map[string]any); ok && len(rawNames) > 0 {
		p.VariableNameMapping = make(map[int]string, len(rawNames))
		keys := slices.Collect(maps.Keys(rawNames))
		sort.Strings(keys)
		for _, k := range keys {
			idx, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("polynomial: variable name key %q: %w", k, err)
			}
			p.VariableNameMapping[idx] = fmt.Sprint(rawNames[k])
		}
	}
	return p, nil
}

// EncodePolynomial is the to-wire coder for *PolynomialObjective.
func EncodePolynomial(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *PolynomialObjective:
		if x == nil {
			return nil, nil
		}
		return polynomialToWire(x)
	}
	return nil, unsupported("polynomial", v, "expected *forge.PolynomialObjective")
}

// DecodePolynomial is the from-wire coder for *PolynomialObjective.
func DecodePolynomial(v any) (any, error) {
	if v == nil {
		return (*PolynomialObjective)(nil), nil
	}
	return polynomialFromWire(v)
}

func isTaggedPolynomial(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, hasPoly := m[tagPolynomial]
	_, hasDomain := m[tagDomain]
	return hasPoly && hasDomain
}
