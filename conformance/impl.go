// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"github.com/Query-farm/forge-go/forge"
)

// MethodRaiseError always fails with the message and stack trace it is given.
const MethodRaiseError = "test.raise_error"

// maxBruteForceVariables bounds exhaustive search.
const maxBruteForceVariables = 20

// RegisterMethods registers a handler for every catalogued endpoint plus
// test.raise_error.
func RegisterMethods(s *Service) {
	Unary(s, forge.MethodEcho, func(_ context.Context, p forge.EchoParams) (string, error) {
		return p.Text, nil
	})
	Unary(s, MethodRaiseError, func(_ context.Context, p RaiseErrorParams) (any, error) {
		return nil, &HandlerError{Type: "ValueError", Message: p.Message, StackTrace: p.StackTrace}
	})
	Unary(s, forge.MethodLoader, loader)
	Unary(s, forge.MethodRunBackendMethod, runBackendMethod)
	Unary(s, forge.MethodBruteForceMinimize, bruteForceMinimize)
	Unary(s, forge.MethodOptimizeBinary, optimizeBinary)
	Unary(s, forge.MethodQDot, qdot)
	Unary(s, forge.MethodQDist, qdist)
	Unary(s, forge.MethodFitAndPredict, fitAndPredict)
}

func valueError(format string, args ...any) error {
	return &HandlerError{Type: "ValueError", Message: fmt.Sprintf(format, args...)}
}

func checkBackend(backend string) error {
	if !strings.HasPrefix(backend, "qcware/") {
		return valueError("unknown backend %q", backend)
	}
	return nil
}

// --- qio ---

func loader(_ context.Context, p forge.LoaderParams) (*forge.Circuit, error) {
	if p.Data == nil {
		return nil, valueError("data is required")
	}
	switch p.Mode {
	case "optimized", "diagonal":
	default:
		return nil, valueError("unsupported loader mode %q", p.Mode)
	}
	x, err := p.Data.Float64s()
	if err != nil {
		return nil, valueError("data: %v", err)
	}
	c, err := UnaryLoader(x)
	if err != nil {
		return nil, valueError("%v", err)
	}
	return c, nil
}

// --- circuits ---

func runBackendMethod(_ context.Context, p forge.BackendMethodParams) (any, error) {
	if err := checkBackend(p.Backend); err != nil {
		return nil, err
	}
	kw := p.Kwargs
	circuit, ok := kw["circuit"].(*forge.Circuit)
	if !ok {
		return nil, valueError("kwargs.circuit must be a circuit, got %T", kw["circuit"])
	}
	nqubit := 0
	if raw, ok := kw["nqubit"]; ok && raw != nil {
		n, err := cast.ToIntE(raw)
		if err != nil {
			return nil, valueError("kwargs.nqubit: %v", err)
		}
		nqubit = n
	}
	sv, err := Simulate(circuit, nqubit)
	if err != nil {
		return nil, valueError("%v", err)
	}

	switch p.Method {
	case forge.BackendRunStatevector:
		return forge.FromComplex128s(sv.Amps), nil
	case forge.BackendRunProbability:
		return forge.FromFloat64s(sv.Probabilities()), nil
	case forge.BackendRunMeasurement:
		shots := 1000
		if raw, ok := kw["shots"]; ok && raw != nil {
			if shots, err = cast.ToIntE(raw); err != nil {
				return nil, valueError("kwargs.shots: %v", err)
			}
		}
		return sv.Counts(shots), nil
	case forge.BackendRunPauliExpectation:
		pauli, ok := kw["pauli"].(forge.PauliSum)
		if !ok {
			return nil, valueError("kwargs.pauli must be a Pauli sum, got %T", kw["pauli"])
		}
		return sv.Expectation(pauli)
	}
	return nil, valueError("unknown backend method %q", p.Method)
}

// --- optimization ---

// assignment maps bit i of bits, variable 0 first, onto the domain values.
func assignment(bits, n int, domain forge.Domain) []int {
	out := make([]int, n)
	for v := range n {
		set := bits>>(n-1-v)&1 == 1
		switch {
		case domain == forge.DomainSpin && set:
			out[v] = -1
		case domain == forge.DomainSpin:
			out[v] = 1
		case set:
			out[v] = 1
		}
	}
	return out
}

func bitstring(bits, n int) string {
	var b strings.Builder
	for v := range n {
		if bits>>(n-1-v)&1 == 1 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// minimize enumerates every assignment satisfying cons and returns the
// minimum objective value and the bitstrings attaining it.
func minimize(obj *forge.PolynomialObjective, cons forge.Constraints) (forge.BruteForceResult, error) {
	if obj == nil {
		return forge.BruteForceResult{}, valueError("objective is required")
	}
	n := obj.NumVariables
	if n > maxBruteForceVariables {
		return forge.BruteForceResult{}, valueError("brute force supports at most %d variables, got %d", maxBruteForceVariables, n)
	}
	best := forge.BruteForceResult{Value: math.MaxInt}
	for bits := range 1 << n {
		a := assignment(bits, n, obj.Domain)
		ok, err := cons.Satisfied(a)
		if err != nil {
			return forge.BruteForceResult{}, valueError("constraints: %v", err)
		}
		if !ok {
			continue
		}
		v, err := obj.Evaluate(a)
		if err != nil {
			return forge.BruteForceResult{}, valueError("%v", err)
		}
		switch {
		case v < best.Value:
			best = forge.BruteForceResult{Value: v, Argmin: []string{bitstring(bits, n)}}
		case v == best.Value:
			best.Argmin = append(best.Argmin, bitstring(bits, n))
		}
	}
	if best.Argmin == nil {
		return forge.BruteForceResult{}, valueError("no assignment satisfies the constraints")
	}
	return best, nil
}

func bruteForceMinimize(_ context.Context, p forge.BruteForceParams) (forge.BruteForceResult, error) {
	if err := checkBackend(p.Backend); err != nil {
		return forge.BruteForceResult{}, err
	}
	return minimize(p.Objective, p.Constraints)
}

func optimizeBinary(_ context.Context, p forge.OptimizeBinaryParams) (map[string]any, error) {
	if err := checkBackend(p.Backend); err != nil {
		return nil, err
	}
	if p.Instance == nil {
		return nil, valueError("instance is required")
	}
	res, err := minimize(p.Instance.Objective, p.Instance.Constraints)
	if err != nil {
		return nil, err
	}
	pick := 0
	if p.Seed != nil {
		pick = ((*p.Seed % len(res.Argmin)) + len(res.Argmin)) % len(res.Argmin)
	}
	return map[string]any{
		"name":              p.Instance.Name,
		"value":             res.Value,
		"solution":          res.Argmin[pick],
		"num_optimal":       len(res.Argmin),
		"objective_degree":  p.Instance.Objective.Degree(),
		"constraints_count": p.Instance.Constraints.Count(),
	}, nil
}

// --- qutils ---

// matrix views a 1-d or 2-d array as rows x cols. A 1-d array is a row
// vector when asRow is set, otherwise a column vector.
func matrix(a *forge.NDArray, asRow bool) (vals []float64, rows, cols int, err error) {
	if vals, err = a.Float64s(); err != nil {
		return nil, 0, 0, err
	}
	shape := a.Shape()
	switch len(shape) {
	case 1:
		if asRow {
			return vals, 1, shape[0], nil
		}
		return vals, shape[0], 1, nil
	case 2:
		return vals, shape[0], shape[1], nil
	}
	return nil, 0, 0, fmt.Errorf("expected a 1-d or 2-d array, got shape %v", shape)
}

func qdot(_ context.Context, p forge.QDotParams) (any, error) {
	if err := checkBackend(p.Backend); err != nil {
		return nil, err
	}
	if p.X == nil || p.Y == nil {
		return nil, valueError("x and y are required")
	}
	a, m, k, err := matrix(p.X, true)
	if err != nil {
		return nil, valueError("x: %v", err)
	}
	b, k2, n, err := matrix(p.Y, false)
	if err != nil {
		return nil, valueError("y: %v", err)
	}
	if k != k2 {
		return nil, valueError("shapes %v and %v are not aligned", p.X.Shape(), p.Y.Shape())
	}
	out := make([]float64, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for l := range k {
				sum += a[i*k+l] * b[l*n+j]
			}
			out[i*n+j] = sum
		}
	}

	xd, yd := len(p.X.Shape()), len(p.Y.Shape())
	switch {
	case xd == 1 && yd == 1:
		return out[0], nil
	case xd == 1 || yd == 1:
		return forge.FromFloat64s(out), nil
	}
	return forge.FromFloat64s(out).Reshape(m, n)
}

func qdist(_ context.Context, p forge.QDistParams) (float64, error) {
	if err := checkBackend(p.Backend); err != nil {
		return 0, err
	}
	if p.X == nil || p.Y == nil {
		return 0, valueError("x and y are required")
	}
	x, err := p.X.Float64s()
	if err != nil {
		return 0, valueError("x: %v", err)
	}
	y, err := p.Y.Float64s()
	if err != nil {
		return 0, valueError("y: %v", err)
	}
	if len(x) != len(y) {
		return 0, valueError("x has %d elements and y has %d", len(x), len(y))
	}
	var d float64
	for i := range x {
		d += (x[i] - y[i]) * (x[i] - y[i])
	}
	return d, nil
}

// --- qml ---

func fitAndPredict(_ context.Context, p forge.FitAndPredictParams) (*forge.NDArray, error) {
	if err := checkBackend(p.Backend); err != nil {
		return nil, err
	}
	if p.Model != "QNearestCentroid" {
		return nil, valueError("unsupported model %q", p.Model)
	}
	if p.X == nil || p.Y == nil || p.T == nil {
		return nil, valueError("X, y and T are required")
	}
	xs, n, d, err := matrix(p.X, true)
	if err != nil {
		return nil, valueError("X: %v", err)
	}
	labels, err := p.Y.Float64s()
	if err != nil || len(labels) != n {
		return nil, valueError("y must hold one label per row of X")
	}
	ts, m, d2, err := matrix(p.T, true)
	if err != nil || d2 != d {
		return nil, valueError("T must have %d columns", d)
	}

	type centroid struct {
		label int64
		sum   []float64
		count int
	}
	var centroids []*centroid
	byLabel := map[int64]*centroid{}
	for i := range n {
		l := int64(math.Round(labels[i]))
		c := byLabel[l]
		if c == nil {
			c = &centroid{label: l, sum: make([]float64, d)}
			byLabel[l] = c
			centroids = append(centroids, c)
		}
		for j := range d {
			c.sum[j] += xs[i*d+j]
		}
		c.count++
	}

	out := make([]int64, m)
	for i := range m {
		best := math.Inf(1)
		for _, c := range centroids {
			var dist float64
			for j := range d {
				diff := ts[i*d+j] - c.sum[j]/float64(c.count)
				dist += diff * diff
			}
			if dist < best {
				best, out[i] = dist, c.label
			}
		}
	}
	return forge.FromInt64s(out), nil
}
