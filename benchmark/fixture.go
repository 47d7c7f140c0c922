// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package benchmark holds fixtures for measuring the wire coders of the
// forge package.
package benchmark

import (
	"math"

	"github.com/Query-farm/forge-go/forge"
)

// ArraySizes are float64 element counts. 128 elements fill exactly
// forge.CompressionThreshold and encode uncompressed; larger sizes go
// through lz4.
var ArraySizes = []int{128, 129, 1 << 12, 1 << 16}

// Array returns a deterministic float64 array of n elements.
func Array(n int) *forge.NDArray {
	vals := make([]float64, n)
	for i := range vals {
		vals[i] = math.Sin(float64(i) / 7)
	}
	return forge.FromFloat64s(vals)
}

// Polynomial returns a dense quadratic boolean objective on n variables.
func Polynomial(n int) *forge.PolynomialObjective {
	p := forge.NewPolynomialObjective(n, forge.DomainBoolean)
	for i := range n {
		_ = p.SetTerm(i+1, i)
		for j := i + 1; j < n; j++ {
			_ = p.SetTerm((i*j)%5-2, i, j)
		}
	}
	return p
}

// Circuit returns a loader-style circuit on n qubits: an X on qubit 0
// followed by a cascade of RBS gates and a layer of Hadamards.
func Circuit(n int) *forge.Circuit {
	c := forge.NewCircuit().Add(forge.GateX, 0)
	for i := 0; i < n-1; i++ {
		c.Add(forge.GateRBS(float64(i+1)/float64(n)), i, i+1)
	}
	for i := range n {
		c.Add(forge.GateH, i)
	}
	return c
}

// Args returns the argument set of a qutils.qdot call on two arrays of n
// elements.
func Args(n int) map[string]any {
	return map[string]any{
		"x":       Array(n),
		"y":       Array(n),
		"backend": "qcware/cpu_simulator",
	}
}
