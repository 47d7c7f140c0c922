// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/forge-go/forge"
)

func bell() *forge.Circuit {
	return forge.NewCircuit().Add(forge.GateH, 0).Add(forge.GateCX, 0, 1)
}

func TestSimulateBellState(t *testing.T) {
	sv, err := Simulate(bell(), 0)
	require.NoError(t, err)
	require.Equal(t, 2, sv.N)

	p := sv.Probabilities()
	assert.InDelta(t, 0.5, p[0], 1e-12)
	assert.InDelta(t, 0, p[1], 1e-12)
	assert.InDelta(t, 0, p[2], 1e-12)
	assert.InDelta(t, 0.5, p[3], 1e-12)
	assert.Equal(t, map[string]any{"00": 500, "11": 500}, sv.Counts(1000))
}

func TestSimulateWidensRegister(t *testing.T) {
	sv, err := Simulate(forge.NewCircuit().Add(forge.GateX, 1), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, sv.N)
	assert.Equal(t, "010", sv.Bitstring(2))
	assert.Equal(t, complex(1, 0), sv.Amps[2])

	sv, err = Simulate(nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []complex128{1, 0}, sv.Amps)
}

func TestSimulateRejects(t *testing.T) {
	_, err := Simulate(forge.NewCircuit().Add(forge.Gate{Name: "FOO"}, 0), 0)
	assert.ErrorContains(t, err, "unsupported gate")

	_, err = Simulate(forge.NewCircuit().Add(forge.GateCX, 0, 0), 0)
	assert.ErrorContains(t, err, "distinct")

	_, err = Simulate(forge.NewCircuit().Add(forge.GateH, 0, 1), 0)
	assert.ErrorContains(t, err, "acts on 1 qubit")

	_, err = NewStatevector(maxSimQubits + 1)
	assert.Error(t, err)

	sv, err := NewStatevector(1)
	require.NoError(t, err)
	assert.ErrorContains(t, sv.Apply(forge.GateX, 4), "out of range")
}

func TestRotations(t *testing.T) {
	sv, err := Simulate(forge.NewCircuit().Add(forge.GateRY(math.Pi), 0), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, sv.Probabilities()[1], 1e-12)

	sv, err = Simulate(forge.NewCircuit().Add(forge.GateX, 0).Add(forge.GateRBS(math.Pi/2), 0, 1), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1, sv.Probabilities()[1], 1e-12, "RBS(pi/2) moves |10> to |01>")
}

func TestExpectation(t *testing.T) {
	sv, err := Simulate(bell(), 0)
	require.NoError(t, err)

	cases := []struct {
		sum  forge.PauliSum
		want complex128
	}{
		{forge.PauliSum{{Pauli: "Z0*Z1", Coefficient: 1}}, 1},
		{forge.PauliSum{{Pauli: "X0*X1", Coefficient: 1}}, 1},
		{forge.PauliSum{{Pauli: "Z0", Coefficient: 1}}, 0},
		{forge.PauliSum{{Pauli: "I", Coefficient: 2i}}, 2i},
		{forge.PauliSum{{Pauli: "", Coefficient: 1}, {Pauli: "Y0*Y1", Coefficient: 0.5}}, 0.5},
	}
	for _, c := range cases {
		got, err := sv.Expectation(c.sum)
		require.NoError(t, err, c.sum.String())
		assert.InDelta(t, real(c.want), real(got), 1e-12, c.sum.String())
		assert.InDelta(t, imag(c.want), imag(got), 1e-12, c.sum.String())
	}

	_, err = sv.Expectation(forge.PauliSum{{Pauli: "Q0", Coefficient: 1}})
	assert.Error(t, err)
}

func TestUnaryLoaderAmplitudes(t *testing.T) {
	for _, x := range [][]float64{
		{0.5, 0.5, 0.5, 0.5},
		{3, 4},
		{1, -2, 0, 2},
		{0, 0, 1},
	} {
		c, err := UnaryLoader(x)
		require.NoError(t, err)
		assert.Equal(t, len(x), c.Len())

		sv, err := Simulate(c, len(x))
		require.NoError(t, err)
		var norm float64
		for _, v := range x {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		for i, v := range x {
			// unary basis state with qubit i set
			idx := 1 << (len(x) - 1 - i)
			assert.InDelta(t, v/norm, real(sv.Amps[idx]), 1e-9, "x=%v i=%d", x, i)
		}
	}

	_, err := UnaryLoader(nil)
	assert.Error(t, err)
	_, err = UnaryLoader([]float64{0, 0})
	assert.Error(t, err)
}
