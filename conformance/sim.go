// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"cmp"
	"fmt"
	"math"
	"math/cmplx"
	"slices"
	"strconv"
	"strings"

	"github.com/Query-farm/forge-go/forge"
)

// maxSimQubits bounds the statevector simulator.
const maxSimQubits = 16

// Statevector is the amplitude vector of an n-qubit register. Qubit 0 is
// the most significant bit of the basis index, so basis states read left to
// right as qubit 0, 1, ...
type Statevector struct {
	N    int
	Amps []complex128
}

// NewStatevector returns |0...0> on n qubits.
func NewStatevector(n int) (*Statevector, error) {
	if n < 0 || n > maxSimQubits {
		return nil, fmt.Errorf("simulator supports 0 to %d qubits, got %d", maxSimQubits, n)
	}
	amps := make([]complex128, 1<<n)
	amps[0] = 1
	return &Statevector{N: n, Amps: amps}, nil
}

// Simulate runs c on n qubits starting from |0...0>. Instructions apply in
// time order.
func Simulate(c *forge.Circuit, n int) (*Statevector, error) {
	if c != nil && c.NumQubits() > n {
		n = c.NumQubits()
	}
	sv, err := NewStatevector(n)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return sv, nil
	}
	for _, ins := range sortedInstructions(c) {
		if err := sv.Apply(ins.Gate, ins.Qubits...); err != nil {
			return nil, err
		}
	}
	return sv, nil
}

func sortedInstructions(c *forge.Circuit) []forge.Instruction {
	out := slices.Clone(c.Instructions)
	slices.SortStableFunc(out, func(a, b forge.Instruction) int {
		return cmp.Compare(a.Time, b.Time)
	})
	return out
}

func (s *Statevector) bit(q int) int {
	return s.N - 1 - q
}

// Apply applies gate to qubits.
func (s *Statevector) Apply(g forge.Gate, qubits ...int) error {
	for _, q := range qubits {
		if q < 0 || q >= s.N {
			return fmt.Errorf("gate %s: qubit %d out of range for %d qubits", g.Name, q, s.N)
		}
	}
	theta := g.Parameters["theta"]
	if m, ok := oneQubitGate(g.Name, theta); ok {
		if len(qubits) != 1 {
			return fmt.Errorf("gate %s acts on 1 qubit, got %d", g.Name, len(qubits))
		}
		s.apply1(qubits[0], m)
		return nil
	}
	if m, ok := twoQubitGate(g.Name, theta); ok {
		if len(qubits) != 2 || qubits[0] == qubits[1] {
			return fmt.Errorf("gate %s acts on 2 distinct qubits, got %v", g.Name, qubits)
		}
		s.apply2(qubits[0], qubits[1], m)
		return nil
	}
	return fmt.Errorf("unsupported gate %q", g.Name)
}

func oneQubitGate(name string, theta float64) ([2][2]complex128, bool) {
	r := complex(1/math.Sqrt2, 0)
	c, sn := complex(math.Cos(theta/2), 0), complex(math.Sin(theta/2), 0)
	switch name {
	case "H":
		return [2][2]complex128{{r, r}, {r, -r}}, true
	case "X":
		return [2][2]complex128{{0, 1}, {1, 0}}, true
	case "Y":
		return [2][2]complex128{{0, -1i}, {1i, 0}}, true
	case "Z":
		return [2][2]complex128{{1, 0}, {0, -1}}, true
	case "S":
		return [2][2]complex128{{1, 0}, {0, 1i}}, true
	case "T":
		return [2][2]complex128{{1, 0}, {0, cmplx.Exp(1i * math.Pi / 4)}}, true
	case "Ry":
		return [2][2]complex128{{c, -sn}, {sn, c}}, true
	case "Rz":
		return [2][2]complex128{
			{cmplx.Exp(complex(0, -theta/2)), 0},
			{0, cmplx.Exp(complex(0, theta/2))},
		}, true
	}
	return [2][2]complex128{}, false
}

// twoQubitGate returns the matrix in the basis |q0 q1> = 00, 01, 10, 11.
func twoQubitGate(name string, theta float64) ([4][4]complex128, bool) {
	switch name {
	case "CX":
		return [4][4]complex128{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 0, 1}, {0, 0, 1, 0}}, true
	case "CZ":
		return [4][4]complex128{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, -1}}, true
	case "SWAP":
		return [4][4]complex128{{1, 0, 0, 0}, {0, 0, 1, 0}, {0, 1, 0, 0}, {0, 0, 0, 1}}, true
	case "RBS":
		c, s := complex(math.Cos(theta), 0), complex(math.Sin(theta), 0)
		return [4][4]complex128{{1, 0, 0, 0}, {0, c, s, 0}, {0, -s, c, 0}, {0, 0, 0, 1}}, true
	}
	return [4][4]complex128{}, false
}

func (s *Statevector) apply1(q int, m [2][2]complex128) {
	mask := 1 << s.bit(q)
	for i := range s.Amps {
		if i&mask != 0 {
			continue
		}
		a0, a1 := s.Amps[i], s.Amps[i|mask]
		s.Amps[i] = m[0][0]*a0 + m[0][1]*a1
		s.Amps[i|mask] = m[1][0]*a0 + m[1][1]*a1
	}
}

func (s *Statevector) apply2(q0, q1 int, m [4][4]complex128) {
	m0, m1 := 1<<s.bit(q0), 1<<s.bit(q1)
	for i := range s.Amps {
		if i&(m0|m1) != 0 {
			continue
		}
		idx := [4]int{i, i | m1, i | m0, i | m0 | m1}
		var in, out [4]complex128
		for k, j := range idx {
			in[k] = s.Amps[j]
		}
		for r := range 4 {
			for k := range 4 {
				out[r] += m[r][k] * in[k]
			}
		}
		for k, j := range idx {
			s.Amps[j] = out[k]
		}
	}
}

// Probabilities returns |amplitude|^2 for every basis state.
func (s *Statevector) Probabilities() []float64 {
	out := make([]float64, len(s.Amps))
	for i, a := range s.Amps {
		out[i] = real(a)*real(a) + imag(a)*imag(a)
	}
	return out
}

// Bitstring renders basis index i with qubit 0 first.
func (s *Statevector) Bitstring(i int) string {
	if s.N == 0 {
		return ""
	}
	b := strconv.FormatInt(int64(i), 2)
	return strings.Repeat("0", s.N-len(b)) + b
}

// Counts returns the expected outcome counts of shots measurements, rounded
// to integers. Outcomes with no expected count are omitted.
func (s *Statevector) Counts(shots int) map[string]any {
	out := map[string]any{}
	for i, p := range s.Probabilities() {
		if n := int(math.Round(p * float64(shots))); n > 0 {
			out[s.Bitstring(i)] = n
		}
	}
	return out
}

// Expectation returns <psi|P|psi> for a Pauli sum.
func (s *Statevector) Expectation(p forge.PauliSum) (complex128, error) {
	var total complex128
	for _, term := range p {
		if err := forge.ValidatePauliString(term.Pauli); err != nil {
			return 0, err
		}
		applied := &Statevector{N: s.N, Amps: append([]complex128(nil), s.Amps...)}
		if term.Pauli != "" && term.Pauli != "I" {
			for _, f := range strings.Split(term.Pauli, "*") {
				q, _ := strconv.Atoi(f[1:])
				if err := applied.Apply(forge.Gate{Name: f[:1]}, q); err != nil {
					return 0, err
				}
			}
		}
		var inner complex128
		for i, a := range s.Amps {
			inner += cmplx.Conj(a) * applied.Amps[i]
		}
		total += term.Coefficient * inner
	}
	return total, nil
}

// UnaryLoader returns a circuit that loads the normalized vector x into the
// amplitudes of the unary basis states |100..>, |010..>, ... on len(x)
// qubits, using a diagonal cascade of RBS gates.
func UnaryLoader(x []float64) (*forge.Circuit, error) {
	var norm float64
	for _, v := range x {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if len(x) == 0 || norm == 0 {
		return nil, fmt.Errorf("loader needs a non-zero vector")
	}

	c := forge.NewCircuit().Add(forge.GateX, 0)
	rest := 1.0
	for i := 0; i < len(x)-1; i++ {
		xi := x[i] / norm
		var theta float64
		switch {
		case i == len(x)-2:
			theta = math.Atan2(x[i+1]/norm, xi)
		case rest > 1e-12:
			theta = math.Acos(math.Max(-1, math.Min(1, xi/rest)))
		}
		c.Add(forge.GateRBS(theta), i, i+1)
		rest *= math.Sin(theta)
	}
	return c, nil
}
