// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"cmp"
	"encoding/base64"
	"fmt"
	"maps"
	"slices"

	"github.com/goccy/go-json"
)

// Gate is a named quantum gate with optional real parameters.
type Gate struct {
	Name       string
	Parameters map[string]float64
}

// Common gates.
var (
	GateH = Gate{Name: "H"}
	GateX = Gate{Name: "X"}
	GateY = Gate{Name: "Y"}
	GateZ = Gate{Name: "Z"}
	GateS = Gate{Name: "S"}
	GateT = Gate{Name: "T"}

	GateCX   = Gate{Name: "CX"}
	GateCZ   = Gate{Name: "CZ"}
	GateSWAP = Gate{Name: "SWAP"}
)

// GateRY returns a Y rotation by theta.
func GateRY(theta float64) Gate {
	return Gate{Name: "Ry", Parameters: map[string]float64{"theta": theta}}
}

// GateRZ returns a Z rotation by theta.
func GateRZ(theta float64) Gate {
	return Gate{Name: "Rz", Parameters: map[string]float64{"theta": theta}}
}

// GateRBS returns a reconfigurable beam splitter by theta.
func GateRBS(theta float64) Gate {
	return Gate{Name: "RBS", Parameters: map[string]float64{"theta": theta}}
}

// Instruction places a gate on qubits at a time step.
type Instruction struct {
	Time   int
	Qubits []int
	Gate   Gate
}

// Circuit is an ordered list of timed gate instructions. The zero value is an
// empty circuit.
type Circuit struct {
	Instructions []Instruction
}

// NewCircuit returns an empty circuit.
func NewCircuit() *Circuit {
	return &Circuit{}
}

// Add places gate on qubits at the earliest time step after every
// instruction already touching those qubits. It returns c for chaining.
func (c *Circuit) Add(gate Gate, qubits ...int) *Circuit {
	t := 0
	for _, ins := range c.Instructions {
		for _, q := range ins.Qubits {
			if slices.Contains(qubits, q) {
				t = max(t, ins.Time+1)
			}
		}
	}
	return c.AddAt(t, gate, qubits...)
}

// AddAt places gate on qubits at time t.
func (c *Circuit) AddAt(t int, gate Gate, qubits ...int) *Circuit {
	c.Instructions = append(c.Instructions, Instruction{
		Time:   t,
		Qubits: slices.Clone(qubits),
		Gate:   gate,
	})
	return c
}

// Len returns the number of instructions.
func (c *Circuit) Len() int {
	return len(c.Instructions)
}

// NumQubits returns one more than the highest qubit index used.
func (c *Circuit) NumQubits() int {
	n := 0
	for _, ins := range c.Instructions {
		for _, q := range ins.Qubits {
			n = max(n, q+1)
		}
	}
	return n
}

// Depth returns the number of time steps spanned.
func (c *Circuit) Depth() int {
	d := 0
	for _, ins := range c.Instructions {
		d = max(d, ins.Time+1)
	}
	return d
}

// Equal reports whether c and o schedule the same gates at the same times.
func (c *Circuit) Equal(o *Circuit) bool {
	if c == nil || o == nil {
		return c == o
	}
	return slices.EqualFunc(c.sorted(), o.sorted(), func(a, b Instruction) bool {
		return a.Time == b.Time &&
			slices.Equal(a.Qubits, b.Qubits) &&
			a.Gate.Name == b.Gate.Name &&
			(maps.Equal(a.Gate.Parameters, b.Gate.Parameters) ||
				len(a.Gate.Parameters) == 0 && len(b.Gate.Parameters) == 0)
	})
}

func (c *Circuit) String() string {
	return fmt.Sprintf("Circuit(%d qubits, depth %d, %d gates)", c.NumQubits(), c.Depth(), c.Len())
}

// sorted returns the instructions ordered by time, then first qubit, keeping
// the insertion order of ties.
func (c *Circuit) sorted() []Instruction {
	out := slices.Clone(c.Instructions)
	slices.SortStableFunc(out, func(a, b Instruction) int {
		if r := cmp.Compare(a.Time, b.Time); r != 0 {
			return r
		}
		return slices.Compare(a.Qubits, b.Qubits)
	})
	return out
}

// --- Wire form ---

func circuitToWire(c *Circuit) (string, error) {
	records := make([]any, 0, len(c.Instructions))
	for _, ins := range c.sorted() {
		if ins.Gate.Name == "" {
			return "", unsupported("circuit", c, "instruction at time %d has no gate name", ins.Time)
		}
		params := ins.Gate.Parameters
		if params == nil {
			params = map[string]float64{}
		}
		qubits := ins.Qubits
		if qubits == nil {
			qubits = []int{}
		}
		records = append(records, []any{ins.Time, qubits, ins.Gate.Name, params})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("circuit: %w", err)
	}
	compressed, err := lz4Compress(raw)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(compressed), nil
}

type wireInstruction struct {
	Time   int
	Qubits []int
	Name   string
	Params map[string]float64
}

func (w *wireInstruction) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 4 {
		return fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	for i, dst := range []any{&w.Time, &w.Qubits, &w.Name, &w.Params} {
		if err := json.Unmarshal(parts[i], dst); err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
	}
	return nil
}

func circuitFromWire(v any) (*Circuit, error) {
	s, ok := v.(string)
	if !ok {
		return nil, unsupported("circuit", v, "expected a base64 circuit bundle")
	}
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("circuit: base64: %w", err)
	}
	raw, err := lz4Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("circuit: %w", err)
	}
	var records []wireInstruction
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("circuit: %w", err)
	}
	c := &Circuit{Instructions: make([]Instruction, len(records))}
	for i, r := range records {
		params := r.Params
		if len(params) == 0 {
			params = nil
		}
		c.Instructions[i] = Instruction{
			Time:   r.Time,
			Qubits: r.Qubits,
			Gate:   Gate{Name: r.Name, Parameters: params},
		}
	}
	return c, nil
}

// EncodeCircuit is the to-wire coder for *Circuit.
func EncodeCircuit(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *Circuit:
		if x == nil {
			return nil, nil
		}
		return circuitToWire(x)
	case Circuit:
		return circuitToWire(&x)
	}
	return nil, unsupported("circuit", v, "expected *forge.Circuit")
}

// DecodeCircuit is the from-wire coder for *Circuit.
func DecodeCircuit(v any) (any, error) {
	if v == nil {
		return (*Circuit)(nil), nil
	}
	return circuitFromWire(v)
}
