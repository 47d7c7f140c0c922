// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

// Method names of the catalogued endpoints.
const (
	MethodEcho               = "test.echo"
	MethodLoader             = "qio.loader"
	MethodRunBackendMethod   = "circuits.run_backend_method"
	MethodBruteForceMinimize = "optimization.brute_force_minimize"
	MethodOptimizeBinary     = "optimization.optimize_binary"
	MethodQDot               = "qutils.qdot"
	MethodQDist              = "qutils.qdist"
	MethodFitAndPredict      = "qml.fit_and_predict"
)

// Inner methods reachable through circuits.run_backend_method.
const (
	BackendRunMeasurement      = "run_measurement"
	BackendRunStatevector      = "run_statevector"
	BackendRunProbability      = "run_probability"
	BackendRunPauliExpectation = "run_pauli_expectation"
)

// EchoParams are the arguments of test.echo.
type EchoParams struct {
	Text string `forge:"text,default=hello world."`
}

// LoaderParams are the arguments of qio.loader.
type LoaderParams struct {
	Data              *NDArray `forge:"data"`
	Mode              string   `forge:"mode,default=optimized"`
	AtTopOfCircuit    bool     `forge:"at_top_of_circuit"`
	ReturnStatevector bool     `forge:"return_statevector"`
}

// BackendMethodParams are the arguments of circuits.run_backend_method.
// Kwargs holds the arguments of Method, such as "circuit" and "nqubit".
type BackendMethodParams struct {
	Backend string         `forge:"backend,default=qcware/cpu_simulator"`
	Method  string         `forge:"method"`
	Kwargs  map[string]any `forge:"kwargs"`
}

// BruteForceParams are the arguments of optimization.brute_force_minimize.
type BruteForceParams struct {
	Objective   *PolynomialObjective `forge:"objective"`
	Constraints Constraints          `forge:"constraints"`
	Backend     string               `forge:"backend,default=qcware/cpu"`
}

// BruteForceResult is the minimum value and every bitstring attaining it.
type BruteForceResult struct {
	Value  int      `json:"value"`
	Argmin []string `json:"argmin"`
}

// OptimizeBinaryParams are the arguments of optimization.optimize_binary.
type OptimizeBinaryParams struct {
	Instance *ConstrainedProblem `forge:"instance"`
	Backend  string              `forge:"backend,default=qcware/cpu"`
	Seed     *int                `forge:"seed"`
}

// QDotParams are the arguments of qutils.qdot.
type QDotParams struct {
	X               *NDArray `forge:"x"`
	Y               *NDArray `forge:"y"`
	Backend         string   `forge:"backend,default=qcware/cpu_simulator"`
	LoaderMode      string   `forge:"loader_mode,default=optimized"`
	CircuitMode     string   `forge:"circuit_mode,default=sequential"`
	MeasurementMode string   `forge:"measurement_mode,default=deterministic"`
	NumMeasurements int      `forge:"num_measurements,default=1000"`
}

// QDistParams are the arguments of qutils.qdist.
type QDistParams struct {
	X               *NDArray `forge:"x"`
	Y               *NDArray `forge:"y"`
	Backend         string   `forge:"backend,default=qcware/cpu_simulator"`
	LoaderMode      string   `forge:"loader_mode,default=optimized"`
	MeasurementMode string   `forge:"measurement_mode,default=deterministic"`
	NumMeasurements int      `forge:"num_measurements,default=1000"`
}

// FitAndPredictParams are the arguments of qml.fit_and_predict.
type FitAndPredictParams struct {
	X          *NDArray       `forge:"X"`
	Y          *NDArray       `forge:"y"`
	T          *NDArray       `forge:"T"`
	Model      string         `forge:"model,default=QNearestCentroid"`
	Parameters map[string]any `forge:"parameters"`
	Backend    string         `forge:"backend,default=qcware/cpu_simulator"`
}

// Catalogued endpoints.
var (
	Echo = NewEndpoint[EchoParams, string](MethodEcho,
		"Echo returns its text argument; used to test connectivity.")
	Loader = NewEndpoint[LoaderParams, *Circuit](MethodLoader,
		"Loader returns a circuit that loads a normalized vector into qubit amplitudes.")
	RunBackendMethod = NewEndpoint[BackendMethodParams, any](MethodRunBackendMethod,
		"RunBackendMethod runs a circuit method such as run_measurement on a backend.")
	BruteForceMinimize = NewEndpoint[BruteForceParams, BruteForceResult](MethodBruteForceMinimize,
		"BruteForceMinimize exhaustively minimizes a constrained polynomial objective.")
	OptimizeBinary = NewEndpoint[OptimizeBinaryParams, map[string]any](MethodOptimizeBinary,
		"OptimizeBinary solves a binary optimization problem on a backend.")
	QDot = NewEndpoint[QDotParams, any](MethodQDot,
		"QDot computes a dot product of vectors or matrices with quantum loaders.")
	QDist = NewEndpoint[QDistParams, float64](MethodQDist,
		"QDist estimates the squared distance between two vectors.")
	FitAndPredict = NewEndpoint[FitAndPredictParams, *NDArray](MethodFitAndPredict,
		"FitAndPredict fits a quantum classifier on X, y and labels T.")
)

// encodeNDArrayOrScalar encodes arrays as tagged arrays and numbers as tagged
// scalars.
func encodeNDArrayOrScalar(v any) (any, error) {
	switch v.(type) {
	case *NDArray, NDArray, []float64, []complex128, []int64, []bool:
		return EncodeNDArray(v)
	}
	return EncodeScalar(v)
}

func registerCatalog(r *Registry) {
	r.Register(MethodEcho, Transforms{})

	r.Register(MethodLoader, Transforms{
		ArgsToWire:     map[string]Coder{"data": EncodeNDArray},
		ArgsFromWire:   map[string]Coder{"data": DecodeNDArray},
		ResultToWire:   EncodeCircuit,
		ResultFromWire: DecodeCircuit,
	})

	r.Register(MethodRunBackendMethod, Transforms{
		ResultToWire:   EncodeAny,
		ResultFromWire: DecodeAny,
		Delegates:      true,
	})
	circuitArg := Transforms{
		ArgsToWire:   map[string]Coder{"circuit": EncodeCircuit},
		ArgsFromWire: map[string]Coder{"circuit": DecodeCircuit},
	}
	r.Register(ShadowPrefix+BackendRunMeasurement, circuitArg)
	r.Register(ShadowPrefix+BackendRunStatevector, circuitArg)
	r.Register(ShadowPrefix+BackendRunProbability, circuitArg)
	r.Register(ShadowPrefix+BackendRunPauliExpectation, Transforms{
		ArgsToWire:   map[string]Coder{"circuit": EncodeCircuit, "pauli": EncodePauli},
		ArgsFromWire: map[string]Coder{"circuit": DecodeCircuit, "pauli": DecodePauli},
	})

	r.Register(MethodBruteForceMinimize, Transforms{
		ArgsToWire:   map[string]Coder{"objective": EncodePolynomial, "constraints": EncodeConstraints},
		ArgsFromWire: map[string]Coder{"objective": DecodePolynomial, "constraints": DecodeConstraints},
	})

	r.Register(MethodOptimizeBinary, Transforms{
		ArgsToWire:     map[string]Coder{"instance": EncodeProblem},
		ArgsFromWire:   map[string]Coder{"instance": DecodeProblem},
		ResultToWire:   EncodeAny,
		ResultFromWire: DecodeAny,
	})

	arrayPair := func() (map[string]Coder, map[string]Coder) {
		return map[string]Coder{"x": EncodeNDArray, "y": EncodeNDArray},
			map[string]Coder{"x": DecodeNDArray, "y": DecodeNDArray}
	}
	to, from := arrayPair()
	r.Register(MethodQDot, Transforms{
		ArgsToWire:     to,
		ArgsFromWire:   from,
		ResultToWire:   encodeNDArrayOrScalar,
		ResultFromWire: DecodeNDArrayOrScalar,
	})
	to, from = arrayPair()
	r.Register(MethodQDist, Transforms{
		ArgsToWire:     to,
		ArgsFromWire:   from,
		ResultToWire:   EncodeScalar,
		ResultFromWire: DecodeScalar,
	})

	r.Register(MethodFitAndPredict, Transforms{
		ArgsToWire:     map[string]Coder{"X": EncodeNDArray, "y": EncodeNDArray, "T": EncodeNDArray},
		ArgsFromWire:   map[string]Coder{"X": DecodeNDArray, "y": DecodeNDArray, "T": DecodeNDArray},
		ResultToWire:   EncodeNDArray,
		ResultFromWire: DecodeNDArray,
	})
}
