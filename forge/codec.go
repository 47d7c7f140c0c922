// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"math"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

// CompressionThreshold is the raw payload size in bytes above which tagged
// arrays are lz4-compressed.
const CompressionThreshold = 1024

// Wire keys of a tagged array.
const (
	tagNDArray     = "ndarray"
	tagCompression = "compression"
	tagDType       = "dtype"
	tagShape       = "shape"
	tagIsScalar    = "is_scalar"

	compressionNone = "none"
	compressionLZ4  = "lz4"
)

func lz4Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func lz4Decompress(compressed []byte) ([]byte, error) {
	raw, err := io.ReadAll(lz4.NewReader(bytes.NewReader(compressed)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return raw, nil
}

// ndarrayToWire renders a as a tagged dict.
func ndarrayToWire(a *NDArray) (map[string]any, error) {
	payload := a.data
	compression := compressionNone
	if len(payload) > CompressionThreshold {
		c, err := lz4Compress(payload)
		if err != nil {
			return nil, err
		}
		payload, compression = c, compressionLZ4
	}
	shape := a.shape
	if shape == nil {
		shape = []int{}
	}
	return map[string]any{
		tagNDArray:     base64.StdEncoding.EncodeToString(payload),
		tagCompression: compression,
		tagDType:       string(a.dtype),
		tagShape:       shape,
	}, nil
}

// ndarrayFromWire parses a tagged dict.
func ndarrayFromWire(v any) (*NDArray, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, unsupported("ndarray", v, "expected a tagged array object")
	}
	b64, ok := m[tagNDArray].(string)
	if !ok {
		return nil, unsupported("ndarray", v, "missing %q field", tagNDArray)
	}
	payload, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("ndarray: base64: %w", err)
	}
	switch c, _ := m[tagCompression].(string); c {
	case compressionLZ4:
		if payload, err = lz4Decompress(payload); err != nil {
			return nil, err
		}
	case compressionNone, "":
	default:
		return nil, fmt.Errorf("ndarray: unknown compression %q", c)
	}
	code, _ := m[tagDType].(string)
	dtype, bigEndian, err := ParseDType(code)
	if err != nil {
		return nil, err
	}
	if bigEndian {
		swapBytes(dtype, payload)
	}
	var shape []int
	switch s := m[tagShape].(type) {
	case []int:
		shape = s
	case []any:
		shape = make([]int, len(s))
		for i, d := range s {
			if shape[i], err = asInt(d); err != nil {
				return nil, fmt.Errorf("ndarray: shape[%d]: %w", i, err)
			}
		}
	case nil:
		shape = []int{}
	default:
		return nil, unsupported("ndarray", v, "shape must be a list")
	}
	return NewNDArray(dtype, shape, payload)
}

func isTaggedArray(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[tagNDArray]
	return ok
}

// EncodeNDArray is the to-wire coder for numeric arrays. It accepts *NDArray,
// NDArray, and one-dimensional []float64, []complex128, []int64 or []bool.
// nil encodes as nil.
func EncodeNDArray(v any) (any, error) {
	var a *NDArray
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *NDArray:
		if x == nil {
			return nil, nil
		}
		a = x
	case NDArray:
		a = &x
	case []float64:
		a = FromFloat64s(x)
	case []complex128:
		a = FromComplex128s(x)
	case []int64:
		a = FromInt64s(x)
	case []bool:
		a = FromBools(x)
	default:
		return nil, unsupported("ndarray", v, "expected *forge.NDArray")
	}
	return ndarrayToWire(a)
}

// DecodeNDArray is the from-wire coder for numeric arrays. It returns
// *NDArray, or nil for a nil input.
func DecodeNDArray(v any) (any, error) {
	if v == nil {
		return (*NDArray)(nil), nil
	}
	return ndarrayFromWire(v)
}

// EncodeScalar is the to-wire coder for numeric and boolean scalars: a
// one-element tagged array with is_scalar set.
func EncodeScalar(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	a, err := scalarArray(v)
	if err != nil {
		return nil, err
	}
	m, err := ndarrayToWire(a)
	if err != nil {
		return nil, err
	}
	m[tagIsScalar] = true
	return m, nil
}

// DecodeScalar is the from-wire coder for scalars. The Go type follows the
// dtype: float64 for "<f8", complex128 for "<c16", int64 for "<i8" and so on.
// Plain JSON numbers and booleans are accepted as-is.
func DecodeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, float64, bool:
		return x, nil
	case json.Number:
		return x.Float64()
	}
	a, err := ndarrayFromWire(v)
	if err != nil {
		return nil, err
	}
	return scalarValue(a)
}

// DecodeNDArrayOrScalar decodes a tagged value that may be either an array or
// a scalar, as returned by reductions such as qutils.qdot.
func DecodeNDArrayOrScalar(v any) (any, error) {
	if m, ok := v.(map[string]any); ok {
		if s, _ := m[tagIsScalar].(bool); s {
			return DecodeScalar(v)
		}
		return ndarrayFromWire(v)
	}
	return DecodeScalar(v)
}

// EncodeDType is the to-wire coder for dtype arguments.
func EncodeDType(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case DType:
		if !x.Valid() {
			return nil, unsupported("dtype", v, "unknown dtype %q", x)
		}
		return string(x), nil
	case string:
		d, _, err := ParseDType(x)
		if err != nil {
			return nil, err
		}
		return string(d), nil
	}
	return nil, unsupported("dtype", v, "expected forge.DType")
}

// DecodeDType is the from-wire coder for dtype arguments.
func DecodeDType(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, unsupported("dtype", v, "expected a dtype code string")
	}
	d, _, err := ParseDType(s)
	return d, err
}

// asInt converts a JSON-decoded number to int, rejecting fractions.
func asInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("expected an integer, got %v", x)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		return int(n), err
	}
	return 0, fmt.Errorf("expected an integer, got %T", v)
}
