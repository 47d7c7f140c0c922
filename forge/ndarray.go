// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/tensor"
)

// DType is the wire code of an array element type: byte order, kind and item
// size, as in "<f8".
type DType string

// Supported element types. Multi-byte types are little-endian on the wire.
const (
	Float16    DType = "<f2"
	Float32    DType = "<f4"
	Float64    DType = "<f8"
	Complex64  DType = "<c8"
	Complex128 DType = "<c16"
	Int8       DType = "|i1"
	Int16      DType = "<i2"
	Int32      DType = "<i4"
	Int64      DType = "<i8"
	Uint8      DType = "|u1"
	Uint16     DType = "<u2"
	Uint32     DType = "<u4"
	Uint64     DType = "<u8"
	Bool       DType = "|b1"
)

type dtypeInfo struct {
	size  int
	kind  byte // 'f', 'c', 'i', 'u', 'b'
	arrow arrow.DataType
}

var dtypes = map[DType]dtypeInfo{
	Float16:    {2, 'f', arrow.FixedWidthTypes.Float16},
	Float32:    {4, 'f', arrow.PrimitiveTypes.Float32},
	Float64:    {8, 'f', arrow.PrimitiveTypes.Float64},
	Complex64:  {8, 'c', nil},
	Complex128: {16, 'c', nil},
	Int8:       {1, 'i', arrow.PrimitiveTypes.Int8},
	Int16:      {2, 'i', arrow.PrimitiveTypes.Int16},
	Int32:      {4, 'i', arrow.PrimitiveTypes.Int32},
	Int64:      {8, 'i', arrow.PrimitiveTypes.Int64},
	Uint8:      {1, 'u', arrow.PrimitiveTypes.Uint8},
	Uint16:     {2, 'u', arrow.PrimitiveTypes.Uint16},
	Uint32:     {4, 'u', arrow.PrimitiveTypes.Uint32},
	Uint64:     {8, 'u', arrow.PrimitiveTypes.Uint64},
	Bool:       {1, 'b', nil},
}

// ItemSize returns the element size in bytes, or 0 for an unknown dtype.
func (d DType) ItemSize() int {
	return dtypes[d].size
}

// Valid reports whether d is a supported element type.
func (d DType) Valid() bool {
	_, ok := dtypes[d]
	return ok
}

// IsComplex reports whether d holds complex values.
func (d DType) IsComplex() bool {
	return dtypes[d].kind == 'c'
}

// ParseDType normalizes a dtype code. Native ("=") and not-applicable ("|")
// byte-order marks are accepted for any size; big-endian codes are reported
// separately so callers can swap the payload.
func ParseDType(s string) (d DType, bigEndian bool, err error) {
	if len(s) < 3 {
		return "", false, unsupported("dtype", s, "malformed dtype code %q", s)
	}
	order, body := s[0], s[1:]
	switch order {
	case '<', '=', '|':
	case '>':
		bigEndian = true
	default:
		return "", false, unsupported("dtype", s, "malformed dtype code %q", s)
	}
	for _, prefix := range []string{"<", "|"} {
		if cand := DType(prefix + body); cand.Valid() {
			if cand.ItemSize() == 1 {
				bigEndian = false
			}
			return cand, bigEndian, nil
		}
	}
	return "", false, unsupported("dtype", s, "only real and complex numeric dtypes are supported, got %q", s)
}

// NDArray is an n-dimensional array of fixed-width numbers stored as
// little-endian bytes in row-major order.
type NDArray struct {
	dtype DType
	shape []int
	data  []byte
}

// NewNDArray builds an array from raw little-endian row-major bytes. The byte
// length must match the shape and dtype.
func NewNDArray(dtype DType, shape []int, data []byte) (*NDArray, error) {
	if !dtype.Valid() {
		return nil, unsupported("ndarray", dtype, "unknown dtype %q", dtype)
	}
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if n > math.MaxInt/dtype.ItemSize() {
		return nil, fmt.Errorf("ndarray: shape %v of %s overflows", shape, dtype)
	}
	if want := n * dtype.ItemSize(); want != len(data) {
		return nil, fmt.Errorf("ndarray: shape %v of %s needs %d bytes, got %d", shape, dtype, want, len(data))
	}
	return &NDArray{dtype: dtype, shape: slices.Clone(shape), data: bytes.Clone(data)}, nil
}

func elementCount(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("ndarray: negative dimension in shape %v", shape)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("ndarray: shape %v overflows", shape)
		}
		n *= d
	}
	return n, nil
}

// FromFloat64s returns a one-dimensional float64 array.
func FromFloat64s(values []float64) *NDArray {
	return &NDArray{dtype: Float64, shape: []int{len(values)}, data: bytes.Clone(arrow.Float64Traits.CastToBytes(values))}
}

// FromFloat32s returns a one-dimensional float32 array.
func FromFloat32s(values []float32) *NDArray {
	return &NDArray{dtype: Float32, shape: []int{len(values)}, data: bytes.Clone(arrow.Float32Traits.CastToBytes(values))}
}

// FromInt64s returns a one-dimensional int64 array.
func FromInt64s(values []int64) *NDArray {
	return &NDArray{dtype: Int64, shape: []int{len(values)}, data: bytes.Clone(arrow.Int64Traits.CastToBytes(values))}
}

// FromInt32s returns a one-dimensional int32 array.
func FromInt32s(values []int32) *NDArray {
	return &NDArray{dtype: Int32, shape: []int{len(values)}, data: bytes.Clone(arrow.Int32Traits.CastToBytes(values))}
}

// FromComplex128s returns a one-dimensional complex128 array.
func FromComplex128s(values []complex128) *NDArray {
	data := make([]byte, 16*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[16*i:], math.Float64bits(real(v)))
		binary.LittleEndian.PutUint64(data[16*i+8:], math.Float64bits(imag(v)))
	}
	return &NDArray{dtype: Complex128, shape: []int{len(values)}, data: data}
}

// FromComplex64s returns a one-dimensional complex64 array.
func FromComplex64s(values []complex64) *NDArray {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[8*i:], math.Float32bits(real(v)))
		binary.LittleEndian.PutUint32(data[8*i+4:], math.Float32bits(imag(v)))
	}
	return &NDArray{dtype: Complex64, shape: []int{len(values)}, data: data}
}

// FromBools returns a one-dimensional boolean array.
func FromBools(values []bool) *NDArray {
	data := make([]byte, len(values))
	for i, v := range values {
		if v {
			data[i] = 1
		}
	}
	return &NDArray{dtype: Bool, shape: []int{len(values)}, data: data}
}

// Reshape returns a view of a with a new shape holding the same elements.
func (a *NDArray) Reshape(shape ...int) (*NDArray, error) {
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	if n != a.Len() {
		return nil, fmt.Errorf("ndarray: cannot reshape %d elements into %v", a.Len(), shape)
	}
	return &NDArray{dtype: a.dtype, shape: slices.Clone(shape), data: a.data}, nil
}

// DType returns the element type.
func (a *NDArray) DType() DType { return a.dtype }

// Shape returns a copy of the dimensions.
func (a *NDArray) Shape() []int { return slices.Clone(a.shape) }

// Len returns the number of elements.
func (a *NDArray) Len() int {
	if a.dtype.ItemSize() == 0 {
		return 0
	}
	return len(a.data) / a.dtype.ItemSize()
}

// Bytes returns a copy of the little-endian row-major payload.
func (a *NDArray) Bytes() []byte { return bytes.Clone(a.data) }

// Equal reports whether a and b have the same dtype, shape and bytes.
func (a *NDArray) Equal(b *NDArray) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.dtype == b.dtype && slices.Equal(a.shape, b.shape) && bytes.Equal(a.data, b.data)
}

func (a *NDArray) String() string {
	return fmt.Sprintf("ndarray(dtype=%s, shape=%v)", a.dtype, a.shape)
}

// Float64s converts every element of a real-valued array to float64.
func (a *NDArray) Float64s() ([]float64, error) {
	switch a.dtype {
	case Float64:
		return slices.Clone(arrow.Float64Traits.CastFromBytes(a.data)), nil
	case Float32:
		return widen(arrow.Float32Traits.CastFromBytes(a.data)), nil
	case Float16:
		src := arrow.Float16Traits.CastFromBytes(a.data)
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v.Float32())
		}
		return out, nil
	case Int8:
		return widen(arrow.Int8Traits.CastFromBytes(a.data)), nil
	case Int16:
		return widen(arrow.Int16Traits.CastFromBytes(a.data)), nil
	case Int32:
		return widen(arrow.Int32Traits.CastFromBytes(a.data)), nil
	case Int64:
		return widen(arrow.Int64Traits.CastFromBytes(a.data)), nil
	case Uint8:
		return widen(arrow.Uint8Traits.CastFromBytes(a.data)), nil
	case Uint16:
		return widen(arrow.Uint16Traits.CastFromBytes(a.data)), nil
	case Uint32:
		return widen(arrow.Uint32Traits.CastFromBytes(a.data)), nil
	case Uint64:
		return widen(arrow.Uint64Traits.CastFromBytes(a.data)), nil
	case Bool:
		out := make([]float64, len(a.data))
		for i, b := range a.data {
			if b != 0 {
				out[i] = 1
			}
		}
		return out, nil
	}
	return nil, unsupported("ndarray", a, "%s is not real-valued", a.dtype)
}

func widen[T int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32](src []T) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// Complex128s converts every element to complex128.
func (a *NDArray) Complex128s() ([]complex128, error) {
	switch a.dtype {
	case Complex128:
		out := make([]complex128, len(a.data)/16)
		for i := range out {
			re := math.Float64frombits(binary.LittleEndian.Uint64(a.data[16*i:]))
			im := math.Float64frombits(binary.LittleEndian.Uint64(a.data[16*i+8:]))
			out[i] = complex(re, im)
		}
		return out, nil
	case Complex64:
		out := make([]complex128, len(a.data)/8)
		for i := range out {
			re := math.Float32frombits(binary.LittleEndian.Uint32(a.data[8*i:]))
			im := math.Float32frombits(binary.LittleEndian.Uint32(a.data[8*i+4:]))
			out[i] = complex(float64(re), float64(im))
		}
		return out, nil
	}
	reals, err := a.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]complex128, len(reals))
	for i, r := range reals {
		out[i] = complex(r, 0)
	}
	return out, nil
}

// Int64s returns the elements of an integer or boolean array as int64.
func (a *NDArray) Int64s() ([]int64, error) {
	switch dtypes[a.dtype].kind {
	case 'i', 'u', 'b':
	default:
		return nil, unsupported("ndarray", a, "%s is not an integer dtype", a.dtype)
	}
	if a.dtype == Int64 {
		return slices.Clone(arrow.Int64Traits.CastFromBytes(a.data)), nil
	}
	if a.dtype == Uint64 {
		src := arrow.Uint64Traits.CastFromBytes(a.data)
		out := make([]int64, len(src))
		for i, v := range src {
			out[i] = int64(v)
		}
		return out, nil
	}
	f, err := a.Float64s()
	if err != nil {
		return nil, err
	}
	out := make([]int64, len(f))
	for i, v := range f {
		out[i] = int64(v)
	}
	return out, nil
}

// Bools returns the elements of a boolean array.
func (a *NDArray) Bools() ([]bool, error) {
	if a.dtype != Bool {
		return nil, unsupported("ndarray", a, "%s is not a boolean dtype", a.dtype)
	}
	out := make([]bool, len(a.data))
	for i, b := range a.data {
		out[i] = b != 0
	}
	return out, nil
}

// Tensor exposes a real-valued array as a row-major Arrow tensor. The caller
// owns the returned tensor and must Release it.
func (a *NDArray) Tensor() (tensor.Interface, error) {
	info := dtypes[a.dtype]
	if info.arrow == nil {
		return nil, unsupported("ndarray", a, "%s has no Arrow tensor equivalent", a.dtype)
	}
	buf := memory.NewBufferBytes(bytes.Clone(a.data))
	data := array.NewData(info.arrow, a.Len(), []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer data.Release()

	shape := make([]int64, len(a.shape))
	for i, d := range a.shape {
		shape[i] = int64(d)
	}
	return tensor.New(data, shape, nil, nil), nil
}

// NDArrayFromTensor copies a row-major Arrow tensor into an NDArray.
func NDArrayFromTensor(t tensor.Interface) (*NDArray, error) {
	var dtype DType
	for d, info := range dtypes {
		if info.arrow != nil && arrow.TypeEqual(info.arrow, t.DataType()) {
			dtype = d
			break
		}
	}
	if dtype == "" {
		return nil, unsupported("ndarray", t, "Arrow type %s is not supported", t.DataType())
	}
	if !t.IsContiguous() || !t.IsRowMajor() {
		return nil, unsupported("ndarray", t, "only contiguous row-major tensors are supported")
	}
	shape := make([]int, len(t.Shape()))
	for i, d := range t.Shape() {
		shape[i] = int(d)
	}
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	raw := t.Data().Buffers()[1].Bytes()
	return NewNDArray(dtype, shape, raw[:n*dtype.ItemSize()])
}

// swapBytes converts a big-endian payload of dtype d to little-endian in place.
func swapBytes(d DType, data []byte) {
	width := d.ItemSize()
	if d.IsComplex() {
		width /= 2
	}
	if width <= 1 {
		return
	}
	for off := 0; off+width <= len(data); off += width {
		slices.Reverse(data[off : off+width])
	}
}

// --- Scalars ---

// scalarArray packs a Go scalar into a one-element array.
func scalarArray(v any) (*NDArray, error) {
	switch x := v.(type) {
	case float64:
		return FromFloat64s([]float64{x}), nil
	case float32:
		return FromFloat32s([]float32{x}), nil
	case float16.Num:
		return &NDArray{dtype: Float16, shape: []int{1}, data: bytes.Clone(arrow.Float16Traits.CastToBytes([]float16.Num{x}))}, nil
	case int:
		return FromInt64s([]int64{int64(x)}), nil
	case int64:
		return FromInt64s([]int64{x}), nil
	case int32:
		return FromInt32s([]int32{x}), nil
	case int16:
		return &NDArray{dtype: Int16, shape: []int{1}, data: bytes.Clone(arrow.Int16Traits.CastToBytes([]int16{x}))}, nil
	case int8:
		return &NDArray{dtype: Int8, shape: []int{1}, data: []byte{byte(x)}}, nil
	case uint8:
		return &NDArray{dtype: Uint8, shape: []int{1}, data: []byte{x}}, nil
	case uint16:
		return &NDArray{dtype: Uint16, shape: []int{1}, data: bytes.Clone(arrow.Uint16Traits.CastToBytes([]uint16{x}))}, nil
	case uint32:
		return &NDArray{dtype: Uint32, shape: []int{1}, data: bytes.Clone(arrow.Uint32Traits.CastToBytes([]uint32{x}))}, nil
	case uint64:
		return &NDArray{dtype: Uint64, shape: []int{1}, data: bytes.Clone(arrow.Uint64Traits.CastToBytes([]uint64{x}))}, nil
	case complex128:
		return FromComplex128s([]complex128{x}), nil
	case complex64:
		return FromComplex64s([]complex64{x}), nil
	case bool:
		return FromBools([]bool{x}), nil
	}
	return nil, unsupported("scalar", v, "expected a numeric or boolean scalar")
}

// scalarValue unpacks the single element of a as its natural Go type.
func scalarValue(a *NDArray) (any, error) {
	if a.Len() != 1 {
		return nil, fmt.Errorf("scalar: expected one element, got %d", a.Len())
	}
	switch a.dtype {
	case Float64:
		return arrow.Float64Traits.CastFromBytes(a.data)[0], nil
	case Float32:
		return arrow.Float32Traits.CastFromBytes(a.data)[0], nil
	case Float16:
		return arrow.Float16Traits.CastFromBytes(a.data)[0], nil
	case Int8:
		return int8(a.data[0]), nil
	case Int16:
		return arrow.Int16Traits.CastFromBytes(a.data)[0], nil
	case Int32:
		return arrow.Int32Traits.CastFromBytes(a.data)[0], nil
	case Int64:
		return arrow.Int64Traits.CastFromBytes(a.data)[0], nil
	case Uint8:
		return a.data[0], nil
	case Uint16:
		return arrow.Uint16Traits.CastFromBytes(a.data)[0], nil
	case Uint32:
		return arrow.Uint32Traits.CastFromBytes(a.data)[0], nil
	case Uint64:
		return arrow.Uint64Traits.CastFromBytes(a.data)[0], nil
	case Complex128, Complex64:
		c, err := a.Complex128s()
		if err != nil {
			return nil, err
		}
		if a.dtype == Complex64 {
			return complex64(c[0]), nil
		}
		return c[0], nil
	case Bool:
		return a.data[0] != 0, nil
	}
	return nil, unsupported("scalar", a, "unknown dtype %q", a.dtype)
}
