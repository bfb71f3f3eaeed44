// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a host-side `Tensor`: a multidimensional array of float64 values defined by its
// shape (the axes' dimensions) and its flat (row-major) contents.
//
// Tensors here are what the training loop hands over to callbacks: the batch inputs and labels,
// the model predictions, and any tensor-valued metric. They live only in host memory.
//
// There are various ways to construct a Tensor:
//
//   - FromScalar[T Number](value T): a scalar (rank-0) tensor.
//
//   - FromScalarAndDimensions[T Number](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T Number](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value any): works with the supported scalar types as well as with any arbitrary
//     multidimensional slice of them. Slices of rank > 1 must be regular, that is all the sub-slices
//     must have the same shape. Example:
//
//     t := FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})
package tensors

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Number is the set of Go types that can be converted to a Tensor.
//
// float16.Float16 is also accepted: its underlying type is uint16, and it is detected and converted by value.
type Number interface {
	constraints.Integer | constraints.Float
}

// Tensor is a host multidimensional array of float64 values.
//
// A nil *Tensor is invalid, and most methods panic with it.
type Tensor struct {
	shape Shape
	flat  []float64
}

// toFloat64 converts any Number to float64, taking care of float16.Float16.
func toFloat64[T Number](v T) float64 {
	if f16, ok := any(v).(float16.Float16); ok {
		return float64(f16.Float32())
	}
	return float64(v)
}

// FromShape creates a tensor with the given shape, filled with zeros.
func FromShape(shape Shape) *Tensor {
	for axis, dim := range shape {
		if dim < 0 {
			exceptions.Panicf("FromShape(%s): negative dimension for axis #%d", shape, axis)
		}
	}
	return &Tensor{
		shape: slices.Clone(shape),
		flat:  make([]float64, shape.Size()),
	}
}

// FromScalar creates a rank-0 tensor with the given scalar.
func FromScalar[T Number](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions[T Number](value T, dimensions ...int) *Tensor {
	t := FromShape(dimensions)
	v := toFloat64(value)
	for ii := range t.flat {
		t.flat[ii] = v
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T Number](data []T, dimensions ...int) *Tensor {
	t := FromShape(dimensions)
	if len(data) != len(t.flat) {
		exceptions.Panicf(
			"FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			t.shape, len(data), len(t.flat))
	}
	for ii, v := range data {
		t.flat[ii] = toFloat64(v)
	}
	return t
}

// FromValue returns a tensor constructed from the given multi-dimension slice (or scalar).
// If the rank of the `value` is larger than 1, the shape of all sub-slices must be the same.
// If value is already a *Tensor, it is returned as is.
//
// It panics if the shape is not regular or the type is not supported. See FromAnyValue for a version
// that returns an error instead.
func FromValue(value any) *Tensor {
	t, err := FromAnyValue(value)
	if err != nil {
		panic(err)
	}
	return t
}

// FromAnyValue is like FromValue, but returns an error instead of panicking.
func FromAnyValue(value any) (*Tensor, error) {
	if t, ok := value.(*Tensor); ok {
		if t == nil {
			return nil, errors.New("FromAnyValue: nil *Tensor")
		}
		return t, nil
	}
	var shape Shape
	var flat []float64
	err := flattenRecursive(value, 0, &shape, &flat)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot convert %T to a tensor", value)
	}
	return &Tensor{shape: shape, flat: flat}, nil
}

// Shape returns a copy of the tensor shape.
func (t *Tensor) Shape() Shape {
	return slices.Clone(t.shape)
}

// Rank returns the number of axes of the tensor.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Size returns the total number of elements of the tensor.
func (t *Tensor) Size() int {
	return len(t.flat)
}

// IsScalar returns whether the tensor holds exactly one element (regardless of its rank).
func (t *Tensor) IsScalar() bool {
	return len(t.flat) == 1
}

// ConstFlatData calls accessFn with the flat (row-major) contents of the tensor.
// accessFn must not modify the slice, nor keep a reference to it after it returns.
func (t *Tensor) ConstFlatData(accessFn func(flat []float64)) {
	accessFn(t.flat)
}

// CopyFlatData returns a copy of the flat (row-major) contents of the tensor.
func (t *Tensor) CopyFlatData() []float64 {
	return slices.Clone(t.flat)
}

// Scalar returns the value of a tensor with exactly one element, of any rank.
func (t *Tensor) Scalar() (float64, error) {
	if len(t.flat) != 1 {
		return 0, errors.Errorf("tensor of shape %s has %d elements, it can't be converted to a scalar",
			t.shape, len(t.flat))
	}
	return t.flat[0], nil
}

// At returns the element at the given indices, one per axis.
//
// It panics if the number of indices doesn't match the rank, or if any of them is out of bounds.
func (t *Tensor) At(indices ...int) float64 {
	if len(indices) != len(t.shape) {
		exceptions.Panicf("Tensor.At(%v): tensor has rank %d", indices, len(t.shape))
	}
	pos := 0
	for axis, idx := range indices {
		if idx < 0 || idx >= t.shape[axis] {
			exceptions.Panicf("Tensor.At(%v): index out of bounds for shape %s", indices, t.shape)
		}
		pos = pos*t.shape[axis] + idx
	}
	return t.flat[pos]
}

// Slice returns a copy of the sub-tensor at index `idx` of the leading axis.
// The result has rank one less than t.
func (t *Tensor) Slice(idx int) *Tensor {
	if len(t.shape) == 0 {
		exceptions.Panicf("Tensor.Slice(%d): cannot slice a scalar", idx)
	}
	if idx < 0 || idx >= t.shape[0] {
		exceptions.Panicf("Tensor.Slice(%d): index out of bounds for shape %s", idx, t.shape)
	}
	sub := FromShape(t.shape[1:])
	stride := len(sub.flat)
	copy(sub.flat, t.flat[idx*stride:(idx+1)*stride])
	return sub
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), flat: slices.Clone(t.flat)}
}

// Equal returns whether both tensors have the same shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// InDelta returns whether both tensors have the same shape and all values are within delta of each other.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-other.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// Value returns the tensor contents as a float64 (for scalars) or as a multidimensional slice
// of float64 (e.g.: [][]float64 for rank-2 tensors).
func (t *Tensor) Value() any {
	if len(t.shape) == 0 {
		return t.flat[0]
	}
	return buildSlices(t.shape, t.flat)
}

func buildSlices(shape Shape, flat []float64) any {
	if len(shape) == 1 {
		return slices.Clone(flat)
	}
	stride := len(flat) / max(shape[0], 1)
	switch len(shape) {
	case 2:
		out := make([][]float64, shape[0])
		for ii := range out {
			out[ii] = slices.Clone(flat[ii*stride : (ii+1)*stride])
		}
		return out
	default:
		out := make([]any, shape[0])
		for ii := range out {
			out[ii] = buildSlices(shape[1:], flat[ii*stride:(ii+1)*stride])
		}
		return out
	}
}

// MaxStringSize is the maximum number of elements printed by Tensor.String.
var MaxStringSize = 32

// String implements fmt.Stringer. Large tensors only have their shape printed.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if len(t.flat) > MaxStringSize {
		return fmt.Sprintf("Tensor%s", t.shape)
	}
	if len(t.shape) == 0 {
		return fmt.Sprintf("Tensor()=%g", t.flat[0])
	}
	var sb strings.Builder
	writeRecursive(&sb, t.shape, t.flat)
	return fmt.Sprintf("Tensor%s=%s", t.shape, sb.String())
}

func writeRecursive(sb *strings.Builder, shape Shape, flat []float64) {
	sb.WriteByte('[')
	if len(shape) == 1 {
		for ii, v := range flat {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(sb, "%g", v)
		}
	} else {
		stride := len(flat) / max(shape[0], 1)
		for ii := 0; ii < shape[0]; ii++ {
			if ii > 0 {
				sb.WriteString(", ")
			}
			writeRecursive(sb, shape[1:], flat[ii*stride:(ii+1)*stride])
		}
	}
	sb.WriteByte(']')
}
