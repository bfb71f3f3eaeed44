// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Shape holds the dimensions of each axis of a tensor. A scalar has an empty shape.
type Shape []int

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s) }

// Size returns the number of elements for the shape: the product of all dimensions.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s {
		size *= dim
	}
	return size
}

// Equal returns whether both shapes have the same dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s, s2)
}

// String implements fmt.Stringer. E.g.: "(2, 3)" or "()" for scalars.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for ii, dim := range s {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// flattenRecursive walks a (possibly nested) slice value, collecting its shape and flat values.
func flattenRecursive(value any, depth int, shape *Shape, flat *[]float64) error {
	return flattenValue(reflect.ValueOf(value), depth, shape, flat, true)
}

// flattenValue is the reflect based implementation of flattenRecursive.
// The leftmost path (first == true) defines the shape, all other paths must match it.
func flattenValue(v reflect.Value, depth int, shape *Shape, flat *[]float64, first bool) error {
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if !v.IsValid() {
		return errors.New("nil value")
	}
	if v.Type() == float16Type {
		if !first && depth != len(*shape) {
			return errors.Errorf("irregular shape: found a scalar at depth %d for shape %s", depth, *shape)
		}
		*flat = append(*flat, float64(float16.Float16(v.Uint()).Float32()))
		return nil
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		n := v.Len()
		if n == 0 {
			return errors.New("empty slices can't be converted, tensors with zero-sized dimensions are not supported")
		}
		if depth == len(*shape) {
			if !first {
				return errors.Errorf("irregular shape: found a slice at depth %d for shape %s", depth, *shape)
			}
			*shape = append(*shape, n)
		} else if depth > len(*shape) || (*shape)[depth] != n {
			return errors.Errorf("irregular shape: sub-slice at depth %d has length %d, expected shape %s",
				depth, n, *shape)
		}
		for ii := 0; ii < n; ii++ {
			if err := flattenValue(v.Index(ii), depth+1, shape, flat, first && ii == 0); err != nil {
				return err
			}
		}
		return nil
	case reflect.Float32, reflect.Float64:
		return appendScalar(v.Float(), depth, shape, flat, first)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendScalar(float64(v.Int()), depth, shape, flat, first)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return appendScalar(float64(v.Uint()), depth, shape, flat, first)
	default:
		return errors.Errorf("unsupported element type %s", v.Type())
	}
}

func appendScalar(x float64, depth int, shape *Shape, flat *[]float64, first bool) error {
	if !first && depth != len(*shape) {
		return errors.Errorf("irregular shape: found a scalar at depth %d for shape %s", depth, *shape)
	}
	*flat = append(*flat, x)
	return nil
}
