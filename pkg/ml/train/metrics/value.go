// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"fmt"
	"math"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Kind of metric Value. Sinks dispatch on it to decide how to render a metric.
type Kind int

const (
	// KindInvalid is the Kind of the zero Value.
	KindInvalid Kind = iota
	KindScalar
	KindText
	KindTensor2D
	KindTensor3D
	KindTensor4D
)

var kindNames = []string{"Invalid", "Scalar", "Text", "Tensor2D", "Tensor3D", "Tensor4D"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value is a metric value: a scalar, a text or a tensor of rank 2 to 4.
//
// The zero Value has KindInvalid.
type Value struct {
	kind   Kind
	scalar float64
	text   string
	tensor *tensors.Tensor
}

// Scalar creates a scalar metric Value.
func Scalar(v float64) Value {
	return Value{kind: KindScalar, scalar: v}
}

// Text creates a text metric Value. E.g.: an HTML report.
func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

// UnsupportedValueError is returned when a value can't be converted to a metric Value, or when
// a sink can't render a Value.
type UnsupportedValueError struct {
	// Key of the metric, if known.
	Key string

	// Description of the offending value: its Go type, shape or kind.
	Description string
}

// Error implements error.
func (e *UnsupportedValueError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("unsupported metric value: %s", e.Description)
	}
	return fmt.Sprintf("unsupported value for metric %q: %s", e.Key, e.Description)
}

// NewUnsupportedValueError creates an UnsupportedValueError for the given metric key.
func NewUnsupportedValueError(key, format string, args ...any) error {
	return errors.WithStack(&UnsupportedValueError{Key: key, Description: fmt.Sprintf(format, args...)})
}

// FromTensor converts a tensor to a metric Value: tensors with one element become scalars, rank-2, 3 and 4 tensors
// become KindTensor2D, KindTensor3D or KindTensor4D. Anything else is an UnsupportedValueError.
func FromTensor(t *tensors.Tensor) (Value, error) {
	if t == nil {
		return Value{}, NewUnsupportedValueError("", "nil tensor")
	}
	if t.IsScalar() {
		v, _ := t.Scalar()
		return Scalar(v), nil
	}
	switch t.Rank() {
	case 2:
		return Value{kind: KindTensor2D, tensor: t}, nil
	case 3:
		return Value{kind: KindTensor3D, tensor: t}, nil
	case 4:
		return Value{kind: KindTensor4D, tensor: t}, nil
	}
	return Value{}, NewUnsupportedValueError("", "tensor of rank %d and shape %s", t.Rank(), t.Shape())
}

// ValueOf converts any supported Go value to a metric Value:
//
//   - Value: returned as is.
//   - float32, float64, all Go int and uint types and float16.Float16: scalar.
//   - string: text.
//   - *tensors.Tensor: see FromTensor.
//
// Anything else is an UnsupportedValueError.
func ValueOf(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case string:
		return Text(v), nil
	case *tensors.Tensor:
		return FromTensor(v)
	}
	f, ok := numberToFloat64(x)
	if !ok {
		return Value{}, NewUnsupportedValueError("", "Go type %T", x)
	}
	return Scalar(f), nil
}

// ToFloat64 converts a scalar-like value to float64: any Go number, float16.Float16, a
// tensor with exactly one element, or a scalar Value.
func ToFloat64(x any) (float64, error) {
	switch v := x.(type) {
	case Value:
		if v.kind != KindScalar {
			return 0, NewUnsupportedValueError("", "value of kind %s is not a scalar", v.kind)
		}
		return v.scalar, nil
	case *tensors.Tensor:
		if v == nil {
			return 0, NewUnsupportedValueError("", "nil tensor")
		}
		f, err := v.Scalar()
		if err != nil {
			return 0, errors.WithStack(&UnsupportedValueError{Description: err.Error()})
		}
		return f, nil
	}
	f, ok := numberToFloat64(x)
	if !ok {
		return 0, NewUnsupportedValueError("", "Go type %T is not a number", x)
	}
	return f, nil
}

func numberToFloat64(x any) (float64, bool) {
	switch v := x.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case float16.Float16:
		return float64(v.Float32()), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsValid returns whether the value holds anything.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Scalar returns the scalar value and whether the value is a scalar.
func (v Value) Scalar() (float64, bool) {
	return v.scalar, v.kind == KindScalar
}

// Text returns the text and whether the value is a text.
func (v Value) Text() (string, bool) {
	return v.text, v.kind == KindText
}

// Tensor returns the tensor, or nil if the value is not one of the tensor kinds.
func (v Value) Tensor() *tensors.Tensor {
	return v.tensor
}

// IsFinite returns whether it is a scalar that is neither NaN nor infinite.
func (v Value) IsFinite() bool {
	return v.kind == KindScalar && !math.IsNaN(v.scalar) && !math.IsInf(v.scalar, 0)
}

// Describe returns a short description of the value for error messages: its kind and, for tensors, shape.
func (v Value) Describe() string {
	if v.tensor != nil {
		return fmt.Sprintf("%s with shape %s", v.kind, v.tensor.Shape())
	}
	return v.kind.String()
}

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.kind {
	case KindScalar:
		return fmt.Sprintf("%g", v.scalar)
	case KindText:
		return v.text
	case KindTensor2D, KindTensor3D, KindTensor4D:
		return v.tensor.String()
	}
	return "<invalid metric value>"
}
