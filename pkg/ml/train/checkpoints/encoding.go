// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/base64"
	"encoding/binary"
	"math"
	"strconv"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

// tensorTag is the field that marks a struct as an encoded tensor: it holds its dimensions. The flat data
// is stored under tensorDataField as base64 encoded little-endian float64 values.
const (
	tensorTag       = "__tensor__"
	tensorDataField = "data"
)

func itoa(i int) string { return strconv.Itoa(i) }

// encodeStruct converts a state snapshot to a protobuf Struct.
func encodeStruct(path string, m map[string]any) (*structpb.Struct, error) {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for key, value := range m {
		encoded, err := encodeValue(joinPath(path, key), value)
		if err != nil {
			return nil, err
		}
		s.Fields[key] = encoded
	}
	return s, nil
}

func encodeValue(path string, value any) (*structpb.Value, error) {
	switch v := value.(type) {
	case *tensors.Tensor:
		return structpb.NewStructValue(encodeTensor(v)), nil
	case map[string]any:
		s, err := encodeStruct(path, v)
		if err != nil {
			return nil, err
		}
		return structpb.NewStructValue(s), nil
	case []any:
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(v))}
		for ii, elem := range v {
			encoded, err := encodeValue(joinPath(path, itoa(ii)), elem)
			if err != nil {
				return nil, err
			}
			list.Values[ii] = encoded
		}
		return structpb.NewListValue(list), nil
	case []float64:
		return encodeNumbers(v), nil
	case []float32:
		return encodeNumbers(v), nil
	case []int:
		return encodeNumbers(v), nil
	case []string:
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(v))}
		for ii, s := range v {
			list.Values[ii] = structpb.NewStringValue(s)
		}
		return structpb.NewListValue(list), nil
	}
	encoded, err := structpb.NewValue(value)
	if err != nil {
		return nil, errors.Wrapf(err, "value at %q of type %T can't be saved in a checkpoint", path, value)
	}
	return encoded, nil
}

func encodeNumbers[T float64 | float32 | int](values []T) *structpb.Value {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
	for ii, v := range values {
		list.Values[ii] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(list)
}

func encodeTensor(t *tensors.Tensor) *structpb.Struct {
	dims := t.Shape()
	dimValues := make([]*structpb.Value, len(dims))
	for ii, dim := range dims {
		dimValues[ii] = structpb.NewNumberValue(float64(dim))
	}
	var data []byte
	t.ConstFlatData(func(flat []float64) {
		data = make([]byte, 8*len(flat))
		for ii, v := range flat {
			binary.LittleEndian.PutUint64(data[8*ii:], math.Float64bits(v))
		}
	})
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		tensorTag:       structpb.NewListValue(&structpb.ListValue{Values: dimValues}),
		tensorDataField: structpb.NewStringValue(base64.StdEncoding.EncodeToString(data)),
	}}
}

// decodeStruct converts a protobuf Struct back to a state snapshot. Numbers are decoded as float64,
// lists as []any and encoded tensors as *tensors.Tensor.
func decodeStruct(s *structpb.Struct) (map[string]any, error) {
	m := make(map[string]any, len(s.GetFields()))
	for key, value := range s.GetFields() {
		decoded, err := decodeValue(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding %q", key)
		}
		m[key] = decoded
	}
	return m, nil
}

func decodeValue(value *structpb.Value) (any, error) {
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_NumberValue:
		return kind.NumberValue, nil
	case *structpb.Value_StringValue:
		return kind.StringValue, nil
	case *structpb.Value_BoolValue:
		return kind.BoolValue, nil
	case *structpb.Value_ListValue:
		list := make([]any, len(kind.ListValue.GetValues()))
		for ii, elem := range kind.ListValue.GetValues() {
			decoded, err := decodeValue(elem)
			if err != nil {
				return nil, err
			}
			list[ii] = decoded
		}
		return list, nil
	case *structpb.Value_StructValue:
		if _, isTensor := kind.StructValue.GetFields()[tensorTag]; isTensor {
			return decodeTensor(kind.StructValue)
		}
		return decodeStruct(kind.StructValue)
	}
	return nil, errors.Errorf("invalid protobuf value kind %T", value.GetKind())
}

func decodeTensor(s *structpb.Struct) (*tensors.Tensor, error) {
	dimValues := s.GetFields()[tensorTag].GetListValue().GetValues()
	dims := make([]int, len(dimValues))
	for ii, dim := range dimValues {
		n := dim.GetNumberValue()
		if _, isNumber := dim.GetKind().(*structpb.Value_NumberValue); !isNumber ||
			n < 0 || n > math.MaxInt32 || n != math.Trunc(n) {
			return nil, errors.Errorf("invalid tensor dimension #%d: %v", ii, dim.AsInterface())
		}
		dims[ii] = int(n)
	}
	data, err := base64.StdEncoding.DecodeString(s.GetFields()[tensorDataField].GetStringValue())
	if err != nil {
		return nil, errors.Wrap(err, "decoding tensor data")
	}
	shape := tensors.Shape(dims)
	if len(data) != 8*shape.Size() {
		return nil, errors.Errorf("tensor of shape %s with %d bytes of data, expected %d", shape, len(data), 8*shape.Size())
	}
	flat := make([]float64, shape.Size())
	for ii := range flat {
		flat[ii] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*ii:]))
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...), nil
}
