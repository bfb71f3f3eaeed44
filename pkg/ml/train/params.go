// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Params holds hyperparameters used to configure callbacks and sinks, keyed by name.
//
// The type of the default value of a parameter defines how it is parsed from the command line,
// see commandline.ParseSettings.
type Params map[string]any

// Clone returns a shallow copy of the params.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

// Keys returns the parameter names, sorted.
func (p Params) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// String pretty-prints the params, one per line, sorted by name.
func (p Params) String() string {
	parts := make([]string, 0, len(p))
	for _, key := range p.Keys() {
		value := p[key]
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}

// GetParamOr returns the value of the parameter key converted to T, or defaultValue if it is not set.
//
// Numeric values are converted to the requested numeric type (e.g. an int param read as float64).
// It panics if the value is set, but it can't be converted to T.
func GetParamOr[T any](params Params, key string, defaultValue T) T {
	value, found := params[key]
	if !found || value == nil {
		return defaultValue
	}
	if v, ok := value.(T); ok {
		return v
	}
	targetType := reflect.TypeOf(defaultValue)
	valueV := reflect.ValueOf(value)
	if targetType != nil && isNumericKind(valueV.Kind()) && isNumericKind(targetType.Kind()) {
		return valueV.Convert(targetType).Interface().(T)
	}
	exceptions.Panicf("param %q has value %v of type %T, it can't be converted to %T", key, value, value, defaultValue)
	return defaultValue
}

func isNumericKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
