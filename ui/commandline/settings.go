// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "log_every=100;prefix=train;...".
//
// All the parameters must be already set with default values in params. The default values are also used
// to set the type to which the string values will be parsed to.
//
// It updates params accordingly and returns the list of parameters set, or an error in case a parameter
// is unknown or the parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the settings from a file, with new-lines working as ";" and lines
// starting with "#" ignored.
//
// Example usage:
//
//	func main() {
//		params := callbacks.DefaultParams()
//		settings := commandline.CreateSettingsFlag(params, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(params, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintSettings(params))
//		...
//	}
func ParseSettings(params train.Params, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params train.Params, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		return parseSettingsFile(params, filePath, paramsSet)
	}

	paramName, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return paramsSet, errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\"",
			setting)
	}
	defaultValue, found := params[paramName]
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q because it is not known, known parameters are %q",
			paramName, params.Keys())
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramName, defaultValue)
	}
	params[paramName] = value
	return append(paramsSet, paramName), nil
}

func parseSettingsFile(params train.Params, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return paramsSet, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseSetting(params, setting, paramsSet)
			if err != nil {
				return paramsSet, err
			}
		}
	}
	return paramsSet, nil
}

// parseValue parses valueStr to the type of defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseNumber[int](valueStr)
	case int32:
		return parseNumber[int32](valueStr)
	case int64:
		return parseNumber[int64](valueStr)
	case uint:
		return parseNumber[uint](valueStr)
	case uint32:
		return parseNumber[uint32](valueStr)
	case uint64:
		return parseNumber[uint64](valueStr)
	case float32:
		return parseNumber[float32](valueStr)
	case float64:
		return parseNumber[float64](valueStr)
	case bool:
		var v bool
		err := json.Unmarshal([]byte(valueStr), &v)
		return v, errors.WithStack(err)
	case string:
		return valueStr, nil
	case []string:
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr)
	case []float64:
		return parseList[float64](valueStr)
	}
	return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
}

// parseNumber uses JSON parsing. For integers "_" is accepted as a separator.
func parseNumber[T constraints.Integer | constraints.Float](valueStr string) (T, error) {
	var v T
	if T(1)/T(2) == 0 {
		// Integer type.
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, errors.WithStack(err)
}

func parseList[T constraints.Integer | constraints.Float](valueStr string) ([]T, error) {
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		v, err := parseNumber[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the currently defined parameters in params.
//
// The flag should be created before the call to `flags.Parse()`.
// See example in ParseSettings.
func CreateSettingsFlag(params train.Params, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set parameters of the training callbacks. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	for _, key := range params.Keys() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, params[key]))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-print values for the current settings into a string.
func SprintSettings(params train.Params) string {
	return params.String()
}

// SprintModifiedSettings pretty-print the values of the paramsSet (as returned by ParseSettings), sorted
// and without duplicates.
func SprintModifiedSettings(params train.Params, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, key := range paramsSet {
		value, found := params[key]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
