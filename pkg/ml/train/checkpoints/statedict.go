// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"maps"
	"slices"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Stateful is implemented by objects whose state can be saved in a checkpoint: a model, an optimizer,
// or a metric callback (see callbacks.WindowedMetricAvg).
type Stateful interface {
	// StateDict returns a snapshot of the state of the object. Values can be numbers, strings, bools,
	// *tensors.Tensor, slices of those and nested map[string]any.
	StateDict() (map[string]any, error)

	// LoadStateDict restores the state from a snapshot. Notice that after a round trip through a checkpoint
	// file all numbers are float64 and all slices are []any.
	LoadStateDict(state map[string]any) error
}

// RecursiveStateDict takes a snapshot of the state of objects: Stateful values are replaced by their StateDict,
// nested maps are visited recursively, and any other supported value is kept as is.
func RecursiveStateDict(objects map[string]any) (map[string]any, error) {
	return recursiveStateDict("", objects)
}

func recursiveStateDict(path string, objects map[string]any) (map[string]any, error) {
	saved := make(map[string]any, len(objects))
	for _, key := range slices.Sorted(maps.Keys(objects)) {
		keyPath := joinPath(path, key)
		switch obj := objects[key].(type) {
		case Stateful:
			state, err := obj.StateDict()
			if err != nil {
				return nil, errors.WithMessagef(err, "StateDict() of %q", keyPath)
			}
			saved[key] = state
		case map[string]any:
			state, err := recursiveStateDict(keyPath, obj)
			if err != nil {
				return nil, err
			}
			saved[key] = state
		default:
			if err := checkSupported(keyPath, obj); err != nil {
				return nil, err
			}
			saved[key] = obj
		}
	}
	return saved, nil
}

// LoadRecursiveStateDict restores the state of objects from a snapshot taken by RecursiveStateDict:
// Stateful values load their StateDict, nested maps are visited recursively. Other values can't be
// restored in place and are skipped.
//
// It fails if a Stateful object has no corresponding state in the snapshot.
func LoadRecursiveStateDict(saved, objects map[string]any) error {
	return loadRecursiveStateDict("", saved, objects)
}

func loadRecursiveStateDict(path string, saved, objects map[string]any) error {
	for _, key := range slices.Sorted(maps.Keys(objects)) {
		keyPath := joinPath(path, key)
		switch obj := objects[key].(type) {
		case Stateful:
			state, ok := saved[key].(map[string]any)
			if !ok {
				return errors.Errorf("no saved state for %q in checkpoint (found %T)", keyPath, saved[key])
			}
			if err := obj.LoadStateDict(state); err != nil {
				return errors.WithMessagef(err, "LoadStateDict() of %q", keyPath)
			}
		case map[string]any:
			state, ok := saved[key].(map[string]any)
			if !ok {
				return errors.Errorf("no saved state for %q in checkpoint (found %T)", keyPath, saved[key])
			}
			if err := loadRecursiveStateDict(keyPath, state, obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// checkSupported returns an error if value can't be saved in a checkpoint.
func checkSupported(path string, value any) error {
	switch v := value.(type) {
	case nil, bool, string, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		[]float64, []float32, []int, []string, *tensors.Tensor:
		return nil
	case []any:
		for ii, elem := range v {
			if err := checkSupported(joinPath(path, itoa(ii)), elem); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for key, elem := range v {
			if err := checkSupported(joinPath(path, key), elem); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Errorf("value at %q of type %T can't be saved in a checkpoint", path, value)
}
