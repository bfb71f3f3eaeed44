// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"strconv"
	"strings"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// Batch is the raw input batch yielded by a dataset: by convention the first element holds the inputs
// and the second the ground-truth labels. Any extra elements (weights, masks) are up to the model.
type Batch []*tensors.Tensor

// Inputs returns the first element of the batch.
func (b Batch) Inputs() (*tensors.Tensor, error) {
	if len(b) < 1 || b[0] == nil {
		return nil, errors.New("batch has no inputs")
	}
	return b[0], nil
}

// Labels returns the second element of the batch.
func (b Batch) Labels() (*tensors.Tensor, error) {
	if len(b) < 2 || b[1] == nil {
		return nil, errors.Errorf("batch has %d elements, it has no labels (expected as the 2nd element)", len(b))
	}
	return b[1], nil
}

// State of a training run, shared by the training loop with every callback.
//
// The training loop owns it and sets its fields before each dispatch. Callbacks read it,
// and publish derived values into Metrics, each one into the keys it owns.
//
// Create it with NewState: the zero value has no Values nor Metrics, and Runner.Dispatch rejects it.
type State struct {
	// Iters is the number of batches processed since the start of training.
	Iters int

	// Epoch is the current epoch index, starting at 0.
	Epoch int

	// EpochBatch is the index of the current batch within the epoch.
	EpochBatch int

	// Batch being processed.
	Batch Batch

	// Pred is the output of the model for the current batch.
	Pred *tensors.Tensor

	// Values holds raw per-batch values produced by the training step, e.g. "loss".
	// Nested maps (map[string]any) can be addressed with dotted paths by Lookup.
	Values map[string]any

	// Metrics published by metric callbacks, and consumed by sinks.
	Metrics *metrics.Store
}

// NewState creates a new State for a training run, with empty Values and Metrics.
func NewState() *State {
	return &State{
		Values:  make(map[string]any),
		Metrics: metrics.NewStore(),
	}
}

// Lookup returns the value addressed by a dotted path. The first element of the path selects:
//
//   - "iters", "epoch", "epoch_batch": the corresponding counters.
//   - "pred": the model output.
//   - "batch": the whole batch, or "batch.<i>" for its i-th element.
//   - "metrics.<key>": a published metric Value (the key may itself contain dots).
//   - Anything else is looked up in Values, descending into nested map[string]any and []any
//     (with numeric path elements).
func (s *State) Lookup(path string) (any, error) {
	if path == "" {
		return nil, errors.New("State.Lookup: empty path")
	}
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "iters", "epoch", "epoch_batch", "pred":
		if len(parts) > 1 {
			return nil, errors.Errorf("State.Lookup(%q): %q has no sub-fields", path, parts[0])
		}
		switch parts[0] {
		case "iters":
			return s.Iters, nil
		case "epoch":
			return s.Epoch, nil
		case "epoch_batch":
			return s.EpochBatch, nil
		}
		if s.Pred == nil {
			return nil, errors.Errorf("State.Lookup(%q): no prediction set", path)
		}
		return s.Pred, nil
	case "batch":
		if len(parts) == 1 {
			return s.Batch, nil
		}
		if len(parts) > 2 {
			return nil, errors.Errorf("State.Lookup(%q): batch elements have no sub-fields", path)
		}
		idx, err := strconv.Atoi(parts[1])
		if err != nil || idx < 0 || idx >= len(s.Batch) {
			return nil, errors.Errorf("State.Lookup(%q): invalid index for batch with %d elements", path, len(s.Batch))
		}
		return s.Batch[idx], nil
	case "metrics":
		if len(parts) == 1 || s.Metrics == nil {
			return nil, errors.Errorf("State.Lookup(%q): a metric key is required", path)
		}
		key := strings.Join(parts[1:], ".")
		v, found := s.Metrics.Get(key)
		if !found {
			return nil, errors.Errorf("State.Lookup(%q): metric %q not found", path, key)
		}
		return v, nil
	}

	var current any = s.Values
	for ii, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			v, found := node[part]
			if !found {
				return nil, errors.Errorf("State.Lookup(%q): %q not found", path, strings.Join(parts[:ii+1], "."))
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, errors.Errorf("State.Lookup(%q): invalid index %q for list of %d elements",
					path, part, len(node))
			}
			current = node[idx]
		default:
			return nil, errors.Errorf("State.Lookup(%q): can't descend into %q of type %T",
				path, strings.Join(parts[:ii], "."), current)
		}
	}
	return current, nil
}
