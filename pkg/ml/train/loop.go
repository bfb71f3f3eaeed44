// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"slices"
	"time"

	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// StepFn executes one training step on state.Batch: typically it runs the model, sets state.Pred and publishes
// raw values (like "loss") in state.Values.
type StepFn func(state *State) error

// LossKey is the key in State.Values checked by the Loop for NaN or infinite losses.
const LossKey = "loss"

// Loop is a reference training loop: it iterates over a Dataset, calling the StepFn for each batch and dispatching
// the lifecycle events to the Runner in the expected order.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Runner with the callbacks called at each lifecycle event.
	Runner *Runner

	// State shared with the callbacks.
	State *State

	// StepDurations collected during training, for the last RunEpochs.
	StepDurations []time.Duration

	step StepFn
}

// NewLoop creates a new training loop, with a new State.
func NewLoop(runner *Runner, step StepFn) *Loop {
	return &Loop{
		Runner: runner,
		State:  NewState(),
		step:   step,
	}
}

// WithState configures the loop to use the given state, e.g. one with counters restored from a checkpoint.
func (loop *Loop) WithState(state *State) *Loop {
	loop.State = state
	return loop
}

// runStep executes the step function, timing it, and checks the loss.
func (loop *Loop) runStep() error {
	startTime := time.Now()
	defer func() {
		loop.StepDurations = append(loop.StepDurations, time.Since(startTime))
	}()
	if err := loop.step(loop.State); err != nil {
		return err
	}
	lossValue, found := loop.State.Values[LossKey]
	if !found {
		return nil
	}
	batchLoss, err := metrics.ToFloat64(lossValue)
	if err != nil {
		// Non-scalar losses are not checked.
		return nil
	}
	if math.IsNaN(batchLoss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(batchLoss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", batchLoss)
	}
	return nil
}

// RunEpochs runs that many epochs over the dataset. State.Epoch continues from where it was, so
// it can be called multiple times, and it will simply pick up where it left off last time.
//
// For each epoch it dispatches EventEpochStart, then for each batch it runs the step and dispatches EventBatchEnd,
// and finally it dispatches EventEpochEnd. Dataset.Reset is called after each epoch (including the last).
//
// Any error, from the dataset, step or callbacks, interrupts the training and is returned.
func (loop *Loop) RunEpochs(ds Dataset, epochs int) error {
	state := loop.State
	loop.StepDurations = nil
	for range epochs {
		epochStart := time.Now()
		state.EpochBatch = 0
		numBatches := 0
		if err := loop.Runner.OnEpochStart(state); err != nil {
			return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d)", state.Epoch)
		}
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d): failed reading from Dataset %q",
					state.Epoch, ds.Name())
			}
			state.EpochBatch = numBatches
			state.Batch = batch
			state.Pred = nil
			clear(state.Values)
			if err = loop.runStep(); err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d): failed step (iters=%d)",
					state.Epoch, state.Iters)
			}
			if err = loop.Runner.OnBatchEnd(state); err != nil {
				return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d, iters=%d)", state.Epoch, state.Iters)
			}
			state.Iters++
			numBatches++
		}
		if err := loop.Runner.OnEpochEnd(state); err != nil {
			return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d)", state.Epoch)
		}
		ds.Reset()
		klog.V(1).Infof("epoch %d finished: %d batches in %s", state.Epoch, numBatches, time.Since(epochStart))
		state.Epoch++
	}
	return nil
}

// MedianStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.StepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}
