// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package callbacks implements the metric callbacks: they read raw per-batch values from the train.State
// and publish derived summaries (averages, accuracy, tables, reports) into State.Metrics.
//
// Each metric callback owns the keys it publishes: it is the only one allowed to set or delete them.
// Register them in a train.Runner before the sinks that report the metrics.
package callbacks

import (
	"fmt"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// AccuracyKey is the metric key published by AccAvg.
const AccuracyKey = "acc"

// averager is the common interface of the metrics averages.
type averager interface {
	Get() (float64, error)
}

// publish the current value of avg into state.Metrics[key].
func publish(state *train.State, owner *metrics.Owner, key string, avg averager) error {
	value, err := avg.Get()
	if err != nil {
		return errors.WithMessagef(err, "publishing metric %q", key)
	}
	return state.Metrics.Set(owner, key, metrics.Scalar(value))
}

// rawValue reads state.Values[name] as a float64.
func rawValue(state *train.State, name string) (float64, error) {
	raw, found := state.Values[name]
	if !found {
		return 0, errors.Errorf("value %q not set in the training state", name)
	}
	value, err := metrics.ToFloat64(raw)
	if err != nil {
		return 0, errors.WithMessagef(err, "value %q", name)
	}
	return value, nil
}

// WindowedMetricAvg publishes the moving average (over a window of the last batches) of the raw value
// State.Values[name] into State.Metrics[name].
//
// The window persists across epochs, so the published value is a smoothed running mean.
type WindowedMetricAvg struct {
	name          string
	owner         *metrics.Owner
	avg           *metrics.WindowedAverage
	postEachBatch bool
}

var (
	_ train.EpochStarter = (*WindowedMetricAvg)(nil)
	_ train.BatchEnder   = (*WindowedMetricAvg)(nil)
	_ train.EpochEnder   = (*WindowedMetricAvg)(nil)
)

// NewWindowedMetricAvg creates a WindowedMetricAvg for the raw value name, with a window of
// metrics.DefaultWindowSize batches.
//
// If postEachBatch is true, the metric is republished at the end of every batch, otherwise only at the end of the epoch.
func NewWindowedMetricAvg(name string, postEachBatch bool) *WindowedMetricAvg {
	return NewWindowedMetricAvgWithSize(name, metrics.DefaultWindowSize, postEachBatch)
}

// NewWindowedMetricAvgWithSize is like NewWindowedMetricAvg, but with a window of the given size.
// It panics if size <= 0.
func NewWindowedMetricAvgWithSize(name string, size int, postEachBatch bool) *WindowedMetricAvg {
	cb := &WindowedMetricAvg{
		name:          name,
		avg:           metrics.NewWindowedAverage(size),
		postEachBatch: postEachBatch,
	}
	cb.owner = metrics.NewOwner(cb.Name())
	return cb
}

// Name implements train.Callback.
func (cb *WindowedMetricAvg) Name() string { return fmt.Sprintf("WindowedMetricAvg(%s)", cb.name) }

// Average returns the underlying window.
func (cb *WindowedMetricAvg) Average() *metrics.WindowedAverage { return cb.avg }

// OnEpochStart removes the metric from the store. The window is kept.
func (cb *WindowedMetricAvg) OnEpochStart(state *train.State) error {
	return state.Metrics.Delete(cb.owner, cb.name)
}

// OnBatchEnd logs the raw value of the batch.
func (cb *WindowedMetricAvg) OnBatchEnd(state *train.State) error {
	value, err := rawValue(state, cb.name)
	if err != nil {
		return err
	}
	cb.avg.Log(value)
	if cb.postEachBatch {
		return publish(state, cb.owner, cb.name, cb.avg)
	}
	return nil
}

// OnEpochEnd always publishes the metric.
func (cb *WindowedMetricAvg) OnEpochEnd(state *train.State) error {
	return publish(state, cb.owner, cb.name, cb.avg)
}

// EpochMetricAvg publishes the mean of the raw value State.Values[name] over the current epoch
// into State.Metrics[name].
type EpochMetricAvg struct {
	name          string
	owner         *metrics.Owner
	avg           *metrics.RunningAverage
	postEachBatch bool
}

var (
	_ train.EpochStarter = (*EpochMetricAvg)(nil)
	_ train.BatchEnder   = (*EpochMetricAvg)(nil)
	_ train.EpochEnder   = (*EpochMetricAvg)(nil)
)

// NewEpochMetricAvg creates an EpochMetricAvg for the raw value name.
//
// If postEachBatch is true, the metric is republished at the end of every batch, otherwise only at the end of the epoch.
func NewEpochMetricAvg(name string, postEachBatch bool) *EpochMetricAvg {
	cb := &EpochMetricAvg{
		name:          name,
		avg:           metrics.NewRunningAverage(),
		postEachBatch: postEachBatch,
	}
	cb.owner = metrics.NewOwner(cb.Name())
	return cb
}

// Name implements train.Callback.
func (cb *EpochMetricAvg) Name() string { return fmt.Sprintf("EpochMetricAvg(%s)", cb.name) }

// OnEpochStart starts a fresh average and removes the metric from the store.
func (cb *EpochMetricAvg) OnEpochStart(state *train.State) error {
	cb.avg.Reset()
	return state.Metrics.Delete(cb.owner, cb.name)
}

// OnBatchEnd logs the raw value of the batch.
func (cb *EpochMetricAvg) OnBatchEnd(state *train.State) error {
	value, err := rawValue(state, cb.name)
	if err != nil {
		return err
	}
	cb.avg.LogOne(value)
	if cb.postEachBatch {
		return publish(state, cb.owner, cb.name, cb.avg)
	}
	return nil
}

// OnEpochEnd always publishes the metric.
func (cb *EpochMetricAvg) OnEpochEnd(state *train.State) error {
	return publish(state, cb.owner, cb.name, cb.avg)
}

// AccAvg publishes the top-1 classification accuracy over the current epoch into State.Metrics["acc"].
//
// It compares the arg-max of State.Pred (shaped [batch_size, num_classes]) with the integer labels
// of State.Batch.Labels() (shaped [batch_size] or [batch_size, 1]).
type AccAvg struct {
	owner         *metrics.Owner
	avg           *metrics.RunningAverage
	postEachBatch bool
}

var (
	_ train.EpochStarter = (*AccAvg)(nil)
	_ train.BatchEnder   = (*AccAvg)(nil)
	_ train.EpochEnder   = (*AccAvg)(nil)
)

// NewAccAvg creates an AccAvg callback.
//
// If postEachBatch is true, the metric is republished at the end of every batch, otherwise only at the end of the epoch.
func NewAccAvg(postEachBatch bool) *AccAvg {
	cb := &AccAvg{
		avg:           metrics.NewRunningAverage(),
		postEachBatch: postEachBatch,
	}
	cb.owner = metrics.NewOwner(cb.Name())
	return cb
}

// Name implements train.Callback.
func (cb *AccAvg) Name() string { return "AccAvg" }

// OnEpochStart starts a fresh average and removes the metric from the store.
func (cb *AccAvg) OnEpochStart(state *train.State) error {
	cb.avg.Reset()
	return state.Metrics.Delete(cb.owner, AccuracyKey)
}

// OnBatchEnd logs the number of correct predictions of the batch.
func (cb *AccAvg) OnBatchEnd(state *train.State) error {
	correct, total, err := countCorrect(state)
	if err != nil {
		return errors.WithMessage(err, cb.Name())
	}
	cb.avg.LogSum(float64(correct), float64(total))
	if cb.postEachBatch {
		return publish(state, cb.owner, AccuracyKey, cb.avg)
	}
	return nil
}

// OnEpochEnd always publishes the metric.
func (cb *AccAvg) OnEpochEnd(state *train.State) error {
	return publish(state, cb.owner, AccuracyKey, cb.avg)
}

// countCorrect returns the number of top-1 correct predictions in the batch, and the batch size.
func countCorrect(state *train.State) (correct, total int, err error) {
	if state.Pred == nil {
		return 0, 0, errors.New("no prediction set in the training state")
	}
	predictions, err := tensors.ArgMax(state.Pred)
	if err != nil {
		return 0, 0, err
	}
	labelsT, err := state.Batch.Labels()
	if err != nil {
		return 0, 0, err
	}
	labels, err := tensors.Labels(labelsT)
	if err != nil {
		return 0, 0, err
	}
	if len(labels) != len(predictions) {
		return 0, 0, errors.Errorf("predictions for %d examples, but %d labels", len(predictions), len(labels))
	}
	for ii, pred := range predictions {
		if pred == labels[ii] {
			correct++
		}
	}
	return correct, len(predictions), nil
}

// StateDict returns the window, so it can be saved in a checkpoint and training resumed with the same smoothing.
func (cb *WindowedMetricAvg) StateDict() (map[string]any, error) { return cb.avg.StateDict() }

// LoadStateDict restores the window saved by StateDict.
func (cb *WindowedMetricAvg) LoadStateDict(state map[string]any) error { return cb.avg.LoadStateDict(state) }
