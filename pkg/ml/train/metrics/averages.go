// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the accumulators used by metric callbacks (RunningAverage and WindowedAverage),
// the tagged metric Value, and the Store where callbacks publish metrics, with per-key ownership.
package metrics

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ErrNotReady is returned when an average is read before any value was logged (or with total weight 0).
var ErrNotReady = errors.New("average not ready: no value logged yet")

// DefaultWindowSize is the window size used by windowed averages when not specified.
const DefaultWindowSize = 100

// RunningAverage is a cumulative weighted mean accumulator.
//
// The zero value is ready to use.
type RunningAverage struct {
	totalValue, totalWeight float64
}

// NewRunningAverage returns a new empty RunningAverage.
func NewRunningAverage() *RunningAverage {
	return &RunningAverage{}
}

// Log accumulates value with the given weight: after it Get returns sum(v_i*w_i)/sum(w_i).
//
// Notice for values that are already a mean over w samples (e.g. the number of correct
// predictions over a batch) the value should be the sum, not the mean. See LogOne for the common case.
func (a *RunningAverage) Log(value, weight float64) {
	a.totalValue += value * weight
	a.totalWeight += weight
}

// LogOne is an alias to Log(value, 1).
func (a *RunningAverage) LogOne(value float64) {
	a.Log(value, 1)
}

// LogSum accumulates a sum of values over count samples, e.g.: number of correct predictions in a batch.
// It is equivalent to Log(sum/count, count), without the rounding.
func (a *RunningAverage) LogSum(sum, count float64) {
	a.totalValue += sum
	a.totalWeight += count
}

// Get returns the weighted mean of all values logged, or ErrNotReady if the total weight is 0.
func (a *RunningAverage) Get() (float64, error) {
	if a.totalWeight == 0 {
		return 0, ErrNotReady
	}
	return a.totalValue / a.totalWeight, nil
}

// Weight returns the total weight logged so far.
func (a *RunningAverage) Weight() float64 {
	return a.totalWeight
}

// Reset clears the accumulator.
func (a *RunningAverage) Reset() {
	a.totalValue, a.totalWeight = 0, 0
}

// WindowedAverage keeps the last k values logged and returns their (unweighted) mean.
// When at capacity, the oldest value is evicted first.
type WindowedAverage struct {
	values []float64
	next   int // Position of the next write, once the window is full.
	full   bool
}

// NewWindowedAverage creates a WindowedAverage for the last k values.
//
// It panics if k <= 0.
func NewWindowedAverage(k int) *WindowedAverage {
	if k <= 0 {
		exceptions.Panicf("invalid window size %d for NewWindowedAverage, it must be > 0", k)
	}
	return &WindowedAverage{values: make([]float64, 0, k)}
}

// Log appends a value to the window, evicting the oldest value if the window is full.
func (a *WindowedAverage) Log(value float64) {
	if !a.full {
		a.values = append(a.values, value)
		a.full = len(a.values) == cap(a.values)
		return
	}
	a.values[a.next] = value
	a.next = (a.next + 1) % len(a.values)
}

// Get returns the mean of the values in the window, or ErrNotReady if nothing was logged yet.
func (a *WindowedAverage) Get() (float64, error) {
	if len(a.values) == 0 {
		return 0, ErrNotReady
	}
	return stat.Mean(a.values, nil), nil
}

// Len returns the number of values currently in the window.
func (a *WindowedAverage) Len() int {
	return len(a.values)
}

// Capacity returns the window size k.
func (a *WindowedAverage) Capacity() int {
	return cap(a.values)
}

// Values returns the values in the window, oldest first.
func (a *WindowedAverage) Values() []float64 {
	ordered := make([]float64, 0, len(a.values))
	ordered = append(ordered, a.values[a.next:]...)
	ordered = append(ordered, a.values[:a.next]...)
	return ordered
}

// Reset empties the window.
func (a *WindowedAverage) Reset() {
	a.values = a.values[:0]
	a.next = 0
	a.full = false
}

// StateDict returns the state of the average, to be saved in a checkpoint.
func (a *RunningAverage) StateDict() (map[string]any, error) {
	return map[string]any{"total_value": a.totalValue, "total_weight": a.totalWeight}, nil
}

// LoadStateDict restores the state saved by StateDict.
func (a *RunningAverage) LoadStateDict(state map[string]any) error {
	totalValue, err := ToFloat64(state["total_value"])
	if err != nil {
		return errors.WithMessage(err, "RunningAverage.LoadStateDict(total_value)")
	}
	totalWeight, err := ToFloat64(state["total_weight"])
	if err != nil {
		return errors.WithMessage(err, "RunningAverage.LoadStateDict(total_weight)")
	}
	a.totalValue, a.totalWeight = totalValue, totalWeight
	return nil
}

// StateDict returns the state of the window (its values, oldest first), to be saved in a checkpoint.
func (a *WindowedAverage) StateDict() (map[string]any, error) {
	return map[string]any{"capacity": a.Capacity(), "values": a.Values()}, nil
}

// LoadStateDict restores the values saved by StateDict. The capacity of the window is kept: if the saved
// window was larger, only its most recent values are restored.
func (a *WindowedAverage) LoadStateDict(state map[string]any) error {
	var values []float64
	switch saved := state["values"].(type) {
	case []float64:
		values = saved
	case []any:
		values = make([]float64, len(saved))
		for ii, v := range saved {
			f, err := ToFloat64(v)
			if err != nil {
				return errors.WithMessagef(err, "WindowedAverage.LoadStateDict(values[%d])", ii)
			}
			values[ii] = f
		}
	case nil:
	default:
		return errors.Errorf("WindowedAverage.LoadStateDict: invalid values of type %T", saved)
	}
	a.Reset()
	for _, v := range values {
		a.Log(v)
	}
	return nil
}
