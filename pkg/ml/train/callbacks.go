// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training State shared with callbacks, the callback hook interfaces and the
// Runner that dispatches lifecycle events to them.
//
// A training loop (see Loop for a reference one) owns a State and, at each lifecycle point, asks the
// Runner to dispatch the corresponding event:
//
//   - EventEpochStart once per epoch, before any batch.
//   - EventBatchEnd once per processed batch.
//   - EventEpochEnd once per epoch, after the last batch.
//
// Callbacks are called synchronously, in registration order, and they observe the changes made to the State
// (in particular to State.Metrics) by the callbacks before them. So metric producers must be registered
// before the sinks that report them.
package train

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Callback is anything that reacts to training lifecycle events. To receive events it must implement
// one or more of EpochStarter, BatchEnder and EpochEnder.
type Callback interface {
	// Name of the callback, used in error messages and logs.
	Name() string
}

// EpochStarter is implemented by callbacks interested in EventEpochStart.
type EpochStarter interface {
	Callback
	OnEpochStart(state *State) error
}

// BatchEnder is implemented by callbacks interested in EventBatchEnd.
type BatchEnder interface {
	Callback
	OnBatchEnd(state *State) error
}

// EpochEnder is implemented by callbacks interested in EventEpochEnd.
type EpochEnder interface {
	Callback
	OnEpochEnd(state *State) error
}

// Event is the name of a lifecycle event.
type Event string

const (
	EventEpochStart Event = "on_epoch_start"
	EventBatchEnd   Event = "on_batch_end"
	EventEpochEnd   Event = "on_epoch_end"
)

// Events lists all lifecycle events, in the order they happen within an epoch.
var Events = []Event{EventEpochStart, EventBatchEnd, EventEpochEnd}

// ParseEvent converts an event name to an Event, or returns an error for unknown names.
func ParseEvent(name string) (Event, error) {
	for _, e := range Events {
		if string(e) == name {
			return e, nil
		}
	}
	return "", errors.Errorf("unknown callback event %q, valid events are %q", name, Events)
}

// Implements returns whether the callback implements the hook for the given event.
func Implements(cb Callback, event Event) bool {
	switch event {
	case EventEpochStart:
		_, ok := cb.(EpochStarter)
		return ok
	case EventBatchEnd:
		_, ok := cb.(BatchEnder)
		return ok
	case EventEpochEnd:
		_, ok := cb.(EpochEnder)
		return ok
	}
	return false
}

// call the hook for event on cb. It returns false if the callback doesn't implement it.
func call(cb Callback, event Event, state *State) (bool, error) {
	switch event {
	case EventEpochStart:
		if h, ok := cb.(EpochStarter); ok {
			return true, h.OnEpochStart(state)
		}
	case EventBatchEnd:
		if h, ok := cb.(BatchEnder); ok {
			return true, h.OnBatchEnd(state)
		}
	case EventEpochEnd:
		if h, ok := cb.(EpochEnder); ok {
			return true, h.OnEpochEnd(state)
		}
	}
	return false, nil
}

// Runner dispatches lifecycle events to an ordered list of callbacks.
// The order is fixed at construction and it is the dispatch order.
type Runner struct {
	callbacks []Callback
}

// NewRunner creates a Runner for the given callbacks, in dispatch order.
func NewRunner(callbacks ...Callback) *Runner {
	return &Runner{callbacks: append([]Callback(nil), callbacks...)}
}

// Callbacks returns the registered callbacks, in dispatch order.
func (r *Runner) Callbacks() []Callback {
	return append([]Callback(nil), r.callbacks...)
}

// Dispatch calls the hook for event on every callback that implements it, in registration order.
// Callbacks that don't implement it are skipped.
//
// The first error aborts the dispatch: it is returned (with the event and the callback name)
// and the remaining callbacks are not called.
//
// The state must be created with NewState: a nil state, or one without Values or Metrics, is an error.
func (r *Runner) Dispatch(event Event, state *State) error {
	if _, err := ParseEvent(string(event)); err != nil {
		return errors.WithMessage(err, "Runner.Dispatch")
	}
	if state == nil || state.Values == nil || state.Metrics == nil {
		return errors.Errorf("Runner.Dispatch(%s): state is not initialized, create it with train.NewState()", event)
	}
	for _, cb := range r.callbacks {
		called, err := call(cb, event, state)
		if err != nil {
			return errors.WithMessagef(err, "%s(callback %q)", event, cb.Name())
		}
		if called && klog.V(2).Enabled() {
			klog.Infof("%s(callback %q): iters=%d, epoch=%d, epoch_batch=%d",
				event, cb.Name(), state.Iters, state.Epoch, state.EpochBatch)
		}
	}
	return nil
}

// DispatchByName is like Dispatch, but takes the event name as a string.
func (r *Runner) DispatchByName(eventName string, state *State) error {
	event, err := ParseEvent(eventName)
	if err != nil {
		return err
	}
	return r.Dispatch(event, state)
}

// OnEpochStart dispatches EventEpochStart.
func (r *Runner) OnEpochStart(state *State) error { return r.Dispatch(EventEpochStart, state) }

// OnBatchEnd dispatches EventBatchEnd.
func (r *Runner) OnBatchEnd(state *State) error { return r.Dispatch(EventBatchEnd, state) }

// OnEpochEnd dispatches EventEpochEnd.
func (r *Runner) OnEpochEnd(state *State) error { return r.Dispatch(EventEpochEnd, state) }
