// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"github.com/gomlx/callbacks/pkg/core/tensors"
)

// Call is one call to a Dashboard, as recorded by Recorder.
type Call struct {
	Method string
	Win    string
	Iters  int
	Y      float64
	Text   string
	Shape  tensors.Shape
	Opts   Options
}

// Recorder is an in-memory Dashboard that records all calls. Useful for tests and debugging.
//
// If Err is set, all calls are recorded and return it.
type Recorder struct {
	Calls []Call
	Err   error
}

var _ Dashboard = (*Recorder)(nil)

// Line implements Dashboard.
func (r *Recorder) Line(win string, iters int, y float64, opts Options) error {
	r.Calls = append(r.Calls, Call{Method: "Line", Win: win, Iters: iters, Y: y, Opts: opts})
	return r.Err
}

// Text implements Dashboard.
func (r *Recorder) Text(win, text string, opts Options) error {
	r.Calls = append(r.Calls, Call{Method: "Text", Win: win, Text: text, Opts: opts})
	return r.Err
}

// Heatmap implements Dashboard.
func (r *Recorder) Heatmap(win string, t *tensors.Tensor, opts Options) error {
	r.Calls = append(r.Calls, Call{Method: "Heatmap", Win: win, Shape: t.Shape(), Opts: opts})
	return r.Err
}

// Image implements Dashboard.
func (r *Recorder) Image(win string, t *tensors.Tensor, opts Options) error {
	r.Calls = append(r.Calls, Call{Method: "Image", Win: win, Shape: t.Shape(), Opts: opts})
	return r.Err
}

// Images implements Dashboard.
func (r *Recorder) Images(win string, t *tensors.Tensor, opts Options) error {
	r.Calls = append(r.Calls, Call{Method: "Images", Win: win, Shape: t.Shape(), Opts: opts})
	return r.Err
}

// Close implements Dashboard.
func (r *Recorder) Close() error {
	r.Calls = append(r.Calls, Call{Method: "Close"})
	return r.Err
}

// Methods returns the method names of the recorded calls, in order.
func (r *Recorder) Methods() []string {
	methods := make([]string, len(r.Calls))
	for ii, call := range r.Calls {
		methods[ii] = call.Method
	}
	return methods
}

// Reset forgets the recorded calls.
func (r *Recorder) Reset() {
	r.Calls = nil
}
