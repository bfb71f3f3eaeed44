// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dashboard defines the Dashboard interface, implemented by remote (visdom) or file based (plotly, gonumplot)
// dashboards, and the Logger sink that routes the training metrics to a Dashboard.
//
// Example:
//
//	dash := visdom.New("main")
//	runner := train.NewRunner(
//		callbacks.NewWindowedMetricAvg("loss", true),
//		dashboard.NewLogger(dash, 10, "train_").WithStoreHistory("train_report"),
//	)
package dashboard

import (
	"fmt"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/callbacks"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/gomlx/callbacks/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options of a dashboard window.
type Options struct {
	// Title of the window.
	Title string

	// StoreHistory asks the dashboard to keep the previous images of the window, instead of replacing them.
	StoreHistory bool
}

// Dashboard is the opaque sink of the plots.
//
// Windows are identified by their name (win): the first call creates it, later calls update it.
type Dashboard interface {
	// Line appends the point (iters, y) to the line plot win. Non-finite values of y are not plotted,
	// and they are not an error.
	Line(win string, iters int, y float64, opts Options) error

	// Text replaces the contents of the text panel win. The text may be HTML.
	Text(win, text string, opts Options) error

	// Heatmap displays a rank-2 tensor shaped `[rows, cols]`.
	Heatmap(win string, t *tensors.Tensor, opts Options) error

	// Image displays a rank-3 tensor shaped `[height, width, channels]`.
	Image(win string, t *tensors.Tensor, opts Options) error

	// Images displays a rank-4 tensor shaped `[batch_size, height, width, channels]` as a grid of images.
	Images(win string, t *tensors.Tensor, opts Options) error

	// Close clears all the windows of the dashboard environment.
	Close() error
}

// Flusher is implemented by dashboards that buffer the plots, and need to be flushed to be displayed or saved.
// Logger calls Flush after each log.
type Flusher interface {
	Flush() error
}

// Logger is a sink that plots the metrics in a Dashboard, with the same gating as commandline.StdoutLogger:
// every logEvery iterations (unless it is train.NeverLog) and always at the end of the epoch.
//
// Each metric is routed according to its kind: scalars are appended to a line plot keyed by the number of
// iterations, texts go to a text panel, rank-2 tensors to a heatmap and rank-3/4 tensors to images.
// Window names are the prefix followed by the metric key.
//
// The dashboard environment is cleared at the first log.
type Logger struct {
	dash         Dashboard
	logEvery     int
	prefix       string
	storeHistory sets.Set[string]
	cleared      bool
}

var (
	_ train.BatchEnder = (*Logger)(nil)
	_ train.EpochEnder = (*Logger)(nil)
)

// NewLogger creates a Logger for the given dashboard. If dash is nil the Logger is disabled, and all its
// hooks are no-ops.
//
// It panics if logEvery is 0 or < -1.
func NewLogger(dash Dashboard, logEvery int, prefix string) *Logger {
	train.CheckLogEvery(logEvery)
	return &Logger{
		dash:         dash,
		logEvery:     logEvery,
		prefix:       prefix,
		storeHistory: sets.Make[string](),
	}
}

// NewLoggerFromParams creates a Logger for dash configured by callbacks.ParamLogEvery and callbacks.ParamPrefix.
// Missing params take the values of callbacks.DefaultParams.
func NewLoggerFromParams(dash Dashboard, params train.Params) *Logger {
	defaults := callbacks.DefaultParams()
	logEvery := train.GetParamOr(params, callbacks.ParamLogEvery, defaults[callbacks.ParamLogEvery].(int))
	prefix := train.GetParamOr(params, callbacks.ParamPrefix, defaults[callbacks.ParamPrefix].(string))
	return NewLogger(dash, logEvery, prefix)
}

// WithStoreHistory configures the windows (full names, including the prefix) whose image history
// should be kept by the dashboard.
func (l *Logger) WithStoreHistory(windows ...string) *Logger {
	l.storeHistory.Insert(windows...)
	return l
}

// Name implements train.Callback.
func (l *Logger) Name() string {
	return fmt.Sprintf("dashboard.Logger(%q)", l.prefix)
}

// OnBatchEnd logs if the iteration is a multiple of logEvery.
func (l *Logger) OnBatchEnd(state *train.State) error {
	if !train.ShouldLog(l.logEvery, state.Iters) {
		return nil
	}
	return l.Log(state.Iters, state.Metrics)
}

// OnEpochEnd always logs.
func (l *Logger) OnEpochEnd(state *train.State) error {
	return l.Log(state.Iters, state.Metrics)
}

// Log sends all the metrics in the store to the dashboard.
func (l *Logger) Log(iters int, store *metrics.Store) error {
	if l.dash == nil {
		return nil
	}
	if !l.cleared {
		if err := l.dash.Close(); err != nil {
			return errors.WithMessagef(err, "%s failed to clear dashboard", l.Name())
		}
		l.cleared = true
	}
	for _, key := range store.Keys() {
		value, _ := store.Get(key)
		if err := l.logValue(iters, key, value); err != nil {
			return errors.WithMessagef(err, "%s", l.Name())
		}
	}
	if flusher, ok := l.dash.(Flusher); ok {
		if err := flusher.Flush(); err != nil {
			return errors.WithMessagef(err, "%s failed to flush dashboard", l.Name())
		}
	}
	klog.V(2).Infof("%s: logged %d metrics at iters=%d", l.Name(), store.Len(), iters)
	return nil
}

func (l *Logger) logValue(iters int, key string, value metrics.Value) error {
	win := l.prefix + key
	opts := Options{Title: win}
	switch value.Kind() {
	case metrics.KindScalar:
		v, _ := value.Scalar()
		return l.dash.Line(win, iters, v, opts)
	case metrics.KindText:
		text, _ := value.Text()
		return l.dash.Text(win, text, opts)
	case metrics.KindTensor2D:
		return l.dash.Heatmap(win, value.Tensor(), opts)
	case metrics.KindTensor3D:
		opts.StoreHistory = l.storeHistory.Has(win)
		return l.dash.Image(win, value.Tensor(), opts)
	case metrics.KindTensor4D:
		opts.StoreHistory = l.storeHistory.Has(win)
		return l.dash.Images(win, value.Tensor(), opts)
	}
	return metrics.NewUnsupportedValueError(key, "dashboard can't plot %s", value.Describe())
}
