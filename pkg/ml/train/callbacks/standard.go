// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
)

// Parameters used by Standard and by the sinks built from Params.
const (
	// ParamLogEvery is the number of iterations between batch logs of the sinks, or train.NeverLog.
	ParamLogEvery = "log_every"

	// ParamPrefix is prefixed to the names of the logged metrics.
	ParamPrefix = "prefix"

	// ParamWindow is the window size of the windowed averages.
	ParamWindow = "window"

	// ParamPostEachBatch configures the metric callbacks to republish their metrics after every batch.
	ParamPostEachBatch = "post_each_batch"

	// ParamMetrics lists the names of the raw values in State.Values to average.
	ParamMetrics = "metrics"

	// ParamAccuracy enables the AccAvg callback.
	ParamAccuracy = "accuracy"
)

// DefaultParams returns the parameters known by Standard, with their default values. ParamLogEvery and ParamPrefix
// are read by commandline.NewStdoutLoggerFromParams and dashboard.NewLoggerFromParams.
func DefaultParams() train.Params {
	return train.Params{
		ParamLogEvery:      10,
		ParamPrefix:        "",
		ParamWindow:        metrics.DefaultWindowSize,
		ParamPostEachBatch: true,
		ParamMetrics:       []string{train.LossKey},
		ParamAccuracy:      true,
	}
}

// Standard creates the standard set of metric callbacks configured by params (see DefaultParams):
// a WindowedMetricAvg for each name in ParamMetrics, an AccAvg if ParamAccuracy is set, and a MetricsTable.
//
// The MetricsTable comes last, so it includes every metric produced by the others. Sinks should be
// registered after them.
func Standard(params train.Params) []train.Callback {
	defaults := DefaultParams()
	window := train.GetParamOr(params, ParamWindow, defaults[ParamWindow].(int))
	postEachBatch := train.GetParamOr(params, ParamPostEachBatch, true)
	names := train.GetParamOr(params, ParamMetrics, defaults[ParamMetrics].([]string))

	var cbs []train.Callback
	for _, name := range names {
		cbs = append(cbs, NewWindowedMetricAvgWithSize(name, window, postEachBatch))
	}
	if train.GetParamOr(params, ParamAccuracy, true) {
		cbs = append(cbs, NewAccAvg(postEachBatch))
	}
	cbs = append(cbs, NewMetricsTable(postEachBatch))
	return cbs
}
