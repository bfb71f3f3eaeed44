// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"testing"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runEpoch dispatches one epoch, with the "loss" raw value of each batch taken from losses.
func runEpoch(t *testing.T, runner *train.Runner, state *train.State, losses ...float64) {
	require.NoError(t, runner.OnEpochStart(state))
	for _, loss := range losses {
		state.Values["loss"] = loss
		require.NoError(t, runner.OnBatchEnd(state))
		state.Iters++
	}
	require.NoError(t, runner.OnEpochEnd(state))
	state.Epoch++
}

func getScalar(t *testing.T, state *train.State, key string) float64 {
	value, found := state.Metrics.Get(key)
	require.True(t, found, "metric %q not found", key)
	v, ok := value.Scalar()
	require.True(t, ok, "metric %q is not a scalar: %s", key, value.Describe())
	return v
}

func TestWindowedMetricAvg(t *testing.T) {
	cb := NewWindowedMetricAvgWithSize("loss", 3, true)
	runner := train.NewRunner(cb)
	state := train.NewState()
	runEpoch(t, runner, state, 1, 2, 3, 4)
	assert.InDelta(t, 3.0, getScalar(t, state, "loss"), 1e-9)

	// Metric is deleted at epoch start, but the window persists.
	require.NoError(t, runner.OnEpochStart(state))
	assert.False(t, state.Metrics.Has("loss"))
	state.Values["loss"] = 8.0
	require.NoError(t, runner.OnBatchEnd(state))
	assert.InDelta(t, 5.0, getScalar(t, state, "loss"), 1e-9) // (3+4+8)/3
	assert.Equal(t, 3, cb.Average().Len())
}

func TestWindowedMetricAvgPostOnlyAtEpochEnd(t *testing.T) {
	runner := train.NewRunner(NewWindowedMetricAvg("loss", false))
	state := train.NewState()
	require.NoError(t, runner.OnEpochStart(state))
	state.Values["loss"] = 1.0
	require.NoError(t, runner.OnBatchEnd(state))
	assert.False(t, state.Metrics.Has("loss"))
	require.NoError(t, runner.OnEpochEnd(state))
	assert.Equal(t, 1.0, getScalar(t, state, "loss"))
}

func TestWindowedMetricAvgErrors(t *testing.T) {
	runner := train.NewRunner(NewWindowedMetricAvg("loss", true))
	state := train.NewState()
	require.NoError(t, runner.OnEpochStart(state))
	require.Error(t, runner.OnBatchEnd(state), "missing raw value")
	state.Values["loss"] = "not a number"
	require.Error(t, runner.OnBatchEnd(state))

	// Reading the average before anything was logged is an error, not a silent 0.
	err := runner.OnEpochEnd(state)
	require.ErrorIs(t, err, metrics.ErrNotReady)

	assert.Panics(t, func() { NewWindowedMetricAvgWithSize("loss", 0, true) })
}

func TestEpochMetricAvg(t *testing.T) {
	runner := train.NewRunner(NewEpochMetricAvg("loss", true))
	state := train.NewState()
	runEpoch(t, runner, state, 1, 2, 3)
	assert.InDelta(t, 2.0, getScalar(t, state, "loss"), 1e-9)
	runEpoch(t, runner, state, 10, 20)
	assert.InDelta(t, 15.0, getScalar(t, state, "loss"), 1e-9)

	// Single-element tensors are accepted as raw values.
	require.NoError(t, runner.OnEpochStart(state))
	assert.False(t, state.Metrics.Has("loss"))
	state.Values["loss"] = tensors.FromValue([]float32{4})
	require.NoError(t, runner.OnBatchEnd(state))
	assert.InDelta(t, 4.0, getScalar(t, state, "loss"), 1e-9)
}

func TestAccAvg(t *testing.T) {
	runner := train.NewRunner(NewAccAvg(true))
	state := train.NewState()
	require.NoError(t, runner.OnEpochStart(state))
	state.Batch = train.Batch{tensors.FromValue([][]float64{{0}, {0}}), tensors.FromValue([]int{0, 0})}
	state.Pred = tensors.FromValue([][]float64{{0.9, 0.1}, {0.2, 0.8}})
	require.NoError(t, runner.OnBatchEnd(state))
	assert.Equal(t, 0.5, getScalar(t, state, AccuracyKey))

	// Accumulates over the epoch, weighted by batch size.
	state.Batch = train.Batch{nil, tensors.FromValue([][]int{{1}, {0}, {2}, {1}})}
	state.Pred = tensors.FromValue([][]float64{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}, {0, 1, 0}})
	require.NoError(t, runner.OnBatchEnd(state))
	assert.InDelta(t, 5.0/6.0, getScalar(t, state, AccuracyKey), 1e-9)

	// A new epoch starts fresh.
	require.NoError(t, runner.OnEpochStart(state))
	assert.False(t, state.Metrics.Has(AccuracyKey))
	require.NoError(t, runner.OnBatchEnd(state))
	require.NoError(t, runner.OnEpochEnd(state))
	assert.Equal(t, 1.0, getScalar(t, state, AccuracyKey))

	// Mismatched shapes.
	state.Batch = train.Batch{nil, tensors.FromValue([]int{0})}
	require.Error(t, runner.OnBatchEnd(state))
	state.Pred = nil
	require.Error(t, runner.OnBatchEnd(state))
}

func TestMetricsTable(t *testing.T) {
	t.Run("ProducerBeforeTable", func(t *testing.T) {
		runner := train.NewRunner(NewEpochMetricAvg("loss", true), NewMetricsTable(true))
		state := train.NewState()
		require.NoError(t, runner.OnEpochStart(state))
		state.Values["loss"] = 0.1234567891
		require.NoError(t, runner.OnBatchEnd(state))
		table, found := state.Metrics.Get(TableKey)
		require.True(t, found)
		text, ok := table.Text()
		require.True(t, ok)
		assert.Contains(t, text, "<tr><th>loss</th><td>0.123457</td></tr>")
		assert.Contains(t, text, "border-collapse: collapse;")
	})

	t.Run("ProducerAfterTable", func(t *testing.T) {
		runner := train.NewRunner(NewMetricsTable(true), NewEpochMetricAvg("loss", true))
		state := train.NewState()
		require.NoError(t, runner.OnEpochStart(state))
		state.Values["loss"] = 0.5
		require.NoError(t, runner.OnBatchEnd(state))
		table, _ := state.Metrics.Get(TableKey)
		text, _ := table.Text()
		assert.NotContains(t, text, "loss")
	})

	t.Run("SkipsNonScalarsAndEscapes", func(t *testing.T) {
		store := metrics.NewStore()
		owner := metrics.NewOwner("test")
		require.NoError(t, store.Set(owner, "a<b", metrics.Scalar(2)))
		require.NoError(t, store.Set(owner, "text", metrics.Text("hello")))
		image, err := metrics.FromTensor(tensors.FromShape(tensors.Shape{2, 2, 3}))
		require.NoError(t, err)
		require.NoError(t, store.Set(owner, "image", image))
		require.NoError(t, store.Set(owner, "acc", metrics.Scalar(0.75)))
		text := MetricsHTML(store)
		assert.Contains(t, text, "<tr><th>a&lt;b</th><td>2</td></tr>\n<tr><th>acc</th><td>0.75</td></tr>")
		assert.NotContains(t, text, "hello")
		assert.NotContains(t, text, "image")
	})
}

func TestLog(t *testing.T) {
	cb := NewLog("optimizer.lr", "lr")
	runner := train.NewRunner(cb)
	state := train.NewState()
	state.Values["optimizer"] = map[string]any{"lr": float32(0.5), "name": "adam", "betas": []any{0.9, 0.99}}

	// Log only acts at batch end.
	require.NoError(t, runner.OnEpochStart(state))
	require.NoError(t, runner.OnEpochEnd(state))
	assert.False(t, state.Metrics.Has("lr"))

	require.NoError(t, runner.OnBatchEnd(state))
	assert.Equal(t, 0.5, getScalar(t, state, "lr"))

	require.NoError(t, train.NewRunner(NewLog("optimizer.name", "opt")).OnBatchEnd(state))
	v, _ := state.Metrics.Get("opt")
	text, ok := v.Text()
	require.True(t, ok)
	assert.Equal(t, "adam", text)

	err := train.NewRunner(NewLog("optimizer.betas", "betas")).OnBatchEnd(state)
	var unsupported *metrics.UnsupportedValueError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "betas", unsupported.Key)

	require.Error(t, train.NewRunner(NewLog("missing", "x")).OnBatchEnd(state))
}

func TestKeyOwnership(t *testing.T) {
	// Two callbacks publishing the same key: the second one is rejected as soon as it touches the key.
	second := NewWindowedMetricAvg("loss", true)
	runner := train.NewRunner(NewEpochMetricAvg("loss", true), second)
	state := train.NewState()
	err := runner.OnEpochStart(state)
	require.Error(t, err)
	assert.Contains(t, err.Error(), second.Name())
	var ownership *metrics.KeyOwnershipError
	require.ErrorAs(t, err, &ownership)
	assert.Equal(t, "loss", ownership.Key)
}

func TestStandard(t *testing.T) {
	cbs := Standard(DefaultParams())
	require.Len(t, cbs, 3)
	assert.Equal(t, "WindowedMetricAvg(loss)", cbs[0].Name())
	assert.Equal(t, "AccAvg", cbs[1].Name())
	assert.Equal(t, "MetricsTable", cbs[2].Name())

	params := DefaultParams()
	params[ParamMetrics] = []string{"loss", "reg"}
	params[ParamAccuracy] = false
	params[ParamWindow] = 5
	cbs = Standard(params)
	require.Len(t, cbs, 3)
	assert.Equal(t, "WindowedMetricAvg(reg)", cbs[1].Name())
	assert.Equal(t, 5, cbs[0].(*WindowedMetricAvg).Average().Capacity())
	assert.Equal(t, "MetricsTable", cbs[2].Name())

	// Works with empty params.
	assert.Len(t, Standard(train.Params{}), 3)
}
