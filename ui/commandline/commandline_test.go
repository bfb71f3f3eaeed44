// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/callbacks"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParams() train.Params {
	return train.Params{
		"x":          11.0,
		"y":          7,
		"z":          false,
		"s":          "foo",
		"u":          uint32(3),
		"list_int":   []int{},
		"list_float": []float64{},
		"list_str":   []string{},
	}
}

func TestParseSettings(t *testing.T) {
	params := createTestParams()
	paramsSet, err := ParseSettings(params, "x=13;z=true;y=1_000;s=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "z", "y", "s", "list_int", "list_float", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, params["x"])
	assert.Equal(t, 1000, params["y"])
	assert.Equal(t, true, params["z"])
	assert.Equal(t, "bar", params["s"])
	assert.Equal(t, uint32(3), params["u"])
	assert.Equal(t, []int{1, 3, 7}, train.GetParamOr(params, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, train.GetParamOr(params, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, train.GetParamOr(params, "list_str", []string{}))

	// Parameter "q" is unknown.
	_, err = ParseSettings(params, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(params, "y=3.14")
	require.Error(t, err)
	_, err = ParseSettings(params, "u=-1")
	require.Error(t, err)
	_, err = ParseSettings(params, "list_int=1,a")
	require.Error(t, err)

	// Missing value.
	_, err = ParseSettings(params, "x")
	require.Error(t, err)
}

func TestParseSettingsFile(t *testing.T) {
	params := createTestParams()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nx=2\n\ns=baz;z=true\n"), 0644))
	paramsSet, err := ParseSettings(params, "y=5;file:"+filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x", "s", "z"}, paramsSet)
	assert.Equal(t, 2.0, params["x"])
	assert.Equal(t, "baz", params["s"])

	_, err = ParseSettings(params, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)

	modified := SprintModifiedSettings(params, []string{"y", "x", "y"})
	assert.Equal(t, "\t\"x\": (float64) 2\n\t\"y\": (int) 5", modified)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
}

// newTestState with a scalar, a long text and a tensor metric.
func newTestState(t *testing.T) *train.State {
	state := train.NewState()
	owner := metrics.NewOwner("test")
	require.NoError(t, state.Metrics.Set(owner, "loss", metrics.Scalar(0.25)))
	require.NoError(t, state.Metrics.Set(owner, "report", metrics.Text("abcdefghijklmnopqrstuvwxyz")))
	image, err := metrics.FromTensor(tensors.FromValue([][]float64{{1, 2}, {3, 4}}))
	require.NoError(t, err)
	require.NoError(t, state.Metrics.Set(owner, "image", image))
	return state
}

func TestStdoutLogger(t *testing.T) {
	require.Panics(t, func() { NewStdoutLogger(0, "train") })

	var buf bytes.Buffer
	logger := NewStdoutLogger(2, "train").WithWriter(&buf)
	state := newTestState(t)
	state.Epoch, state.EpochBatch, state.Iters = 1, 2, 3
	require.NoError(t, logger.OnBatchEnd(state))
	assert.Empty(t, buf.String())

	state.EpochBatch, state.Iters = 3, 4
	require.NoError(t, logger.OnBatchEnd(state))
	line := buf.String()
	assert.Contains(t, line, "train")
	assert.Contains(t, line, "| Ep. 1 It 3 | loss=0.2500 report=abcdefghijklmnopqrst\n")
	assert.NotContains(t, line, "image")

	// Epoch end is always logged, even with NeverLog.
	buf.Reset()
	logger = NewStdoutLogger(train.NeverLog, "valid").WithWriter(&buf)
	require.NoError(t, logger.OnBatchEnd(state))
	assert.Empty(t, buf.String())
	require.NoError(t, logger.OnEpochEnd(state))
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "loss=0.2500")
}

func TestStdoutLoggerFromParams(t *testing.T) {
	params := callbacks.DefaultParams()
	_, err := ParseSettings(params, "log_every=3;prefix=valid")
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := NewStdoutLoggerFromParams(params).WithWriter(&buf)
	state := newTestState(t)
	state.Epoch, state.EpochBatch, state.Iters = 1, 1, 2
	require.NoError(t, logger.OnBatchEnd(state))
	assert.Empty(t, buf.String())
	state.EpochBatch, state.Iters = 2, 3
	require.NoError(t, logger.OnBatchEnd(state))
	assert.Contains(t, buf.String(), "valid")
	assert.Contains(t, buf.String(), "| Ep. 1 It 2 |")

	// Settings can disable batch logging.
	_, err = ParseSettings(params, "log_every=-1")
	require.NoError(t, err)
	buf.Reset()
	logger = NewStdoutLoggerFromParams(params).WithWriter(&buf)
	require.NoError(t, logger.OnBatchEnd(state))
	assert.Empty(t, buf.String())

	require.Panics(t, func() { NewStdoutLoggerFromParams(train.Params{callbacks.ParamLogEvery: 0}) })
}

func TestFormatValue(t *testing.T) {
	formatted, show, err := FormatValue("acc", metrics.Scalar(0.123456))
	require.NoError(t, err)
	assert.True(t, show)
	assert.Equal(t, "0.1235", formatted)

	// Truncation counts runes, not bytes.
	formatted, _, err = FormatValue("text", metrics.Text(strings.Repeat("é", 30)))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("é", MaxTextRunes), formatted)

	_, show, err = FormatValue("invalid", metrics.Value{})
	require.Error(t, err)
	assert.False(t, show)
	var unsupported *metrics.UnsupportedValueError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "invalid", unsupported.Key)
}

func TestProgressBar(t *testing.T) {
	require.Panics(t, func() { NewProgressBar(0) })

	var buf bytes.Buffer
	pBar := NewProgressBar(3, func() (string, string) { return "Extra", "42" }).
		WithWriter(&buf).WithNotebook(false)
	state := newTestState(t)
	require.NoError(t, pBar.OnEpochStart(state))
	for i := range 3 {
		state.EpochBatch, state.Iters = i, i
		require.NoError(t, pBar.OnBatchEnd(state))
	}
	require.NoError(t, pBar.OnEpochEnd(state))
	output := buf.String()
	assert.Contains(t, output, "Iteration")
	assert.Contains(t, output, "batch 3 of 3")
	assert.Contains(t, output, "Median batch duration")
	assert.Contains(t, output, "loss")
	assert.Contains(t, output, "0.2500")
	assert.Contains(t, output, "Extra")
	assert.NotContains(t, output, "image")

	// A second epoch can be run with the same sink.
	require.NoError(t, pBar.OnEpochStart(state))
	require.NoError(t, pBar.OnBatchEnd(state))
	require.NoError(t, pBar.OnEpochEnd(state))
}

func TestProgressBarNotebook(t *testing.T) {
	var buf bytes.Buffer
	pBar := NewProgressBar(2).WithWriter(&buf).WithNotebook(true)
	state := newTestState(t)
	require.NoError(t, pBar.OnEpochStart(state))
	for i := range 2 {
		state.EpochBatch, state.Iters = i, i
		require.NoError(t, pBar.OnBatchEnd(state))
	}
	require.NoError(t, pBar.OnEpochEnd(state))
	assert.Contains(t, buf.String(), "[loss=0.2500]")
	assert.NotContains(t, buf.String(), "[report=")
}
