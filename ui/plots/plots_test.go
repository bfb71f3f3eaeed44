// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointsFromStore(t *testing.T) {
	store := metrics.NewStore()
	owner := metrics.NewOwner("test")
	require.NoError(t, store.Set(owner, "loss", metrics.Scalar(0.5)))
	require.NoError(t, store.Set(owner, "table", metrics.Text("<table></table>")))
	require.NoError(t, store.Set(owner, "acc", metrics.Scalar(0.75)))
	points := PointsFromStore(store, 10, "train_")
	require.Len(t, points, 2)
	assert.Equal(t, Point{MetricName: "train_loss", Short: "loss", MetricType: "loss", Step: 10, Value: 0.5}, points[0])
	assert.Equal(t, "train_acc", points[1].MetricName)
}

func TestPointsWriterAndLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "points.json")
	writer, errReport := CreatePointsWriter(filePath)
	writer <- Point{MetricName: "train_loss", MetricType: "loss", Step: 1, Value: 3}
	writer <- Point{MetricName: "train_loss", MetricType: "loss", Step: 2, Value: 2}
	writer <- Point{MetricName: "valid_loss", MetricType: "loss", Step: 2, Value: 2.5}
	close(writer)
	require.NoError(t, <-errReport)

	rawPoints, err := LoadPoints(filePath)
	require.NoError(t, err)
	require.Len(t, rawPoints, 3)
	assert.Equal(t, 2.5, rawPoints[2].Value)

	points := NewPoints(rawPoints)
	assert.Len(t, points[2], 2)
	assert.Equal(t, []string{"train_loss", "valid_loss"}, points.MetricsNames())
	assert.Equal(t, []float64{1, 2}, points.Steps())

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestExportCSV(t *testing.T) {
	points := NewPoints([]Point{
		{MetricName: "train_loss", Step: 1, Value: 3},
		{MetricName: "train_loss", Step: 2, Value: 2},
		{MetricName: "valid_loss", Step: 2, Value: 2.5},
	})
	var buf bytes.Buffer
	require.NoError(t, points.ExportCSV(&buf))
	assert.Equal(t, "step,train_loss,valid_loss\n"+
		"1.000000,3.000000,NaN\n"+
		"2.000000,2.000000,2.500000\n", buf.String())

	table := points.TableForMetrics("valid_loss")
	assert.Contains(t, table, "valid_loss")
	assert.NotContains(t, table, "train_loss")
	assert.Contains(t, table, "2.500000")

	df := points.DataFrame("valid_loss", "train_loss")
	require.NoError(t, df.Err)
	assert.Equal(t, []string{"step", "valid_loss", "train_loss"}, df.Names())
}
