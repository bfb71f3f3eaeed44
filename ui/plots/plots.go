// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots define common types and utilities to the different dashboards that plot metrics
// over the training iterations.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point, including the prefix of the logger that generated it.
	MetricName string

	// Short name: the metric key without prefix.
	Short string

	// MetricType typically will be "loss", "acc".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step is the number of iterations when this metric was measured.
	// Usually, this is an int value, stored as a float64.
	Step float64

	// Value is the metric captured.
	Value float64
}

// PointsFromStore returns one Point per finite scalar metric in the store, in store order.
// The prefix is prepended to the MetricName, and the metric key is used as the MetricType, so that
// the same metric from different loggers (e.g. "train_" and "valid_") is plotted together.
func PointsFromStore(store *metrics.Store, step int, prefix string) []Point {
	var points []Point
	store.Enumerate(func(key string, value metrics.Value) {
		if !value.IsFinite() {
			return
		}
		v, _ := value.Scalar()
		points = append(points, Point{
			MetricName: prefix + key,
			Short:      key,
			MetricType: key,
			Step:       float64(step),
			Value:      v,
		})
	})
	return points
}

// LoadPoints reads all points saved (as JSON lines) in filePath. A "~" prefix is expanded to the home directory.
func LoadPoints(filePath string) ([]Point, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var points []Point
	dec := json.NewDecoder(f)
	for dec.More() {
		var point Point
		if err = dec.Decode(&point); err != nil {
			return nil, errors.Wrapf(err, "failed to decode point #%d of %q", len(points), filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter starts a goroutine appending the points sent to pointWriter to filePath, as JSON lines.
//
// Once pointWriter is closed, the goroutine closes the file and sends the first error it found (or nil)
// to errReport. After an error, points are read and dropped, so senders never block.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	errChan := make(chan error, 1)
	go func() {
		err := appendPoints(filePath, pointChan)
		if err != nil {
			klog.Errorf("plots: %v", err)
			for range pointChan {
			}
		}
		errChan <- err
	}()
	return pointChan, errChan
}

// appendPoints writes the points received until the channel is closed, or until the first error.
func appendPoints(filePath string, pointChan <-chan Point) (err error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "failed to open points file %q for append", filePath)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close points file %q", filePath)
		}
	}()
	enc := json.NewEncoder(f)
	for point := range pointChan {
		if err = enc.Encode(point); err != nil {
			return errors.Wrapf(err, "failed to write point %+v to %q", point, filePath)
		}
	}
	return nil
}

// Points indexes a collection of Point by their Step.
type Points map[float64][]Point

// NewPoints indexes rawPoints by their Step, see LoadPoints to read them from a file.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Steps returns the steps with points, in increasing order.
func (points Points) Steps() []float64 {
	return slices.Sorted(maps.Keys(points))
}

// MetricsNames returns the names of all metrics, sorted by their MetricType and then by name, so that
// related metrics (e.g. "train_loss" and "valid_loss") are listed next to each other.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	for _, stepPoints := range points {
		for _, p := range stepPoints {
			nameToType[p.MetricName] = p.MetricType
		}
	}
	names := slices.Sorted(maps.Keys(nameToType))
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// columns returns the sorted steps and, for each of the given metrics, its values at those steps.
// Missing values are NaN. If metrics is empty, all metrics are included.
func (points Points) columns(metrics []string) (names []string, steps []float64, values [][]float64) {
	names = metrics
	if len(names) == 0 {
		names = points.MetricsNames()
	}
	steps = points.Steps()
	values = make([][]float64, len(names))
	for col := range values {
		values[col] = make([]float64, len(steps))
		for row, step := range steps {
			values[col][row] = math.NaN()
			for _, p := range points[step] {
				if p.MetricName == names[col] {
					values[col][row] = p.Value
				}
			}
		}
	}
	return
}

// TableForMetrics renders a table with one row per step, and one column per metric.
// If metrics is empty, all metrics are included. Missing values are shown as "-".
func (points Points) TableForMetrics(metrics ...string) string {
	names, steps, values := points.columns(metrics)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := cellStyle.Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(append([]string{"Step"}, names...)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle.Align(lipgloss.Right)
		})
	for row, step := range steps {
		cells := []string{fmt.Sprintf("%.0f", step)}
		for col := range names {
			v := values[col][row]
			if math.IsNaN(v) {
				cells = append(cells, "-")
			} else {
				cells = append(cells, fmt.Sprintf("%f", v))
			}
		}
		table.Row(cells...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}

// DataFrame converts the points to a data frame with a "step" column followed by one column per metric.
// Missing values are NaN. If metrics is empty, all metrics are included.
func (points Points) DataFrame(metrics ...string) dataframe.DataFrame {
	names, steps, values := points.columns(metrics)
	allSeries := make([]series.Series, 0, 1+len(names))
	allSeries = append(allSeries, series.New(steps, series.Float, "step"))
	for col, name := range names {
		allSeries = append(allSeries, series.New(values[col], series.Float, name))
	}
	return dataframe.New(allSeries...)
}

// ExportCSV writes the points as CSV to w, see DataFrame for the layout.
func (points Points) ExportCSV(w io.Writer, metrics ...string) error {
	df := points.DataFrame(metrics...)
	if df.Err != nil {
		return errors.Wrap(df.Err, "failed to build data frame with plot points")
	}
	if err := df.WriteCSV(w); err != nil {
		return errors.Wrap(err, "failed to write plot points as CSV")
	}
	return nil
}
