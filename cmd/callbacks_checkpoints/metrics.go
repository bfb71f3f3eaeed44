// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/callbacks/pkg/ml/train/checkpoints"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/gomlx/callbacks/pkg/support/sets"
	"github.com/gomlx/callbacks/ui/plots"
	"github.com/pkg/errors"
)

// metricsNames returns the names of the metrics to report: the selected ones, or the union of all metrics
// saved in the checkpoints, sorted.
func metricsNames(saved []*checkpoints.Saved, selected []string) []string {
	if len(selected) > 0 {
		return selected
	}
	names := sets.Make[string]()
	for _, s := range saved {
		for name := range s.Metrics {
			names.Insert(name)
		}
	}
	return sets.Sorted(names)
}

// Metrics prints a table with one row per checkpoint and one column per metric.
// Checkpoints with a non-finite metric are highlighted.
func Metrics(files []checkpointFile, saved []*checkpoints.Saved, selected []string) {
	fmt.Println(titleStyle.Render("Metrics"))
	names := metricsNames(saved, selected)
	if len(names) == 0 {
		fmt.Println("No metrics saved in the checkpoints.")
		return
	}
	table := newReportTable(append([]string{"File", "Iterations"}, names...), lipgloss.Left, lipgloss.Right)
	for ii, file := range files {
		s := saved[ii]
		row := []string{filepath.Base(file.path), strconv.Itoa(s.Iters)}
		isRed := false
		for _, name := range names {
			value, found := s.Metrics[name]
			if !found {
				row = append(row, "-")
				continue
			}
			if math.IsNaN(value) || math.IsInf(value, 0) {
				isRed = true
			}
			row = append(row, fmt.Sprintf("%.4f", value))
		}
		table.AddRow(isRed, row...)
	}
	fmt.Println(table.Render())
}

// checkpointPoints converts the metrics of the checkpoints to plot points, using the number of iterations as step.
func checkpointPoints(saved []*checkpoints.Saved) plots.Points {
	var rawPoints []plots.Point
	for _, s := range saved {
		for _, name := range slices.Sorted(maps.Keys(s.Metrics)) {
			rawPoints = append(rawPoints, plots.Point{
				MetricName: name,
				Short:      name,
				MetricType: name,
				Step:       float64(s.Iters),
				Value:      s.Metrics[name],
			})
		}
	}
	return plots.NewPoints(rawPoints)
}

// ExportCSV writes the metrics of the checkpoints as CSV to filePath.
func ExportCSV(filePath string, saved []*checkpoints.Saved, selected []string) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	if err = fsutil.EnsureParentDir(filePath); err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating CSV file %q", filePath)
	}
	err = checkpointPoints(saved).ExportCSV(f, metricsNames(saved, selected)...)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "closing CSV file %q", filePath)
	}
	return err
}
