// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// callbacks_checkpoints reports on the checkpoints saved by the checkpoints.Checkpoint sink.
//
// Usage:
//
//	callbacks_checkpoints [flags] <filename_base or checkpoint file> ...
//
// A filename base (e.g. "~/work/run/model") includes all the checkpoints `<base>_<n>.pth`.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/callbacks/pkg/ml/train/checkpoints"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/gomlx/callbacks/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoints: index, epoch, iterations, "+
		"save time and file size.")
	flagKeys = flag.Bool("keys", false, "Lists the saved state keys, with their types and shapes, "+
		"of the latest checkpoint.")
	flagMetrics = flag.Bool("metrics", false, "Lists the scalar metrics saved with each checkpoint.")
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separate list of metric names to include in "+
		"the metrics report and CSV export. If empty include all.")
	flagCSV = flag.String("csv", "", "Export the metrics saved with each checkpoint as CSV to the given file, "+
		"indexed by the number of iterations.")
	flagPoints = flag.String("points", "", "Lists the points saved by a dashboard (see plotly.WithPointsFile) "+
		"in the given file.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagPoints != "" {
		reportPoints(*flagPoints)
	}
	args := flag.Args()
	if len(args) == 0 {
		if *flagPoints != "" {
			return
		}
		klog.Errorf("Missing checkpoint base or file to read from. See 'callbacks_checkpoints -help'")
		os.Exit(1)
	}
	files := must.M1(resolveFiles(args))
	if len(files) == 0 {
		klog.Errorf("No checkpoints found in %q", args)
		os.Exit(1)
	}
	saved := make([]*checkpoints.Saved, len(files))
	for ii, file := range files {
		saved[ii] = must.M1(checkpoints.ReadFile(file.path))
		saved[ii].Index = file.index
	}
	if !*flagSummary && !*flagKeys && !*flagMetrics && *flagCSV == "" {
		*flagSummary = true
	}
	if *flagSummary {
		Summary(files, saved)
	}
	if *flagKeys {
		Keys(files[len(files)-1], saved[len(saved)-1])
	}
	metricsNames := splitList(*flagMetricsNames)
	if *flagMetrics {
		Metrics(files, saved, metricsNames)
	}
	if *flagCSV != "" {
		must.M(ExportCSV(*flagCSV, saved, metricsNames))
		fmt.Printf("Metrics exported to %q\n", *flagCSV)
	}
}

// checkpointFile is a checkpoint file to report on.
type checkpointFile struct {
	path  string
	index int
}

// resolveFiles converts the arguments to checkpoint files: explicit files are used as is (index -1), and
// filename bases are expanded to all their checkpoints, in order.
func resolveFiles(args []string) ([]checkpointFile, error) {
	var files []checkpointFile
	for _, arg := range args {
		arg, err := fsutil.ReplaceTildeInDir(arg)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(arg, checkpoints.FileSuffix) {
			if exists, _ := fsutil.FileExists(arg); exists {
				files = append(files, checkpointFile{path: arg, index: -1})
				continue
			}
		}
		indices, err := checkpoints.ListCheckpoints(arg)
		if err != nil {
			return nil, err
		}
		if len(indices) == 0 {
			return nil, errors.Errorf("no checkpoint files %q found", checkpoints.FileName(arg, 0))
		}
		for _, n := range indices {
			files = append(files, checkpointFile{path: checkpoints.FileName(arg, n), index: n})
		}
	}
	return files, nil
}

func splitList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

func reportPoints(filePath string) {
	points := plots.NewPoints(must.M1(plots.LoadPoints(filePath)))
	if len(points) == 0 {
		klog.Errorf("No points found in %q", filePath)
		return
	}
	fmt.Println(titleStyle.Render("Points in " + filepath.Base(filePath)))
	fmt.Println(points.TableForMetrics(splitList(*flagMetricsNames)...))
}
