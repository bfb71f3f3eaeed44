// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/callbacks/pkg/ml/train/checkpoints"
	"k8s.io/klog/v2"
)

// Summary prints one row per checkpoint file.
func Summary(files []checkpointFile, saved []*checkpoints.Saved) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newReportTable([]string{"#", "File", "Epoch", "Iterations", "Saved At", "Size", "Objects"},
		lipgloss.Right, lipgloss.Left, lipgloss.Right)
	for ii, file := range files {
		s := saved[ii]
		epoch, iters, savedAt := "-", "-", "-"
		if s.HasTraining {
			epoch = strconv.Itoa(s.Epoch)
			iters = humanize.Comma(int64(s.Iters))
		}
		if !s.SavedAt.IsZero() {
			savedAt = s.SavedAt.Local().Format("2006-01-02 15:04:05")
		}
		size := "?"
		if info, err := os.Stat(file.path); err != nil {
			klog.Warningf("failed to stat %q: %v", file.path, err)
		} else {
			size = humanize.Bytes(uint64(info.Size()))
		}
		index := "-"
		if file.index >= 0 {
			index = strconv.Itoa(file.index)
		}
		table.AddRow(!s.HasTraining, index, filepath.Base(file.path), epoch, iters, savedAt, size,
			humanize.Comma(int64(len(s.Objects))))
	}
	fmt.Println(table.Render())
}
