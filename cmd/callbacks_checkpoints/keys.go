// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train/checkpoints"
)

// keyEntry is one leaf of the saved objects.
type keyEntry struct {
	Path, Type, Value string
}

// maxValueLen is the longest value shown in the keys report, longer ones are truncated.
const maxValueLen = 40

// flattenKeys walks the saved objects, sorted by key, and returns one entry per leaf value.
// Nested maps are joined with ".", and list elements are indexed with "[i]".
func flattenKeys(objects map[string]any) []keyEntry {
	var entries []keyEntry
	flattenRecursive("", objects, &entries)
	return entries
}

func flattenRecursive(path string, value any, entries *[]keyEntry) {
	switch v := value.(type) {
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(v)) {
			subPath := key
			if path != "" {
				subPath = path + "." + key
			}
			flattenRecursive(subPath, v[key], entries)
		}
	case []any:
		if len(v) == 0 {
			*entries = append(*entries, keyEntry{Path: path, Type: "list", Value: "[]"})
		}
		for ii, elem := range v {
			flattenRecursive(path+"["+strconv.Itoa(ii)+"]", elem, entries)
		}
	case *tensors.Tensor:
		*entries = append(*entries, keyEntry{Path: path, Type: "tensor" + v.Shape().String(),
			Value: truncate(v.String())})
	case nil:
		*entries = append(*entries, keyEntry{Path: path, Type: "null", Value: "-"})
	default:
		*entries = append(*entries, keyEntry{Path: path, Type: fmt.Sprintf("%T", v),
			Value: truncate(fmt.Sprintf("%v", v))})
	}
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxValueLen {
		return s
	}
	return string(runes[:maxValueLen-3]) + "..."
}

// Keys prints the saved objects of one checkpoint.
func Keys(file checkpointFile, saved *checkpoints.Saved) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Keys in %s", filepath.Base(file.path))))
	table := newReportTable([]string{"Key", "Type", "Value"})
	for _, entry := range flattenKeys(saved.Objects) {
		table.AddRow(false, entry.Path, entry.Type, entry.Value)
	}
	fmt.Println(table.Render())
}
