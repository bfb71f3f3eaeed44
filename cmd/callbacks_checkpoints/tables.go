// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/callbacks/pkg/support/sets"
)

var (
	cellStyle   = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	fadedStyle  = cellStyle.Faint(true)
	alertStyle  = cellStyle.Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
)

// reportTable is a lipgloss table with striped rows, where rows flagged as alerts are highlighted in red.
type reportTable struct {
	table      *lgtable.Table
	numRows    int
	alerts     sets.Set[int]
	alignments []lipgloss.Position
}

// newReportTable creates a table with the given headers. The alignments are given per column,
// and the last one is used for the remaining columns. The default is lipgloss.Left.
func newReportTable(headers []string, alignments ...lipgloss.Position) *reportTable {
	t := &reportTable{alerts: sets.Make[int](), alignments: alignments}
	t.table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(t.style)
	return t
}

func (t *reportTable) style(row, col int) lipgloss.Style {
	if row == lgtable.HeaderRow {
		return headerStyle
	}
	s := cellStyle
	switch {
	case t.alerts.Has(row):
		s = alertStyle
	case row%2 == 1:
		s = fadedStyle
	}
	return s.Align(t.alignment(col))
}

func (t *reportTable) alignment(col int) lipgloss.Position {
	switch {
	case len(t.alignments) == 0:
		return lipgloss.Left
	case col < len(t.alignments):
		return t.alignments[col]
	default:
		return t.alignments[len(t.alignments)-1]
	}
}

// AddRow appends a row, highlighted if alert is true.
func (t *reportTable) AddRow(alert bool, cells ...string) {
	if alert {
		t.alerts.Insert(t.numRows)
	}
	t.table.Row(cells...)
	t.numRows++
}

// Render returns the table as a string.
func (t *reportTable) Render() string {
	return t.table.Render()
}
