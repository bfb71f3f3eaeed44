// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"html"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
)

// TableKey is the metric key published by MetricsTable.
const TableKey = "table"

const tableStyle = `
<style>
table {
    border: solid 1px #DDEEEE;
    border-collapse: collapse;
    border-spacing: 0;
    font: normal 13px Arial, sans-serif;
}
th {
    background-color: #DDEFEF;
    border: solid 1px #DDEEEE;
    color: #336B6B;
    padding: 10px;
    text-align: left;
    text-shadow: 1px 1px 1px #fff;
}
td {
    border: solid 1px #DDEEEE;
    color: #333;
    padding: 10px;
    text-shadow: 1px 1px 1px #fff;
}
</style>
`

// MetricsTable publishes an HTML table with all the scalar metrics in the store, in store order,
// as a text metric in State.Metrics["table"].
//
// Non-scalar metrics are skipped. It only sees metrics published by callbacks registered before it.
type MetricsTable struct {
	owner         *metrics.Owner
	postEachBatch bool
}

var (
	_ train.EpochStarter = (*MetricsTable)(nil)
	_ train.BatchEnder   = (*MetricsTable)(nil)
	_ train.EpochEnder   = (*MetricsTable)(nil)
)

// NewMetricsTable creates a MetricsTable.
//
// If postEachBatch is true, the table is republished at the end of every batch, otherwise only at the end of the epoch.
func NewMetricsTable(postEachBatch bool) *MetricsTable {
	cb := &MetricsTable{postEachBatch: postEachBatch}
	cb.owner = metrics.NewOwner(cb.Name())
	return cb
}

// Name implements train.Callback.
func (cb *MetricsTable) Name() string { return "MetricsTable" }

// OnEpochStart removes the table from the store.
func (cb *MetricsTable) OnEpochStart(state *train.State) error {
	return state.Metrics.Delete(cb.owner, TableKey)
}

// OnBatchEnd republishes the table, if configured to do so.
func (cb *MetricsTable) OnBatchEnd(state *train.State) error {
	if !cb.postEachBatch {
		return nil
	}
	return state.Metrics.Set(cb.owner, TableKey, metrics.Text(MetricsHTML(state.Metrics)))
}

// OnEpochEnd always publishes the table.
func (cb *MetricsTable) OnEpochEnd(state *train.State) error {
	return state.Metrics.Set(cb.owner, TableKey, metrics.Text(MetricsHTML(state.Metrics)))
}

// MetricsHTML renders the scalar metrics of the store as a styled HTML table, with values rounded
// to 6 decimal places.
func MetricsHTML(store *metrics.Store) string {
	var sb strings.Builder
	sb.WriteString(tableStyle)
	sb.WriteString("<table>\n")
	store.Enumerate(func(key string, value metrics.Value) {
		v, ok := value.Scalar()
		if !ok {
			return
		}
		sb.WriteString("<tr><th>")
		sb.WriteString(html.EscapeString(key))
		sb.WriteString("</th><td>")
		sb.WriteString(strconv.FormatFloat(round6(v), 'f', -1, 64))
		sb.WriteString("</td></tr>\n")
	})
	sb.WriteString("</table>")
	return sb.String()
}

func round6(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*1e6) / 1e6
}
