// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/gomlx/exceptions"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// ProgressBar is a sink that displays a progress bar for each epoch, along with a table with the
// iteration count, the median batch duration and the current metrics (scalars and texts).
//
// On a terminal the table is redrawn in place, asynchronously, at most every 200ms. In a notebook the
// metrics are written in the same line as the progress bar instead.
type ProgressBar struct {
	batchesPerEpoch int
	extraMetricFns  []ExtraMetricFn
	w               io.Writer
	inNotebook      bool

	bar         *progressbar.ProgressBar
	suffix      string
	pending     int
	lastUpdate  time.Time
	lastBatch   time.Time
	durations   []time.Duration
	epochActive bool

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

var (
	_ train.EpochStarter = (*ProgressBar)(nil)
	_ train.BatchEnder   = (*ProgressBar)(nil)
	_ train.EpochEnder   = (*ProgressBar)(nil)
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// NewProgressBar creates a ProgressBar sink writing to os.Stdout.
//
// batchesPerEpoch is used as the total of each epoch's bar. Use -1 if unknown, in which case a spinner is shown.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(batchesPerEpoch int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	if batchesPerEpoch == 0 || batchesPerEpoch < -1 {
		exceptions.Panicf("NewProgressBar(batchesPerEpoch=%d): it must be > 0 or -1 if unknown", batchesPerEpoch)
	}
	pBar := &ProgressBar{
		batchesPerEpoch: batchesPerEpoch,
		extraMetricFns:  extraMetrics,
		inNotebook:      IsNotebook(),
	}
	return pBar.WithWriter(os.Stdout)
}

// WithWriter configures the ProgressBar to write somewhere else than os.Stdout.
func (pBar *ProgressBar) WithWriter(w io.Writer) *ProgressBar {
	pBar.w = w
	pBar.termenv = termenv.NewOutput(w)
	return pBar
}

// WithNotebook forces (or disables) the notebook display mode, instead of auto-detecting it.
func (pBar *ProgressBar) WithNotebook(inNotebook bool) *ProgressBar {
	pBar.inNotebook = inNotebook
	return pBar
}

// Name implements train.Callback.
func (pBar *ProgressBar) Name() string { return "ProgressBar" }

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation;
// otherwise Jupyter Notebook may display things in different lines.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.w.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.w.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// OnEpochStart creates the progress bar for the epoch.
func (pBar *ProgressBar) OnEpochStart(state *train.State) error {
	if pBar.epochActive {
		// Previous epoch was interrupted.
		pBar.stopAsync()
	}
	pBar.epochActive = true
	pBar.pending = 0
	pBar.durations = pBar.durations[:0]
	pBar.lastBatch = time.Now()
	pBar.lastUpdate = time.Time{}
	pBar.bar = progressbar.NewOptions(pBar.batchesPerEpoch,
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d [bold]", state.Epoch)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
	if !pBar.inNotebook {
		// Suffix to erase spurious characters from previous prints.
		pBar.suffix = "\033[J"
		pBar.startAsync()
	}
	return nil
}

// OnBatchEnd records the batch duration and, if enough time elapsed since the last update or it is the last
// batch of the epoch, updates the display.
func (pBar *ProgressBar) OnBatchEnd(state *train.State) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	now := time.Now()
	pBar.durations = append(pBar.durations, now.Sub(pBar.lastBatch))
	pBar.lastBatch = now
	pBar.pending++
	isLast := pBar.batchesPerEpoch > 0 && state.EpochBatch+1 >= pBar.batchesPerEpoch
	if !isLast && now.Sub(pBar.lastUpdate) < maxUpdateFrequency {
		return nil
	}
	pBar.lastUpdate = now
	return pBar.update(state)
}

// OnEpochEnd flushes the pending updates and terminates the epoch's progress bar.
func (pBar *ProgressBar) OnEpochEnd(state *train.State) error {
	if pBar.bar == nil {
		return nil
	}
	var err error
	if pBar.pending > 0 {
		err = pBar.update(state)
	}
	pBar.epochActive = false
	if pBar.inNotebook {
		_ = pBar.bar.Finish()
		_, _ = fmt.Fprintln(pBar.w)
		return err
	}
	// The asynchronous drawing already ends with a new line.
	pBar.stopAsync()
	return err
}

// update the display with the current state of the metrics.
func (pBar *ProgressBar) update(state *train.State) error {
	amount := pBar.pending
	pBar.pending = 0
	if pBar.inNotebook {
		// For notebooks set a suffix that will be written along with the progressbar in [ProgressBar.Write].
		parts := []string{fmt.Sprintf(" [iters=%d]", state.Iters)}
		var err error
		state.Metrics.Enumerate(func(key string, value metrics.Value) {
			if err != nil || value.Kind() != metrics.KindScalar {
				return
			}
			var formatted string
			formatted, _, err = FormatValue(key, value)
			parts = append(parts, fmt.Sprintf(" [%s=%s]", key, formatted))
		})
		if err != nil {
			return errors.WithMessage(err, pBar.Name())
		}
		// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks:
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [ProgressBar.Write] method.
		return nil
	}

	rows, err := pBar.statsRows(state)
	if err != nil {
		return err
	}
	pBar.updates <- progressBarUpdate{amount: amount, rows: rows}
	return nil
}

// statsRows are built synchronously, since the metrics change at every batch.
func (pBar *ProgressBar) statsRows(state *train.State) ([][2]string, error) {
	iteration := humanizeInt(state.Iters)
	if pBar.batchesPerEpoch > 0 {
		iteration = fmt.Sprintf("%s (batch %s of %s)", iteration,
			humanizeInt(state.EpochBatch+1), humanizeInt(pBar.batchesPerEpoch))
	}
	rows := [][2]string{
		{"Iteration", iteration},
		{"Median batch duration", FormatDuration(pBar.MedianBatchDuration())},
	}
	var err error
	state.Metrics.Enumerate(func(key string, value metrics.Value) {
		if err != nil {
			return
		}
		formatted, show, fmtErr := FormatValue(key, value)
		if fmtErr != nil {
			err = errors.WithMessage(fmtErr, pBar.Name())
			return
		}
		if show {
			rows = append(rows, [2]string{key, formatted})
		}
	})
	if err != nil {
		return nil, err
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows, nil
}

// MedianBatchDuration returns the median time between batches in the current epoch, or 0 if none was seen yet.
func (pBar *ProgressBar) MedianBatchDuration() time.Duration {
	if len(pBar.durations) == 0 {
		return 0
	}
	times := slices.Clone(pBar.durations)
	slices.Sort(times)
	return times[len(times)/2]
}

// startAsync starts the goroutine that draws the updates on the terminal.
func (pBar *ProgressBar) startAsync() {
	pBar.numLinesPrinted = 0
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	updates := make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.updates = updates
	pBar.asyncUpdatesDone.Add(1)
	go func() {
		defer pBar.asyncUpdatesDone.Done()
		// Asynchronously draw updates: this is handy if the training is faster than the terminal, in particular
		// if running on cloud, with a relatively slow network connection.
		for update := range updates {
			// Exhaust the updates in the buffer:
			amount := update.amount
		exhaust:
			for {
				select {
				case newUpdate, ok := <-updates:
					if !ok {
						break exhaust
					}
					amount += newUpdate.amount
					update = newUpdate
				default:
					break exhaust
				}
			}
			pBar.draw(amount, update.rows)
		}
	}()
}

// draw is only called from the asynchronous goroutine.
func (pBar *ProgressBar) draw(amount int, rows [][2]string) {
	pBar.statsTable.Data(lgtable.NewStringData())
	for _, row := range rows {
		pBar.statsTable.Row(row[0], row[1])
	}
	rendered := pBar.statsStyle.Render(pBar.statsTable.String())

	// For command-line, we clear the previous lines that will be overwritten.
	pBar.termenv.HideCursor()
	if pBar.numLinesPrinted > 0 {
		pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
	}
	_, _ = fmt.Fprintln(pBar.w, rendered)
	_ = pBar.bar.Add(amount) // Prints progress bar line.
	_, _ = fmt.Fprintln(pBar.w)
	pBar.termenv.ShowCursor()
	pBar.numLinesPrinted = strings.Count(rendered, "\n") + 2
}

func (pBar *ProgressBar) stopAsync() {
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.updates = nil
}
