// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command-line sinks for training metrics (StdoutLogger and ProgressBar),
// and the parsing of settings given in the command line (ParseSettings).
package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/callbacks"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// MaxTextRunes is the number of runes of text metrics printed by StdoutLogger.
const MaxTextRunes = 20

var prefixColor = lipgloss.Color("#705090")

// StdoutLogger prints the metrics in a single line, with the epoch and batch within the epoch, every
// logEvery iterations and at the end of every epoch.
//
// Scalars are printed with 4 decimal places, texts are truncated to their first MaxTextRunes runes, and tensors
// are skipped.
type StdoutLogger struct {
	logEvery    int
	prefix      string
	w           io.Writer
	prefixStyle lipgloss.Style
}

var (
	_ train.BatchEnder = (*StdoutLogger)(nil)
	_ train.EpochEnder = (*StdoutLogger)(nil)
)

// NewStdoutLogger creates a StdoutLogger that logs to os.Stdout every logEvery iterations, or only at the
// end of the epochs if logEvery is train.NeverLog (-1). The prefix is printed at the start of every line.
//
// It panics if logEvery is 0 or < -1.
func NewStdoutLogger(logEvery int, prefix string) *StdoutLogger {
	train.CheckLogEvery(logEvery)
	l := &StdoutLogger{logEvery: logEvery, prefix: prefix}
	return l.WithWriter(os.Stdout)
}

// NewStdoutLoggerFromParams creates a StdoutLogger configured by callbacks.ParamLogEvery and
// callbacks.ParamPrefix, typically set with ParseSettings. Missing params take the values of
// callbacks.DefaultParams.
func NewStdoutLoggerFromParams(params train.Params) *StdoutLogger {
	defaults := callbacks.DefaultParams()
	logEvery := train.GetParamOr(params, callbacks.ParamLogEvery, defaults[callbacks.ParamLogEvery].(int))
	prefix := train.GetParamOr(params, callbacks.ParamPrefix, defaults[callbacks.ParamPrefix].(string))
	return NewStdoutLogger(logEvery, prefix)
}

// WithWriter configures the logger to write somewhere else than os.Stdout.
// The prefix is only styled if w is a terminal.
func (l *StdoutLogger) WithWriter(w io.Writer) *StdoutLogger {
	l.w = w
	l.prefixStyle = lipgloss.NewRenderer(w).NewStyle().Bold(true).Foreground(prefixColor)
	return l
}

// Name implements train.Callback.
func (l *StdoutLogger) Name() string { return "StdoutLogger" }

// OnBatchEnd logs if the iteration is a multiple of logEvery.
func (l *StdoutLogger) OnBatchEnd(state *train.State) error {
	if !train.ShouldLog(l.logEvery, state.Iters) {
		return nil
	}
	return l.log(state)
}

// OnEpochEnd always logs.
func (l *StdoutLogger) OnEpochEnd(state *train.State) error {
	return l.log(state)
}

func (l *StdoutLogger) log(state *train.State) error {
	formatted, err := FormatMetrics(state.Metrics)
	if err != nil {
		return errors.WithMessage(err, l.Name())
	}
	line := fmt.Sprintf("%s | Ep. %d It %d |%s", l.prefixStyle.Render(l.prefix), state.Epoch, state.EpochBatch, formatted)
	if _, err = fmt.Fprintln(l.w, line); err != nil {
		return errors.Wrapf(err, "%s failed to write", l.Name())
	}
	return nil
}

// FormatMetrics formats the metrics of the store, in store order, as " key=value" pairs.
// Tensors are skipped.
func FormatMetrics(store *metrics.Store) (string, error) {
	var sb strings.Builder
	var err error
	store.Enumerate(func(key string, value metrics.Value) {
		if err != nil {
			return
		}
		var formatted string
		var show bool
		formatted, show, err = FormatValue(key, value)
		if show {
			sb.WriteString(" ")
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(formatted)
		}
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// FormatValue formats a metric value for the command line: scalars with 4 decimal places and texts
// truncated to MaxTextRunes runes. Tensors are not shown (show is false).
//
// Any other kind of value is an *metrics.UnsupportedValueError naming the key.
func FormatValue(key string, value metrics.Value) (formatted string, show bool, err error) {
	switch value.Kind() {
	case metrics.KindScalar:
		v, _ := value.Scalar()
		return fmt.Sprintf("%.4f", v), true, nil
	case metrics.KindText:
		text, _ := value.Text()
		if runes := []rune(text); len(runes) > MaxTextRunes {
			text = string(runes[:MaxTextRunes])
		}
		return text, true, nil
	case metrics.KindTensor2D, metrics.KindTensor3D, metrics.KindTensor4D:
		return "", false, nil
	}
	return "", false, metrics.NewUnsupportedValueError(key, "can't format %s", value.Describe())
}
