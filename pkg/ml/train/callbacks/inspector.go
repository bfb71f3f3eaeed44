// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"html/template"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/core/tensors/images"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ReportKey is the metric key published by ClassificationInspector.
const ReportKey = "report"

// Inspector analyzes the predictions of a classifier, batch by batch, and renders a report.
type Inspector interface {
	// Reset discards everything analyzed so far.
	Reset()

	// Analyze one batch: inputs may be nil, preds is shaped [batch_size, num_classes] and labels holds
	// the integer labels shaped [batch_size] or [batch_size, 1].
	Analyze(inputs, preds, labels *tensors.Tensor) error

	// Show renders the report of everything analyzed since the last Reset.
	Show() string
}

// ClassificationInspector feeds each batch (inputs, predictions and labels) to an Inspector, and publishes its
// report as a text metric in State.Metrics["report"].
//
// The inspector is reset at the start of every epoch.
type ClassificationInspector struct {
	inspector     Inspector
	owner         *metrics.Owner
	postEachBatch bool
}

var (
	_ train.EpochStarter = (*ClassificationInspector)(nil)
	_ train.BatchEnder   = (*ClassificationInspector)(nil)
	_ train.EpochEnder   = (*ClassificationInspector)(nil)
)

// NewClassificationInspector creates a ClassificationInspector for the given Inspector. See NewConfusionInspector
// for a default one.
//
// If postEachBatch is true, the report is republished at the end of every batch, otherwise only at the end of the epoch.
func NewClassificationInspector(inspector Inspector, postEachBatch bool) *ClassificationInspector {
	cb := &ClassificationInspector{inspector: inspector, postEachBatch: postEachBatch}
	cb.owner = metrics.NewOwner(cb.Name())
	return cb
}

// Name implements train.Callback.
func (cb *ClassificationInspector) Name() string { return "ClassificationInspector" }

// OnEpochStart resets the inspector and removes the report from the store.
func (cb *ClassificationInspector) OnEpochStart(state *train.State) error {
	cb.inspector.Reset()
	return state.Metrics.Delete(cb.owner, ReportKey)
}

// OnBatchEnd analyzes the batch.
func (cb *ClassificationInspector) OnBatchEnd(state *train.State) error {
	if state.Pred == nil {
		return errors.New("ClassificationInspector: no prediction set in the training state")
	}
	inputs, err := state.Batch.Inputs()
	if err != nil {
		return errors.WithMessage(err, cb.Name())
	}
	labels, err := state.Batch.Labels()
	if err != nil {
		return errors.WithMessage(err, cb.Name())
	}
	if err = cb.inspector.Analyze(inputs, state.Pred, labels); err != nil {
		return errors.WithMessage(err, cb.Name())
	}
	if cb.postEachBatch {
		return state.Metrics.Set(cb.owner, ReportKey, metrics.Text(cb.inspector.Show()))
	}
	return nil
}

// OnEpochEnd always publishes the report.
func (cb *ClassificationInspector) OnEpochEnd(state *train.State) error {
	return state.Metrics.Set(cb.owner, ReportKey, metrics.Text(cb.inspector.Show()))
}

// ConfusionInspector is the default Inspector: it reports per-class support and accuracy, the confusion
// matrix, the most confident mistakes and the least confident predictions.
//
// Confidences are the softmax probabilities of the predicted class. Examples whose true class gets a
// probability below 1/num_classes (worse than chance) are counted as "hard".
//
// If the inputs are images (shaped [batch_size, height, width, channels]) the listed examples
// are rendered as thumbnails.
type ConfusionInspector struct {
	nbShow    int
	classes   []string
	threshold float64

	confusion       [][]int // [label][prediction]
	hard            []int   // per label
	numSeen         int
	mistakes, doubt []inspectedExample
}

type inspectedExample struct {
	Index       int
	Label, Pred string
	Confidence  float64
	Thumbnail   template.URL
}

// ThumbnailSize is the minimum side of the thumbnails of image inputs in the ConfusionInspector report.
var ThumbnailSize = 48

// NewConfusionInspector creates a ConfusionInspector for the given class names, listing up to nbShow examples of
// each kind. It panics if there are fewer than 2 classes.
func NewConfusionInspector(nbShow int, classes []string) *ConfusionInspector {
	if len(classes) < 2 {
		exceptions.Panicf("NewConfusionInspector requires at least 2 classes, got %q", classes)
	}
	ci := &ConfusionInspector{
		nbShow:    nbShow,
		classes:   slices.Clone(classes),
		threshold: 1.0 / float64(len(classes)),
	}
	ci.Reset()
	return ci
}

// Reset implements Inspector.
func (ci *ConfusionInspector) Reset() {
	ci.confusion = make([][]int, len(ci.classes))
	for ii := range ci.confusion {
		ci.confusion[ii] = make([]int, len(ci.classes))
	}
	ci.hard = make([]int, len(ci.classes))
	ci.numSeen = 0
	ci.mistakes = nil
	ci.doubt = nil
}

// NumSeen returns the number of examples analyzed since the last Reset.
func (ci *ConfusionInspector) NumSeen() int { return ci.numSeen }

// Confusion returns the count of examples with label `label` predicted as `pred`.
func (ci *ConfusionInspector) Confusion(label, pred int) int { return ci.confusion[label][pred] }

// Analyze implements Inspector.
func (ci *ConfusionInspector) Analyze(inputs, preds, labels *tensors.Tensor) error {
	rows, err := tensors.Rows(preds)
	if err != nil {
		return err
	}
	labelValues, err := tensors.Labels(labels)
	if err != nil {
		return err
	}
	if len(rows) != len(labelValues) {
		return errors.Errorf("predictions for %d examples, but %d labels", len(rows), len(labelValues))
	}
	numClasses := len(ci.classes)
	for ii, row := range rows {
		label := labelValues[ii]
		if len(row) != numClasses {
			return errors.Errorf("predictions have %d classes, inspector configured with %d", len(row), numClasses)
		}
		if label < 0 || label >= numClasses {
			return errors.Errorf("label %d out of range for %d classes", label, numClasses)
		}
		logSumExp := floats.LogSumExp(row)
		pred := floats.MaxIdx(row)
		confidence := math.Exp(row[pred] - logSumExp)
		ci.confusion[label][pred]++
		if math.Exp(row[label]-logSumExp) < ci.threshold {
			ci.hard[label]++
		}
		example := inspectedExample{
			Index:      ci.numSeen + ii,
			Label:      ci.classes[label],
			Pred:       ci.classes[pred],
			Confidence: confidence,
		}
		if pred != label {
			ci.mistakes = ci.insertTop(ci.mistakes, example, inputs, ii, func(a, b float64) bool { return a > b })
		}
		ci.doubt = ci.insertTop(ci.doubt, example, inputs, ii, func(a, b float64) bool { return a < b })
	}
	ci.numSeen += len(rows)
	return nil
}

// insertTop inserts the example in the list sorted by confidence (according to better), keeping at most nbShow.
// The thumbnail is only rendered for examples that make it to the list.
func (ci *ConfusionInspector) insertTop(list []inspectedExample, example inspectedExample, inputs *tensors.Tensor,
	batchIdx int, better func(a, b float64) bool) []inspectedExample {
	if ci.nbShow <= 0 {
		return list
	}
	pos := len(list)
	for pos > 0 && better(example.Confidence, list[pos-1].Confidence) {
		pos--
	}
	if pos >= ci.nbShow {
		return list
	}
	example.Thumbnail = thumbnail(inputs, batchIdx)
	list = slices.Insert(list, pos, example)
	if len(list) > ci.nbShow {
		list = list[:ci.nbShow]
	}
	return list
}

// thumbnail renders the example batchIdx of image inputs as a PNG data URI, or returns "" if the inputs are not images.
func thumbnail(inputs *tensors.Tensor, batchIdx int) template.URL {
	if inputs == nil || inputs.Rank() != 4 {
		return ""
	}
	img, err := images.ToImage().Single(inputs.Slice(batchIdx))
	if err != nil {
		return ""
	}
	uri, err := images.PNGDataURI(images.Upscale(img, ThumbnailSize))
	if err != nil {
		return ""
	}
	return template.URL(uri)
}

var inspectorTemplate = template.Must(template.New("inspector").Parse(`<div class="inspector">
<p>{{.NumSeen}} examples</p>
<table>
<tr><th>class</th><th>support</th><th>accuracy</th><th>hard</th></tr>
{{range .Classes}}<tr><th>{{.Name}}</th><td>{{.Support}}</td><td>{{.Accuracy}}</td><td>{{.Hard}}</td></tr>
{{end}}</table>
<h4>Confusion (rows: label, columns: prediction)</h4>
<table>
<tr><th></th>{{range .Classes}}<th>{{.Name}}</th>{{end}}</tr>
{{range .Classes}}<tr><th>{{.Name}}</th>{{range .Counts}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
{{with .Mistakes}}<h4>Most confident mistakes</h4>
<table>
<tr><th>example</th><th>label</th><th>prediction</th><th>confidence</th><th></th></tr>
{{range .}}<tr><td>#{{.Index}}</td><td>{{.Label}}</td><td>{{.Pred}}</td><td>{{printf "%.4f" .Confidence}}</td><td>{{if .Thumbnail}}<img src="{{.Thumbnail}}">{{end}}</td></tr>
{{end}}</table>
{{end}}{{with .Doubt}}<h4>Least confident predictions</h4>
<table>
<tr><th>example</th><th>label</th><th>prediction</th><th>confidence</th><th></th></tr>
{{range .}}<tr><td>#{{.Index}}</td><td>{{.Label}}</td><td>{{.Pred}}</td><td>{{printf "%.4f" .Confidence}}</td><td>{{if .Thumbnail}}<img src="{{.Thumbnail}}">{{end}}</td></tr>
{{end}}</table>
{{end}}</div>`))

type inspectedClass struct {
	Name          string
	Support, Hard int
	Accuracy      string
	Counts        []int
}

// Show implements Inspector: it renders an HTML report.
func (ci *ConfusionInspector) Show() string {
	classes := make([]inspectedClass, len(ci.classes))
	for ii, name := range ci.classes {
		support := 0
		for _, count := range ci.confusion[ii] {
			support += count
		}
		accuracy := "-"
		if support > 0 {
			accuracy = strconv.FormatFloat(float64(ci.confusion[ii][ii])/float64(support), 'f', 4, 64)
		}
		classes[ii] = inspectedClass{
			Name:     name,
			Support:  support,
			Hard:     ci.hard[ii],
			Accuracy: accuracy,
			Counts:   ci.confusion[ii],
		}
	}
	var sb strings.Builder
	must.M(inspectorTemplate.Execute(&sb, map[string]any{
		"NumSeen":  ci.numSeen,
		"Classes":  classes,
		"Mistakes": ci.mistakes,
		"Doubt":    ci.doubt,
	}))
	return sb.String()
}
