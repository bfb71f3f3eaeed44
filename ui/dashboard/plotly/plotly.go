// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plotly implements a dashboard.Dashboard that renders to a self-contained HTML page, with interactive
// Plotly (https://plotly.com/javascript/) line plots, and that displays itself when running in a
// GoNB (https://github.com/janpfeifer/gonb) notebook.
//
// Line plots use JavaScript, so they are interactive (they display information on mouse hover). Text panels
// are included as HTML, and heatmaps and images are included as inline PNG images.
//
// Example:
//
//	dash := plotly.New("~/work/mnist/dashboard.html").WithPointsFile("~/work/mnist/points.json")
//	runner := train.NewRunner(
//		callbacks.NewWindowedMetricAvg("loss", true),
//		dashboard.NewLogger(dash, 100, "train_"),
//	)
package plotly

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"math"
	"os"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/core/tensors/images"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/gomlx/callbacks/ui/dashboard"
	"github.com/gomlx/callbacks/ui/plots"
	"github.com/janpfeifer/gonb/gonbui"
	"github.com/janpfeifer/gonb/gonbui/dom"
	gonbplotly "github.com/janpfeifer/gonb/gonbui/plotly"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PlotlyURL is the script included in the generated HTML pages.
var PlotlyURL = "https://cdn.plot.ly/plotly-2.34.0.min.js"

// MinImageSide is the minimum size images and heatmaps are upscaled to.
var MinImageSide = 96

// panel is one window of the dashboard.
type panel struct {
	title string
	fig   *grob.Fig
	html  string
	// images are PNG data URIs.
	images []string
}

// Dashboard holds the plots, and renders them on Flush. Create it with New.
//
// It is not safe for concurrent use.
type Dashboard struct {
	filePath string
	panels   map[string]*panel
	order    []string

	// gonbId of the `<div>` tag where to display the dashboard, if in a notebook.
	gonbId string

	// points persistence.
	pointsPath    string
	fileWriter    chan<- plots.Point
	errFileWriter <-chan error
}

var (
	_ dashboard.Dashboard = (*Dashboard)(nil)
	_ dashboard.Flusher   = (*Dashboard)(nil)
)

// New creates a new Dashboard that writes the HTML page to filePath on Flush.
// If filePath is empty, no file is written, and the dashboard is only displayed if running in a notebook.
//
// It panics if the file path has an unknown user ("~unknown/...").
func New(filePath string) *Dashboard {
	if filePath != "" {
		filePath = fsutil.MustReplaceTildeInDir(filePath)
	}
	return &Dashboard{
		filePath: filePath,
		panels:   make(map[string]*panel),
	}
}

// WithPointsFile loads the line plots points saved in the file (if it exists), and saves any new points to it,
// in the format of plots.LoadPoints.
//
// New points are saved asynchronously not to slow down training, the file is complete after each Flush.
func (d *Dashboard) WithPointsFile(filePath string) *Dashboard {
	d.pointsPath = fsutil.MustReplaceTildeInDir(filePath)
	if exists, _ := fsutil.FileExists(d.pointsPath); exists {
		points, err := plots.LoadPoints(d.pointsPath)
		if err != nil {
			klog.Errorf("plotly: ignoring previous points: %+v", err)
		}
		for _, pt := range points {
			d.addPoint(pt)
		}
	}
	return d
}

// FilePath returns the path of the HTML page written by Flush.
func (d *Dashboard) FilePath() string { return d.filePath }

func (d *Dashboard) getPanel(win, title string) *panel {
	p, found := d.panels[win]
	if !found {
		p = &panel{}
		d.panels[win] = p
		d.order = append(d.order, win)
	}
	if title == "" {
		title = win
	}
	p.title = title
	return p
}

// Line implements dashboard.Dashboard. Non-finite values are ignored.
func (d *Dashboard) Line(win string, iters int, y float64, opts dashboard.Options) error {
	pt := plots.Point{MetricName: win, Short: win, MetricType: opts.Title, Step: float64(iters), Value: y}
	if !d.addPoint(pt) {
		return nil
	}
	if d.pointsPath != "" {
		if d.fileWriter == nil {
			d.fileWriter, d.errFileWriter = plots.CreatePointsWriter(d.pointsPath)
		}
		// Save point asynchronously.
		d.fileWriter <- pt
	}
	return nil
}

// addPoint to the line plot of the window pt.MetricName. It returns false if the point was invalid.
func (d *Dashboard) addPoint(pt plots.Point) bool {
	if math.IsNaN(pt.Value) || math.IsInf(pt.Value, 0) || math.IsNaN(pt.Step) || math.IsInf(pt.Step, 0) {
		// Ignore invalid points.
		return false
	}
	p := d.getPanel(pt.MetricName, pt.MetricType)
	if p.fig == nil {
		p.fig = &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{
					Text: ptypes.S(p.title),
				},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
				},
			},
		}
		p.fig.Data = append(p.fig.Data, &grob.Scatter{
			Name: ptypes.S(pt.MetricName),
			Line: &grob.ScatterLine{
				Shape: grob.ScatterLineShapeLinear,
			},
			Mode: "lines+markers",
			X:    ptypes.DataArray([]float64{}),
			Y:    ptypes.DataArray([]float64{}),
		})
	}
	trace := p.fig.Data[0].(*grob.Scatter)
	xs := trace.X.Value().([]float64)
	trace.X = ptypes.DataArray(append(xs, pt.Step))
	ys := trace.Y.Value().([]float64)
	trace.Y = ptypes.DataArray(append(ys, pt.Value))
	return true
}

// Points returns the x (iterations) and y values of the line plot win, or nil if it doesn't exist.
func (d *Dashboard) Points(win string) (xs, ys []float64) {
	p, found := d.panels[win]
	if !found || p.fig == nil {
		return nil, nil
	}
	trace := p.fig.Data[0].(*grob.Scatter)
	return trace.X.Value().([]float64), trace.Y.Value().([]float64)
}

// Text implements dashboard.Dashboard. The text is included as HTML.
func (d *Dashboard) Text(win, text string, opts dashboard.Options) error {
	p := d.getPanel(win, opts.Title)
	p.fig, p.images = nil, nil
	p.html = text
	return nil
}

// Heatmap implements dashboard.Dashboard.
func (d *Dashboard) Heatmap(win string, t *tensors.Tensor, opts dashboard.Options) error {
	img, err := images.Heatmap(t)
	if err != nil {
		return errors.WithMessagef(err, "plotly: heatmap %q", win)
	}
	opts.StoreHistory = false
	return d.addImage(win, img, opts)
}

// Image implements dashboard.Dashboard.
func (d *Dashboard) Image(win string, t *tensors.Tensor, opts dashboard.Options) error {
	img, err := images.ToImage().Single(t)
	if err != nil {
		return errors.WithMessagef(err, "plotly: image %q", win)
	}
	return d.addImage(win, img, opts)
}

// ImagesPerRow in the grid of images created by Images.
var ImagesPerRow = 8

// Images implements dashboard.Dashboard.
func (d *Dashboard) Images(win string, t *tensors.Tensor, opts dashboard.Options) error {
	imgs, err := images.ToImage().Batch(t)
	if err != nil {
		return errors.WithMessagef(err, "plotly: images %q", win)
	}
	for ii, img := range imgs {
		imgs[ii] = images.Upscale(img, MinImageSide)
	}
	return d.addImage(win, images.Grid(imgs, ImagesPerRow, 2, color.White), opts)
}

// addImage replaces the images of the window, or appends to them if opts.StoreHistory is set.
func (d *Dashboard) addImage(win string, img image.Image, opts dashboard.Options) error {
	uri, err := images.PNGDataURI(images.Upscale(img, MinImageSide))
	if err != nil {
		return errors.WithMessagef(err, "plotly: window %q", win)
	}
	p := d.getPanel(win, opts.Title)
	p.fig, p.html = nil, ""
	if !opts.StoreHistory {
		p.images = p.images[:0]
	}
	p.images = append(p.images, uri)
	return nil
}

// Close implements dashboard.Dashboard: it removes all windows. The points file is not changed.
func (d *Dashboard) Close() error {
	clear(d.panels)
	d.order = nil
	return nil
}

// Flush implements dashboard.Flusher: it waits for the points to be saved, writes the HTML page, and if
// running in a notebook, displays the dashboard.
func (d *Dashboard) Flush() error {
	if err := d.stopWriting(); err != nil {
		return err
	}
	if d.filePath != "" {
		var buf bytes.Buffer
		if err := d.WriteHTML(&buf); err != nil {
			return err
		}
		if err := fsutil.EnsureParentDir(d.filePath); err != nil {
			return err
		}
		if err := os.WriteFile(d.filePath, buf.Bytes(), 0644); err != nil {
			return errors.Wrapf(err, "plotly: failed to write dashboard to %q", d.filePath)
		}
		klog.V(2).Infof("plotly: dashboard written to %q", d.filePath)
	}
	if gonbui.IsNotebook {
		d.display()
	}
	return nil
}

// stopWriting waits the asynchronous job writing new points to finish. A new one is started on the next point.
func (d *Dashboard) stopWriting() error {
	if d.fileWriter == nil {
		return nil
	}
	close(d.fileWriter)
	d.fileWriter = nil
	if err := <-d.errFileWriter; err != nil {
		return errors.WithMessagef(err, "plotly: failed to save points")
	}
	return nil
}

// display the dashboard in the notebook, replacing the previous display.
func (d *Dashboard) display() {
	if d.gonbId == "" {
		d.gonbId = gonbui.UniqueId()
	}
	elementId := gonbui.UniqueId()
	gonbui.UpdateHTML(d.gonbId, fmt.Sprintf("<div id=%q></div>", elementId))
	for _, win := range d.order {
		p := d.panels[win]
		dom.Append(elementId, fmt.Sprintf("<p><b>%s</b></p>\n", template.HTMLEscapeString(p.title)))
		switch {
		case p.fig != nil:
			if err := gonbplotly.AppendFig(elementId, p.fig); err != nil {
				klog.Errorf("Failed to plot: %+v", err)
			}
		case len(p.images) > 0:
			for _, uri := range p.images {
				dom.Append(elementId, fmt.Sprintf("<img src=%q>", uri))
			}
		default:
			dom.Append(elementId, p.html)
		}
	}
}

var pageTemplate = must.M1(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Training Dashboard</title>
<script src="{{.PlotlyURL}}"></script>
<style>
body { font-family: sans-serif; }
.panel { display: inline-block; vertical-align: top; margin: 8px; padding: 8px; border: 1px solid #ddd; }
.plot { width: 600px; height: 400px; }
</style>
</head>
<body>
{{range .Panels}}<div class="panel">
<h3>{{.Title}}</h3>
{{if .Figure}}<div class="plot" id="{{.ID}}"></div>
<script>
(function() {
	const fig = JSON.parse(atob({{.Figure}}));
	Plotly.newPlot({{.ID}}, fig.data, fig.layout);
})();
</script>
{{else if .Images}}{{range .Images}}<img src="{{.}}">
{{end}}{{else}}{{.HTML}}{{end}}
</div>
{{end}}</body>
</html>
`))

type pagePanel struct {
	ID     string
	Title  string
	Figure string
	Images []template.URL
	HTML   template.HTML
}

// WriteHTML writes the self-contained HTML page of the dashboard to buf.
func (d *Dashboard) WriteHTML(buf *bytes.Buffer) error {
	data := struct {
		PlotlyURL string
		Panels    []pagePanel
	}{PlotlyURL: PlotlyURL}
	for ii, win := range d.order {
		p := d.panels[win]
		pp := pagePanel{ID: fmt.Sprintf("panel_%d", ii), Title: p.title}
		switch {
		case p.fig != nil:
			figJSON, err := json.Marshal(p.fig)
			if err != nil {
				return errors.Wrapf(err, "plotly: failed to encode figure %q", win)
			}
			pp.Figure = base64.StdEncoding.EncodeToString(figJSON)
		case len(p.images) > 0:
			for _, uri := range p.images {
				pp.Images = append(pp.Images, template.URL(uri))
			}
		default:
			// Text panels are trusted HTML, e.g. the metrics table.
			pp.HTML = template.HTML(p.html)
		}
		data.Panels = append(data.Panels, pp)
	}
	if err := pageTemplate.Execute(buf, data); err != nil {
		return errors.Wrap(err, "plotly: failed to render dashboard")
	}
	return nil
}
