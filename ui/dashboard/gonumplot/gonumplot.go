// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gonumplot implements a dashboard.Dashboard that renders each window to a file in a directory:
// line plots and heatmaps are drawn with gonum/plot (https://github.com/gonum/plot) to `<win>.png`, images are saved
// to `<win>.png` and text panels to `<win>.txt`.
//
// Files are only written on Flush, and only for the windows that changed since the last Flush.
package gonumplot

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/core/tensors/images"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/gomlx/callbacks/ui/dashboard"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

var (
	// PlotWidth and PlotHeight of the line plots and heatmaps.
	PlotWidth, PlotHeight = 6 * vg.Inch, 4 * vg.Inch

	// ImagesPerRow in the grid of images created by Images.
	ImagesPerRow = 8
)

type windowKind int

const (
	lineWindow windowKind = iota
	heatmapWindow
	imageWindow
	textWindow
)

type window struct {
	kind    windowKind
	title   string
	xys     plotter.XYs
	heatmap *tensors.Tensor
	img     image.Image
	text    string
	dirty   bool
}

// Dashboard keeps the contents of the windows in memory, and writes them to files in a directory on Flush.
//
// It is not safe for concurrent use.
type Dashboard struct {
	dir     string
	windows map[string]*window
}

var (
	_ dashboard.Dashboard = (*Dashboard)(nil)
	_ dashboard.Flusher   = (*Dashboard)(nil)
)

// New creates a Dashboard that writes the windows to files in dir. The directory is created on Flush if needed.
//
// It panics if the directory has an unknown user ("~unknown/...").
func New(dir string) *Dashboard {
	return &Dashboard{
		dir:     fsutil.MustReplaceTildeInDir(dir),
		windows: make(map[string]*window),
	}
}

// Dir returns the directory where the files are written.
func (d *Dashboard) Dir() string { return d.dir }

var invalidFileChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// FileName returns the base file name, without extension, used for the window win.
func FileName(win string) string {
	return invalidFileChars.ReplaceAllString(win, "_")
}

func (d *Dashboard) getWindow(win string, kind windowKind, opts dashboard.Options) *window {
	w, found := d.windows[win]
	if !found || w.kind != kind {
		w = &window{kind: kind}
		d.windows[win] = w
	}
	w.title = opts.Title
	if w.title == "" {
		w.title = win
	}
	w.dirty = true
	return w
}

// Line implements dashboard.Dashboard. Non-finite values are ignored.
func (d *Dashboard) Line(win string, iters int, y float64, opts dashboard.Options) error {
	if math.IsNaN(y) || math.IsInf(y, 0) {
		return nil
	}
	w := d.getWindow(win, lineWindow, opts)
	w.xys = append(w.xys, plotter.XY{X: float64(iters), Y: y})
	return nil
}

// Text implements dashboard.Dashboard.
func (d *Dashboard) Text(win, text string, opts dashboard.Options) error {
	d.getWindow(win, textWindow, opts).text = text
	return nil
}

// Heatmap implements dashboard.Dashboard.
func (d *Dashboard) Heatmap(win string, t *tensors.Tensor, opts dashboard.Options) error {
	if t.Rank() != 2 {
		return errors.Errorf("gonumplot: heatmap %q requires a rank-2 tensor, got shape %s", win, t.Shape())
	}
	d.getWindow(win, heatmapWindow, opts).heatmap = t.Clone()
	return nil
}

// Image implements dashboard.Dashboard.
func (d *Dashboard) Image(win string, t *tensors.Tensor, opts dashboard.Options) error {
	img, err := images.ToImage().Single(t)
	if err != nil {
		return errors.WithMessagef(err, "gonumplot: image %q", win)
	}
	d.getWindow(win, imageWindow, opts).img = img
	return nil
}

// Images implements dashboard.Dashboard. The images are arranged in a grid.
func (d *Dashboard) Images(win string, t *tensors.Tensor, opts dashboard.Options) error {
	imgs, err := images.ToImage().Batch(t)
	if err != nil {
		return errors.WithMessagef(err, "gonumplot: images %q", win)
	}
	d.getWindow(win, imageWindow, opts).img = images.Grid(imgs, ImagesPerRow, 1, color.Black)
	return nil
}

// Close implements dashboard.Dashboard: it forgets all windows. Files already written are kept.
func (d *Dashboard) Close() error {
	clear(d.windows)
	return nil
}

// Flush implements dashboard.Flusher: it writes the files of the windows that changed since the last Flush.
func (d *Dashboard) Flush() error {
	if err := fsutil.EnsureDir(d.dir); err != nil {
		return errors.WithMessage(err, "gonumplot")
	}
	for win, w := range d.windows {
		if !w.dirty {
			continue
		}
		if err := d.writeWindow(win, w); err != nil {
			return errors.WithMessagef(err, "gonumplot: failed to write window %q", win)
		}
		w.dirty = false
	}
	return nil
}

func (d *Dashboard) writeWindow(win string, w *window) error {
	basePath := filepath.Join(d.dir, FileName(win))
	switch w.kind {
	case lineWindow:
		return d.writeLine(basePath+".png", w)
	case heatmapWindow:
		return d.writeHeatmap(basePath+".png", w)
	case imageWindow:
		f, err := os.Create(basePath + ".png")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q", basePath+".png")
		}
		if err = images.EncodePNG(f, w.img); err != nil {
			_ = f.Close()
			return err
		}
		return errors.Wrapf(f.Close(), "failed to close %q", basePath+".png")
	case textWindow:
		return errors.Wrapf(os.WriteFile(basePath+".txt", []byte(w.text), 0644),
			"failed to write %q", basePath+".txt")
	}
	return errors.Errorf("unknown window kind %d", w.kind)
}

func (d *Dashboard) writeLine(filePath string, w *window) error {
	p := plot.New()
	p.Title.Text = w.title
	p.X.Label.Text = "iterations"
	p.Add(plotter.NewGrid())
	line, points, err := plotter.NewLinePoints(w.xys)
	if err != nil {
		return errors.Wrap(err, "failed to create line plot")
	}
	p.Add(line, points)
	klog.V(2).Infof("gonumplot: writing %d points to %q", len(w.xys), filePath)
	return errors.Wrapf(p.Save(PlotWidth, PlotHeight, filePath), "failed to save plot to %q", filePath)
}

// heatmapGrid implements plotter.GridXYZ for a rank-2 tensor, with the first row at the top.
type heatmapGrid struct {
	t          *tensors.Tensor
	rows, cols int
	min, max   float64
}

func newHeatmapGrid(t *tensors.Tensor) *heatmapGrid {
	dims := t.Shape()
	g := &heatmapGrid{t: t, rows: dims[0], cols: dims[1]}
	t.ConstFlatData(func(flat []float64) {
		g.min, g.max = images.FiniteRange(flat)
	})
	if g.max <= g.min {
		// Constant heatmap.
		g.max = g.min + 1
	}
	return g
}

func (g *heatmapGrid) Dims() (c, r int)   { return g.cols, g.rows }
func (g *heatmapGrid) Z(c, r int) float64 { return g.t.At(g.rows-1-r, c) }
func (g *heatmapGrid) X(c int) float64    { return float64(c) }
func (g *heatmapGrid) Y(r int) float64    { return float64(r) }
func (g *heatmapGrid) Min() float64       { return g.min }
func (g *heatmapGrid) Max() float64       { return g.max }

func (d *Dashboard) writeHeatmap(filePath string, w *window) error {
	p := plot.New()
	p.Title.Text = w.title
	heat := palette.Heat(images.HeatmapPaletteSize, 1)
	heatmap := plotter.NewHeatMap(newHeatmapGrid(w.heatmap), heat)
	heatmap.Rasterized = true
	// Infinities fall outside the finite range; NaN cells are left blank.
	colors := heat.Colors()
	heatmap.Underflow, heatmap.Overflow = colors[0], colors[len(colors)-1]
	p.Add(heatmap)
	return errors.Wrapf(p.Save(PlotWidth, PlotHeight, filePath), "failed to save heatmap to %q", filePath)
}
