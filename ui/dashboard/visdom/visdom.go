// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package visdom implements a dashboard.Dashboard client for a Visdom server (https://github.com/fossasia/visdom).
//
// Windows are created with "POST /events", points are appended to line plots with "POST /update", and
// the environment is cleared with "POST /close".
package visdom

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/core/tensors/images"
	"github.com/gomlx/callbacks/pkg/support/sets"
	"github.com/gomlx/callbacks/ui/dashboard"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultServer is the address of a Visdom server started locally with default settings.
const DefaultServer = "http://localhost:8097"

// DefaultTimeout of each request to the server.
const DefaultTimeout = 10 * time.Second

// Client of a Visdom server, for one environment. It implements dashboard.Dashboard.
//
// It is not safe for concurrent use.
type Client struct {
	env        string
	server     string
	httpClient *http.Client
	lines      sets.Set[string]
}

var _ dashboard.Dashboard = (*Client)(nil)

// Option configures a Client.
type Option func(c *Client)

// WithServer sets the URL of the Visdom server. Default is DefaultServer.
func WithServer(url string) Option {
	return func(c *Client) {
		c.server = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets the http.Client used to talk to the server.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the timeout of each request. Default is DefaultTimeout.
// It changes the timeout of the current http.Client, so use it after WithHTTPClient.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		clone := *c.httpClient
		clone.Timeout = timeout
		c.httpClient = &clone
	}
}

// New creates a Client for the Visdom environment env. No connection is made until the first call.
func New(env string, options ...Option) *Client {
	c := &Client{
		env:        env,
		server:     DefaultServer,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		lines:      sets.Make[string](),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Env returns the Visdom environment of the client.
func (c *Client) Env() string { return c.env }

// windowOpts as understood by Visdom.
type windowOpts struct {
	Title        string `json:"title"`
	StoreHistory bool   `json:"store_history,omitempty"`
}

// event is the payload of "POST /events".
type event struct {
	Env    string           `json:"eid"`
	Win    string           `json:"win"`
	Data   []map[string]any `json:"data"`
	Layout map[string]any   `json:"layout,omitempty"`
	Opts   windowOpts       `json:"opts"`
}

// update is the payload of "POST /update".
type update struct {
	Env    string         `json:"eid"`
	Win    string         `json:"win"`
	Name   string         `json:"name"`
	Append bool           `json:"append"`
	Data   map[string]any `json:"data"`
}

func (c *Client) post(endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "visdom: failed to encode request to %s", endpoint)
	}
	url := c.server + endpoint
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "visdom: failed to create request to %q", url)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "visdom: request to %q failed", url)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.Wrapf(err, "visdom: failed to read response from %q", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("visdom: request to %q returned status %d: %s", url, resp.StatusCode,
			strings.TrimSpace(string(respBody)))
	}
	klog.V(2).Infof("visdom: %s (env=%q): %d bytes sent", endpoint, c.env, len(body))
	return nil
}

func opts(o dashboard.Options) windowOpts {
	return windowOpts{Title: o.Title, StoreHistory: o.StoreHistory}
}

// Line implements dashboard.Dashboard. The first point creates the window, the following are appended.
func (c *Client) Line(win string, iters int, y float64, o dashboard.Options) error {
	if !isFinite(y) {
		// JSON has no NaN or Inf.
		klog.Warningf("visdom: skipping non-finite value %g for %q at iteration %d", y, win, iters)
		return nil
	}
	if !c.lines.Has(win) {
		err := c.post("/events", event{
			Env: c.env,
			Win: win,
			Data: []map[string]any{{
				"x": []int{iters}, "y": []float64{y},
				"name": win, "type": "scatter", "mode": "lines",
			}},
			Layout: map[string]any{"title": o.Title, "showlegend": false},
			Opts:   opts(o),
		})
		if err != nil {
			return err
		}
		c.lines.Insert(win)
		return nil
	}
	return c.post("/update", update{
		Env:    c.env,
		Win:    win,
		Name:   win,
		Append: true,
		Data:   map[string]any{"x": []int{iters}, "y": []float64{y}},
	})
}

// Text implements dashboard.Dashboard.
func (c *Client) Text(win, text string, o dashboard.Options) error {
	return c.post("/events", event{
		Env:  c.env,
		Win:  win,
		Data: []map[string]any{{"content": text, "type": "text"}},
		Opts: opts(o),
	})
}

// Heatmap implements dashboard.Dashboard.
func (c *Client) Heatmap(win string, t *tensors.Tensor, o dashboard.Options) error {
	rows, err := tensors.Rows(t)
	if err != nil {
		return errors.WithMessagef(err, "visdom: heatmap %q", win)
	}
	// Non-finite cells are sent as null, and plotly leaves them blank.
	z := make([][]*float64, len(rows))
	for ii, row := range rows {
		z[ii] = make([]*float64, len(row))
		for jj := range row {
			if isFinite(row[jj]) {
				z[ii][jj] = &row[jj]
			}
		}
	}
	return c.post("/events", event{
		Env:    c.env,
		Win:    win,
		Data:   []map[string]any{{"z": z, "type": "heatmap", "colorscale": "Viridis"}},
		Layout: map[string]any{"title": o.Title},
		Opts:   opts(o),
	})
}

// Image implements dashboard.Dashboard.
func (c *Client) Image(win string, t *tensors.Tensor, o dashboard.Options) error {
	img, err := images.ToImage().Single(t)
	if err != nil {
		return errors.WithMessagef(err, "visdom: image %q", win)
	}
	return c.postImage(win, images.Upscale(img, MinImageSide), o)
}

// ImagesPerRow in the grid of images created by Images.
var ImagesPerRow = 8

// MinImageSide is the minimum size images are upscaled to.
var MinImageSide = 64

// Images implements dashboard.Dashboard. The images are arranged in a grid.
func (c *Client) Images(win string, t *tensors.Tensor, o dashboard.Options) error {
	imgs, err := images.ToImage().Batch(t)
	if err != nil {
		return errors.WithMessagef(err, "visdom: images %q", win)
	}
	for ii, img := range imgs {
		imgs[ii] = images.Upscale(img, MinImageSide)
	}
	return c.postImage(win, images.Grid(imgs, ImagesPerRow, 2, color.Black), o)
}

func (c *Client) postImage(win string, img image.Image, o dashboard.Options) error {
	uri, err := images.PNGDataURI(img)
	if err != nil {
		return errors.WithMessagef(err, "visdom: image %q", win)
	}
	return c.post("/events", event{
		Env:  c.env,
		Win:  win,
		Data: []map[string]any{{"content": map[string]any{"src": uri, "caption": o.Title}, "type": "image"}},
		Opts: opts(o),
	})
}

// Close implements dashboard.Dashboard: it closes all windows of the environment.
func (c *Client) Close() error {
	clear(c.lines)
	return c.post("/close", map[string]any{"eid": c.env, "win": nil})
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
