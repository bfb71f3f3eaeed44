// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visdom

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/gomlx/callbacks/ui/dashboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	Path string
	Body map[string]any
}

type recorder struct {
	mu       sync.Mutex
	requests []request
}

func (r *recorder) get() []request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]request(nil), r.requests...)
}

// newTestServer records the requests it receives, and responds with status.
func newTestServer(t *testing.T, status int) (*httptest.Server, *recorder) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rec.mu.Lock()
		rec.requests = append(rec.requests, request{Path: r.URL.Path, Body: body})
		rec.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("window_id"))
	}))
	t.Cleanup(server.Close)
	return server, rec
}

func TestClientLine(t *testing.T) {
	server, rec := newTestServer(t, http.StatusOK)
	client := New("main", WithServer(server.URL+"/"), WithTimeout(time.Second))
	opts := dashboard.Options{Title: "train_loss"}
	require.NoError(t, client.Line("train_loss", 10, 0.5, opts))
	require.NoError(t, client.Line("train_loss", 20, 0.25, opts))
	requests := rec.get()
	require.Len(t, requests, 2)

	created := requests[0]
	assert.Equal(t, "/events", created.Path)
	assert.Equal(t, "main", created.Body["eid"])
	assert.Equal(t, "train_loss", created.Body["win"])
	trace := created.Body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, []any{10.0}, trace["x"])
	assert.Equal(t, []any{0.5}, trace["y"])

	appended := requests[1]
	assert.Equal(t, "/update", appended.Path)
	assert.Equal(t, true, appended.Body["append"])
	assert.Equal(t, []any{0.25}, appended.Body["data"].(map[string]any)["y"])

	// After closing the environment, the line is created again.
	require.NoError(t, client.Close())
	require.NoError(t, client.Line("train_loss", 30, 0.1, opts))
	requests = rec.get()
	require.Len(t, requests, 4)
	assert.Equal(t, "/close", requests[2].Path)
	assert.Nil(t, requests[2].Body["win"])
	assert.Equal(t, "/events", requests[3].Path)

	// Non-finite values are skipped.
	require.NoError(t, client.Line("train_loss", 40, math.Inf(-1), opts))
	require.NoError(t, client.Line("train_loss", 50, math.NaN(), opts))
	assert.Len(t, rec.get(), 4)
}

func TestClientPanels(t *testing.T) {
	server, rec := newTestServer(t, http.StatusOK)
	client := New("main", WithServer(server.URL))
	require.NoError(t, client.Text("report", "<b>ok</b>", dashboard.Options{Title: "report"}))
	require.NoError(t, client.Heatmap("confusion", tensors.FromValue([][]float64{{1, 2}, {3, 4}}), dashboard.Options{}))
	require.NoError(t, client.Image("sample", tensors.FromValue([][][]float64{{{1}, {0}}, {{0}, {1}}}),
		dashboard.Options{Title: "sample", StoreHistory: true}))
	require.NoError(t, client.Images("samples", tensors.FromValue([][][][]float64{{{{1}}}, {{{0}}}}), dashboard.Options{}))
	requests := rec.get()
	require.Len(t, requests, 4)

	text := requests[0].Body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "text", text["type"])
	assert.Equal(t, "<b>ok</b>", text["content"])

	heatmap := requests[1].Body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "heatmap", heatmap["type"])
	assert.Equal(t, []any{[]any{1.0, 2.0}, []any{3.0, 4.0}}, heatmap["z"])

	for _, req := range requests[2:] {
		img := req.Body["data"].([]any)[0].(map[string]any)
		assert.Equal(t, "image", img["type"])
		src := img["content"].(map[string]any)["src"].(string)
		assert.True(t, strings.HasPrefix(src, "data:image/png;base64,"))
	}
	assert.Equal(t, true, requests[2].Body["opts"].(map[string]any)["store_history"])

	// Wrong ranks are errors.
	require.Error(t, client.Image("bad", tensors.FromValue([][]float64{{1}}), dashboard.Options{}))
}

func TestClientErrors(t *testing.T) {
	server, _ := newTestServer(t, http.StatusInternalServerError)
	client := New("main", WithServer(server.URL))
	err := client.Text("report", "x", dashboard.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "window_id")

	// Server unavailable.
	server.Close()
	require.Error(t, client.Close())
}

func TestClientWithLogger(t *testing.T) {
	server, rec := newTestServer(t, http.StatusOK)
	client := New("main", WithServer(server.URL))
	logger := dashboard.NewLogger(client, 1, "valid_")
	store := metrics.NewStore()
	require.NoError(t, store.Set(metrics.NewOwner("test"), "loss", metrics.Scalar(0.5)))
	require.NoError(t, logger.Log(5, store))
	requests := rec.get()
	require.Len(t, requests, 2)
	assert.Equal(t, "/close", requests[0].Path)
	assert.Equal(t, "valid_loss", requests[1].Body["win"])
}

func TestClientNonFiniteMetrics(t *testing.T) {
	server, rec := newTestServer(t, http.StatusOK)
	client := New("main", WithServer(server.URL))
	owner := metrics.NewOwner("test")
	state := train.NewState()
	require.NoError(t, state.Metrics.Set(owner, "loss", metrics.Scalar(0.5)))
	require.NoError(t, state.Metrics.Set(owner, "grad_norm", metrics.Scalar(math.NaN())))
	attn, err := metrics.FromTensor(tensors.FromValue([][]float64{{0, math.Inf(1)}, {math.NaN(), 1}}))
	require.NoError(t, err)
	require.NoError(t, state.Metrics.Set(owner, "attn", attn))

	runner := train.NewRunner(dashboard.NewLogger(client, 1, ""))
	require.NoError(t, runner.OnEpochEnd(state))
	requests := rec.get()
	// "/close", "loss" line and "attn" heatmap: "grad_norm" is skipped.
	require.Len(t, requests, 3)
	assert.Equal(t, "loss", requests[1].Body["win"])
	assert.Equal(t, "attn", requests[2].Body["win"])
	heatmap := requests[2].Body["data"].([]any)[0].(map[string]any)
	assert.Equal(t, []any{[]any{0.0, nil}, []any{nil, 1.0}}, heatmap["z"])
}
