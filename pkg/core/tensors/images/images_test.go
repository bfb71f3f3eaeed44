// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/palette"
)

func TestTensorToImage(t *testing.T) {
	// 2x3 image, with 4 channels (the last one is alpha), values in [0, 1].
	flat := make([]float64, 0, 2*3*4)
	for _, v := range []float64{1, 3, 5, 10, 30, 50} {
		flat = append(flat, v/255, v/255, v/255, 1)
	}
	tensor := tensors.FromFlatDataAndDimensions(flat, 2, 3, 4)
	img, err := ToImage().MaxValue(1.0).Single(tensor)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
	assert.Equal(t, color.NRGBA{R: 1, G: 1, B: 1, A: 255}, img.At(0, 0))
	assert.Equal(t, color.NRGBA{R: 50, G: 50, B: 50, A: 255}, img.At(2, 1))

	// Values > 1 are taken as [0, 255] when MaxValue is not set.
	batch := tensors.FromFlatDataAndDimensions([]float64{10, 20, 30, 200, 100, 0}, 2, 1, 1, 3)
	images, err := ToImage().Batch(batch)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, images[0].At(0, 0))
	assert.Equal(t, color.NRGBA{R: 200, G: 100, B: 0, A: 255}, images[1].At(0, 0))
}

func TestToImageErrors(t *testing.T) {
	_, err := ToImage().Single(tensors.FromScalarAndDimensions(0.0, 2, 2, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channels")

	_, err = ToImage().Batch(tensors.FromScalarAndDimensions(0.0, 2, 2, 3))
	require.Error(t, err)

	// Gray images are expanded to RGB.
	gray, err := ToImage().Single(tensors.FromScalarAndDimensions(1.0, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, gray.At(0, 0))
}

func TestHeatmapGridAndPNG(t *testing.T) {
	heat, err := Heatmap(tensors.FromValue([][]float64{{0, 1, 2}, {3, 4, 5}}))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(3, 2), heat.Bounds().Size())
	assert.NotEqual(t, heat.At(0, 0), heat.At(2, 1))

	_, err = Heatmap(tensors.FromValue([]float64{1, 2}))
	require.Error(t, err)

	cell := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	grid := Grid([]image.Image{cell, cell, cell}, 2, 1, color.Black)
	// 2 columns x 2 rows of 4x4 cells, with 1 pixel padding.
	assert.Equal(t, image.Pt(2*4+3, 2*4+3), grid.Bounds().Size())

	up := Upscale(cell, 16)
	assert.Equal(t, image.Pt(16, 16), up.Bounds().Size())

	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, grid))
	decoded, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, grid.Bounds().Size(), decoded.Bounds().Size())

	uri, err := PNGDataURI(cell)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))
}

func TestHeatmapNonFinite(t *testing.T) {
	colors := palette.Heat(HeatmapPaletteSize, 1).Colors()
	hottest := color.NRGBAModel.Convert(colors[len(colors)-1])
	coldest := color.NRGBAModel.Convert(colors[0])

	heat, err := Heatmap(tensors.FromValue([][]float64{{0, 1}, {2, math.Inf(1)}}))
	require.NoError(t, err)
	assert.Equal(t, hottest, heat.At(1, 1))
	assert.Equal(t, coldest, heat.At(0, 0))
	// The finite range is [0, 2].
	assert.Equal(t, hottest, heat.At(0, 1))

	heat, err = Heatmap(tensors.FromValue([][]float64{{math.NaN(), 1}, {math.Inf(-1), 3}}))
	require.NoError(t, err)
	assert.Equal(t, coldest, heat.At(0, 0))
	assert.Equal(t, coldest, heat.At(0, 1))
	assert.Equal(t, hottest, heat.At(1, 1))

	_, err = Heatmap(tensors.FromValue([][]float64{{math.NaN(), math.Inf(1)}}))
	require.NoError(t, err)

	low, high := FiniteRange([]float64{math.Inf(-1), 3, -1, math.NaN()})
	assert.Equal(t, -1.0, low)
	assert.Equal(t, 3.0, high)
	low, high = FiniteRange([]float64{math.NaN()})
	assert.Equal(t, 0.0, low)
	assert.Equal(t, 0.0, high)
}
