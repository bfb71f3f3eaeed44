// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images provides several functions to convert tensors to images, and to render them for dashboards.
//
// Image tensors are laid out with the channels last: `[height, width, channels]` for a single
// image, and `[batch_size, height, width, channels]` for a batch. Channels can be 1 (gray), 3 (RGB)
// or 4 (RGBA).
package images

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/plot/palette"
)

// ToImageConfig holds the configuration returned by the ToImage function. Once
// configured, use Single or Batch to actually convert a tensor to image(s).
type ToImageConfig struct {
	maxValue float64
}

// ToImage returns a configuration that can be used to convert tensors to Images.
// Use Single or Batch to convert single images or batch of images at once.
//
// It generates `*image.NRGBA` images.
func ToImage() *ToImageConfig {
	return &ToImageConfig{}
}

// MaxValue sets the MaxValue of each channel. If not set (or set to 0), it is 1.0 if all values
// of the tensor are <= 1.0, and 255 otherwise.
func (ti *ToImageConfig) MaxValue(v float64) *ToImageConfig {
	ti.maxValue = v
	return ti
}

// Single converts the given 3D tensor shaped as `[height, width, channels]` to an image.
func (ti *ToImageConfig) Single(t *tensors.Tensor) (image.Image, error) {
	if t.Rank() != 3 {
		return nil, errors.Errorf("images.ToImage().Single() requires a rank-3 tensor, got shape %s", t.Shape())
	}
	images, err := ti.convert(t)
	if err != nil {
		return nil, err
	}
	return images[0], nil
}

// Batch converts the given 4D tensor shaped as `[batch_size, height, width, channels]`
// to a collection of images.
func (ti *ToImageConfig) Batch(t *tensors.Tensor) ([]image.Image, error) {
	if t.Rank() != 4 {
		return nil, errors.Errorf("images.ToImage().Batch() requires a rank-4 tensor, got shape %s", t.Shape())
	}
	return ti.convert(t)
}

func (ti *ToImageConfig) convert(imagesTensor *tensors.Tensor) (images []image.Image, err error) {
	dims := imagesTensor.Shape()
	numImages := 1
	if len(dims) == 4 {
		numImages = dims[0]
		dims = dims[1:]
	}
	height, width, channels := dims[0], dims[1], dims[2]
	if channels != 1 && channels != 3 && channels != 4 {
		return nil, errors.Errorf(
			"images.ToImage invalid tensor shape %s, with %d channels: only images with 1, 3 or 4 channels are supported",
			imagesTensor.Shape(), channels)
	}
	imagesTensor.ConstFlatData(func(flat []float64) {
		maxValue := ti.maxValue
		if maxValue == 0 {
			maxValue = 1.0
			for _, v := range flat {
				if v > 1.0 {
					maxValue = 255.0
					break
				}
			}
		}
		images = make([]image.Image, 0, numImages)
		pos := 0
		for range numImages {
			img := image.NewNRGBA(image.Rect(0, 0, width, height))
			for h := 0; h < height; h++ {
				for w := 0; w < width; w++ {
					pix := img.Pix[h*img.Stride+w*4 : h*img.Stride+w*4+4]
					pix[3] = 255 // Alpha channel, if not given.
					for d := 0; d < channels; d++ {
						pix[d] = toUint8(flat[pos], maxValue)
						pos++
					}
					if channels == 1 {
						pix[1], pix[2] = pix[0], pix[0]
					}
				}
			}
			images = append(images, img)
		}
	})
	return images, nil
}

func toUint8(v, maxValue float64) uint8 {
	v = math.Round(255 * (v / maxValue))
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// HeatmapPaletteSize is the number of colors used by Heatmap.
const HeatmapPaletteSize = 256

// Heatmap renders a rank-2 tensor shaped `[rows, cols]` as an image, using a "heat" color palette
// that spans the range of the finite values in the tensor.
// +Inf is drawn with the hottest color, -Inf and NaN with the coldest.
func Heatmap(t *tensors.Tensor) (image.Image, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("images.Heatmap requires a rank-2 tensor, got shape %s", t.Shape())
	}
	dims := t.Shape()
	colors := palette.Heat(HeatmapPaletteSize, 1).Colors()
	last := len(colors) - 1
	img := image.NewNRGBA(image.Rect(0, 0, dims[1], dims[0]))
	t.ConstFlatData(func(flat []float64) {
		low, high := FiniteRange(flat)
		span := high - low
		for ii, v := range flat {
			idx := 0
			switch {
			case math.IsInf(v, 1):
				idx = last
			case math.IsNaN(v) || math.IsInf(v, -1):
				idx = 0
			case span > 0:
				idx = int(math.Round((v - low) / span * float64(last)))
			}
			img.Set(ii%dims[1], ii/dims[1], colors[min(max(idx, 0), last)])
		}
	})
	return img, nil
}

// FiniteRange returns the minimum and maximum of the finite values. If there are none, it returns 0, 0.
func FiniteRange(values []float64) (low, high float64) {
	low, high = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		low = min(low, v)
		high = max(high, v)
	}
	if low > high {
		return 0, 0
	}
	return low, high
}

// Grid arranges the images in a grid with `cols` columns, separated by `padding` pixels of
// the given background color. Images are expected to have the same size, the first image size is used
// for all cells.
func Grid(images []image.Image, cols, padding int, background color.Color) image.Image {
	if len(images) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	cols = max(1, min(cols, len(images)))
	rows := (len(images) + cols - 1) / cols
	cell := images[0].Bounds().Size()
	width := cols*cell.X + (cols+1)*padding
	height := rows*cell.Y + (rows+1)*padding
	grid := imaging.New(width, height, background)
	for ii, img := range images {
		row, col := ii/cols, ii%cols
		pos := image.Pt(padding+col*(cell.X+padding), padding+row*(cell.Y+padding))
		grid = imaging.Paste(grid, img, pos)
	}
	return grid
}

// Upscale resizes small images by an integer factor so that its smallest side is at least minSide pixels.
// It uses nearest neighbor interpolation, so pixels stay sharp. Larger images are returned as is.
func Upscale(img image.Image, minSide int) image.Image {
	size := img.Bounds().Size()
	smallest := min(size.X, size.Y)
	if smallest == 0 || smallest >= minSide {
		return img
	}
	factor := (minSide + smallest - 1) / smallest
	return imaging.Resize(img, size.X*factor, size.Y*factor, imaging.NearestNeighbor)
}

// EncodePNG writes the image to w in PNG format.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		return errors.Wrap(err, "failed to encode image as PNG")
	}
	return nil
}

// PNGDataURI returns the image encoded as an inline `data:image/png;base64,...` URI, usable in HTML `<img>` tags.
func PNGDataURI(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
