// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/pkg/errors"
)

// ArgMax returns, for each row of a rank-2 tensor shaped `[batch, numClasses]`, the index of its largest value.
// Ties are resolved to the lowest index.
func ArgMax(t *Tensor) ([]int, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("ArgMax requires a rank-2 tensor shaped [batch, classes], got shape %s", t.shape)
	}
	batchSize, numClasses := t.shape[0], t.shape[1]
	if numClasses == 0 {
		return nil, errors.Errorf("ArgMax of shape %s: no classes", t.shape)
	}
	result := make([]int, batchSize)
	for row := range batchSize {
		values := t.flat[row*numClasses : (row+1)*numClasses]
		best := 0
		for ii, v := range values[1:] {
			if v > values[best] {
				best = ii + 1
			}
		}
		result[row] = best
	}
	return result, nil
}

// Rows returns the rows of a rank-2 tensor as slices of float64 (copies).
func Rows(t *Tensor) ([][]float64, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("Rows requires a rank-2 tensor, got shape %s", t.shape)
	}
	return t.Value().([][]float64), nil
}

// Labels converts a tensor of integer class labels, shaped `[batch]` or `[batch, 1]`, to a slice of int.
func Labels(t *Tensor) ([]int, error) {
	if t.Rank() == 0 || t.Rank() > 2 || (t.Rank() == 2 && t.shape[1] != 1) {
		return nil, errors.Errorf("labels must be shaped [batch] or [batch, 1], got shape %s", t.shape)
	}
	labels := make([]int, len(t.flat))
	for ii, v := range t.flat {
		if v != float64(int(v)) {
			return nil, errors.Errorf("label #%d has non-integer value %g", ii, v)
		}
		labels[ii] = int(v)
	}
	return labels, nil
}
