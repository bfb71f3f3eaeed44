// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
	assert.Equal(t, Shape{3, 2}, tensor.Shape())
	assert.Equal(t, 2, tensor.Rank())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, []float64{1, 2, 3, 5, 7, 11}, tensor.CopyFlatData())
	assert.Equal(t, 5.0, tensor.At(1, 1))

	scalar := FromValue(int8(-3))
	assert.Equal(t, 0, scalar.Rank())
	v, err := scalar.Scalar()
	require.NoError(t, err)
	assert.Equal(t, -3.0, v)

	half := FromValue([]float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(2)})
	assert.Equal(t, []float64{0.5, 2}, half.CopyFlatData())

	// Irregular shapes and empty slices are rejected.
	_, err = FromAnyValue([][]int{{1, 2}, {3}})
	require.Error(t, err)
	_, err = FromAnyValue([]int{})
	require.Error(t, err)
	_, err = FromAnyValue([]string{"a"})
	require.Error(t, err)
	require.Panics(t, func() { FromValue([][]int{{1}, {2, 3}}) })

	// A tensor is returned as is.
	assert.Same(t, tensor, FromValue(tensor))
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Equal(t, "Tensor(2, 3)=[[1, 2, 3], [4, 5, 6]]", tensor.String())

	row := tensor.Slice(1)
	assert.Equal(t, Shape{3}, row.Shape())
	assert.Equal(t, []float64{4, 5, 6}, row.Value())

	require.Panics(t, func() { FromFlatDataAndDimensions([]int{1, 2, 3}, 2, 2) })

	filled := FromScalarAndDimensions(0.5, 2, 2)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, filled.CopyFlatData())

	_, err := filled.Scalar()
	require.Error(t, err)
	single, err := FromFlatDataAndDimensions([]float32{7}, 1, 1).Scalar()
	require.NoError(t, err)
	assert.Equal(t, 7.0, single)
}

func TestArgMax(t *testing.T) {
	pred := FromValue([][]float64{{0.9, 0.1}, {0.2, 0.8}, {0.5, 0.5}})
	got, err := ArgMax(pred)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, got)

	_, err = ArgMax(FromValue([]float64{1, 2}))
	require.Error(t, err)

	labels, err := Labels(FromValue([][]int{{1}, {0}}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, labels)
	_, err = Labels(FromValue([]float64{0.5}))
	require.Error(t, err)
}

func TestCloneAndEqual(t *testing.T) {
	a := FromValue([]float64{1, 2, 3})
	b := a.Clone()
	assert.True(t, a.Equal(b))
	assert.True(t, a.InDelta(FromValue([]float64{1.001, 2, 3}), 0.01))
	assert.False(t, a.Equal(FromValue([][]float64{{1, 2, 3}})))
}
