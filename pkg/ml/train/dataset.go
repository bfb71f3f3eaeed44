// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// Dataset provides the data for a Loop, one batch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. It is called by Loop.RunEpochs after io.EOF is
	// reached at the end of each epoch.
	Reset()

	// Yield one batch or an error. If the error is `io.EOF` the epoch terminates normally.
	Yield() (Batch, error)
}

// InMemoryDataset is a Dataset that yields a fixed list of batches, in order.
type InMemoryDataset struct {
	name    string
	batches []Batch
	next    int
}

// NewInMemoryDataset creates a dataset that yields the given batches, in order, once per epoch.
func NewInMemoryDataset(name string, batches ...Batch) *InMemoryDataset {
	return &InMemoryDataset{name: name, batches: batches}
}

// NewInMemoryDatasetFromTensors creates a dataset split in batches of batchSize from a full inputs and labels
// tensors: the leading axis of both is the example axis. The last batch may be smaller.
//
// It panics if batchSize <= 0, if inputs or labels are scalars, or if they have a different number of examples.
func NewInMemoryDatasetFromTensors(name string, inputs, labels *tensors.Tensor, batchSize int) *InMemoryDataset {
	if batchSize <= 0 {
		exceptions.Panicf("NewInMemoryDatasetFromTensors(%q): invalid batchSize=%d, it must be > 0", name, batchSize)
	}
	if inputs.Rank() == 0 || labels.Rank() == 0 {
		exceptions.Panicf("NewInMemoryDatasetFromTensors(%q): inputs (shape %s) and labels (shape %s) must have "+
			"a leading example axis", name, inputs.Shape(), labels.Shape())
	}
	numExamples := inputs.Shape()[0]
	if labels.Shape()[0] != numExamples {
		exceptions.Panicf("NewInMemoryDatasetFromTensors(%q): inputs have %d examples, but labels have %d",
			name, numExamples, labels.Shape()[0])
	}
	var batches []Batch
	for start := 0; start < numExamples; start += batchSize {
		end := min(start+batchSize, numExamples)
		batches = append(batches, Batch{sliceRange(inputs, start, end), sliceRange(labels, start, end)})
	}
	return NewInMemoryDataset(name, batches...)
}

// sliceRange returns a copy of the examples [start, end) of t, along the leading axis.
func sliceRange(t *tensors.Tensor, start, end int) *tensors.Tensor {
	dims := t.Shape()
	stride := t.Size() / dims[0]
	flat := t.CopyFlatData()[start*stride : end*stride]
	dims[0] = end - start
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (Batch, error) {
	if ds.next >= len(ds.batches) {
		return nil, io.EOF
	}
	batch := ds.batches[ds.next]
	ds.next++
	return batch, nil
}

// NumBatches returns the number of batches per epoch.
func (ds *InMemoryDataset) NumBatches() int { return len(ds.batches) }
