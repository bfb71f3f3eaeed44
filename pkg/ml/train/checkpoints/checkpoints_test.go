// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/callbacks/pkg/core/tensors"
	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/callbacks"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeModel is a Stateful object with a weights tensor and a step counter.
type fakeModel struct {
	weights *tensors.Tensor
	step    int
	config  []string
}

func (m *fakeModel) StateDict() (map[string]any, error) {
	return map[string]any{"weights": m.weights, "step": m.step, "config": m.config}, nil
}

func (m *fakeModel) LoadStateDict(state map[string]any) error {
	weights, ok := state["weights"].(*tensors.Tensor)
	if !ok {
		return fmt.Errorf("weights missing")
	}
	m.weights = weights
	m.step = int(state["step"].(float64))
	m.config = nil
	for _, v := range state["config"].([]any) {
		m.config = append(m.config, v.(string))
	}
	return nil
}

func TestCheckpointSaveNumbering(t *testing.T) {
	base := filepath.Join(t.TempDir(), "run", "model")
	model := &fakeModel{weights: tensors.FromValue([][]float64{{1, 2}, {3, 4}})}
	checkpoint := Build(base, map[string]any{"model": model}).MustDone()
	runner := train.NewRunner(checkpoint)
	state := train.NewState()
	for range 3 {
		require.NoError(t, runner.OnEpochEnd(state))
		state.Epoch++
	}
	indices, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, indices)
	for n := range 3 {
		assert.FileExists(t, fmt.Sprintf("%s_%d.pth", base, n))
	}
	assert.Equal(t, 3, checkpoint.NextIndex())

	// No temporary files left behind.
	entries, err := os.ReadDir(filepath.Dir(base))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// A new Checkpoint with the same base continues the numbering.
	checkpoint2 := Build(base, map[string]any{"model": model}).MustDone()
	assert.Equal(t, 3, checkpoint2.NextIndex())
}

func TestCheckpointKeep(t *testing.T) {
	base := filepath.Join(t.TempDir(), "model")
	checkpoint := Build(base, map[string]any{"lr": 0.1}).Keep(2).MustDone()
	for range 5 {
		require.NoError(t, checkpoint.Save(nil))
	}
	indices, err := ListCheckpoints(base)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, indices)

	_, err = Build(base, nil).Keep(0).Done()
	require.Error(t, err)
	_, err = Build("", nil).Done()
	require.Error(t, err)
}

func TestCheckpointLoad(t *testing.T) {
	base := filepath.Join(t.TempDir(), "model")
	lossAvg := callbacks.NewWindowedMetricAvgWithSize("loss", 3, true)
	model := &fakeModel{weights: tensors.FromValue([]float64{1, 2, 3}), step: 7, config: []string{"a", "b"}}
	objects := map[string]any{
		"model":   model,
		"metrics": map[string]any{"loss": lossAvg},
		"note":    "hello",
	}
	checkpoint := Build(base, objects).MustDone()

	// Nothing to load yet.
	_, err := checkpoint.Load()
	require.ErrorIs(t, err, ErrNoCheckpoint)

	// Train a bit, saving at each epoch end.
	runner := train.NewRunner(lossAvg, checkpoint)
	state := train.NewState()
	for epoch := range 2 {
		require.NoError(t, runner.OnEpochStart(state))
		for _, loss := range []float64{1, 2} {
			state.Values["loss"] = loss + float64(epoch)
			require.NoError(t, runner.OnBatchEnd(state))
			state.Iters++
		}
		model.step++
		require.NoError(t, runner.OnEpochEnd(state))
		state.Epoch++
	}

	// Restore into fresh objects.
	lossAvg2 := callbacks.NewWindowedMetricAvgWithSize("loss", 3, true)
	model2 := &fakeModel{}
	checkpoint2 := Build(base, map[string]any{
		"model":   model2,
		"metrics": map[string]any{"loss": lossAvg2},
	}).MustDone()
	saved, err := checkpoint2.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Index)
	assert.Equal(t, 2, checkpoint2.NextIndex())
	assert.True(t, model.weights.Equal(model2.weights))
	assert.Equal(t, 9, model2.step)
	assert.Equal(t, []string{"a", "b"}, model2.config)
	assert.Equal(t, []float64{2, 2, 3}, lossAvg2.Average().Values())
	assert.Equal(t, "hello", saved.Objects["note"])

	// Training state.
	require.True(t, saved.HasTraining)
	assert.Equal(t, 1, saved.Epoch)
	assert.Equal(t, 4, saved.Iters)
	assert.InDelta(t, 7.0/3.0, saved.Metrics["loss"], 1e-9)
	assert.False(t, saved.SavedAt.IsZero())
	resumed := train.NewState()
	saved.RestoreState(resumed)
	assert.Equal(t, 2, resumed.Epoch)
	assert.Equal(t, 4, resumed.Iters)

	// Loading a specific index.
	saved, err = checkpoint2.LoadIndex(0)
	require.NoError(t, err)
	assert.Equal(t, 8, model2.step)
	assert.Equal(t, 0, saved.Epoch)
	assert.Equal(t, 1, checkpoint2.NextIndex())

	// Missing index and missing objects fail loudly, once.
	_, err = checkpoint2.LoadIndex(5)
	require.Error(t, err)
	checkpoint3 := Build(base, map[string]any{"other": &fakeModel{}}).MustDone()
	_, err = checkpoint3.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"other"`)
}

func TestCheckpointResumeLoop(t *testing.T) {
	base := filepath.Join(t.TempDir(), "model")
	newDataset := func() *train.InMemoryDataset {
		return train.NewInMemoryDatasetFromTensors("ds",
			tensors.FromScalarAndDimensions(1.0, 4, 2), tensors.FromScalarAndDimensions(0.0, 4), 2)
	}
	newLoop := func(model *fakeModel, checkpoint *Checkpoint) *train.Loop {
		return train.NewLoop(train.NewRunner(checkpoint), func(state *train.State) error {
			model.step++
			state.Values[train.LossKey] = 1.0
			return nil
		})
	}

	model := &fakeModel{weights: tensors.FromValue([]float64{1})}
	checkpoint := Build(base, map[string]any{"model": model}).MustDone()
	require.NoError(t, newLoop(model, checkpoint).RunEpochs(newDataset(), 2))
	assert.Equal(t, 4, model.step)

	// A new process restores the model and the counters, and continues training from there.
	model2 := &fakeModel{}
	checkpoint2 := Build(base, map[string]any{"model": model2}).MustDone()
	saved, err := checkpoint2.Load()
	require.NoError(t, err)
	state := train.NewState()
	saved.RestoreState(state)
	loop := newLoop(model2, checkpoint2).WithState(state)
	require.Same(t, state, loop.State)
	require.NoError(t, loop.RunEpochs(newDataset(), 1))
	assert.Equal(t, 6, model2.step)
	assert.Equal(t, 3, state.Epoch)
	assert.Equal(t, 6, state.Iters)

	resumed, err := ReadFile(checkpoint2.Filename(2))
	require.NoError(t, err)
	assert.Equal(t, 2, resumed.Epoch)
	assert.Equal(t, 6, resumed.Iters)
}

func TestCheckpointCorruptedFile(t *testing.T) {
	base := filepath.Join(t.TempDir(), "model")
	require.NoError(t, os.WriteFile(base+"_0.pth", []byte("not a protobuf"), 0o644))
	checkpoint := Build(base, map[string]any{}).MustDone()
	assert.Equal(t, 1, checkpoint.NextIndex())
	_, err := checkpoint.Load()
	require.Error(t, err)
}

func TestCheckpointInvalidTensorDimensions(t *testing.T) {
	dir := t.TempDir()
	for ii, dims := range [][]any{{-1.0, -2.0}, {1.5}, {"2"}, {math.NaN()}} {
		tensor := encodeTensor(tensors.FromValue([]float64{1, 2}))
		dimsList, err := structpb.NewList(dims)
		require.NoError(t, err)
		tensor.Fields[tensorTag] = structpb.NewListValue(dimsList)
		encoded := &structpb.Struct{Fields: map[string]*structpb.Value{
			objectsField: structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"weights": structpb.NewStructValue(tensor),
			}}),
		}}
		data, err := proto.Marshal(encoded)
		require.NoError(t, err)
		fileName := filepath.Join(dir, fmt.Sprintf("model_%d.pth", ii))
		require.NoError(t, os.WriteFile(fileName, data, 0o644))

		require.NotPanics(t, func() {
			_, err = ReadFile(fileName)
		})
		require.Error(t, err, "dimensions %v", dims)
		assert.Contains(t, err.Error(), "invalid tensor dimension")
	}
}

func TestRecursiveStateDict(t *testing.T) {
	avg := metrics.NewRunningAverage()
	avg.Log(3, 1)
	saved, err := RecursiveStateDict(map[string]any{
		"avg":    avg,
		"nested": map[string]any{"list": []any{1, "x", []float64{0.5}}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total_value": 3.0, "total_weight": 1.0}, saved["avg"])

	_, err = RecursiveStateDict(map[string]any{"bad": struct{}{}})
	require.Error(t, err)
	_, err = RecursiveStateDict(map[string]any{"nested": map[string]any{"list": []any{make(chan int)}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested.list.0")
}

func TestEncoding(t *testing.T) {
	original := map[string]any{
		"scalar":  2.5,
		"int":     3,
		"text":    "x",
		"flag":    true,
		"nothing": nil,
		"tensor":  tensors.FromValue([][][]float64{{{1}, {2}}, {{3}, {4}}}),
		"floats":  []float32{1.5},
		"nested":  map[string]any{"list": []any{int64(1), "y"}},
	}
	encoded, err := encodeStruct("", original)
	require.NoError(t, err)
	decoded, err := decodeStruct(encoded)
	require.NoError(t, err)
	assert.Equal(t, 2.5, decoded["scalar"])
	assert.Equal(t, 3.0, decoded["int"])
	assert.Equal(t, "x", decoded["text"])
	assert.Equal(t, true, decoded["flag"])
	assert.Nil(t, decoded["nothing"])
	assert.Equal(t, []any{1.5}, decoded["floats"])
	assert.Equal(t, map[string]any{"list": []any{1.0, "y"}}, decoded["nested"])
	tensor, ok := decoded["tensor"].(*tensors.Tensor)
	require.True(t, ok)
	assert.True(t, tensor.Equal(original["tensor"].(*tensors.Tensor)))
}

func TestBackup(t *testing.T) {
	base := filepath.Join(t.TempDir(), "model")
	checkpoint := Build(base, map[string]any{"x": 1}).MustDone()
	require.Error(t, checkpoint.Backup())
	require.NoError(t, checkpoint.Save(nil))
	require.NoError(t, checkpoint.Save(nil))
	require.NoError(t, checkpoint.Backup())
	assert.FileExists(t, filepath.Join(filepath.Dir(base), BackupDir, "model_1.pth"))
	// The backup directory doesn't interfere with the listing.
	indices, err := checkpoint.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, indices)
}
