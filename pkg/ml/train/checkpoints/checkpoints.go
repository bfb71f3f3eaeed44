// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements the Checkpoint sink: at the end of every epoch it saves a snapshot of the
// state of a set of objects (see Stateful) to numbered files `<base>_<n>.pth`, and it can load them back
// to resume training.
//
// The Checkpoint should be created by calling Build, followed by the options and finally Config.Done.
//
// Example: After creating the model and the metric callbacks, it checks if a checkpoint base was set
// (`*flagCheckpoint`) and if yes, resumes from the latest checkpoint and saves a new one at every epoch end,
// keeping the last `*flagCheckpointKeep` files.
//
//	…
//	objects := map[string]any{"model": model, "loss_window": lossAvg}
//	checkpoint := must.M1(checkpoints.Build(*flagCheckpoint, objects).Keep(*flagCheckpointKeep).Done())
//	saved, err := checkpoint.Load()
//	if err == nil {
//		saved.RestoreState(loop.State)
//	} else if !errors.Is(err, checkpoints.ErrNoCheckpoint) {
//		klog.Fatalf("%+v", err)
//	}
//	runner := train.NewRunner(lossAvg, stdoutLogger, checkpoint)  // Checkpoint registered last.
//	…
//
// The payload is a protobuf encoded google.protobuf.Struct, so it can be inspected by any protobuf tool.
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/support/fsutil"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

const (
	// FileSuffix of checkpoint files.
	FileSuffix = ".pth"

	// BackupDir is the name of the (sub-)directory, next to the checkpoint files, that holds
	// the backups. See Checkpoint.Backup.
	BackupDir = "backup"

	// Payload fields.
	objectsField  = "objects"
	trainingField = "training"
)

// ErrNoCheckpoint is returned by Checkpoint.Load when there are no checkpoint files to load.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Config for a Checkpoint. Create it with Build, and finish it with Done.
type Config struct {
	base    string
	objects map[string]any
	keep    int
	err     error
}

// Build a configuration for a Checkpoint saving to files `<filenameBase>_<n>.pth` the state of objects
// (see RecursiveStateDict). A "~" prefix in filenameBase is expanded to the user's home directory.
//
// Call Config.Done to create the Checkpoint.
func Build(filenameBase string, objects map[string]any) *Config {
	c := &Config{objects: objects, keep: -1}
	if filenameBase == "" {
		c.err = errors.New("checkpoints.Build: filenameBase is empty")
		return c
	}
	c.base, c.err = fsutil.ReplaceTildeInDir(filenameBase)
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is -1.
func (c *Config) Keep(n int) *Config {
	if n == 0 || n < -1 {
		c.err = errors.Errorf("checkpoints.Config.Keep(%d): it must be > 0, or -1 to keep all", n)
	}
	c.keep = n
	return c
}

// Done creates the Checkpoint. It doesn't load anything, see Checkpoint.Load.
//
// If there are checkpoint files already, the numbering continues after the highest one, so they are not
// overwritten.
func (c *Config) Done() (*Checkpoint, error) {
	if c.err != nil {
		return nil, c.err
	}
	cp := &Checkpoint{config: c}
	indices, err := cp.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(indices) > 0 {
		cp.nbSaved = indices[len(indices)-1] + 1
	}
	return cp, nil
}

// MustDone constructs the Checkpoint. It panics if there was an error.
func (c *Config) MustDone() *Checkpoint {
	cp, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create checkpoints.Checkpoint"))
	}
	return cp
}

// Checkpoint is a sink that saves the state of a set of objects at the end of every epoch, to files named
// `<base>_<n>.pth`, with n starting at 0 and incremented at every save.
//
// It should be registered after the callbacks whose metrics are to be saved.
type Checkpoint struct {
	config  *Config
	nbSaved int
}

var _ train.EpochEnder = (*Checkpoint)(nil)

// Name implements train.Callback.
func (cp *Checkpoint) Name() string { return fmt.Sprintf("Checkpoint(%s)", cp.config.base) }

// String implements fmt.Stringer.
func (cp *Checkpoint) String() string { return cp.Name() }

// Filename returns the path of the checkpoint file with index n.
func (cp *Checkpoint) Filename(n int) string {
	return FileName(cp.config.base, n)
}

// FileName returns the path of the checkpoint file with index n for the given base: `<filenameBase>_<n>.pth`.
func FileName(filenameBase string, n int) string {
	return filenameBase + "_" + strconv.Itoa(n) + FileSuffix
}

// NextIndex returns the index of the next checkpoint to be saved.
func (cp *Checkpoint) NextIndex() int { return cp.nbSaved }

// OnEpochEnd implements train.EpochEnder: it saves a checkpoint.
func (cp *Checkpoint) OnEpochEnd(state *train.State) error {
	return cp.Save(state)
}

// Save a new checkpoint with the state of the objects and, if state is not nil, the training counters and
// scalar metrics.
//
// The file is first written to a temporary file and then renamed, so a partially written checkpoint is never
// left behind under the final name.
func (cp *Checkpoint) Save(state *train.State) error {
	saved, err := RecursiveStateDict(cp.config.objects)
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to take a snapshot", cp)
	}
	payload := map[string]any{objectsField: saved}
	if state != nil {
		scalars := make(map[string]any)
		for key, value := range state.Metrics.Scalars() {
			scalars[key] = value
		}
		payload[trainingField] = map[string]any{
			"epoch":    state.Epoch,
			"iters":    state.Iters,
			"metrics":  scalars,
			"saved_at": time.Now().Format(time.RFC3339),
		}
	}
	encoded, err := encodeStruct("", payload)
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to encode snapshot", cp)
	}
	data, err := proto.Marshal(encoded)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to serialize snapshot", cp)
	}

	fileName := cp.Filename(cp.nbSaved)
	if err = fsutil.EnsureParentDir(fileName); err != nil {
		return errors.WithMessagef(err, "%s: failed to create checkpoint directory", cp)
	}
	if err = writeFileAtomic(fileName, data); err != nil {
		return errors.WithMessagef(err, "%s", cp)
	}
	klog.V(1).Infof("%s: saved %q", cp, fileName)
	cp.nbSaved++

	// Remove excess checkpoints.
	return cp.keepNCheckpoints()
}

func writeFileAtomic(fileName string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(fileName), "."+filepath.Base(fileName)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for %q", fileName)
	}
	tmpName := tmpFile.Name()
	removeTmp := func() {
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			klog.Warningf("failed to remove temporary checkpoint file %q: %v", tmpName, err)
		}
	}
	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		removeTmp()
		return errors.Wrapf(err, "failed to write checkpoint file %q", tmpName)
	}
	if err = tmpFile.Close(); err != nil {
		removeTmp()
		return errors.Wrapf(err, "failed to close checkpoint file %q", tmpName)
	}
	if err = os.Rename(tmpName, fileName); err != nil {
		removeTmp()
		return errors.Wrapf(err, "failed to rename %q to %q", tmpName, fileName)
	}
	return nil
}

// ListCheckpoints returns the indices of the checkpoint files present, in increasing order.
func (cp *Checkpoint) ListCheckpoints() ([]int, error) {
	return ListCheckpoints(cp.config.base)
}

// ListCheckpoints returns the indices of the checkpoint files `<filenameBase>_<n>.pth` present, in increasing order.
// A missing directory is not an error, it simply has no checkpoints.
func ListCheckpoints(filenameBase string) ([]int, error) {
	dir, prefix := filepath.Split(filenameBase)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing checkpoints %q", filenameBase)
	}
	countRegex := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(\d+)` + regexp.QuoteMeta(FileSuffix) + `$`)
	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := countRegex.FindStringSubmatch(entry.Name())
		if len(matches) != 2 {
			continue
		}
		n, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	slices.Sort(indices)
	return indices, nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and removes
// the excess.
func (cp *Checkpoint) keepNCheckpoints() error {
	if cp.config.keep < 0 {
		return nil
	}
	indices, err := cp.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", cp)
	}
	if len(indices) <= cp.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, n := range indices[:len(indices)-cp.config.keep] {
		fileName := cp.Filename(n)
		err = os.Remove(fileName)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", cp, fileName)
		}
	}
	return nil
}

// Saved is the content of a checkpoint file.
type Saved struct {
	// Index n of the file `<base>_<n>.pth`.
	Index int

	// Objects holds the snapshot taken by RecursiveStateDict, as decoded from the file.
	Objects map[string]any

	// HasTraining is true if the checkpoint was saved with a training state, and the fields below are set.
	HasTraining bool

	// Epoch during which the checkpoint was saved, and the number of iterations done by then.
	Epoch, Iters int

	// Metrics holds the scalar metrics at the time of the save.
	Metrics map[string]float64

	// SavedAt is when the checkpoint was saved.
	SavedAt time.Time
}

// RestoreState sets the training counters of state so that training resumes right after the saved epoch.
// It's a no-op if the checkpoint has no training state.
func (s *Saved) RestoreState(state *train.State) {
	if !s.HasTraining {
		return
	}
	state.Epoch = s.Epoch + 1
	state.Iters = s.Iters
	state.EpochBatch = 0
}

// ReadFile reads and decodes a checkpoint file, without restoring anything.
func ReadFile(fileName string) (*Saved, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint %q", fileName)
	}
	encoded := &structpb.Struct{}
	if err = proto.Unmarshal(data, encoded); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint %q", fileName)
	}
	payload, err := decodeStruct(encoded)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to decode checkpoint %q", fileName)
	}
	saved := &Saved{Index: -1}
	objects, ok := payload[objectsField].(map[string]any)
	if !ok {
		return nil, errors.Errorf("checkpoint %q has no %q field, is it a checkpoint file?", fileName, objectsField)
	}
	saved.Objects = objects
	if training, ok := payload[trainingField].(map[string]any); ok {
		saved.HasTraining = true
		epoch, _ := training["epoch"].(float64)
		iters, _ := training["iters"].(float64)
		saved.Epoch, saved.Iters = int(epoch), int(iters)
		saved.Metrics = make(map[string]float64)
		if scalars, ok := training["metrics"].(map[string]any); ok {
			for key, value := range scalars {
				if v, ok := value.(float64); ok {
					saved.Metrics[key] = v
				}
			}
		}
		if savedAt, ok := training["saved_at"].(string); ok {
			saved.SavedAt, _ = time.Parse(time.RFC3339, savedAt)
		}
	}
	return saved, nil
}

// Load restores the objects from the checkpoint with the highest index, and sets the next save index
// to the one following it.
//
// It makes one attempt: if there are no checkpoint files it returns ErrNoCheckpoint, and if the file can't be
// read or restored it returns the error.
func (cp *Checkpoint) Load() (*Saved, error) {
	indices, err := cp.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, errors.Wrapf(ErrNoCheckpoint, "%s", cp)
	}
	return cp.LoadIndex(indices[len(indices)-1])
}

// LoadIndex restores the objects from the checkpoint with index n, and sets the next save index to n+1.
func (cp *Checkpoint) LoadIndex(n int) (*Saved, error) {
	fileName := cp.Filename(n)
	klog.V(1).Infof("%s: loading %q", cp, fileName)
	saved, err := ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	saved.Index = n
	if err = LoadRecursiveStateDict(saved.Objects, cp.config.objects); err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to restore %q", cp, fileName)
	}
	cp.nbSaved = n + 1
	return saved, nil
}

// Backup links (or copies) the latest checkpoint to a separate sub-directory called "backup"
// (constant in checkpoints.BackupDir) next to the checkpoint files.
//
// This way the backed up checkpoint doesn't get automatically deleted as the model training progresses.
func (cp *Checkpoint) Backup() error {
	indices, err := cp.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed Backup() finding current checkpoints")
	}
	if len(indices) == 0 {
		return errors.Errorf("there are no saved checkpoints for %q: maybe call Save() before Backup() ?",
			cp.config.base)
	}
	srcPath := cp.Filename(indices[len(indices)-1])
	backupDir := filepath.Join(filepath.Dir(srcPath), BackupDir)
	if err = fsutil.EnsureDir(backupDir); err != nil {
		return errors.WithMessagef(err, "trying to create dir %q", backupDir)
	}
	newPath := filepath.Join(backupDir, filepath.Base(srcPath))
	if err = os.Link(srcPath, newPath); err == nil {
		return nil
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %q for backup", srcPath)
	}
	return writeFileAtomic(newPath, data)
}
