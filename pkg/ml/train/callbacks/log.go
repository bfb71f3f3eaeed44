// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callbacks

import (
	"fmt"

	"github.com/gomlx/callbacks/pkg/ml/train"
	"github.com/gomlx/callbacks/pkg/ml/train/metrics"
	"github.com/pkg/errors"
)

// Log copies, at the end of every batch, a value of the training state addressed by a dotted path
// (see train.State.Lookup) into State.Metrics[toKey].
type Log struct {
	fromKey, toKey string
	owner          *metrics.Owner
}

var _ train.BatchEnder = (*Log)(nil)

// NewLog creates a Log callback copying the value at fromKey to the metric toKey.
// E.g.: NewLog("optimizer.lr", "lr").
func NewLog(fromKey, toKey string) *Log {
	cb := &Log{fromKey: fromKey, toKey: toKey}
	cb.owner = metrics.NewOwner(cb.Name())
	return cb
}

// Name implements train.Callback.
func (cb *Log) Name() string { return fmt.Sprintf("Log(%s->%s)", cb.fromKey, cb.toKey) }

// OnBatchEnd copies the value.
func (cb *Log) OnBatchEnd(state *train.State) error {
	raw, err := state.Lookup(cb.fromKey)
	if err != nil {
		return err
	}
	value, err := metrics.ValueOf(raw)
	if err != nil {
		var unsupported *metrics.UnsupportedValueError
		if errors.As(err, &unsupported) {
			unsupported.Key = cb.toKey
		}
		return err
	}
	return state.Metrics.Set(cb.owner, cb.toKey, value)
}
