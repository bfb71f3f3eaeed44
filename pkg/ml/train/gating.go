// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
)

// NeverLog as the logEvery argument of sinks disables logging at batch end: only the epoch end is logged.
const NeverLog = -1

// CheckLogEvery panics if logEvery is not valid: it must be either > 0 or NeverLog.
func CheckLogEvery(logEvery int) {
	if logEvery == 0 || logEvery < NeverLog {
		exceptions.Panicf("invalid logEvery=%d, it must be > 0 or %d (NeverLog) to only log at the end of epochs",
			logEvery, NeverLog)
	}
}

// ShouldLog returns whether a sink configured with logEvery should log at a batch end, given the
// current number of iterations.
func ShouldLog(logEvery, iters int) bool {
	return logEvery != NeverLog && logEvery > 0 && iters%logEvery == 0
}

// gatedCallback forwards the epoch hooks of the wrapped callback, and calls its batch hook only when shouldCall
// says so.
type gatedCallback struct {
	name       string
	cb         Callback
	shouldCall func(state *State) bool
}

func (g *gatedCallback) Name() string { return g.name }

func (g *gatedCallback) OnEpochStart(state *State) error {
	if h, ok := g.cb.(EpochStarter); ok {
		return h.OnEpochStart(state)
	}
	return nil
}

func (g *gatedCallback) OnBatchEnd(state *State) error {
	h, ok := g.cb.(BatchEnder)
	if !ok || !g.shouldCall(state) {
		return nil
	}
	return h.OnBatchEnd(state)
}

func (g *gatedCallback) OnEpochEnd(state *State) error {
	if h, ok := g.cb.(EpochEnder); ok {
		return h.OnEpochEnd(state)
	}
	return nil
}

// EveryNBatches wraps cb so its OnBatchEnd hook is called only every n batches (counted by the wrapper).
// The epoch hooks are always called.
//
// Notice that it does not call OnBatchEnd at the last batch of an epoch (except by coincidence).
func EveryNBatches(n int, cb Callback) Callback {
	if n <= 0 {
		exceptions.Panicf("invalid n=%d for EveryNBatches, it must be > 0", n)
	}
	count := 0
	return &gatedCallback{
		name: fmt.Sprintf("EveryNBatches(%d): %s", n, cb.Name()),
		cb:   cb,
		shouldCall: func(_ *State) bool {
			count++
			return count%n == 0
		},
	}
}

// Periodic wraps cb so its OnBatchEnd hook is called at most once every period of time.
// The period counts after the execution of the hook: this discounts the time to run it (in case it is expensive).
// The first batch only starts the clock.
// The epoch hooks are always called.
func Periodic(period time.Duration, cb Callback) Callback {
	var last time.Time
	started := false
	return &gatedCallback{
		name: fmt.Sprintf("Periodic(%s): %s", period, cb.Name()),
		cb:   cb,
		shouldCall: func(_ *State) bool {
			if !started {
				started = true
				last = time.Now()
				return false
			}
			if time.Since(last) < period {
				return false
			}
			last = time.Now()
			return true
		},
	}
}

// Exponential wraps cb so its OnBatchEnd hook is called at exponentially increasing number of iterations
// in between, starting with startIters, and growing at geometric factor of exponentialFactor.
// The epoch hooks are always called.
//
// Example: This will call at iterations 100, 100+100*1.2 = 220, 220+100*1.2^2 = 364, ...
//
//	Exponential(100, 1.2, myCallback)
func Exponential(startIters int, exponentialFactor float64, cb Callback) Callback {
	if startIters <= 0 || exponentialFactor <= 1 {
		exceptions.Panicf("Invalid parameters for Exponential(startIters=%d, exponentialFactor=%f), "+
			"startIters must be > 0 and exponentialFactor must be > 1", startIters, exponentialFactor)
	}
	e := &exponentialSchedule{startIters: startIters, exponentialFactor: exponentialFactor}
	return &gatedCallback{
		name:       fmt.Sprintf("Exponential(%d, %g): %s", startIters, exponentialFactor, cb.Name()),
		cb:         cb,
		shouldCall: e.shouldCall,
	}
}

type exponentialSchedule struct {
	startIters, currentSkip, nextToCall int
	exponentialFactor                   float64
	initialized                         bool
}

func (e *exponentialSchedule) bump() {
	e.nextToCall += e.currentSkip
	e.currentSkip = int(math.Round(float64(e.currentSkip) * e.exponentialFactor))
}

func (e *exponentialSchedule) shouldCall(state *State) bool {
	if !e.initialized {
		// Find the next call after the current iteration, in case training was resumed.
		e.initialized = true
		e.currentSkip = e.startIters
		for state.Iters > e.nextToCall+e.currentSkip {
			e.bump()
		}
		e.bump()
	}
	if state.Iters < e.nextToCall {
		return false
	}
	e.bump()
	return true
}
