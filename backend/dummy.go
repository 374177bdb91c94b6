// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
)

// DummyTrainer synthesizes a trivial fixed-shape "model" entirely in
// memory, grounded on original_source/shared/client/src/state/init.rs's
// DummyModel/DummyDataProvider path (the Rust client's own test-only model
// backend). It never touches a real tensor library; Extract returns the
// raw little-endian float64 bytes of each parameter (encodeFloat64s) so tests can
// round-trip them through the blob layer like any other parameter.
type DummyTrainer struct {
	mu     sync.Mutex
	opt    *distro.Optimizer
	params map[string][]float64
	shapes map[string][]int64
	lr     core.LRSchedule
}

// NewDummyTrainer builds a DummyTrainer with one parameter named "w" of the
// given length, all zeros, matching spec.md §4.10's "synthesize a trivial
// model for tests". optParams carries the Coordinator-reported
// weight_decay/compression_decay/chunk/topk/quantize tunables (spec.md
// §4.7) straight through to the Optimizer.
func NewDummyTrainer(paramLen int64, lr core.LRSchedule, optParams distro.Params) *DummyTrainer {
	shapes := map[string][]int64{"w": {paramLen}}
	return &DummyTrainer{
		opt:    distro.NewOptimizer(optParams, shapes),
		params: map[string][]float64{"w": make([]float64, paramLen)},
		shapes: shapes,
		lr:     lr,
	}
}

// Train implements Trainer: the "gradient" for the dummy model is a fixed
// per-batch pseudo-signal derived from the batch bounds, deterministic so
// tests can assert on the resulting DisTrO result without real compute.
// warmupLRBetween carries (prevLR, lr) per spec.md §6's Trainer capability;
// prevLR drives Generate's lookahead undo (spec.md §4.7 step 1) and
// prevSelfResults drives its step 2 (removing this node's own
// not-yet-aggregated broadcast from the carried delta).
func (d *DummyTrainer) Train(_ context.Context, step uint32, batch core.BatchId, warmupLRBetween [2]float64, _ bool, _ *uint32, prevSelfResults []distro.Result) (TrainOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := d.params["w"]
	grad := make([]float64, len(w))
	for i := range grad {
		grad[i] = float64(batch.Lo+uint64(i)+uint64(step)) / float64(batch.Len()+1)
	}

	prevLR, lr := warmupLRBetween[0], warmupLRBetween[1]
	res, err := d.opt.Generate("w", w, grad, prevLR, lr, prevSelfResults)
	if err != nil {
		return TrainOutput{}, fmt.Errorf("dummy trainer: generate: %w", err)
	}
	return TrainOutput{Result: res, OriginalResult: res}, nil
}

// Optimize implements Trainer: aggregate results and take the SGD step
// in place.
func (d *DummyTrainer) Optimize(_ context.Context, step uint32, _ [2]float64, results []distro.Result) (Trainer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(results) == 0 {
		return d, nil
	}
	lr := d.lr.At(step)
	if err := d.opt.Apply("w", d.params["w"], results, lr); err != nil {
		return d, fmt.Errorf("dummy trainer: apply: %w", err)
	}
	return d, nil
}

// Extract implements Trainer.
func (d *DummyTrainer) Extract() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.params))
	for name, vals := range d.params {
		out[name] = encodeFloat64s(vals)
	}
	return out
}

func encodeFloat64s(vals []float64) []byte {
	buf := make([]byte, len(vals)*8)
	for i, v := range vals {
		bits := math.Float64bits(v)
		for b := 0; b < 8; b++ {
			buf[i*8+b] = byte(bits >> (8 * b))
		}
	}
	return buf
}
