// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package backend defines the two capability interfaces the core depends on
// but never implements itself (spec.md §6): Backend, the Coordinator-facing
// submission surface, and Trainer, the model-facing compute surface. Both
// are small capability interfaces rather than a base class, matching the
// "dynamic dispatch via trait objects, no inheritance" note of spec.md §9.
package backend

import (
	"context"

	"github.com/luxfi/ids"

	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
)

// OpportunisticData is the payload of a witness submission made outside the
// fixed RoundWitness sub-phase (e.g. an early witness during Warmup).
type OpportunisticData struct {
	Step     uint32
	Warmup   bool
	Metadata []byte
}

// HealthCheck accuses a committee peer of being expected-but-absent for a
// step, carrying the committee proof binding the accuser's own membership.
type HealthCheck struct {
	Accused ids.NodeID
	Proof   core.CommitteeProof
}

// HubRepo names an external checkpoint destination; out of scope beyond
// this marker type (spec.md §4.10 "Hub: out of scope").
type HubRepo struct {
	Repo string
}

// Backend is the Coordinator-facing capability: receive snapshots, submit
// witnesses/health checks/checkpoints. The Coordinator backend itself owns
// retry and at-least-once semantics (spec.md §4.1); submissions here are
// fire-and-forget from the core's perspective.
type Backend interface {
	WaitForNewState(ctx context.Context) (core.Snapshot, error)
	SendWitness(ctx context.Context, opportunistic OpportunisticData) error
	SendHealthCheck(ctx context.Context, hc HealthCheck) error
	SendCheckpoint(ctx context.Context, repo HubRepo) error
}

// TrainOutput is what a training step produces: the DisTrO result this
// node contributes plus its unquantized twin, which feeds the local
// lookahead state even when the published result is sign-quantized
// (spec.md §4.5 training sub-phase, step 3).
type TrainOutput struct {
	Result           distro.Result
	OriginalResult   distro.Result
}

// Trainer is the model-facing capability (spec.md §6): run one training
// step, fold in an aggregated optimizer step, and extract the current
// parameter map for checkpointing or model-sharing.
type Trainer interface {
	// Train runs forward+backward for batch at step, returning this node's
	// DisTrO contribution. rollback is accepted but unused by every backend
	// in this repo (spec.md §9 Open Question (a)): no training path here
	// needs to roll back a partially-applied step, so it is threaded
	// through for interface compatibility with a Coordinator that might one
	// day request it, and otherwise ignored.
	Train(ctx context.Context, step uint32, batch core.BatchId, warmupLRBetween [2]float64, zeroOptim bool, rollback *uint32, prevSelfResults []distro.Result) (TrainOutput, error)

	// Optimize applies the aggregated, scatter-meaned DisTrO results for a
	// step and returns the (mutated in place, returned for chaining) Trainer.
	Optimize(ctx context.Context, step uint32, warmupLRBetween [2]float64, results []distro.Result) (Trainer, error)

	// Extract returns the current parameter map by name, used for
	// checkpointing and for answering model-sharing ParameterRequests.
	Extract() map[string][]byte
}
