// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"sync"

	"github.com/luxfi/psyche/core"
)

// Simulated is an in-memory Backend fake standing in for the out-of-scope
// Coordinator, used by package client's scenario (S1-S6) integration
// tests per SPEC_FULL.md §8: a deterministic fixed sequence of Snapshots
// is fed to WaitForNewState, one per call, and every Send* call is
// recorded for assertions instead of going over the wire.
type Simulated struct {
	mu         sync.Mutex
	snapshots  []core.Snapshot
	next       int
	witnesses  []OpportunisticData
	healths    []HealthCheck
	checkpoints []HubRepo
}

// NewSimulated constructs a Simulated backend that yields snapshots in
// order, one per WaitForNewState call, then blocks until ctx is cancelled.
func NewSimulated(snapshots []core.Snapshot) *Simulated {
	return &Simulated{snapshots: snapshots}
}

var _ Backend = (*Simulated)(nil)

// WaitForNewState implements Backend.
func (s *Simulated) WaitForNewState(ctx context.Context) (core.Snapshot, error) {
	s.mu.Lock()
	if s.next < len(s.snapshots) {
		snap := s.snapshots[s.next]
		s.next++
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	<-ctx.Done()
	return core.Snapshot{}, ctx.Err()
}

// SendWitness implements Backend.
func (s *Simulated) SendWitness(_ context.Context, o OpportunisticData) error {
	s.mu.Lock()
	s.witnesses = append(s.witnesses, o)
	s.mu.Unlock()
	return nil
}

// SendHealthCheck implements Backend.
func (s *Simulated) SendHealthCheck(_ context.Context, hc HealthCheck) error {
	s.mu.Lock()
	s.healths = append(s.healths, hc)
	s.mu.Unlock()
	return nil
}

// SendCheckpoint implements Backend.
func (s *Simulated) SendCheckpoint(_ context.Context, repo HubRepo) error {
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, repo)
	s.mu.Unlock()
	return nil
}

// Witnesses returns every recorded SendWitness call, for test assertions.
func (s *Simulated) Witnesses() []OpportunisticData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OpportunisticData, len(s.witnesses))
	copy(out, s.witnesses)
	return out
}

// HealthChecks returns every recorded SendHealthCheck call.
func (s *Simulated) HealthChecks() []HealthCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HealthCheck, len(s.healths))
	copy(out, s.healths)
	return out
}
