// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package watcher implements spec.md §4.1: a thin wrapper around the
// Backend capability that remembers the last-seen Coordinator snapshot so
// callers receive (old, new) pairs and can detect transitions, rather than
// re-deriving "what changed" from a bare Snapshot on every call.
package watcher

import (
	"context"
	"sync"

	"github.com/luxfi/psyche/backend"
	"github.com/luxfi/psyche/core"
)

// Transition is one (old, new) snapshot pair. Old is the zero Snapshot on
// the very first call.
type Transition struct {
	Old core.Snapshot
	New core.Snapshot
}

// Watcher polls a Backend for new Coordinator state.
type Watcher struct {
	backend backend.Backend

	mu   sync.Mutex
	last core.Snapshot
}

// New wraps backend as a Watcher.
func New(be backend.Backend) *Watcher {
	return &Watcher{backend: be}
}

// WaitForNewState blocks until the Backend yields a new Snapshot, returning
// it paired with the previously seen one.
func (w *Watcher) WaitForNewState(ctx context.Context) (Transition, error) {
	snap, err := w.backend.WaitForNewState(ctx)
	if err != nil {
		return Transition{}, err
	}
	w.mu.Lock()
	old := w.last
	w.last = snap
	w.mu.Unlock()
	return Transition{Old: old, New: snap}, nil
}

// SendWitness is fire-and-forget from the core's perspective (spec.md §4.1);
// the Backend implementation owns retries and at-least-once delivery.
func (w *Watcher) SendWitness(ctx context.Context, opportunistic backend.OpportunisticData) error {
	return w.backend.SendWitness(ctx, opportunistic)
}

// SendHealthCheck forwards a health check accusation to the Backend.
func (w *Watcher) SendHealthCheck(ctx context.Context, hc backend.HealthCheck) error {
	return w.backend.SendHealthCheck(ctx, hc)
}

// SendCheckpoint forwards a checkpoint submission to the Backend.
func (w *Watcher) SendCheckpoint(ctx context.Context, repo backend.HubRepo) error {
	return w.backend.SendCheckpoint(ctx, repo)
}

// Last returns the most recently seen snapshot, the zero value if none has
// arrived yet.
func (w *Watcher) Last() core.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
