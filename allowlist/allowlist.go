// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package allowlist tracks the set of P2P public keys permitted to connect
// to this node during the current epoch (spec.md §4.2). It is one of the
// two resources shared across tasks (§5); Replace is the only mutator and
// is safe to call from the core loop while Contains is read concurrently by
// the transport layer's connection gate.
package allowlist

import (
	"sync"

	"github.com/luxfi/psyche/utils/set"
)

// Key is a 32-byte Ed25519 P2P public key.
type Key = [32]byte

// Allowlist is a lock-guarded replace-only set, matching invariant 4 of
// spec.md §3: after every snapshot, the allowlist equals exactly the set of
// P2P keys in the current epoch's clients.
type Allowlist struct {
	mu  sync.RWMutex
	set set.Set[Key]
}

// New returns an empty Allowlist.
func New() *Allowlist {
	return &Allowlist{set: set.NewSet[Key](0)}
}

// Replace atomically swaps the entire allowed set.
func (a *Allowlist) Replace(keys []Key) {
	next := set.NewSet[Key](len(keys))
	next.Add(keys...)

	a.mu.Lock()
	a.set = next
	a.mu.Unlock()
}

// Contains reports whether key may connect.
func (a *Allowlist) Contains(key Key) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.Contains(key)
}

// Len returns the number of allowed keys.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.Len()
}

// List returns a snapshot copy of the allowed keys.
func (a *Allowlist) List() []Key {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.set.List()
}
