// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package identity implements the core's AuthenticatableIdentity capability:
// Ed25519 signing and verification over the 32-byte P2P keys carried on
// every ClientDescriptor. The teacher's pkg/wire/credentials.go enumerates
// Ed25519 as a first-class credential tag; this package is the client-side
// counterpart, using crypto/ed25519 directly rather than introducing a
// second signature scheme.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/luxfi/ids"
	"github.com/luxfi/psyche/core"
)

// Local is a node's own signing identity: an Ed25519 keypair plus the
// derived NodeID used for bookkeeping throughout the core.
type Local struct {
	nodeID ids.NodeID
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

var _ core.NodeIdentity = (*Local)(nil)

// Generate creates a fresh random identity, used by tests and by
// cmd/psyche-client at startup.
func Generate() (*Local, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return FromKey(priv)
}

// FromKey wraps an existing Ed25519 private key, e.g. loaded from a
// configured key file.
func FromKey(priv ed25519.PrivateKey) (*Local, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: bad private key size %d", len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	var raw [32]byte
	copy(raw[:], pub)
	return &Local{
		nodeID: ids.NodeID(raw),
		pub:    pub,
		priv:   priv,
	}, nil
}

// NodeID implements core.NodeIdentity.
func (l *Local) NodeID() ids.NodeID { return l.nodeID }

// P2PPublicKey implements core.NodeIdentity.
func (l *Local) P2PPublicKey() [32]byte {
	var out [32]byte
	copy(out[:], l.pub)
	return out
}

// Sign signs data's hash, returning the 64-byte Ed25519 signature bound into
// a Broadcast's commitment.
func (l *Local) Sign(dataHash [32]byte) [64]byte {
	sig := ed25519.Sign(l.priv, dataHash[:])
	var out [64]byte
	copy(out[:], sig)
	return out
}

// Verify checks a signature over dataHash under the given 32-byte P2P
// public key. This is the only authentication boundary in the system: a
// failure here is a Verification-class error (spec.md §7) and must never
// panic on attacker-controlled input.
func Verify(pub [32]byte, dataHash [32]byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), dataHash[:], sig[:])
}

// Remote is a peer's identity as carried on a ClientDescriptor: just enough
// to verify signatures and address transport connections.
type Remote struct {
	id  ids.NodeID
	key [32]byte
}

var _ core.NodeIdentity = (*Remote)(nil)

// NewRemote constructs a Remote identity from a peer's NodeID and P2P key.
func NewRemote(id ids.NodeID, key [32]byte) *Remote {
	return &Remote{id: id, key: key}
}

func (r *Remote) NodeID() ids.NodeID      { return r.id }
func (r *Remote) P2PPublicKey() [32]byte  { return r.key }
