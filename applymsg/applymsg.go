// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package applymsg implements the Apply-Message Pipeline of spec.md §4.6:
// every Broadcast, whether freshly produced locally or received over
// gossip, is fed through the same Apply call so local and remote
// commitments are verified and deduplicated identically. Downloads
// triggered for TrainingResult tickets are resolved later, when the blob
// layer reports DownloadComplete, which is when the payload actually
// reaches the DisTrO aggregation step.
package applymsg

import (
	"context"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/identity"
)

// Outcome is the pipeline's verdict for one Broadcast.
type Outcome int

const (
	Invalid Outcome = iota
	Ignored
	Applied
)

func (o Outcome) String() string {
	switch o {
	case Invalid:
		return "Invalid"
	case Ignored:
		return "Ignored"
	case Applied:
		return "Applied"
	default:
		return "Unknown"
	}
}

// seenKey identifies a Broadcast by its semantic payload, not its nonce, so
// rebroadcasts of the same commitment collapse to Ignored (spec.md §4.6.3).
type seenKey struct {
	sender ids.NodeID
	step   uint32
	kind   core.DataKind
	hash   [32]byte
}

// PendingApply is a TrainingResult download awaiting completion, recorded
// at step 4.6.4 so OnDownloadComplete can feed the aggregation once the
// bytes arrive.
type PendingApply struct {
	Sender  ids.NodeID
	Step    uint32
	BatchID core.BatchId
	Ticket  core.Ticket
}

// FinishedContribution is one sender's merkle contribution for a round,
// recorded at step 4.6.5.
type FinishedContribution struct {
	Sender   ids.NodeID
	Finished core.Finished
}

// Pipeline is the Apply-Message state machine. It holds no network
// handles: StartDownload is delegated to the injected *blob.Store, and the
// caller (package round) is responsible for calling OnDownloadComplete
// when that store reports completion.
type Pipeline struct {
	store *blob.Store

	mu       sync.Mutex
	seen     map[seenKey]struct{}
	pending  map[[32]byte]PendingApply
	merkle   map[uint32][]FinishedContribution
	trainers map[uint32]map[ids.NodeID]struct{}
}

// NewPipeline constructs a Pipeline over the given blob store.
func NewPipeline(store *blob.Store) *Pipeline {
	return &Pipeline{
		store:    store,
		seen:     make(map[seenKey]struct{}),
		pending:  make(map[[32]byte]PendingApply),
		merkle:   make(map[uint32][]FinishedContribution),
		trainers: make(map[uint32]map[ids.NodeID]struct{}),
	}
}

// Apply verifies and applies one (senderKey, Broadcast) pair against the
// current epoch's client list, per spec.md §4.6 steps 1-5.
func (p *Pipeline) Apply(clients []core.ClientDescriptor, senderKey [32]byte, b core.Broadcast, fallbackAddrs []string) Outcome {
	sender, ok := lookupSender(clients, senderKey)
	if !ok {
		return Invalid
	}

	dataHash := core.DataHash(b.Data)
	if dataHash != b.Commitment.DataHash {
		return Invalid
	}
	if !identity.Verify(senderKey, b.Commitment.DataHash, b.Commitment.Signature) {
		return Invalid
	}

	key := seenKey{sender: sender.ID.NodeID(), step: b.Step, kind: b.Data.Kind, hash: dataHash}
	p.mu.Lock()
	if _, dup := p.seen[key]; dup {
		p.mu.Unlock()
		return Ignored
	}
	p.seen[key] = struct{}{}
	p.mu.Unlock()

	switch b.Data.Kind {
	case core.DataTrainingResult:
		tr := b.Data.TrainingResult
		p.mu.Lock()
		p.pending[tr.Ticket.Hash] = PendingApply{
			Sender:  sender.ID.NodeID(),
			Step:    b.Step,
			BatchID: tr.BatchID,
			Ticket:  tr.Ticket,
		}
		if p.trainers[b.Step] == nil {
			p.trainers[b.Step] = make(map[ids.NodeID]struct{})
		}
		p.trainers[b.Step][sender.ID.NodeID()] = struct{}{}
		p.mu.Unlock()
		kind := blob.DownloadKind{FallbackPeers: fallbackAddrs}
		p.store.StartDownload(context.Background(), tr.Ticket, b.Step, kind)
		return Applied
	case core.DataFinished:
		p.mu.Lock()
		p.merkle[b.Step] = append(p.merkle[b.Step], FinishedContribution{
			Sender:   sender.ID.NodeID(),
			Finished: b.Data.Finished,
		})
		p.mu.Unlock()
		return Applied
	default:
		return Invalid
	}
}

// OnDownloadComplete resolves a completed TrainingResult download against
// its pending apply, returning the pending record so the caller (package
// round) can feed the payload into the DisTrO aggregation for that step.
func (p *Pipeline) OnDownloadComplete(dc blob.DownloadComplete) (PendingApply, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.pending[dc.Hash]
	if !ok {
		return PendingApply{}, false
	}
	delete(p.pending, dc.Hash)
	return pa, true
}

// FinishedContributions returns every recorded Finished contribution for a
// step, used to compute the expected-vs-actual contributor set at
// RoundWitness (spec.md Open Question (b), resolved in SPEC_FULL.md §9).
func (p *Pipeline) FinishedContributions(step uint32) []FinishedContribution {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FinishedContribution, len(p.merkle[step]))
	copy(out, p.merkle[step])
	return out
}

// AppliedTrainerSenders returns the node IDs that have had a TrainingResult
// applied for step, used by the witness sub-phase to find committee
// trainers who are expected but absent (spec.md §4.8).
func (p *Pipeline) AppliedTrainerSenders(step uint32) []ids.NodeID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ids.NodeID, 0, len(p.trainers[step]))
	for id := range p.trainers[step] {
		out = append(out, id)
	}
	return out
}

// ForgetBelow drops idempotency and merkle bookkeeping for steps older
// than minStep, keeping the pipeline's memory bounded across a long run.
func (p *Pipeline) ForgetBelow(minStep uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.seen {
		if k.step < minStep {
			delete(p.seen, k)
		}
	}
	for step := range p.merkle {
		if step < minStep {
			delete(p.merkle, step)
		}
	}
	for step := range p.trainers {
		if step < minStep {
			delete(p.trainers, step)
		}
	}
}

func lookupSender(clients []core.ClientDescriptor, key [32]byte) (core.ClientDescriptor, bool) {
	for _, c := range clients {
		if c.P2PPublicKey == key {
			return c, true
		}
	}
	return core.ClientDescriptor{}, false
}
