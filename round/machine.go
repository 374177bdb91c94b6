// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package round implements the Round State Machine of spec.md §4.5: it
// turns Coordinator snapshot transitions into local actions (committee
// role computation, blob GC, cache invalidation) and drives the
// Warmup/RoundTrain/RoundWitness/Cooldown sub-phases, producing the
// Broadcasts the core loop gossips and locally applies.
package round

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/applymsg"
	"github.com/luxfi/psyche/backend"
	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
	"github.com/luxfi/psyche/identity"
	"github.com/luxfi/psyche/modelshare"
)

// Transition is what OnSnapshot reports back to the core loop: the
// client's freshly computed role and whether round-entry side effects
// (blob GC, cache clear) fired.
type Transition struct {
	ClientIndex    int
	Role           core.Role
	EnteredTrain   bool
	EnteredWitness bool
	SelfAddr       string
}

// Machine is the Round State Machine for one node.
type Machine struct {
	log     log.Logger
	self    *identity.Local
	selfAddr string
	store   *blob.Store
	modelSrc *modelshare.Source
	pipeline *applymsg.Pipeline

	trainerMu sync.Mutex
	trainer   backend.Trainer

	mu          sync.Mutex
	lastState   core.RunState
	lastStep    uint32
	witnessedAt map[uint32]bool

	// selfResults and peerResults accumulate DisTrO contributions per
	// (step, parameter name) until the round reaches RoundWitness, per
	// spec.md §5's "aggregation of a step's DisTrO results is delayed
	// until the round's Witness sub-phase".
	selfResults map[uint32]map[string]distro.Result
	peerResults map[uint32]map[string][]distro.Result
}

// NewMachine constructs a Machine. selfAddr is this node's dialable
// address, embedded in published blob tickets.
func NewMachine(logger log.Logger, self *identity.Local, selfAddr string, store *blob.Store, modelSrc *modelshare.Source, pipeline *applymsg.Pipeline, trainer backend.Trainer) *Machine {
	return &Machine{
		log:         logger,
		self:        self,
		selfAddr:    selfAddr,
		store:       store,
		modelSrc:    modelSrc,
		pipeline:    pipeline,
		trainer:     trainer,
		witnessedAt: make(map[uint32]bool),
		selfResults: make(map[uint32]map[string]distro.Result),
		peerResults: make(map[uint32]map[string][]distro.Result),
	}
}

// SetTrainer swaps the Trainer a running Machine uses, letting
// client.Client's dynamic bootstrap (spec.md §4.10) replace a placeholder
// Trainer constructed before the Coordinator's checkpoint kind and
// parameter set were known.
func (m *Machine) SetTrainer(t backend.Trainer) {
	m.trainerMu.Lock()
	defer m.trainerMu.Unlock()
	m.trainer = t
}

func (m *Machine) currentTrainer() backend.Trainer {
	m.trainerMu.Lock()
	defer m.trainerMu.Unlock()
	return m.trainer
}

// OnSnapshot applies spec.md §4.5's per-transition steps 1-3: compute the
// local role, and, on entering RoundTrain, GC blobs and invalidate the
// model-sharing cache.
func (m *Machine) OnSnapshot(snap core.Snapshot) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	clientIndex := snap.ClientIndex(m.self.NodeID())
	round := snap.EpochState.CurrentRound()
	role := core.SelectRole(round, snap.Config.WitnessNodes, snap.Config.VerificationPercent, len(snap.EpochState.Clients), clientIndex)

	enteredTrain := snap.RunState == core.RunRoundTrain && m.lastState != core.RunRoundTrain
	enteredWitness := snap.RunState == core.RunRoundWitness && m.lastState != core.RunRoundWitness

	if enteredTrain {
		if snap.Progress.Step > 0 {
			m.store.RemoveBlobsWithTagLessThan(snap.Progress.Step - 1)
		}
		m.modelSrc.InvalidateCache()
		if snap.Progress.Step > 2 {
			m.pipeline.ForgetBelow(snap.Progress.Step - 2)
		}
		m.log.Debug("entered RoundTrain", zap.Uint32("step", snap.Progress.Step), zap.Int("role", int(role)))
	}

	m.lastState = snap.RunState
	m.lastStep = snap.Progress.Step

	return Transition{ClientIndex: clientIndex, Role: role, EnteredTrain: enteredTrain, EnteredWitness: enteredWitness, SelfAddr: m.selfAddr}
}

// TrainStep runs the training sub-phase of spec.md §4.5: request a DisTrO
// delta for (step, batchID), publish it as a blob, build and sign the
// resulting Broadcast, feed it through the local apply-message pipeline as
// if received from the network, and remember the unquantized twin for
// this node's own aggregation contribution.
func (m *Machine) TrainStep(ctx context.Context, snap core.Snapshot, clientIndex int, batchID core.BatchId) (core.Broadcast, error) {
	step := snap.Progress.Step
	lr := snap.Model.LRSchedule.At(step)
	prevLR := lr
	if step > 0 {
		prevLR = snap.Model.LRSchedule.At(step - 1)
	}

	m.mu.Lock()
	prevSelf := selfResultsSlice(m.selfResults[step-1])
	m.mu.Unlock()

	out, err := m.currentTrainer().Train(ctx, step, batchID, [2]float64{prevLR, lr}, false, nil, prevSelf)
	if err != nil {
		return core.Broadcast{}, fmt.Errorf("round: train step %d: %w", step, err)
	}

	payload, err := EncodeResult(out.Result)
	if err != nil {
		return core.Broadcast{}, err
	}
	ticket := m.store.AddDownloadable(m.selfAddr, payload, step, core.FormatDistroResult)

	data := core.BroadcastData{Kind: core.DataTrainingResult, TrainingResult: core.TrainingResult{BatchID: batchID, Ticket: ticket}}
	hash := core.DataHash(data)
	b := core.Broadcast{
		Step: step,
		Proof: core.CommitteeProof{
			ClientIndex: clientIndex,
			Step:        step,
			Round:       snap.EpochState.CurrentRound(),
		},
		Commitment: core.Commitment{DataHash: hash, Signature: m.self.Sign(hash)},
		Data:       data,
	}

	m.mu.Lock()
	if m.selfResults[step] == nil {
		m.selfResults[step] = make(map[string]distro.Result)
	}
	m.selfResults[step][out.OriginalResult.Name] = out.OriginalResult
	m.recordPeerResultLocked(step, out.OriginalResult)
	m.mu.Unlock()

	clients := descriptorAddrs(snap.EpochState.Clients)
	outcome := m.pipeline.Apply(snap.EpochState.Clients, m.self.P2PPublicKey(), b, clients)
	if outcome != applymsg.Applied {
		m.log.Warn("local training broadcast was not applied", zap.String("outcome", outcome.String()))
	}

	return b, nil
}

// OnDownloadComplete resolves a blob download against the apply-message
// pipeline and, for TrainingResult payloads, decodes and records the
// peer's DisTrO contribution for later aggregation (spec.md §4.6 step 6).
func (m *Machine) OnDownloadComplete(dc blob.DownloadComplete) {
	pa, ok := m.pipeline.OnDownloadComplete(dc)
	if !ok {
		return
	}
	result, err := DecodeResult(dc.Data)
	if err != nil {
		m.log.Warn("failed to decode peer distro result", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.recordPeerResultLocked(pa.Step, result)
	m.mu.Unlock()
}

// selfResultsSlice flattens one step's per-parameter self contributions
// into the []distro.Result shape Trainer.Train's prevSelfResults parameter
// expects, so DisTrO's Generate (spec.md §4.7 step 2) can subtract what
// this node already broadcast for a step whose aggregation hasn't landed
// yet (a nil map, the common case, yields a nil slice).
func selfResultsSlice(byParam map[string]distro.Result) []distro.Result {
	if len(byParam) == 0 {
		return nil
	}
	out := make([]distro.Result, 0, len(byParam))
	for _, r := range byParam {
		out = append(out, r)
	}
	return out
}

func (m *Machine) recordPeerResultLocked(step uint32, r distro.Result) {
	if m.peerResults[step] == nil {
		m.peerResults[step] = make(map[string][]distro.Result)
	}
	m.peerResults[step][r.Name] = append(m.peerResults[step][r.Name], r)
}

// Aggregate runs the Witness sub-phase's optimizer aggregation for step:
// every parameter accumulated so far (possibly a subset, per spec.md §4.7
// "missing contributors cause the step to be finalized with the subset
// available") is applied, and the step's bookkeeping is released.
func (m *Machine) Aggregate(ctx context.Context, snap core.Snapshot) error {
	step := snap.Progress.Step
	lr := snap.Model.LRSchedule.At(step)

	m.mu.Lock()
	byParam := m.peerResults[step]
	delete(m.peerResults, step)
	delete(m.selfResults, step)
	m.mu.Unlock()

	if len(byParam) == 0 {
		m.log.Warn("no distro results to aggregate, leaving parameters unchanged", zap.Uint32("step", step))
		return nil
	}

	for name, results := range byParam {
		if !agreeingXShape(results) {
			m.log.Warn("disagreeing xshape in aggregation, dropping mismatched contributors", zap.String("param", name))
			results = onlyMajorityXShape(results)
			if len(results) == 0 {
				continue
			}
		}
		if _, err := m.currentTrainer().Optimize(ctx, step, [2]float64{lr, lr}, results); err != nil {
			return fmt.Errorf("round: optimize step %d param %s: %w", step, name, err)
		}
	}
	return nil
}

// FinishedBroadcast builds the Finished sub-phase's closing Broadcast
// (spec.md §4.5 "Finished sub-phase"); merkle summarizes applied messages
// for the round, computed by the caller from the pipeline's recorded
// contributions.
func (m *Machine) FinishedBroadcast(snap core.Snapshot, clientIndex int, merkle [32]byte, warmup bool) core.Broadcast {
	data := core.BroadcastData{Kind: core.DataFinished, Finished: core.Finished{BroadcastMerkle: merkle, Warmup: warmup}}
	hash := core.DataHash(data)
	return core.Broadcast{
		Step: snap.Progress.Step,
		Proof: core.CommitteeProof{
			ClientIndex: clientIndex,
			Step:        snap.Progress.Step,
			Round:       snap.EpochState.CurrentRound(),
		},
		Commitment: core.Commitment{DataHash: hash, Signature: m.self.Sign(hash)},
		Data:       data,
	}
}

// WitnessDue reports whether an opportunistic witness has not yet been
// sent for the round's current step (spec.md §4.8's 500ms-cadence check),
// and marks it sent if so.
func (m *Machine) WitnessDue(step uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.witnessedAt[step] {
		return false
	}
	m.witnessedAt[step] = true
	return true
}

// ExpectedButAbsent reports whether no DisTrO result whose parameter name
// equals trainerName has been recorded for step. It is keyed by parameter
// name, not by node identity.
func (m *Machine) ExpectedButAbsent(step uint32, trainerName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, results := range m.peerResults[step] {
		for _, r := range results {
			if r.Name == trainerName {
				return false
			}
		}
	}
	return true
}

func descriptorAddrs(clients []core.ClientDescriptor) []string {
	// ClientDescriptor carries no network address in this implementation
	// (addresses are resolved out-of-band by the transport layer's peer
	// directory), so this returns nil and the download TrainStep's
	// broadcast starts carries no fallback peers.
	_ = clients
	return nil
}

func agreeingXShape(results []distro.Result) bool {
	if len(results) == 0 {
		return true
	}
	want := results[0].Sparse.XShape
	for _, r := range results[1:] {
		if !shapeEqual(r.Sparse.XShape, want) {
			return false
		}
	}
	return true
}

func onlyMajorityXShape(results []distro.Result) []distro.Result {
	counts := make(map[string]int)
	for _, r := range results {
		counts[shapeKey(r.Sparse.XShape)]++
	}
	var bestKey string
	best := -1
	for k, c := range counts {
		if c > best {
			best, bestKey = c, k
		}
	}
	out := make([]distro.Result, 0, best)
	for _, r := range results {
		if shapeKey(r.Sparse.XShape) == bestKey {
			out = append(out, r)
		}
	}
	return out
}

func shapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeKey(s []int64) string {
	return fmt.Sprint(s)
}
