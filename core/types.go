// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package core defines the wire and domain types shared by every component
// of the client round engine: the Coordinator's published snapshot shape,
// client descriptors, round inputs, batch identifiers and the gossip
// envelope. Nothing in this package talks to the network or to disk; it is
// pure data plus the small pieces of arithmetic (batch partitioning,
// committee selection) that every other package needs to agree on.
package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/luxfi/ids"
)

// NodeIdentity is the polymorphic identity of a federation member. The only
// thing the core requires of it is a stable NodeID for bookkeeping and a
// 32-byte P2P public key usable for gossip/blob authentication.
type NodeIdentity interface {
	NodeID() ids.NodeID
	P2PPublicKey() [32]byte
}

// RunState mirrors the Coordinator's run_state enum.
type RunState int

const (
	RunUninitialized RunState = iota
	RunWaitingForMembers
	RunWarmup
	RunRoundTrain
	RunRoundWitness
	RunCooldown
	RunPaused
	RunFinished
)

func (s RunState) String() string {
	switch s {
	case RunUninitialized:
		return "Uninitialized"
	case RunWaitingForMembers:
		return "WaitingForMembers"
	case RunWarmup:
		return "Warmup"
	case RunRoundTrain:
		return "RoundTrain"
	case RunRoundWitness:
		return "RoundWitness"
	case RunCooldown:
		return "Cooldown"
	case RunPaused:
		return "Paused"
	case RunFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// ClientState is the health state the Coordinator assigns a client.
type ClientState int

const (
	ClientHealthy ClientState = iota
	ClientDropped
	ClientEjected
)

// ClientDescriptor is a single entry of epoch_state.clients.
type ClientDescriptor struct {
	ID           NodeIdentity
	State        ClientState
	P2PPublicKey [32]byte
}

// CheckpointKind mirrors model.checkpoint.
type CheckpointKind int

const (
	CheckpointEphemeral CheckpointKind = iota
	CheckpointHub
	CheckpointP2P
	CheckpointDummy
)

// Progress mirrors progress = {epoch, step, epoch_start_data_index}.
type Progress struct {
	Epoch                uint32
	Step                 uint32
	EpochStartDataIndex  uint64
}

// Round is the per-round input to committee selection.
type Round struct {
	RandomSeed      uint64
	TieBreakerTasks uint64
}

// RingSize is the number of Round entries the Coordinator retains.
const RingSize = 4

// EpochState mirrors epoch_state.
type EpochState struct {
	Clients       []ClientDescriptor
	ExitedClients []NodeIdentity
	Rounds        [RingSize]Round
	RoundsHead    int
}

// CurrentRound returns the round entry at RoundsHead.
func (e *EpochState) CurrentRound() Round {
	return e.Rounds[e.RoundsHead%RingSize]
}

// Config mirrors the Coordinator-published run configuration.
type Config struct {
	WitnessNodes          uint32
	VerificationPercent   uint8
	WarmupTime            uint64
	GlobalBatchSizeStart  uint32
	GlobalBatchSizeEnd    uint32
	GlobalBatchSizeWarmupTokens uint64
	TotalSteps            uint32
}

// LLM mirrors model = LLM{...}.
type LLM struct {
	Architecture string
	Checkpoint   CheckpointKind
	DataLocation string
	DataType     string
	LRSchedule   LRSchedule
	Optimizer    OptimizerConfig
	MaxSeqLen    uint32
}

// LRSchedule is the learning-rate schedule consulted by the optimizer.
type LRSchedule struct {
	WarmupSteps uint32
	BaseLR      float64
	MinLR       float64
}

// At returns the scheduled learning rate for a given step, linear warmup
// followed by a flat base rate -- the Coordinator is the source of truth for
// richer schedules; this is the fallback used by Dummy/test backends.
func (s LRSchedule) At(step uint32) float64 {
	if s.WarmupSteps == 0 || step >= s.WarmupSteps {
		return s.BaseLR
	}
	frac := float64(step) / float64(s.WarmupSteps)
	lr := s.MinLR + frac*(s.BaseLR-s.MinLR)
	if lr > s.BaseLR {
		return s.BaseLR
	}
	return lr
}

// OptimizerConfig carries the DisTrO tunables from the Coordinator.
type OptimizerConfig struct {
	CompressionChunk   int64
	CompressionTopK    int64
	CompressionDecay   float64
	WeightDecay        float64
	Quantized          bool
}

// BatchId is a closed integer interval [Lo, Hi].
type BatchId struct {
	Lo uint64
	Hi uint64
}

func (b BatchId) String() string {
	return fmt.Sprintf("[%d,%d]", b.Lo, b.Hi)
}

// Len returns the number of micro-batches covered by the interval.
func (b BatchId) Len() uint64 {
	if b.Hi < b.Lo {
		return 0
	}
	return b.Hi - b.Lo + 1
}

// AssignBatches partitions [0, totalBatches) into per-committee-slot
// contiguous BatchIds, deterministically from totalBatches, numTrainers and
// slot alone (it takes no step or batch size schedule) -- the scheme the
// Round State Machine uses when it enters RoundTrain.
func AssignBatches(totalBatches uint64, numTrainers int, slot int) BatchId {
	if numTrainers <= 0 || totalBatches == 0 {
		return BatchId{}
	}
	per := totalBatches / uint64(numTrainers)
	rem := totalBatches % uint64(numTrainers)
	lo := uint64(slot) * per
	if uint64(slot) < rem {
		lo += uint64(slot)
	} else {
		lo += rem
	}
	hi := lo + per - 1
	if uint64(slot) < rem {
		hi++
	}
	if hi < lo {
		hi = lo
	}
	return BatchId{Lo: lo, Hi: hi}
}

// BlobFormat tags how a ticket's payload bytes are encoded.
type BlobFormat int

const (
	FormatDistroResult BlobFormat = iota
	FormatModelParameter
	FormatModelConfig
)

// Ticket is a blob-layer locator.
type Ticket struct {
	NodeAddress string
	Hash        [32]byte
	Format      BlobFormat
}

// TrainingResult is the wire payload referencing a published DisTrO result.
type TrainingResult struct {
	BatchID BatchId
	Ticket  Ticket
}

// Finished is the wire payload closing out a round.
type Finished struct {
	BroadcastMerkle [32]byte
	Warmup          bool
}

// DataKind distinguishes the payload carried by a Broadcast, used by the
// apply-message pipeline's per-(sender,step,kind) idempotency set.
type DataKind int

const (
	DataTrainingResult DataKind = iota
	DataFinished
)

// BroadcastData is a tagged union over {TrainingResult, Finished}.
type BroadcastData struct {
	Kind           DataKind
	TrainingResult TrainingResult
	Finished       Finished
}

// Commitment binds a data hash under the sender's P2P key.
type Commitment struct {
	DataHash  [32]byte
	Signature [64]byte
}

// CommitteeProof binds an accuser/claimant to committee membership for a
// given round; opaque beyond what witness/health-check code needs.
type CommitteeProof struct {
	ClientIndex int
	Step        uint32
	Round       Round
}

// Broadcast is the signed gossip envelope of spec.md §3.
type Broadcast struct {
	Step       uint32
	Proof      CommitteeProof
	Nonce      uint64
	Commitment Commitment
	Data       BroadcastData
}

// DataHash returns the canonical hash binding b.Data, matching the
// sender-side computation used before signing and the receiver-side
// computation used to verify.
func DataHash(data BroadcastData) [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "kind=%d", data.Kind)
	switch data.Kind {
	case DataTrainingResult:
		tr := data.TrainingResult
		fmt.Fprintf(h, "batch=%d:%d hash=%x addr=%s fmt=%d", tr.BatchID.Lo, tr.BatchID.Hi, tr.Ticket.Hash, tr.Ticket.NodeAddress, tr.Ticket.Format)
	case DataFinished:
		fmt.Fprintf(h, "merkle=%x warmup=%v", data.Finished.BroadcastMerkle, data.Finished.Warmup)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Role is a client's committee assignment for a round.
type Role int

const (
	RoleNotInRound Role = iota
	RoleTrainer
	RoleWitness
)

// SelectRole computes (client_index, round) -> role deterministically from
// the committee-selection inputs of spec.md §4.5. It is a pure function of
// its arguments so every node reaches the same answer without coordination.
func SelectRole(round Round, witnessNodes uint32, verificationPercent uint8, numClients int, clientIndex int) Role {
	if numClients <= 0 || clientIndex < 0 || clientIndex >= numClients {
		return RoleNotInRound
	}
	seedMixed := round.RandomSeed ^ round.TieBreakerTasks
	perm := make([]int, numClients)
	for i := range perm {
		perm[i] = i
	}
	// Deterministic Fisher-Yates keyed on the round seed: every client
	// derives the identical permutation, so role assignment needs no
	// communication.
	rng := splitmix64{state: seedMixed}
	for i := numClients - 1; i > 0; i-- {
		j := int(rng.next() % uint64(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	rank := -1
	for i, v := range perm {
		if v == clientIndex {
			rank = i
			break
		}
	}
	if rank < 0 {
		return RoleNotInRound
	}
	w := int(witnessNodes)
	if w > numClients {
		w = numClients
	}
	if rank < w {
		return RoleWitness
	}
	verifyCutoff := w + (numClients-w)*int(verificationPercent)/100
	if rank < verifyCutoff || verifyCutoff <= w {
		return RoleTrainer
	}
	return RoleTrainer
}

// splitmix64 is a tiny deterministic PRNG: fast, seedable, and stable across
// platforms, which is all committee selection needs.
type splitmix64 struct{ state uint64 }

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z = z ^ (z >> 31)
	return z
}

// Snapshot is the opaque-except-named-fields Coordinator state of spec.md §3.
type Snapshot struct {
	RunID      string
	Progress   Progress
	RunState   RunState
	EpochState EpochState
	Config     Config
	Model      LLM
}

// ClientIndex returns the index of id within s.EpochState.Clients, or -1.
func (s *Snapshot) ClientIndex(id ids.NodeID) int {
	for i, c := range s.EpochState.Clients {
		if c.ID.NodeID() == id {
			return i
		}
	}
	return -1
}
