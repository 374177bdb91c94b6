// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package round

import (
	"context"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/applymsg"
	"github.com/luxfi/psyche/backend"
	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
	"github.com/luxfi/psyche/identity"
	"github.com/luxfi/psyche/modelshare"
)

type deadFetcher struct{}

func (deadFetcher) Fetch(_ context.Context, _ core.Ticket) ([]byte, error) {
	return nil, context.Canceled
}

func newTestMachine(t *testing.T) (*Machine, *identity.Local, *backend.DummyTrainer) {
	t.Helper()
	self, err := identity.Generate()
	require.NoError(t, err)

	store := blob.NewStore(log.NewNoOpLogger(), deadFetcher{})
	pipeline := applymsg.NewPipeline(store)
	src := modelshare.NewSource(store, "self-addr",
		func() ([]byte, error) { return []byte("cfg"), nil },
		func(string) ([]byte, bool) { return nil, false },
	)
	trainer := backend.NewDummyTrainer(8, core.LRSchedule{BaseLR: 0.1}, distro.DefaultParams())

	m := NewMachine(log.NewNoOpLogger(), self, "self-addr", store, src, pipeline, trainer)
	return m, self, trainer
}

func snapshotWith(state core.RunState, step uint32, self core.NodeIdentity) core.Snapshot {
	return core.Snapshot{
		RunState: state,
		Progress: core.Progress{Step: step},
		EpochState: core.EpochState{
			Clients: []core.ClientDescriptor{
				{ID: self, State: core.ClientHealthy, P2PPublicKey: self.P2PPublicKey()},
			},
		},
		Config: core.Config{WitnessNodes: 1, VerificationPercent: 100},
		Model:  core.LLM{LRSchedule: core.LRSchedule{BaseLR: 0.1}},
	}
}

func TestOnSnapshotComputesRoleAndEntersTrain(t *testing.T) {
	m, self, _ := newTestMachine(t)

	warmup := snapshotWith(core.RunWarmup, 0, self)
	tr := m.OnSnapshot(warmup)
	require.Equal(t, 0, tr.ClientIndex)
	require.False(t, tr.EnteredTrain)

	train := snapshotWith(core.RunRoundTrain, 3, self)
	tr = m.OnSnapshot(train)
	require.True(t, tr.EnteredTrain)
	require.Equal(t, core.RoleWitness, tr.Role) // sole client, witness_nodes=1
}

func TestTrainStepProducesAppliedBroadcast(t *testing.T) {
	m, self, _ := newTestMachine(t)
	snap := snapshotWith(core.RunRoundTrain, 1, self)
	m.OnSnapshot(snap)

	b, err := m.TrainStep(context.Background(), snap, 0, core.BatchId{Lo: 0, Hi: 7})
	require.NoError(t, err)
	require.Equal(t, uint32(1), b.Step)
	require.Equal(t, core.DataTrainingResult, b.Data.Kind)
}

func TestAggregateWithNoResultsLeavesParametersUnchanged(t *testing.T) {
	m, self, trainer := newTestMachine(t)
	snap := snapshotWith(core.RunRoundWitness, 1, self)
	m.OnSnapshot(snap)

	before := trainer.Extract()["w"]
	require.NoError(t, m.Aggregate(context.Background(), snap))
	after := trainer.Extract()["w"]
	require.Equal(t, before, after)
}

func TestTrainThenAggregateUpdatesParameters(t *testing.T) {
	m, self, trainer := newTestMachine(t)
	snap := snapshotWith(core.RunRoundTrain, 2, self)
	m.OnSnapshot(snap)

	_, err := m.TrainStep(context.Background(), snap, 0, core.BatchId{Lo: 0, Hi: 7})
	require.NoError(t, err)

	before := trainer.Extract()["w"]
	require.NoError(t, m.Aggregate(context.Background(), snap))
	after := trainer.Extract()["w"]
	require.NotEqual(t, before, after)
}

func TestWitnessDueFiresOncePerStep(t *testing.T) {
	m, _, _ := newTestMachine(t)
	require.True(t, m.WitnessDue(5))
	require.False(t, m.WitnessDue(5))
	require.True(t, m.WitnessDue(6))
}
