// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package client

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/allowlist"
	"github.com/luxfi/psyche/applymsg"
	"github.com/luxfi/psyche/backend"
	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
	"github.com/luxfi/psyche/gossip"
	"github.com/luxfi/psyche/identity"
	"github.com/luxfi/psyche/metrics"
	"github.com/luxfi/psyche/modelshare"
	"github.com/luxfi/psyche/round"
)

type deadFetcher struct{}

func (deadFetcher) Fetch(_ context.Context, _ core.Ticket) ([]byte, error) {
	return nil, context.Canceled
}

func snapshotWith(state core.RunState, step uint32, self core.NodeIdentity) core.Snapshot {
	return core.Snapshot{
		RunID:    "run-1",
		RunState: state,
		Progress: core.Progress{Step: step},
		EpochState: core.EpochState{
			Clients: []core.ClientDescriptor{
				{ID: self, State: core.ClientHealthy, P2PPublicKey: self.P2PPublicKey()},
			},
		},
		Config: core.Config{WitnessNodes: 0, VerificationPercent: 100},
		Model:  core.LLM{LRSchedule: core.LRSchedule{BaseLR: 0.1}},
	}
}

// TestSingleNodeRoundRunsTrainThenWitness drives a sole-client run through
// Warmup -> RoundTrain -> RoundWitness (scenario S1 of spec.md §8): the
// core loop must train, aggregate, and close the round with a Finished
// broadcast, all without a live network.
func TestSingleNodeRoundRunsTrainThenWitness(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)

	store := blob.NewStore(log.NewNoOpLogger(), deadFetcher{})
	pipeline := applymsg.NewPipeline(store)
	src := modelshare.NewSource(store, "self-addr",
		func() ([]byte, error) { return []byte("cfg"), nil },
		func(string) ([]byte, bool) { return nil, false },
	)
	trainer := backend.NewDummyTrainer(8, core.LRSchedule{BaseLR: 0.1}, distro.DefaultParams())
	machine := round.NewMachine(log.NewNoOpLogger(), self, "self-addr", store, src, pipeline, trainer)

	al := allowlist.New()
	gossipLayer := gossip.NewLayer(log.NewNoOpLogger(), self, al, gossip.DefaultConfig("127.0.0.1:0", nil))

	snapshots := []core.Snapshot{
		snapshotWith(core.RunWarmup, 0, self),
		snapshotWith(core.RunRoundTrain, 1, self),
		snapshotWith(core.RunRoundWitness, 1, self),
	}
	be := backend.NewSimulated(snapshots)

	cfg := DefaultConfig()
	cfg.WitnessInterval = 10 * time.Millisecond
	cfg.RebroadcastInterval = time.Hour
	cfg.ConnectionCheckInterval = time.Hour
	cfg.RetryCheckInterval = time.Hour
	cfg.TotalBatches = 8

	c := New(log.NewNoOpLogger(), self, "self-addr", be, gossipLayer, store, al, machine, pipeline, nil, nil, cfg, NewParamStore(), nil, 8)

	before := trainer.Extract()["w"]

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		after := trainer.Extract()["w"]
		return string(after) != string(before)
	}, 250*time.Millisecond, 5*time.Millisecond)

	<-done
}

// TestConnectionCheckUpdatesMetrics exercises the connection-check timer's
// metrics side effect without requiring any real neighbors to be dialed.
func TestConnectionCheckUpdatesMetrics(t *testing.T) {
	self, err := identity.Generate()
	require.NoError(t, err)

	store := blob.NewStore(log.NewNoOpLogger(), deadFetcher{})
	pipeline := applymsg.NewPipeline(store)
	src := modelshare.NewSource(store, "self-addr",
		func() ([]byte, error) { return []byte("cfg"), nil },
		func(string) ([]byte, bool) { return nil, false },
	)
	trainer := backend.NewDummyTrainer(8, core.LRSchedule{BaseLR: 0.1}, distro.DefaultParams())
	machine := round.NewMachine(log.NewNoOpLogger(), self, "self-addr", store, src, pipeline, trainer)

	al := allowlist.New()
	gossipLayer := gossip.NewLayer(log.NewNoOpLogger(), self, al, gossip.DefaultConfig("127.0.0.1:0", nil))
	be := backend.NewSimulated(nil)

	cfg := DefaultConfig()
	cfg.WitnessInterval = time.Hour
	cfg.RebroadcastInterval = time.Hour
	cfg.ConnectionCheckInterval = 10 * time.Millisecond
	cfg.RetryCheckInterval = time.Hour

	collector, err := metrics.New("client_test")
	require.NoError(t, err)

	c := New(log.NewNoOpLogger(), self, "self-addr", be, gossipLayer, store, al, machine, pipeline, collector, nil, cfg, NewParamStore(), nil, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err = c.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
