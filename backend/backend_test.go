// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
)

func TestDummyTrainerTrainOptimizeRoundTrip(t *testing.T) {
	tr := NewDummyTrainer(8, core.LRSchedule{BaseLR: 0.1}, distro.DefaultParams())

	out, err := tr.Train(context.Background(), 0, core.BatchId{Lo: 0, Hi: 7}, [2]float64{0.1, 0.1}, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "w", out.Result.Name)

	before := tr.Extract()["w"]

	_, err = tr.Optimize(context.Background(), 0, [2]float64{}, []distro.Result{out.Result})
	require.NoError(t, err)

	after := tr.Extract()["w"]
	require.NotEqual(t, before, after)
}

func TestSimulatedBackendYieldsSnapshotsInOrder(t *testing.T) {
	snaps := []core.Snapshot{
		{RunState: core.RunWarmup},
		{RunState: core.RunRoundTrain},
	}
	sim := NewSimulated(snaps)

	got1, err := sim.WaitForNewState(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.RunWarmup, got1.RunState)

	got2, err := sim.WaitForNewState(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.RunRoundTrain, got2.RunState)

	require.NoError(t, sim.SendWitness(context.Background(), OpportunisticData{Step: 1}))
	require.Len(t, sim.Witnesses(), 1)
}
