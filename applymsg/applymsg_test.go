// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package applymsg

import (
	"context"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/identity"
)

// fakeFetcher never succeeds; these tests only exercise Apply's
// bookkeeping, not the blob layer's retry machinery, so the goroutines it
// spawns are harmless background noise that outlive the test.
type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, _ core.Ticket) ([]byte, error) {
	return nil, context.Canceled
}

func newTestClients(t *testing.T, n int) ([]*identity.Local, []core.ClientDescriptor) {
	t.Helper()
	ids := make([]*identity.Local, n)
	clients := make([]core.ClientDescriptor, n)
	for i := range ids {
		id, err := identity.Generate()
		require.NoError(t, err)
		ids[i] = id
		clients[i] = core.ClientDescriptor{ID: id, State: core.ClientHealthy, P2PPublicKey: id.P2PPublicKey()}
	}
	return ids, clients
}

func signedTrainingResultBroadcast(t *testing.T, sender *identity.Local, step uint32, nonce uint64, batch core.BatchId, ticket core.Ticket) core.Broadcast {
	t.Helper()
	data := core.BroadcastData{Kind: core.DataTrainingResult, TrainingResult: core.TrainingResult{BatchID: batch, Ticket: ticket}}
	hash := core.DataHash(data)
	sig := sender.Sign(hash)
	return core.Broadcast{
		Step:  step,
		Nonce: nonce,
		Commitment: core.Commitment{
			DataHash:  hash,
			Signature: sig,
		},
		Data: data,
	}
}

func TestApplyRejectsUnknownSender(t *testing.T) {
	_, clients := newTestClients(t, 1)
	stranger, err := identity.Generate()
	require.NoError(t, err)

	store := blob.NewStore(log.NewNoOpLogger(), fakeFetcher{})
	p := NewPipeline(store)

	b := signedTrainingResultBroadcast(t, stranger, 1, 0, core.BatchId{Lo: 0, Hi: 9}, core.Ticket{})
	got := p.Apply(clients, stranger.P2PPublicKey(), b, nil)
	require.Equal(t, Invalid, got)
}

func TestApplyRejectsBadSignature(t *testing.T) {
	idsList, clients := newTestClients(t, 1)
	store := blob.NewStore(log.NewNoOpLogger(), fakeFetcher{})
	p := NewPipeline(store)

	b := signedTrainingResultBroadcast(t, idsList[0], 1, 0, core.BatchId{Lo: 0, Hi: 9}, core.Ticket{})
	b.Commitment.Signature[0] ^= 0xFF // corrupt
	got := p.Apply(clients, idsList[0].P2PPublicKey(), b, nil)
	require.Equal(t, Invalid, got)
}

func TestApplyDeduplicatesRebroadcasts(t *testing.T) {
	idsList, clients := newTestClients(t, 1)
	store := blob.NewStore(log.NewNoOpLogger(), fakeFetcher{})
	p := NewPipeline(store)

	ticket := core.Ticket{NodeAddress: "a", Hash: [32]byte{1}, Format: core.FormatDistroResult}
	b1 := signedTrainingResultBroadcast(t, idsList[0], 5, 0, core.BatchId{Lo: 0, Hi: 9}, ticket)
	require.Equal(t, Applied, p.Apply(clients, idsList[0].P2PPublicKey(), b1, nil))

	// Same payload, different nonce (rebroadcast) -- must collapse to Ignored.
	b2 := b1
	b2.Nonce = 99
	require.Equal(t, Ignored, p.Apply(clients, idsList[0].P2PPublicKey(), b2, nil))
}

func TestApplyFinishedRecordsContribution(t *testing.T) {
	idsList, clients := newTestClients(t, 1)
	store := blob.NewStore(log.NewNoOpLogger(), fakeFetcher{})
	p := NewPipeline(store)

	data := core.BroadcastData{Kind: core.DataFinished, Finished: core.Finished{Warmup: true}}
	hash := core.DataHash(data)
	b := core.Broadcast{Step: 3, Commitment: core.Commitment{DataHash: hash, Signature: idsList[0].Sign(hash)}, Data: data}

	require.Equal(t, Applied, p.Apply(clients, idsList[0].P2PPublicKey(), b, nil))
	got := p.FinishedContributions(3)
	require.Len(t, got, 1)
	require.Equal(t, idsList[0].NodeID(), got[0].Sender)
}

func TestOnDownloadCompleteResolvesPending(t *testing.T) {
	idsList, clients := newTestClients(t, 1)
	store := blob.NewStore(log.NewNoOpLogger(), fakeFetcher{})
	p := NewPipeline(store)

	ticket := core.Ticket{NodeAddress: "a", Hash: [32]byte{7}, Format: core.FormatDistroResult}
	b := signedTrainingResultBroadcast(t, idsList[0], 5, 0, core.BatchId{Lo: 0, Hi: 9}, ticket)
	require.Equal(t, Applied, p.Apply(clients, idsList[0].P2PPublicKey(), b, nil))

	pa, ok := p.OnDownloadComplete(blob.DownloadComplete{Hash: ticket.Hash})
	require.True(t, ok)
	require.Equal(t, uint32(5), pa.Step)
	require.Equal(t, idsList[0].NodeID(), pa.Sender)

	_, ok = p.OnDownloadComplete(blob.DownloadComplete{Hash: ticket.Hash})
	require.False(t, ok)
}
