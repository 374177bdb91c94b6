// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/allowlist"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/identity"
)

func TestBroadcastReachesAllowedPeer(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)

	alA := allowlist.New()
	alB := allowlist.New()
	alA.Replace([]allowlist.Key{idB.P2PPublicKey()})
	alB.Replace([]allowlist.Key{idA.P2PPublicKey()})

	layerA := NewLayer(log.NewNoOpLogger(), idA, alA, Config{BindAddr: "127.0.0.1:0", MaxNeighbors: 3})
	layerB := NewLayer(log.NewNoOpLogger(), idB, alB, Config{BindAddr: "127.0.0.1:0", MaxNeighbors: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, layerA.Serve(ctx))
	require.NoError(t, layerB.Serve(ctx))
	defer layerA.Close()
	defer layerB.Close()

	addrA := layerA.listener.Addr().String()

	clientForB, err := layerB.dial(addrA)
	require.NoError(t, err)
	layerB.mu.Lock()
	layerB.neighbors[addrA] = clientForB
	layerB.mu.Unlock()

	env := Envelope{
		SenderKey: idB.P2PPublicKey(),
		Broadcast: core.Broadcast{Step: 7},
	}
	layerB.Broadcast(env)

	select {
	case got := <-layerA.Inbound():
		require.Equal(t, idB.P2PPublicKey(), got.SenderKey)
		require.Equal(t, uint32(7), got.Broadcast.Step)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound broadcast")
	}
}

func TestHandshakeRejectsUnlistedPeer(t *testing.T) {
	idA, err := identity.Generate()
	require.NoError(t, err)
	idB, err := identity.Generate()
	require.NoError(t, err)

	alA := allowlist.New() // empty: B is not allowed to connect

	layerA := NewLayer(log.NewNoOpLogger(), idA, alA, Config{BindAddr: "127.0.0.1:0", MaxNeighbors: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, layerA.Serve(ctx))
	defer layerA.Close()

	alB := allowlist.New()
	layerB := NewLayer(log.NewNoOpLogger(), idB, alB, Config{BindAddr: "127.0.0.1:0"})

	client, err := layerB.dial(layerA.listener.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	// The dial itself succeeds (TCP connects fine); the allowlist rejection
	// happens server-side during the handshake, so the server closes the
	// connection and the first RPC call observes the failure.
	var ack Ack
	env := Envelope{SenderKey: idB.P2PPublicKey()}
	require.Eventually(t, func() bool {
		return client.Call("Gossip.Deliver", &env, &ack) != nil
	}, 2*time.Second, 20*time.Millisecond)
}
