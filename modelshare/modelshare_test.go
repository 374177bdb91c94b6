// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modelshare

import (
	"context"
	"net"
	"net/rpc"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
)

func startSourceServer(t *testing.T, src *Source) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := rpc.NewServer()
	require.NoError(t, Serve(srv, src))
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func dialRPC(addr string) (*rpc.Client, error) {
	return rpc.Dial("tcp", addr)
}

func TestRequestConfigAndParameters(t *testing.T) {
	store := blob.NewStore(log.NewNoOpLogger(), nil)
	src := NewSource(store, "self-addr",
		func() ([]byte, error) { return []byte("config-bytes"), nil },
		func(name string) ([]byte, bool) {
			if name == "layer.0.weight" {
				return []byte("tensor-bytes"), true
			}
			return nil, false
		},
	)
	addr := startSourceServer(t, src)

	client := NewPeerClient(log.NewNoOpLogger(), []string{addr}, dialRPC)

	cfgTicket, err := client.RequestConfig(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.FormatModelConfig, cfgTicket.Format)

	params, err := client.RequestParameters(context.Background(), []string{"layer.0.weight"})
	require.NoError(t, err)
	require.Contains(t, params, "layer.0.weight")
}

func TestPeerDroppedAfterErrorBudget(t *testing.T) {
	// A peer that never answers (connection refused) should be dropped
	// after perPeerErrorBudget failures and no longer counted
	// among remaining peers.
	client := NewPeerClient(log.NewNoOpLogger(), []string{"127.0.0.1:1"}, dialRPC)

	_, err := client.RequestConfig(context.Background())
	require.Error(t, err)
	_, err = client.RequestConfig(context.Background())
	require.Error(t, err)

	require.Equal(t, 0, client.RemainingPeers())
}
