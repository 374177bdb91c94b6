// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blob

import (
	"context"
	"net"
	"net/rpc"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/psyche/core"
)

// serveOnPipe registers store's Blob service on one end of an in-memory
// net.Pipe and returns a dial func wired to the other end, so RPCFetcher can
// be exercised without a real listener.
func serveOnPipe(t *testing.T, store *Store) func(addr string) (*rpc.Client, error) {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, Serve(server, store))

	client, serverConn := net.Pipe()
	go server.ServeConn(serverConn)

	return func(string) (*rpc.Client, error) {
		return rpc.NewClient(client), nil
	}
}

func TestRPCFetcherFetchesPublishedPayload(t *testing.T) {
	server := NewStore(log.NewNoOpLogger(), staticFetch{})
	payload := []byte("published-bytes")
	ticket := server.AddDownloadable("server-addr", payload, 1, core.FormatDistroResult)

	dial := serveOnPipe(t, server)
	fetcher := NewRPCFetcher(dial)

	got, err := fetcher.Fetch(context.Background(), ticket)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRPCFetcherUnknownHash(t *testing.T) {
	server := NewStore(log.NewNoOpLogger(), staticFetch{})
	dial := serveOnPipe(t, server)
	fetcher := NewRPCFetcher(dial)

	_, err := fetcher.Fetch(context.Background(), core.Ticket{NodeAddress: "server-addr"})
	require.Error(t, err)
}

func TestRPCFetcherRequiresNodeAddress(t *testing.T) {
	fetcher := NewRPCFetcher(func(string) (*rpc.Client, error) { return nil, nil })
	_, err := fetcher.Fetch(context.Background(), core.Ticket{})
	require.Error(t, err)
}
