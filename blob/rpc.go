// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blob

import (
	"context"
	"fmt"
	"net/rpc"

	"github.com/luxfi/psyche/core"
)

// FetchRequest asks a peer for the payload behind a ticket's hash.
type FetchRequest struct {
	Hash [32]byte
}

// FetchResponse carries the payload, or Err when the peer doesn't have it.
type FetchResponse struct {
	Payload []byte
	Err     string
}

// service adapts a Store to net/rpc, answering peers fetching a blob we
// published or already downloaded ourselves (spec.md §4.3's "fetch a
// peer's payload by ticket").
type service struct{ store *Store }

func (s *service) Fetch(req *FetchRequest, resp *FetchResponse) error {
	payload, ok := s.store.Get(req.Hash)
	if !ok {
		resp.Err = "blob: no such hash"
		return nil
	}
	resp.Payload = payload
	return nil
}

// Serve registers store's Fetch handler on rpcServer, multiplexed alongside
// Gossip and ModelShare on the node's single authenticated overlay per
// SPEC_FULL.md §4.12.
func Serve(rpcServer *rpc.Server, store *Store) error {
	return rpcServer.RegisterName("Blob", &service{store: store})
}

// RPCFetcher is the network Fetcher: it dials a ticket's NodeAddress (the
// publisher, or a fallback peer supplied by the retry path) and calls its
// Blob.Fetch, using the same handshake-gated dial package gossip uses so
// this never duplicates the transport's authentication logic.
type RPCFetcher struct {
	dial func(addr string) (*rpc.Client, error)
}

// NewRPCFetcher constructs an RPCFetcher using dial to open (and
// authenticate) a connection to a peer's overlay listener.
func NewRPCFetcher(dial func(addr string) (*rpc.Client, error)) *RPCFetcher {
	return &RPCFetcher{dial: dial}
}

// Fetch implements Fetcher.
func (f *RPCFetcher) Fetch(ctx context.Context, ticket core.Ticket) ([]byte, error) {
	if ticket.NodeAddress == "" {
		return nil, fmt.Errorf("blob: ticket has no node address to fetch from")
	}
	client, err := f.dial(ticket.NodeAddress)
	if err != nil {
		return nil, fmt.Errorf("blob: dial %s: %w", ticket.NodeAddress, err)
	}
	defer client.Close()

	call := client.Go("Blob.Fetch", &FetchRequest{Hash: ticket.Hash}, &FetchResponse{}, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-call.Done:
		if res.Error != nil {
			return nil, fmt.Errorf("blob: fetch %s: %w", ticket.NodeAddress, res.Error)
		}
		resp := res.Reply.(*FetchResponse)
		if resp.Err != "" {
			return nil, fmt.Errorf("blob: fetch %s: %s", ticket.NodeAddress, resp.Err)
		}
		return resp.Payload, nil
	}
}

var _ Fetcher = (*RPCFetcher)(nil)
