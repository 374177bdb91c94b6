// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package modelshare implements the Sharable-Model protocol of spec.md §4.9:
// a bidirectional request/response for model config and parameters used by
// joining nodes during bootstrap. Responses are blob tickets, not payloads,
// so the actual bytes flow through package blob's retry-aware download path.
package modelshare

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/core"
)

// ErrNoSuchParameter is returned when a peer asks for a parameter name we
// don't have (wrong model, stale peer list, etc).
var ErrNoSuchParameter = errors.New("modelshare: no such parameter")

// RequestKind tags a ModelRequestType per spec.md §6.
type RequestKind int

const (
	RequestConfig RequestKind = iota
	RequestParameter
)

// Request is the wire request.
type Request struct {
	Kind RequestKind
	Name string // only meaningful for RequestParameter
}

// Response carries either a ticket or an error string (SharableModelError).
type Response struct {
	Ticket Ticket
	Err    string
}

// Ticket is an alias of core.Ticket (already gob-friendly): the wire type
// and the in-process one are the same type.
type Ticket = core.Ticket

const maxResponseBytes = 16 * 1024
const perPeerTimeout = 10 * time.Second
const maxConcurrentParameterRequests = 4
const perPeerErrorBudget = 2

// Source answers ParameterRequest/ModelConfigRequest for peers who are
// joining (spec.md §4.9 "Incoming"). Names are cached lazily and invalidated
// once per train step.
type Source struct {
	mu         sync.Mutex
	store      *blob.Store
	selfAddr   string
	configFn   func() ([]byte, error)
	paramFn    func(name string) ([]byte, bool)
	cacheTicks map[string]core.Ticket // name (or "" for config) -> cached ticket
}

// NewSource constructs a Source. configFn returns the canonical
// {config_string, tokenizer_string} bytes; paramFn returns a named
// parameter's serialized bytes.
func NewSource(store *blob.Store, selfAddr string, configFn func() ([]byte, error), paramFn func(string) ([]byte, bool)) *Source {
	return &Source{
		store:      store,
		selfAddr:   selfAddr,
		configFn:   configFn,
		paramFn:    paramFn,
		cacheTicks: make(map[string]core.Ticket),
	}
}

// InvalidateCache drops the lazily-created tickets; called on entering a new
// train step per spec.md §4.9 "cached until the next train step".
func (s *Source) InvalidateCache() {
	s.mu.Lock()
	s.cacheTicks = make(map[string]core.Ticket)
	s.mu.Unlock()
}

func (s *Source) ticketFor(key string, format core.BlobFormat, payload []byte) core.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.cacheTicks[key]; ok {
		return t
	}
	t := s.store.AddDownloadable(s.selfAddr, payload, 0, format)
	s.cacheTicks[key] = t
	return t
}

// Handle answers a single incoming Request.
func (s *Source) Handle(req Request) Response {
	switch req.Kind {
	case RequestConfig:
		payload, err := s.configFn()
		if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{Ticket: s.ticketFor("", core.FormatModelConfig, payload)}
	case RequestParameter:
		payload, ok := s.paramFn(req.Name)
		if !ok {
			return Response{Err: ErrNoSuchParameter.Error()}
		}
		return Response{Ticket: s.ticketFor(req.Name, core.FormatModelParameter, payload)}
	default:
		return Response{Err: "modelshare: unknown request kind"}
	}
}

// server adapts Source to net/rpc.
type server struct{ src *Source }

func (s *server) Request(req *Request, resp *Response) error {
	*resp = s.src.Handle(*req)
	return nil
}

// Serve registers Source on an RPC server sharing the node's listener; the
// caller (cmd/psyche-client) multiplexes this alongside Gossip and Blob
// services on one authenticated overlay per SPEC_FULL.md §4.12.
func Serve(rpcServer *rpc.Server, src *Source) error {
	return rpcServer.RegisterName("ModelShare", &server{src: src})
}

// PeerClient is the outgoing half: joining nodes rotate through the peer
// set asking for config, then parameters, dropping any peer after
// perPeerErrorBudget failures in total, a success does not reset the
// count (spec.md §4.9 "Outgoing").
type PeerClient struct {
	log   log.Logger
	dial  func(addr string) (*rpc.Client, error)
	peers []string

	mu       sync.Mutex
	errCount map[string]int
	dropped  map[string]bool
}

// NewPeerClient constructs a PeerClient over the given candidate peer
// addresses, using dial to open (and authenticate) a connection -- this is
// the same handshake-gated dial as package gossip, injected so modelshare
// never duplicates the transport's authentication logic.
func NewPeerClient(logger log.Logger, peers []string, dial func(addr string) (*rpc.Client, error)) *PeerClient {
	cp := make([]string, len(peers))
	copy(cp, peers)
	return &PeerClient{
		log:      logger,
		dial:     dial,
		peers:    cp,
		errCount: make(map[string]int),
		dropped:  make(map[string]bool),
	}
}

// request is the shared implementation behind RequestConfig and
// RequestParameter: rotate through remaining peers until one answers or the
// peer set is exhausted, mirroring the "same request function is reused to
// rotate to a fresh peer on DownloadFailed" note of spec.md §4.9.
func (c *PeerClient) request(ctx context.Context, req Request) (core.Ticket, string, error) {
	c.mu.Lock()
	candidates := make([]string, 0, len(c.peers))
	for _, p := range c.peers {
		if !c.dropped[p] {
			candidates = append(candidates, p)
		}
	}
	c.mu.Unlock()

	var lastErr error
	for _, addr := range candidates {
		rctx, cancel := context.WithTimeout(ctx, perPeerTimeout)
		ticket, err := c.requestOne(rctx, addr, req)
		cancel()
		if err == nil {
			return ticket, addr, nil
		}
		lastErr = err
		c.recordFailure(addr)
	}
	if lastErr == nil {
		lastErr = errors.New("modelshare: no peers available")
	}
	return core.Ticket{}, "", fmt.Errorf("modelshare: all peers exhausted: %w", lastErr)
}

func (c *PeerClient) requestOne(ctx context.Context, addr string, req Request) (core.Ticket, error) {
	client, err := c.dial(addr)
	if err != nil {
		return core.Ticket{}, err
	}
	defer client.Close()

	call := client.Go("ModelShare.Request", &req, new(Response), make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return core.Ticket{}, call.Error
		}
		resp := call.Reply.(*Response)
		if resp.Err != "" {
			return core.Ticket{}, errors.New(resp.Err)
		}
		return resp.Ticket, nil
	case <-ctx.Done():
		return core.Ticket{}, ctx.Err()
	}
}

func (c *PeerClient) recordFailure(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errCount[addr]++
	if c.errCount[addr] >= perPeerErrorBudget {
		c.dropped[addr] = true
	}
}

// RemainingPeers returns the peers not yet dropped for exceeding the error
// budget.
func (c *PeerClient) RemainingPeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.peers {
		if !c.dropped[p] {
			n++
		}
	}
	return n
}

// RequestConfig asks the peer set for {config_string, tokenizer_string}.
func (c *PeerClient) RequestConfig(ctx context.Context) (core.Ticket, error) {
	t, addr, err := c.request(ctx, Request{Kind: RequestConfig})
	if err != nil {
		return core.Ticket{}, err
	}
	c.log.Debug("model config ticket received", zap.String("from", addr))
	return t, nil
}

// RequestParameters fetches every named parameter's ticket, bounded to
// maxConcurrentParameterRequests in flight, per spec.md §4.9.
func (c *PeerClient) RequestParameters(ctx context.Context, names []string) (map[string]core.Ticket, error) {
	type result struct {
		name   string
		ticket core.Ticket
		err    error
	}
	results := make(chan result, len(names))
	sem := make(chan struct{}, maxConcurrentParameterRequests)

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()
			t, _, err := c.request(ctx, Request{Kind: RequestParameter, Name: name})
			results <- result{name: name, ticket: t, err: err}
		}(name)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]core.Ticket, len(names))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.name] = r.ticket
	}
	if firstErr != nil && len(out) != len(names) {
		return out, firstErr
	}
	return out, nil
}
