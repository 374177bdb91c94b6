// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gossip implements the authenticated broadcast overlay of spec.md
// §4.4: each peer runs a small net/rpc service gated by the allowlist, and
// the core loop calls the Layer periodically to rebroadcast live messages
// and to top up its neighbor count by dialing randomly chosen candidate
// peers -- the same
// epidemic-style shape used by the gossip-protocol example in this corpus,
// swapped from cluster-membership state to signed training commitments.
package gossip

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/allowlist"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/identity"
	"github.com/luxfi/psyche/utils/sampler"
)

// Config tunes the overlay. MaxNeighbors is advisory per spec.md §9(c) and
// stays a plain field so it can be retuned without touching call sites.
type Config struct {
	BindAddr       string
	BootstrapPeers []string
	MaxNeighbors   int
}

// DefaultConfig matches spec.md §4.4's "target <= 3 bootstrap peers".
func DefaultConfig(bind string, bootstrap []string) Config {
	return Config{BindAddr: bind, BootstrapPeers: bootstrap, MaxNeighbors: 3}
}

// Inbound is a received, not-yet-verified broadcast with the sender's
// declared public key; it carries no source address. Authentication is that
// declared key, checked by applymsg against epoch_state.clients.
type Inbound struct {
	SenderKey [32]byte
	Broadcast core.Broadcast
}

// Envelope is the wire message carried over the RPC Deliver call.
type Envelope struct {
	SenderKey [32]byte
	Broadcast core.Broadcast
}

// Ack is Deliver's empty reply.
type Ack struct{}

// Layer is the gossip overlay for one node.
type Layer struct {
	log       log.Logger
	self      *identity.Local
	allowlist *allowlist.Allowlist
	cfg       Config

	mu        sync.RWMutex
	neighbors map[string]*rpc.Client
	rng       sampler.Uniform

	inbound chan Inbound

	listener net.Listener
	server   *rpc.Server
}

// NewLayer constructs a gossip Layer. self signs the handshake challenge a
// peer sends when this Layer dials out; allowlist gates which inbound peers
// may complete the handshake.
func NewLayer(logger log.Logger, self *identity.Local, al *allowlist.Allowlist, cfg Config) *Layer {
	if cfg.MaxNeighbors <= 0 {
		cfg.MaxNeighbors = 3
	}
	return &Layer{
		log:       logger,
		self:      self,
		allowlist: al,
		cfg:       cfg,
		neighbors: make(map[string]*rpc.Client),
		rng:       sampler.NewUniform(),
		inbound:   make(chan Inbound, 256),
		server:    rpc.NewServer(),
	}
}

// RPCServer returns the shared net/rpc server this Layer registers "Gossip"
// on, so callers can multiplex other services (ModelShare, Blob) onto the
// same authenticated listener per SPEC_FULL.md §4.12, registering them
// before calling Serve.
func (l *Layer) RPCServer() *rpc.Server { return l.server }

// Inbound returns the channel of authenticated-at-the-transport-layer
// broadcasts; the core loop's select drains it into the apply-message
// pipeline.
func (l *Layer) Inbound() <-chan Inbound { return l.inbound }

type receiver struct{ l *Layer }

// Deliver is the RPC entry point peers call to broadcast a message to us.
func (r *receiver) Deliver(env *Envelope, ack *Ack) error {
	if !r.l.allowlist.Contains(env.SenderKey) {
		return fmt.Errorf("gossip: sender not in allowlist")
	}
	select {
	case r.l.inbound <- Inbound{SenderKey: env.SenderKey, Broadcast: env.Broadcast}:
	default:
		r.l.log.Warn("gossip inbound channel full, dropping message")
	}
	*ack = Ack{}
	return nil
}

// Serve starts accepting connections until ctx is done. It mirrors the
// accept/serve split of the corpus's toy gossip server: a dedicated accept
// goroutine hands finished connections to the RPC engine so a slow peer
// can never stall new connections from being accepted.
func (l *Layer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("gossip: listen %s: %w", l.cfg.BindAddr, err)
	}
	l.listener = ln

	if err := l.server.RegisterName("Gossip", &receiver{l: l}); err != nil {
		return fmt.Errorf("gossip: register rpc: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go l.acceptLoop(ctx)
	return nil
}

func (l *Layer) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Debug("gossip accept error", zap.Error(err))
			continue
		}
		if !l.handshake(conn) {
			conn.Close()
			continue
		}
		go l.server.ServeConn(conn)
	}
}

// handshake performs a minimal challenge/response so the allowlist gates
// connections, not just individual RPCs: we send a random nonce, the peer
// signs it with their P2P key and echoes back their public key, and we
// verify both the signature and allowlist membership before handing the
// connection to the RPC engine.
func (l *Layer) handshake(conn net.Conn) bool {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return false
	}
	if _, err := conn.Write(challenge[:]); err != nil {
		return false
	}

	resp := make([]byte, 32+64)
	if _, err := readFull(conn, resp); err != nil {
		return false
	}
	var peerKey [32]byte
	var sig [64]byte
	copy(peerKey[:], resp[:32])
	copy(sig[:], resp[32:])

	if !l.allowlist.Contains(peerKey) {
		l.log.Debug("gossip handshake rejected: not in allowlist")
		return false
	}
	if !identity.Verify(peerKey, challenge, sig) {
		l.log.Debug("gossip handshake rejected: bad signature")
		return false
	}
	return true
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// dial connects to addr, completing the client side of the handshake.
func (l *Layer) dial(addr string) (*rpc.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	challenge := make([]byte, 32)
	if _, err := readFull(conn, challenge); err != nil {
		conn.Close()
		return nil, err
	}
	var ch [32]byte
	copy(ch[:], challenge)
	sig := l.self.Sign(ch)
	out := make([]byte, 0, 96)
	key := l.self.P2PPublicKey()
	out = append(out, key[:]...)
	out = append(out, sig[:]...)
	if _, err := conn.Write(out); err != nil {
		conn.Close()
		return nil, err
	}
	return rpc.NewClient(conn), nil
}

// Broadcast sends env to every current neighbor. Failures are logged and
// the neighbor dropped; MaintainNeighbors will redial opportunistically.
func (l *Layer) Broadcast(env Envelope) {
	l.mu.RLock()
	targets := make(map[string]*rpc.Client, len(l.neighbors))
	for addr, c := range l.neighbors {
		targets[addr] = c
	}
	l.mu.RUnlock()

	for addr, client := range targets {
		var ack Ack
		if err := client.Call("Gossip.Deliver", &env, &ack); err != nil {
			l.log.Debug("gossip broadcast failed, dropping neighbor", zap.String("addr", addr), zap.Error(err))
			l.dropNeighbor(addr)
		}
	}
}

func (l *Layer) dropNeighbor(addr string) {
	l.mu.Lock()
	if c, ok := l.neighbors[addr]; ok {
		c.Close()
		delete(l.neighbors, addr)
	}
	l.mu.Unlock()
}

// NeighborCount returns the current number of live neighbor connections.
func (l *Layer) NeighborCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.neighbors)
}

// MaintainNeighbors tops up the neighbor set from candidates (participating
// peer addresses for the current epoch), capped at cfg.MaxNeighbors, per the
// "once per 10s" policy of spec.md §4.4. It is safe to call from the core
// loop's 10s connection-check timer case.
func (l *Layer) MaintainNeighbors(candidates []string) {
	l.mu.RLock()
	current := len(l.neighbors)
	have := make(map[string]bool, len(l.neighbors))
	for addr := range l.neighbors {
		have[addr] = true
	}
	l.mu.RUnlock()

	want := l.cfg.MaxNeighbors - current
	if want <= 0 {
		return
	}

	pool := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if !have[c] && c != l.cfg.BindAddr {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return
	}

	if err := l.rng.Initialize(len(pool)); err != nil {
		return
	}
	n := want
	if n > len(pool) {
		n = len(pool)
	}
	idxs, ok := l.rng.Sample(n)
	if !ok {
		return
	}
	for _, idx := range idxs {
		addr := pool[idx]
		client, err := l.dial(addr)
		if err != nil {
			l.log.Debug("gossip join failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		l.mu.Lock()
		l.neighbors[addr] = client
		l.mu.Unlock()
	}
}

// Close tears down every neighbor connection and the listener.
func (l *Layer) Close() {
	l.mu.Lock()
	for addr, c := range l.neighbors {
		c.Close()
		delete(l.neighbors, addr)
	}
	l.mu.Unlock()
	if l.listener != nil {
		l.listener.Close()
	}
}
