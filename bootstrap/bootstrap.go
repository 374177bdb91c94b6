// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bootstrap implements spec.md §4.10: on first Warmup the core
// selects a checkpoint source and, for P2P, drives parameter arrival to
// completion before a Trainer can be constructed. Parameter arrival is
// tracked in an ordered map name -> payload; completion fires once every
// entry has arrived, at which point the full map is handed to the
// Trainer constructor in one synchronous step.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/codec"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/modelshare"
)

// ErrEphemeralCheckpoint is returned when the Coordinator's model is
// Ephemeral: spec.md §4.10 "Ephemeral: reject" -- there is nothing to join.
var ErrEphemeralCheckpoint = errors.New("bootstrap: model checkpoint is ephemeral, cannot join")

// ErrHubUnsupported marks the Hub checkpoint source, external-registry
// download, as out of scope for this implementation (spec.md §4.10 "Hub:
// download from an external model registry (out of scope)").
var ErrHubUnsupported = errors.New("bootstrap: Hub checkpoint source is out of scope")

// Source runs the bootstrap path matching kind to completion, dispatching
// over core.CheckpointKind exactly as spec.md §4.10 describes: Dummy
// synthesizes a fixture in memory, P2P drives p2p.Run against gossip peers,
// Ephemeral/Hub are refused outright. paramLen only matters for Dummy (P2P's
// parameter lengths come from whatever actually arrives); p2p may be nil
// when the caller never constructed a P2P bootstrapper, in which case a P2P
// checkpoint kind fails loudly rather than panicking on a nil receiver.
func Source(ctx context.Context, kind core.CheckpointKind, paramLen int, p2p *P2P) (ConfigPayload, map[string][]byte, error) {
	switch kind {
	case core.CheckpointDummy:
		cfg, params := Dummy(paramLen)
		return cfg, params, nil
	case core.CheckpointP2P:
		if p2p == nil {
			return ConfigPayload{}, nil, fmt.Errorf("bootstrap: P2P checkpoint requires a configured P2P bootstrapper")
		}
		return p2p.Run(ctx)
	case core.CheckpointEphemeral:
		return ConfigPayload{}, nil, ErrEphemeralCheckpoint
	case core.CheckpointHub:
		return ConfigPayload{}, nil, ErrHubUnsupported
	default:
		return ConfigPayload{}, nil, fmt.Errorf("bootstrap: unknown checkpoint kind %d", kind)
	}
}

// ConfigPayload is the canonical shape of the bytes served for a
// ModelConfigRequest: the model config string, the tokenizer string, and
// the ordered parameter name list a joiner must then request individually
// (spec.md §4.10's "(and parameter-name list)").
type ConfigPayload struct {
	ConfigString    string
	TokenizerString string
	ParameterNames  []string
}

// P2P drives the P2P bootstrap path to completion: request config, then
// every named parameter, tracking arrival in an ordered map until every
// entry is present, per spec.md §4.10.
type P2P struct {
	log   log.Logger
	store *blob.Store
	peers *modelshare.PeerClient
}

// NewP2P constructs a P2P bootstrapper.
func NewP2P(logger log.Logger, store *blob.Store, peers *modelshare.PeerClient) *P2P {
	return &P2P{log: logger, store: store, peers: peers}
}

// Run executes the full P2P bootstrap sequence, blocking until every
// parameter has arrived (or ctx is cancelled / a download permanently
// fails). It returns the ordered parameter names and the completed
// name -> payload map, ready for a single synchronous hand-off to the
// Trainer constructor.
func (p *P2P) Run(ctx context.Context) (ConfigPayload, map[string][]byte, error) {
	cfgTicket, err := p.peers.RequestConfig(ctx)
	if err != nil {
		return ConfigPayload{}, nil, fmt.Errorf("bootstrap: request config: %w", err)
	}
	cfgBytes, err := p.fetchBlocking(ctx, cfgTicket, blob.DownloadKind{})
	if err != nil {
		return ConfigPayload{}, nil, fmt.Errorf("bootstrap: fetch config: %w", err)
	}
	var cfg ConfigPayload
	if _, err := codec.Codec.Unmarshal(cfgBytes, &cfg); err != nil {
		return ConfigPayload{}, nil, fmt.Errorf("bootstrap: decode config: %w", err)
	}

	tickets, err := p.peers.RequestParameters(ctx, cfg.ParameterNames)
	if err != nil {
		return cfg, nil, fmt.Errorf("bootstrap: request parameters: %w", err)
	}

	params := make(map[string][]byte, len(cfg.ParameterNames))
	for _, name := range cfg.ParameterNames {
		ticket, ok := tickets[name]
		if !ok {
			return cfg, nil, fmt.Errorf("bootstrap: no ticket for parameter %q", name)
		}
		data, err := p.fetchBlocking(ctx, ticket, blob.DownloadKind{Name: name})
		if err != nil {
			return cfg, nil, fmt.Errorf("bootstrap: fetch parameter %q: %w", name, err)
		}
		params[name] = data
		p.log.Debug("bootstrap parameter arrived", zap.String("name", name), zap.Int("remaining", len(cfg.ParameterNames)-len(params)))
	}

	return cfg, params, nil
}

// fetchBlocking starts a download and blocks on the store's shared
// Complete/Failed channels until the one matching ticket resolves.
// Bootstrap is the only consumer of those channels before the round
// machine takes over, so draining them exclusively here is safe and keeps
// the sequential "hand-off" semantics spec.md describes.
func (p *P2P) fetchBlocking(ctx context.Context, ticket core.Ticket, kind blob.DownloadKind) ([]byte, error) {
	p.store.StartDownload(ctx, ticket, 0, kind)
	for {
		select {
		case dc := <-p.store.Complete():
			if dc.Hash == ticket.Hash {
				return dc.Data, nil
			}
		case df := <-p.store.Failed():
			if df.Ticket.Hash == ticket.Hash {
				return nil, df.Error
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dummy synthesizes a trivial model for tests, per spec.md §4.10 "Dummy:
// synthesize a trivial model for tests" -- no network, no blob layer.
func Dummy(paramLen int) (ConfigPayload, map[string][]byte) {
	cfg := ConfigPayload{ConfigString: "dummy", TokenizerString: "dummy", ParameterNames: []string{"w"}}
	return cfg, map[string][]byte{"w": make([]byte, paramLen*8)}
}
