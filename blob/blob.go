// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blob implements the content-addressed blob layer of spec.md §4.3:
// publish a payload under the hash of its canonical bytes, fetch a peer's
// payload by ticket with bounded exponential-backoff retry, and garbage
// collect by retention tag. It is transport-agnostic: Fetcher is the only
// seam to the network, so tests can exercise the retry/GC state machine
// with an in-memory fetcher.
package blob

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/core"
)

// Fetcher performs the actual peer fetch for a ticket. Implementations talk
// to the shared authenticated overlay (RPCFetcher in rpc.go); tests
// substitute deterministic fakes.
type Fetcher interface {
	Fetch(ctx context.Context, ticket core.Ticket) ([]byte, error)
}

// Persistence is the subset of github.com/luxfi/database's Database
// interface Store needs to back its content-addressed entries with
// something that survives a process restart. It is optional: a nil
// Persistence leaves Store exactly as in-memory as before. Modeled on the
// KV shape the teacher's VM/consensus state packages call through
// database.Database (engine/dag/state/state.go's db.Get, engine/graph's
// NewSerializer(db database.Database, ...)).
type Persistence interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
}

// entry is a locally stored (published or downloaded) blob.
type entry struct {
	payload []byte
	tag     uint32
}

// pending tracks an in-flight or retrying download.
type pending struct {
	ticket   core.Ticket
	tag      uint32
	kind     DownloadKind
	attempts int
	cancel   context.CancelFunc
}

// DownloadKind carries the fallback addressing info a retry needs.
type DownloadKind struct {
	// Name is non-empty for model-sharing downloads (config/parameter name);
	// empty for DisTrO results.
	Name string
	// FallbackPeers is consulted, in order, when a DisTrO-result download
	// needs to retry against a different origin.
	FallbackPeers []string
}

// DownloadComplete is emitted once a ticket's payload has been fetched and
// its hash has been checked against the ticket (invariant 3 of spec.md §3).
type DownloadComplete struct {
	Hash [32]byte
	From string
	Data []byte
	Tag  uint32
	Kind DownloadKind
}

// DownloadFailed is emitted once a download has permanently failed (3
// attempts exhausted per spec.md §4.3's retry policy).
type DownloadFailed struct {
	Ticket core.Ticket
	Error  error
	Kind   DownloadKind
}

const (
	retryBase   = 2 * time.Second
	retryFactor = 2
	maxAttempts = 3
)

// Store is the blob layer: publish, fetch-with-retry, and tag-based GC.
type Store struct {
	log     log.Logger
	fetcher Fetcher
	persist Persistence

	mu       sync.Mutex
	entries  map[[32]byte]entry
	inflight map[[32]byte]*pending

	complete chan DownloadComplete
	failed   chan DownloadFailed

	permanentFailures metricCounter
}

// metricCounter is the minimal surface Store needs from utils/metric.Counter,
// kept local so tests don't need a full registry.
type metricCounter interface {
	Inc()
}

type noopCounter struct{}

func (noopCounter) Inc() {}

// NewStore constructs a Store. The returned channels must be drained by the
// core loop's select (spec.md §5); each is buffered with 64 slots, and once
// a buffer is full the goroutine delivering the next event blocks until the
// consumer drains one.
func NewStore(logger log.Logger, fetcher Fetcher) *Store {
	return &Store{
		log:               logger,
		fetcher:           fetcher,
		entries:           make(map[[32]byte]entry),
		inflight:          make(map[[32]byte]*pending),
		complete:          make(chan DownloadComplete, 64),
		failed:            make(chan DownloadFailed, 64),
		permanentFailures: noopCounter{},
	}
}

// SetPermanentFailureCounter wires a metrics counter bumped every time a
// download is permanently abandoned.
func (s *Store) SetPermanentFailureCounter(c metricCounter) {
	s.permanentFailures = c
}

// SetPersistence wires an optional backing store so published and
// downloaded blobs survive a process restart. A nil Persistence (the
// default) keeps Store purely in-memory; tag-based GC (below) only ever
// evicts the in-memory cache, since tags are round-scoped metadata this
// repo never needs to recover across a restart -- only the hash-addressed
// payload does.
func (s *Store) SetPersistence(p Persistence) {
	s.persist = p
}

// Complete returns the channel of successfully downloaded blobs.
func (s *Store) Complete() <-chan DownloadComplete { return s.complete }

// Failed returns the channel of downloads the manager gave up on (after
// maxAttempts attempts with exponential backoff -- see onAttemptFailed).
func (s *Store) Failed() <-chan DownloadFailed { return s.failed }

// AddDownloadable publishes payload under the hash of its canonical bytes
// and returns the resulting ticket (spec.md §4.3 add_downloadable).
func (s *Store) AddDownloadable(nodeAddress string, payload []byte, tag uint32, format core.BlobFormat) core.Ticket {
	hash := sha256.Sum256(payload)

	s.mu.Lock()
	s.entries[hash] = entry{payload: payload, tag: tag}
	s.mu.Unlock()
	s.persistPayload(hash, payload)

	return core.Ticket{NodeAddress: nodeAddress, Hash: hash, Format: format}
}

// Get returns a locally stored payload by hash, used to serve peers'
// fetches. On an in-memory miss with persistence wired, it falls back to
// the backing store and repopulates the cache.
func (s *Store) Get(hash [32]byte) ([]byte, bool) {
	s.mu.Lock()
	e, ok := s.entries[hash]
	s.mu.Unlock()
	if ok {
		return e.payload, true
	}
	if s.persist == nil {
		return nil, false
	}
	payload, err := s.persist.Get(hash[:])
	if err != nil || payload == nil {
		return nil, false
	}
	s.mu.Lock()
	s.entries[hash] = entry{payload: payload}
	s.mu.Unlock()
	return payload, true
}

// persistPayload writes payload to the backing store, if any, logging a
// warning on failure -- persistence is best-effort durability, never a
// correctness requirement, since the in-memory entry is already authoritative.
func (s *Store) persistPayload(hash [32]byte, payload []byte) {
	if s.persist == nil {
		return
	}
	if err := s.persist.Put(hash[:], payload); err != nil {
		s.log.Warn("blob: persist write failed", zap.Error(err))
	}
}

// StartDownload begins fetching ticket in the background (spec.md §4.3
// start_download). Completion/failure surface on the Complete/Failed
// channels; onAttemptFailed drives the exponential backoff schedule.
func (s *Store) StartDownload(ctx context.Context, ticket core.Ticket, tag uint32, kind DownloadKind) {
	s.mu.Lock()
	if _, exists := s.inflight[ticket.Hash]; exists {
		s.mu.Unlock()
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	p := &pending{ticket: ticket, tag: tag, kind: kind, cancel: cancel}
	s.inflight[ticket.Hash] = p
	s.mu.Unlock()

	s.attempt(dctx, p)
}

func (s *Store) attempt(ctx context.Context, p *pending) {
	p.attempts++
	target := p.ticket
	if n := len(p.kind.FallbackPeers); n > 0 && p.attempts > 1 {
		target.NodeAddress = p.kind.FallbackPeers[(p.attempts-2)%n]
	}
	go func() {
		payload, err := s.fetcher.Fetch(ctx, target)
		if err != nil {
			s.onAttemptFailed(ctx, p, err)
			return
		}
		got := sha256.Sum256(payload)
		if got != p.ticket.Hash {
			s.onAttemptFailed(ctx, p, fmt.Errorf("blob: hash mismatch, got %x want %x", got, p.ticket.Hash))
			return
		}

		s.mu.Lock()
		s.entries[p.ticket.Hash] = entry{payload: payload, tag: p.tag}
		delete(s.inflight, p.ticket.Hash)
		s.mu.Unlock()
		s.persistPayload(p.ticket.Hash, payload)

		s.complete <- DownloadComplete{
			Hash: p.ticket.Hash,
			From: target.NodeAddress,
			Data: payload,
			Tag:  p.tag,
			Kind: p.kind,
		}
	}()
}

func (s *Store) onAttemptFailed(ctx context.Context, p *pending, err error) {
	if p.attempts >= maxAttempts {
		s.mu.Lock()
		delete(s.inflight, p.ticket.Hash)
		s.mu.Unlock()

		s.permanentFailures.Inc()
		s.log.Warn("download permanently failed",
			zap.Int("attempts", p.attempts),
			zap.Error(err),
		)
		s.failed <- DownloadFailed{Ticket: p.ticket, Error: err, Kind: p.kind}
		return
	}

	backoff := retryBase
	for i := 1; i < p.attempts; i++ {
		backoff *= retryFactor
	}
	s.log.Debug("download attempt failed, scheduling retry",
		zap.Duration("backoff", backoff),
		zap.Int("attempt", p.attempts),
		zap.Error(err),
	)
	timer := time.AfterFunc(backoff, func() {
		s.mu.Lock()
		_, still := s.inflight[p.ticket.Hash]
		s.mu.Unlock()
		if !still {
			return
		}
		s.attempt(ctx, p)
	})
	context.AfterFunc(ctx, func() { timer.Stop() })
}

// RemoveBlobsWithTagLessThan evicts every locally stored blob whose tag is
// below minTag, invoked on entering RoundTrain (spec.md §4.3, invariant 5).
// Tag 0 is ephemeral and is never retained past this call regardless of the
// comparison, matching the model-sharing cache's "until next train step"
// lifetime.
func (s *Store) RemoveBlobsWithTagLessThan(minTag uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.entries {
		if e.tag == 0 || e.tag < minTag {
			delete(s.entries, h)
		}
	}
}

// Len reports the number of locally stored blobs, for metrics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HasTagAtLeast reports whether any stored blob carries tag >= minTag,
// used by tests asserting GC left active-round blobs untouched.
func (s *Store) HasTagAtLeast(minTag uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.tag >= minTag {
			return true
		}
	}
	return false
}
