// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package client implements the core loop of spec.md §5: a single
// goroutine selecting over Coordinator snapshot transitions, gossip
// inbound, blob download events, and four timers (witness, rebroadcast,
// connection-check, retry-check). It owns the only mutable round state in
// the process; every other package is either a passive capability
// (backend.Backend, backend.Trainer) or a bounded, lock-guarded resource
// (allowlist.Allowlist, blob.Store) safely touched from this one loop.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/allowlist"
	"github.com/luxfi/psyche/applymsg"
	"github.com/luxfi/psyche/backend"
	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/bootstrap"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
	"github.com/luxfi/psyche/gossip"
	"github.com/luxfi/psyche/metrics"
	"github.com/luxfi/psyche/round"
	"github.com/luxfi/psyche/utils/blockingpool"
	"github.com/luxfi/psyche/watcher"
)

// ParamStore is the mutable backing store modelshare.Source's config/param
// closures read from. It starts empty; client.Client's dynamic bootstrap
// (spec.md §4.10) populates it once the Coordinator's checkpoint kind has
// been resolved and the bootstrap path has completed, rather than a CLI
// flag deciding the parameter set before the run even starts.
type ParamStore struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
}

// NewParamStore constructs an empty ParamStore.
func NewParamStore() *ParamStore {
	return &ParamStore{data: make(map[string][]byte)}
}

// Names returns the current parameter name list.
func (p *ParamStore) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Get returns a named parameter's current bytes, matching
// modelshare.NewSource's paramFn shape.
func (p *ParamStore) Get(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.data[name]
	return v, ok
}

func (p *ParamStore) set(names []string, data map[string][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = names
	p.data = data
}

// Config tunes the core loop's timers. Zero fields fall back to
// DefaultConfig's values.
type Config struct {
	WitnessInterval         time.Duration
	RebroadcastInterval     time.Duration
	ConnectionCheckInterval time.Duration
	RetryCheckInterval      time.Duration
	// TotalBatches is the number of micro-batches in one epoch's dataset,
	// partitioned across the round's trainers by core.AssignBatches.
	TotalBatches uint64
	// WorkerPoolSize bounds the blockingpool running Train/Optimize calls;
	// <=0 defaults to runtime.GOMAXPROCS(0).
	WorkerPoolSize int
}

// DefaultConfig matches spec.md §5's stated cadences.
func DefaultConfig() Config {
	return Config{
		WitnessInterval:         500 * time.Millisecond,
		RebroadcastInterval:     10 * time.Second,
		ConnectionCheckInterval: 10 * time.Second,
		RetryCheckInterval:      2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WitnessInterval <= 0 {
		c.WitnessInterval = d.WitnessInterval
	}
	if c.RebroadcastInterval <= 0 {
		c.RebroadcastInterval = d.RebroadcastInterval
	}
	if c.ConnectionCheckInterval <= 0 {
		c.ConnectionCheckInterval = d.ConnectionCheckInterval
	}
	if c.RetryCheckInterval <= 0 {
		c.RetryCheckInterval = d.RetryCheckInterval
	}
	return c
}

// Client wires every capability and component package into the single
// core loop of spec.md §5.
type Client struct {
	log      log.Logger
	self     core.NodeIdentity
	selfAddr string
	cfg      Config

	watcher   *watcher.Watcher
	gossip    *gossip.Layer
	store     *blob.Store
	allow     *allowlist.Allowlist
	machine   *round.Machine
	pipeline  *applymsg.Pipeline
	collector *metrics.Collector
	pool      *blockingpool.Pool

	bootstrapPeers []string

	params          *ParamStore
	p2p             *bootstrap.P2P
	defaultParamLen int

	mu               sync.Mutex
	recent           []core.Broadcast
	bootstrapStarted bool
}

// New constructs a Client. bootstrapPeers seeds gossip.Layer.MaintainNeighbors
// candidate addresses on the connection-check timer; collector may be nil
// when metrics export is not wanted. params is the ParamStore backing
// modelSrc's closures (see NewParamStore); p2p may be nil if the caller
// never wired a P2P bootstrapper, in which case a Coordinator-reported P2P
// checkpoint kind fails bootstrap rather than panicking. defaultParamLen
// sizes the Dummy checkpoint fixture.
func New(logger log.Logger, self core.NodeIdentity, selfAddr string, be backend.Backend, gossipLayer *gossip.Layer, store *blob.Store, allow *allowlist.Allowlist, machine *round.Machine, pipeline *applymsg.Pipeline, collector *metrics.Collector, bootstrapPeers []string, cfg Config, params *ParamStore, p2p *bootstrap.P2P, defaultParamLen int) *Client {
	return &Client{
		log:             logger,
		self:            self,
		selfAddr:        selfAddr,
		cfg:             cfg.withDefaults(),
		watcher:         watcher.New(be),
		gossip:          gossipLayer,
		store:           store,
		allow:           allow,
		machine:         machine,
		pipeline:        pipeline,
		collector:       collector,
		pool:            blockingpool.New(cfg.WorkerPoolSize),
		bootstrapPeers:  bootstrapPeers,
		params:          params,
		p2p:             p2p,
		defaultParamLen: defaultParamLen,
	}
}

type trainOutcome struct {
	broadcast core.Broadcast
	err       error
}

// bootstrapOutcome is what the goroutine maybeStartBootstrap launches
// reports back to the core loop once bootstrap.Source returns.
type bootstrapOutcome struct {
	model  core.LLM
	cfg    bootstrap.ConfigPayload
	params map[string][]byte
	err    error
}

// Run is the core loop. It returns when ctx is cancelled or a Fatal-class
// error (spec.md §7) occurs; callers (cmd/psyche-client) are the only place
// that should turn a non-nil return into log.Fatal/os.Exit.
func (c *Client) Run(ctx context.Context) error {
	defer c.pool.Close()

	snapshots := make(chan watcher.Transition)
	watcherErr := make(chan error, 1)
	go func() {
		for {
			tr, err := c.watcher.WaitForNewState(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				watcherErr <- fmt.Errorf("client: watcher: %w", err)
				return
			}
			select {
			case snapshots <- tr:
			case <-ctx.Done():
				return
			}
		}
	}()

	trainResults := make(chan trainOutcome, 8)
	bootstrapResults := make(chan bootstrapOutcome, 1)

	witnessTicker := time.NewTicker(c.cfg.WitnessInterval)
	rebroadcastTicker := time.NewTicker(c.cfg.RebroadcastInterval)
	connTicker := time.NewTicker(c.cfg.ConnectionCheckInterval)
	retryTicker := time.NewTicker(c.cfg.RetryCheckInterval)
	defer witnessTicker.Stop()
	defer rebroadcastTicker.Stop()
	defer connTicker.Stop()
	defer retryTicker.Stop()

	var last core.Snapshot

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-watcherErr:
			return err

		case tr := <-snapshots:
			last = tr.New
			c.onSnapshot(ctx, tr.New, trainResults, bootstrapResults)

		case bo := <-bootstrapResults:
			c.onBootstrapResult(bo)

		case in := <-c.gossip.Inbound():
			c.onInbound(last, in)

		case dc := <-c.store.Complete():
			c.machine.OnDownloadComplete(dc)
			if c.collector != nil {
				c.collector.RecordReceived(dc.From, len(dc.Data), dc.Tag)
			}

		case df := <-c.store.Failed():
			c.log.Warn("download permanently failed, parameter or result lost for this step",
				zap.String("name", df.Kind.Name), zap.Error(df.Error))

		case out := <-trainResults:
			c.onTrainResult(out)

		case <-witnessTicker.C:
			c.onWitnessTick(ctx, last)

		case <-rebroadcastTicker.C:
			c.rebroadcastRecent(last.Progress.Step)

		case <-connTicker.C:
			c.gossip.MaintainNeighbors(c.bootstrapPeers)
			if c.collector != nil {
				c.collector.SetNeighborCount(c.gossip.NeighborCount())
				c.collector.SetBlobCount(c.store.Len())
			}

		case <-retryTicker.C:
			// blob.Store schedules its own exponential-backoff retries
			// internally (time.AfterFunc); this tick exists purely so the
			// loop has a steady point to refresh metrics that depend on
			// in-flight download state, matching spec.md §5's named
			// retry-check timer without duplicating Store's own schedule.
			if c.collector != nil {
				c.collector.SetBlobCount(c.store.Len())
			}
		}
	}
}

func (c *Client) onSnapshot(ctx context.Context, snap core.Snapshot, trainResults chan<- trainOutcome, bootstrapResults chan<- bootstrapOutcome) {
	keys := make([]allowlist.Key, 0, len(snap.EpochState.Clients))
	for _, cd := range snap.EpochState.Clients {
		keys = append(keys, cd.P2PPublicKey)
	}
	c.allow.Replace(keys)

	switch snap.RunState {
	case core.RunWarmup:
		c.maybeStartBootstrap(ctx, snap, bootstrapResults)
	}

	tr := c.machine.OnSnapshot(snap)
	if c.collector != nil {
		c.collector.SetStepRole(snap.Progress.Step, roleString(tr.Role))
	}

	switch snap.RunState {
	case core.RunRoundTrain:
		if tr.Role == core.RoleTrainer {
			c.trainStepAsync(ctx, snap, tr.ClientIndex, trainResults)
		}
	case core.RunRoundWitness:
		c.onEnterWitness(ctx, snap, tr)
	}
}

// maybeStartBootstrap runs spec.md §4.10's bootstrap exactly once per run,
// kicked off the first time the Coordinator's snapshot reports RunWarmup.
// It dispatches on snap.Model.Checkpoint instead of a static CLI flag, and
// runs bootstrap.Source in its own goroutine since P2P's path blocks on the
// same blob.Store.Complete()/Failed() channels this core loop's own select
// drains -- calling it inline here would deadlock the loop against itself.
func (c *Client) maybeStartBootstrap(ctx context.Context, snap core.Snapshot, results chan<- bootstrapOutcome) {
	c.mu.Lock()
	if c.bootstrapStarted {
		c.mu.Unlock()
		return
	}
	c.bootstrapStarted = true
	c.mu.Unlock()

	kind := snap.Model.Checkpoint
	model := snap.Model
	defaultLen := c.defaultParamLen
	p2p := c.p2p
	go func() {
		cfg, params, err := bootstrap.Source(ctx, kind, defaultLen, p2p)
		select {
		case results <- bootstrapOutcome{model: model, cfg: cfg, params: params, err: err}:
		case <-ctx.Done():
		}
	}()
}

// onBootstrapResult installs the arrived parameters into the ParamStore
// modelSrc's closures read from, and replaces the Machine's Trainer with
// one sized to what actually arrived, per spec.md §4.10's "hand off to the
// Trainer constructor in one synchronous step".
func (c *Client) onBootstrapResult(bo bootstrapOutcome) {
	if bo.err != nil {
		c.log.Warn("bootstrap failed", zap.Error(bo.err))
		c.mu.Lock()
		c.bootstrapStarted = false
		c.mu.Unlock()
		return
	}
	c.params.set(bo.cfg.ParameterNames, bo.params)

	paramLen := c.defaultParamLen
	if len(bo.cfg.ParameterNames) > 0 {
		if p, ok := bo.params[bo.cfg.ParameterNames[0]]; ok && len(p) > 0 {
			paramLen = len(p) / 8
		}
	}
	trainer := backend.NewDummyTrainer(int64(paramLen), bo.model.LRSchedule, distro.ParamsFromConfig(bo.model.Optimizer))
	c.machine.SetTrainer(trainer)
	c.log.Info("bootstrap complete", zap.Int("parameters", len(bo.cfg.ParameterNames)))
}

func (c *Client) trainStepAsync(ctx context.Context, snap core.Snapshot, clientIndex int, trainResults chan<- trainOutcome) {
	slot, numTrainers := trainerSlot(snap, clientIndex)
	if numTrainers == 0 {
		return
	}
	batchID := core.AssignBatches(c.cfg.TotalBatches, numTrainers, slot)

	resCh := blockingpool.Submit(c.pool, func() (core.Broadcast, error) {
		return c.machine.TrainStep(ctx, snap, clientIndex, batchID)
	})
	go func() {
		r := <-resCh
		select {
		case trainResults <- trainOutcome{broadcast: r.Value, err: r.Err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Client) onTrainResult(out trainOutcome) {
	if out.err != nil {
		c.log.Warn("training step failed", zap.Error(out.err))
		return
	}
	c.broadcastAndRemember(out.broadcast)
}

func (c *Client) onEnterWitness(ctx context.Context, snap core.Snapshot, tr round.Transition) {
	step := snap.Progress.Step

	c.healthCheckAbsentTrainers(ctx, snap)

	resCh := blockingpool.Submit(c.pool, func() (struct{}, error) {
		return struct{}{}, c.machine.Aggregate(ctx, snap)
	})
	go func() {
		r := <-resCh
		if r.Err != nil {
			c.log.Warn("aggregation failed", zap.Uint32("step", step), zap.Error(r.Err))
			return
		}
		contributions := c.pipeline.FinishedContributions(step)
		hashes := make([][32]byte, 0, len(contributions))
		for _, fc := range contributions {
			data := core.BroadcastData{Kind: core.DataFinished, Finished: fc.Finished}
			hashes = append(hashes, core.DataHash(data))
		}
		root := computeMerkleRoot(hashes)
		fb := c.machine.FinishedBroadcast(snap, tr.ClientIndex, root, snap.RunState == core.RunWarmup)

		outcome := c.pipeline.Apply(snap.EpochState.Clients, c.self.P2PPublicKey(), fb, nil)
		if outcome != applymsg.Applied {
			c.log.Warn("local Finished broadcast was not applied", zap.String("outcome", outcome.String()))
		}
		c.broadcastAndRemember(fb)
	}()
}

// healthCheckAbsentTrainers accuses committee trainers who produced no
// applied TrainingResult for the step by the time the round reaches
// RoundWitness, per spec.md §4.8 and Open Question (b)'s resolution.
func (c *Client) healthCheckAbsentTrainers(ctx context.Context, snap core.Snapshot) {
	step := snap.Progress.Step
	rnd := snap.EpochState.CurrentRound()
	seen := make(map[ids.NodeID]struct{})
	for _, id := range c.pipeline.AppliedTrainerSenders(step) {
		seen[id] = struct{}{}
	}

	for i, cd := range snap.EpochState.Clients {
		role := core.SelectRole(rnd, snap.Config.WitnessNodes, snap.Config.VerificationPercent, len(snap.EpochState.Clients), i)
		if role != core.RoleTrainer {
			continue
		}
		if _, ok := seen[cd.ID.NodeID()]; ok {
			continue
		}
		hc := backend.HealthCheck{
			Accused: cd.ID.NodeID(),
			Proof:   core.CommitteeProof{ClientIndex: i, Step: step, Round: rnd},
		}
		if err := c.watcher.SendHealthCheck(ctx, hc); err != nil {
			c.log.Debug("send health check failed", zap.Error(err))
		}
	}
}

func (c *Client) onWitnessTick(ctx context.Context, snap core.Snapshot) {
	if snap.RunID == "" {
		return
	}
	step := snap.Progress.Step
	if !c.machine.WitnessDue(step) {
		return
	}
	opp := backend.OpportunisticData{Step: step, Warmup: snap.RunState == core.RunWarmup}
	if err := c.watcher.SendWitness(ctx, opp); err != nil {
		c.log.Debug("send witness failed", zap.Error(err))
	}
}

func (c *Client) onInbound(snap core.Snapshot, in gossip.Inbound) {
	outcome := c.pipeline.Apply(snap.EpochState.Clients, in.SenderKey, in.Broadcast, nil)
	c.log.Debug("gossip inbound applied", zap.String("outcome", outcome.String()), zap.Uint32("step", in.Broadcast.Step))
}

func (c *Client) broadcastAndRemember(b core.Broadcast) {
	c.gossip.Broadcast(gossip.Envelope{SenderKey: c.self.P2PPublicKey(), Broadcast: b})
	c.mu.Lock()
	c.recent = append(c.recent, b)
	if len(c.recent) > 64 {
		c.recent = c.recent[len(c.recent)-64:]
	}
	c.mu.Unlock()
}

// rebroadcastRecent resends this node's recent broadcasts whose step is at
// least currentStep-2 to the current neighbor set, the 10s cadence of
// spec.md §4.4's "periodically rebroadcasts live messages" -- applymsg's
// per-(sender,step,kind,hash) dedup means repeats are free on the receiving end.
func (c *Client) rebroadcastRecent(currentStep uint32) {
	c.mu.Lock()
	batch := make([]core.Broadcast, 0, len(c.recent))
	for _, b := range c.recent {
		if b.Step+2 >= currentStep {
			batch = append(batch, b)
		}
	}
	c.mu.Unlock()

	for _, b := range batch {
		c.gossip.Broadcast(gossip.Envelope{SenderKey: c.self.P2PPublicKey(), Broadcast: b})
	}
}

// trainerSlot recomputes this client's position among the round's trainers,
// the slot index core.AssignBatches needs to partition the dataset.
func trainerSlot(snap core.Snapshot, clientIndex int) (slot, numTrainers int) {
	rnd := snap.EpochState.CurrentRound()
	n := len(snap.EpochState.Clients)
	slot = -1
	for i := 0; i < n; i++ {
		role := core.SelectRole(rnd, snap.Config.WitnessNodes, snap.Config.VerificationPercent, n, i)
		if role != core.RoleTrainer {
			continue
		}
		if i == clientIndex {
			slot = numTrainers
		}
		numTrainers++
	}
	if slot < 0 {
		return 0, 0
	}
	return slot, numTrainers
}

func roleString(r core.Role) string {
	switch r {
	case core.RoleTrainer:
		return "Trainer"
	case core.RoleWitness:
		return "Witness"
	default:
		return "None"
	}
}
