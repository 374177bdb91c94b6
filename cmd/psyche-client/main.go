// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/rpc"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/luxfi/database/memdb"
	luxlog "github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/psyche/allowlist"
	"github.com/luxfi/psyche/applymsg"
	"github.com/luxfi/psyche/backend"
	"github.com/luxfi/psyche/blob"
	"github.com/luxfi/psyche/bootstrap"
	"github.com/luxfi/psyche/client"
	"github.com/luxfi/psyche/codec"
	"github.com/luxfi/psyche/core"
	"github.com/luxfi/psyche/distro"
	"github.com/luxfi/psyche/gossip"
	"github.com/luxfi/psyche/identity"
	"github.com/luxfi/psyche/metrics"
	"github.com/luxfi/psyche/modelshare"
	"github.com/luxfi/psyche/round"
	"github.com/luxfi/psyche/utils/wrappers"
)

var (
	bindAddr        = flag.String("bind", "127.0.0.1:9090", "gossip/blob/model-share listen address")
	metricsAddr     = flag.String("metrics", "127.0.0.1:9091", "local JSON metrics snapshot listen address")
	bootstrapPeers  = flag.String("bootstrap", "", "comma-separated gossip bootstrap peer addresses")
	defaultParamLen = flag.Int("dummy-param-len", 8, "parameter length used for the Dummy checkpoint fixture (ignored for P2P, whose lengths come from what actually arrives)")
	maxNeighbors    = flag.Int("max-neighbors", 3, "target gossip neighbor count")
	totalBatches    = flag.Uint64("total-batches", 1024, "micro-batches per epoch, partitioned across trainers")
	persistBlobs    = flag.Bool("persist-blobs", false, "back the blob store with an in-process memdb database.Database so payloads evicted by tag GC can still be served; nothing survives a process restart")

	distroChunk            = flag.Int64("distro-chunk", 64, "DisTrO DCT chunk size (core.OptimizerConfig.CompressionChunk)")
	distroTopK             = flag.Int64("distro-topk", 32, "DisTrO top-k coefficients kept per compressed tensor (core.OptimizerConfig.CompressionTopK)")
	distroWeightDecay      = flag.Float64("distro-weight-decay", 0, "DisTrO weight decay applied to the trained variable each step (core.OptimizerConfig.WeightDecay)")
	distroCompressionDecay = flag.Float64("distro-compression-decay", 1, "DisTrO decay applied to the carried error-feedback delta each step (core.OptimizerConfig.CompressionDecay)")
	distroQuantize         = flag.Bool("distro-quantize", false, "reduce DisTrO broadcasts to 1-bit signs (core.OptimizerConfig.Quantized)")
)

// main is the only place in this module permitted to call log.Fatal/os.Exit
// (SPEC_FULL.md §7); every other package returns plain errors up through
// client.Client.Run.
func main() {
	flag.Parse()

	peers := splitPeers(*bootstrapPeers)

	// The examples corpus never constructs a production luxfi/log backend
	// directly -- every call site, including the teacher's own, wires
	// log.NewNoOpLogger(). This entrypoint does the same; swap in a real
	// backend here once one is needed.
	logger := luxlog.NewNoOpLogger()

	self, err := identity.Generate()
	if err != nil {
		log.Fatalf("psyche-client: generate identity: %v", err)
	}

	if err := run(logger, self, peers); err != nil {
		log.Fatalf("psyche-client: %v", err)
	}
}

func run(logger luxlog.Logger, self *identity.Local, peers []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	collector, err := metrics.New("psyche")
	if err != nil {
		return fmt.Errorf("construct metrics collector: %w", err)
	}

	metricsServer := metrics.NewServer(collector, func() metrics.Snapshot {
		return collector.Snapshot(0, 0)
	})
	if err := metricsServer.Serve(*metricsAddr); err != nil {
		return fmt.Errorf("serve metrics endpoint: %w", err)
	}

	al := allowlist.New()

	dial := func(addr string) (*rpc.Client, error) { return rpc.Dial("tcp", addr) }

	store := blob.NewStore(logger, blob.NewRPCFetcher(dial))
	gossipLayer := gossip.NewLayer(logger, self, al, gossip.Config{BindAddr: *bindAddr, BootstrapPeers: peers, MaxNeighbors: *maxNeighbors})

	defer func() {
		var errs wrappers.Errs
		errs.Add(metricsServer.Close())
		gossipLayer.Close()
		if errs.Errored() {
			logger.Warn("psyche-client: shutdown errors", zap.Error(errs.Err()))
		}
	}()

	if *persistBlobs {
		// memdb is github.com/luxfi/database's in-process reference
		// implementation of database.Database (grounded on
		// engine/bft/util_test.go's memdb.New() usage); swap in a disk-backed
		// implementation from the same module for real durability.
		store.SetPersistence(memdb.New())
	}
	store.SetPermanentFailureCounter(collector.PermanentFailureCounter())

	// params is empty until client.Client's dynamic bootstrap (spec.md
	// §4.10) resolves snap.Model.Checkpoint on first RunWarmup and fills
	// it in; modelSrc's closures read straight through to it so a peer
	// requesting our config/parameters before then simply sees an empty
	// name list, same as any node that hasn't finished bootstrapping yet.
	params := client.NewParamStore()
	modelSrc := modelshare.NewSource(store, *bindAddr,
		func() ([]byte, error) {
			return codec.Codec.Marshal(codec.CurrentVersion, bootstrap.ConfigPayload{ParameterNames: params.Names()})
		},
		params.Get,
	)
	if err := modelshare.Serve(gossipLayer.RPCServer(), modelSrc); err != nil {
		return fmt.Errorf("register model-share service: %w", err)
	}
	if err := blob.Serve(gossipLayer.RPCServer(), store); err != nil {
		return fmt.Errorf("register blob service: %w", err)
	}

	if err := gossipLayer.Serve(ctx); err != nil {
		return fmt.Errorf("serve gossip overlay: %w", err)
	}

	peerClient := modelshare.NewPeerClient(logger, peers, dial)
	p2p := bootstrap.NewP2P(logger, store, peerClient)

	// The Machine needs a non-nil Trainer before bootstrap has run; this
	// placeholder is sized and tuned from CLI flags and gets replaced by
	// client.Client.onBootstrapResult once the Coordinator-reported
	// checkpoint kind resolves and parameters actually arrive.
	placeholderOptCfg := core.OptimizerConfig{
		CompressionChunk: *distroChunk,
		CompressionTopK:  *distroTopK,
		CompressionDecay: *distroCompressionDecay,
		WeightDecay:      *distroWeightDecay,
		Quantized:        *distroQuantize,
	}
	placeholderLR := core.LRSchedule{WarmupSteps: 100, BaseLR: 1e-3, MinLR: 1e-5}
	placeholderTrainer := backend.NewDummyTrainer(int64(*defaultParamLen), placeholderLR, distro.ParamsFromConfig(placeholderOptCfg))

	pipeline := applymsg.NewPipeline(store)
	machine := round.NewMachine(logger, self, *bindAddr, store, modelSrc, pipeline, placeholderTrainer)

	be := noopBackend{}
	cfg := client.DefaultConfig()
	cfg.TotalBatches = *totalBatches

	c := client.New(logger, self, *bindAddr, be, gossipLayer, store, al, machine, pipeline, collector, peers, cfg, params, p2p, *defaultParamLen)
	return c.Run(ctx)
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// noopBackend stands in for the out-of-scope Coordinator backend
// (spec.md §6's Backend row is explicitly out of scope for this module);
// wiring a real one means swapping this for an RPC/gRPC client.
type noopBackend struct{}

func (noopBackend) WaitForNewState(ctx context.Context) (core.Snapshot, error) {
	<-ctx.Done()
	return core.Snapshot{}, ctx.Err()
}

func (noopBackend) SendWitness(context.Context, backend.OpportunisticData) error { return nil }
func (noopBackend) SendHealthCheck(context.Context, backend.HealthCheck) error   { return nil }
func (noopBackend) SendCheckpoint(context.Context, backend.HubRepo) error        { return nil }

var _ backend.Backend = noopBackend{}
