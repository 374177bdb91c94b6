// Copyright (C) 2019-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics implements SPEC_FULL.md §4.11: a small per-node
// collector exporting both a Prometheus Gatherer (for scrape-based
// deployments, grounded on the teacher's api/metrics package) and the
// spec's local JSON-snapshot TCP endpoint (spec.md §6 "Local metrics
// endpoint"). Running averages (download retry counts) use the teacher's
// utils/metric.Registry, the same wrapper the rest of this repo's ambient
// stack uses for non-Prometheus counters.
package metrics

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	apimetrics "github.com/luxfi/psyche/api/metrics"
	"github.com/luxfi/psyche/utils/metric"
)

// PeerStat tracks per-peer traffic observed on the gossip/blob overlay.
type PeerStat struct {
	BytesSent         int64  `json:"bytes_sent"`
	BytesReceived     int64  `json:"bytes_received"`
	LastBroadcastStep uint32 `json:"last_broadcast_step"`
}

// Snapshot is the JSON document served by the local metrics endpoint.
type Snapshot struct {
	Step              uint32               `json:"step"`
	Role              string               `json:"role"`
	NeighborCount     int                  `json:"neighbor_count"`
	BlobCount         int                  `json:"blob_count"`
	PermanentFailures int64                `json:"permanent_download_failures"`
	AvgDownloadRetries float64             `json:"avg_download_retries"`
	Peers             map[string]PeerStat  `json:"peers"`
}

// Collector aggregates everything the local endpoint and the Prometheus
// Gatherer report.
type Collector struct {
	registry apimetrics.Registry
	legacy   metric.Registry

	permFailures prometheus.Counter
	neighbors    prometheus.Gauge
	blobs        prometheus.Gauge
	retryAvg     metric.Averager

	mu               sync.Mutex
	step             uint32
	role             string
	peers            map[string]*PeerStat
	permFailuresRead int64
}

// New constructs a Collector, registering its gauges/counters onto a fresh
// Prometheus registry (api/metrics.NewRegistry, the teacher's own
// constructor).
func New(namespace string) (*Collector, error) {
	reg := apimetrics.NewRegistry()

	permFailures := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "downloads_permanently_failed", Help: "Downloads abandoned after exhausting retries."})
	neighbors := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "gossip_neighbors", Help: "Current gossip neighbor count."})
	blobs := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "blob_count", Help: "Locally stored blob count."})

	for _, c := range []prometheus.Collector{permFailures, neighbors, blobs} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}

	legacy := metric.NewRegistry()
	return &Collector{
		registry:     reg,
		legacy:       legacy,
		permFailures: permFailures,
		neighbors:    neighbors,
		blobs:        blobs,
		retryAvg:     legacy.NewAverager("download_retry_count"),
		peers:        make(map[string]*PeerStat),
	}, nil
}

// Gatherer exposes the underlying Prometheus registry for an HTTP
// /metrics handler; cmd/psyche-client serves only the JSON endpoint and
// does not mount one.
func (c *Collector) Gatherer() apimetrics.Registry { return c.registry }

// permanentFailureCounter adapts Collector to blob.Store's minimal
// metricCounter seam.
type permanentFailureCounter struct{ c *Collector }

func (p permanentFailureCounter) Inc() {
	p.c.permFailures.Inc()
	p.c.mu.Lock()
	p.c.permFailuresRead++
	p.c.mu.Unlock()
}

// PermanentFailureCounter returns the counter to wire into
// blob.Store.SetPermanentFailureCounter.
func (c *Collector) PermanentFailureCounter() interface{ Inc() } {
	return permanentFailureCounter{c: c}
}

// SetNeighborCount records the gossip layer's current neighbor count.
func (c *Collector) SetNeighborCount(n int) {
	c.neighbors.Set(float64(n))
}

// SetBlobCount records the blob layer's current local entry count.
func (c *Collector) SetBlobCount(n int) {
	c.blobs.Set(float64(n))
}

// ObserveDownloadRetries feeds the running average of attempts-per-download.
func (c *Collector) ObserveDownloadRetries(attempts int) {
	c.retryAvg.Observe(float64(attempts))
}

// SetStepRole records the current round step and committee role, shown in
// the local snapshot endpoint.
func (c *Collector) SetStepRole(step uint32, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
	c.role = role
}

// RecordSent accumulates bytes sent to a peer address.
func (c *Collector) RecordSent(addr string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerLocked(addr).BytesSent += int64(n)
}

// RecordReceived accumulates bytes received from a peer address and the
// step of its most recent broadcast.
func (c *Collector) RecordReceived(addr string, n int, step uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.peerLocked(addr)
	p.BytesReceived += int64(n)
	if step > p.LastBroadcastStep {
		p.LastBroadcastStep = step
	}
}

func (c *Collector) peerLocked(addr string) *PeerStat {
	p, ok := c.peers[addr]
	if !ok {
		p = &PeerStat{}
		c.peers[addr] = p
	}
	return p
}

// Snapshot builds the current JSON snapshot document.
func (c *Collector) Snapshot(neighborCount, blobCount int) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make(map[string]PeerStat, len(c.peers))
	for addr, p := range c.peers {
		peers[addr] = *p
	}
	return Snapshot{
		Step:               c.step,
		Role:               c.role,
		NeighborCount:      neighborCount,
		BlobCount:          blobCount,
		PermanentFailures:  c.permFailuresRead,
		AvgDownloadRetries: c.retryAvg.Read(),
		Peers:              peers,
	}
}

// Server is the local TCP JSON snapshot endpoint of spec.md §6: on accept,
// writes one JSON object with the current snapshot and closes.
type Server struct {
	collector *Collector
	snapshot  func() Snapshot
	listener  net.Listener
}

// NewServer constructs a Server. snapshotFn is called fresh on every
// accepted connection.
func NewServer(collector *Collector, snapshotFn func() Snapshot) *Server {
	return &Server{collector: collector, snapshot: snapshotFn}
}

// Serve starts accepting connections on addr until the listener is closed.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	s.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = json.NewEncoder(conn).Encode(s.snapshot())
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Addr returns the listener's bound address, useful when Serve was given
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
