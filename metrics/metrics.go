// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes an optional prometheus recorder for the core's
// observable counters and gauges: delta mutations/applications, DAG store
// size, broadcaster fan-out outcomes, and compaction activity. The core
// never requires a Recorder — every component defaults to NoOp() — so a
// caller that doesn't run a prometheus registry pays nothing for it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the observation surface that delta.DeltaReplica, dag.Store,
// gossip.Broadcaster and compaction.Compactor accept optionally via their
// SetMetrics methods. delta.CausalReplica and sync.Syncer record nothing.
type Recorder interface {
	// MutationApplied counts a local DeltaReplica.Mutate call for
	// replicaID.
	MutationApplied(replicaID string)
	// DeltaReceived counts an applied DeltaReplica.ReceiveDelta for
	// replicaID.
	DeltaReceived(replicaID string)
	// BufferSize records a replica's current outgoing delta buffer depth.
	BufferSize(replicaID string, size int)
	// DAGNodeInserted counts a successful dag.Store.Put/PutUnchecked.
	DAGNodeInserted()
	// DAGHeads records the current number of DAG heads.
	DAGHeads(n int)
	// BroadcastSent counts a gossip send event.
	BroadcastSent()
	// BroadcastDropped counts a dropped gossip message by reason
	// ("duplicate", "expired_ttl" or "incompatible_version").
	BroadcastDropped(reason string)
	// SnapshotCreated counts a successful compaction snapshot.
	SnapshotCreated()
	// NodesPruned counts DAG nodes removed by a compaction prune.
	NodesPruned(n int)
}

// noop is the zero-cost Recorder every component starts with.
type noop struct{}

func (noop) MutationApplied(string)  {}
func (noop) DeltaReceived(string)    {}
func (noop) BufferSize(string, int)  {}
func (noop) DAGNodeInserted()        {}
func (noop) DAGHeads(int)            {}
func (noop) BroadcastSent()          {}
func (noop) BroadcastDropped(string) {}
func (noop) SnapshotCreated()        {}
func (noop) NodesPruned(int)         {}

// NoOp returns a Recorder that discards every observation.
func NoOp() Recorder { return noop{} }

// Prometheus is a Recorder backed by prometheus collectors, registered
// against the Registerer passed to New.
type Prometheus struct {
	mutations     *prometheus.CounterVec
	deltasApplied *prometheus.CounterVec
	bufferSize    *prometheus.GaugeVec
	dagNodes      prometheus.Counter
	dagHeads      prometheus.Gauge
	broadcastSent prometheus.Counter
	broadcastDrop *prometheus.CounterVec
	snapshots     prometheus.Counter
	nodesPruned   prometheus.Counter
}

// New registers the core's collectors against reg and returns a Prometheus
// Recorder. reg is typically a fresh prometheus.NewRegistry() per replica,
// or the global DefaultRegisterer shared by a single-process deployment.
func New(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "mutations_total",
			Help:      "Local mutations applied, by replica.",
		}, []string{"replica"}),
		deltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "deltas_applied_total",
			Help:      "Deltas received and joined into state, by replica.",
		}, []string{"replica"}),
		bufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crdtstore",
			Name:      "delta_buffer_size",
			Help:      "Current outgoing delta buffer depth, by replica.",
		}, []string{"replica"}),
		dagNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "dag_nodes_inserted_total",
			Help:      "Nodes successfully inserted into the DAG store.",
		}),
		dagHeads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore",
			Name:      "dag_heads",
			Help:      "Current number of DAG heads.",
		}),
		broadcastSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "broadcast_sent_total",
			Help:      "Gossip send events enqueued.",
		}),
		broadcastDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "broadcast_dropped_total",
			Help:      "Gossip messages dropped, by reason.",
		}, []string{"reason"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "snapshots_created_total",
			Help:      "Compaction snapshots created.",
		}),
		nodesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore",
			Name:      "nodes_pruned_total",
			Help:      "DAG nodes removed by compaction prunes.",
		}),
	}

	collectors := []prometheus.Collector{
		p.mutations, p.deltasApplied, p.bufferSize,
		p.dagNodes, p.dagHeads,
		p.broadcastSent, p.broadcastDrop,
		p.snapshots, p.nodesPruned,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) MutationApplied(replicaID string) { p.mutations.WithLabelValues(replicaID).Inc() }
func (p *Prometheus) DeltaReceived(replicaID string)   { p.deltasApplied.WithLabelValues(replicaID).Inc() }
func (p *Prometheus) BufferSize(replicaID string, size int) {
	p.bufferSize.WithLabelValues(replicaID).Set(float64(size))
}
func (p *Prometheus) DAGNodeInserted()        { p.dagNodes.Inc() }
func (p *Prometheus) DAGHeads(n int)          { p.dagHeads.Set(float64(n)) }
func (p *Prometheus) BroadcastSent()          { p.broadcastSent.Inc() }
func (p *Prometheus) BroadcastDropped(reason string) {
	p.broadcastDrop.WithLabelValues(reason).Inc()
}
func (p *Prometheus) SnapshotCreated()  { p.snapshots.Inc() }
func (p *Prometheus) NodesPruned(n int) { p.nodesPruned.Add(float64(n)) }
