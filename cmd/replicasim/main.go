// Command replicasim drives N replicas through the delta-CRDT convergence
// and causal anti-entropy protocols, the Merkle-DAG gossip/sync layer, and
// compaction, reporting whether and how fast they converge. It exercises
// only the contracts in package delta/dag/sync/gossip/compaction; it is not
// a document-store editor or REPL.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/luxfi/crdtstore/codec"
	"github.com/luxfi/crdtstore/compaction"
	"github.com/luxfi/crdtstore/dag"
	"github.com/luxfi/crdtstore/dag/wire"
	"github.com/luxfi/crdtstore/delta"
	"github.com/luxfi/crdtstore/gossip"
	"github.com/luxfi/crdtstore/lattice"
	luxlog "github.com/luxfi/crdtstore/log"
	"github.com/luxfi/crdtstore/sync"
	"github.com/luxfi/version"
)

// lossyQueue is replicasim's own transport: a queue of in-flight messages
// with independently configurable loss, standing in for a real network the
// way a production deployment would supply one to delta.Cluster/
// delta.CausalCluster's injected send callback. Unlike the package's
// internal test-only simulators, this one is exported to nothing and lives
// entirely in main, since a CLI binary is production code, not a test.
type lossyQueue[M any] struct {
	inFlight []M
	lost     []M
	lossRate float64
	rng      *rand.Rand
}

func newLossyQueue[M any](lossRate float64) *lossyQueue[M] {
	return &lossyQueue[M]{lossRate: lossRate, rng: rand.New(rand.NewSource(42))}
}

func (q *lossyQueue[M]) send(msg M) {
	if q.rng.Float64() < q.lossRate {
		q.lost = append(q.lost, msg)
		return
	}
	q.inFlight = append(q.inFlight, msg)
}

func (q *lossyQueue[M]) receive() (M, bool) {
	if len(q.inFlight) == 0 {
		var zero M
		return zero, false
	}
	msg := q.inFlight[0]
	q.inFlight = q.inFlight[1:]
	return msg, true
}

func (q *lossyQueue[M]) retransmitLost() {
	q.inFlight = append(q.inFlight, q.lost...)
	q.lost = nil
}

func main() {
	replicas := flag.Int("replicas", 5, "number of simulated replicas")
	mode := flag.String("mode", "convergence", "anti-entropy mode: convergence or causal")
	lossRate := flag.Float64("loss", 0.1, "simulated message loss rate (0.0-1.0)")
	rounds := flag.Int("rounds", 20, "maximum full-sync rounds before giving up")
	verbose := flag.Bool("verbose", false, "log every replica event")
	flag.Parse()

	var logger luxlog.Logger
	if *verbose {
		logger = luxlog.NewDevelopment("replicasim")
	} else {
		logger = luxlog.NoOp()
	}

	fmt.Printf("=== replicasim: %d replicas, mode=%s, loss=%.2f ===\n", *replicas, *mode, *lossRate)

	var converged bool
	var roundsTaken int
	switch *mode {
	case "convergence":
		converged, roundsTaken = runConvergence(*replicas, *lossRate, *rounds, logger)
	case "causal":
		converged, roundsTaken = runCausal(*replicas, *lossRate, *rounds, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: must be convergence or causal\n", *mode)
		os.Exit(1)
	}

	if converged {
		fmt.Printf("converged after %d round(s)\n", roundsTaken)
	} else {
		fmt.Printf("did NOT converge within %d rounds\n", *rounds)
		os.Exit(1)
	}

	runDAGDemo(*replicas, logger)
}

func pncounterBottom() *lattice.PNCounter {
	return lattice.NewPNCounter()
}

func pncounterEqual(a, b *lattice.PNCounter) bool {
	return a.Value() == b.Value()
}

// runConvergence drives Algorithm 1 (convergence mode) to completion over a
// lossy simulated network, one counter increment per replica.
func runConvergence(n int, lossRate float64, maxRounds int, logger luxlog.Logger) (bool, int) {
	net := newLossyQueue[delta.AntiEntropyMessage[*lattice.PNCounter]](lossRate)
	cluster := delta.NewCluster[*lattice.PNCounter](n, 1000, pncounterBottom, net.send)

	for i := 0; i < n; i++ {
		cluster.Replica(i).SetLogger(logger)
		idx := i
		cluster.Mutate(idx, func(_ *lattice.PNCounter) *lattice.PNCounter {
			c := lattice.NewPNCounter()
			c.Increment(fmt.Sprintf("replica_%d", idx), uint64(idx+1))
			return c
		})
	}

	for round := 1; round <= maxRounds; round++ {
		cluster.FullSyncRound()
		drainDeltaNetwork(cluster, net)
		net.retransmitLost()
		drainDeltaNetwork(cluster, net)

		if cluster.IsConverged(pncounterEqual) {
			return true, round
		}
	}
	return cluster.IsConverged(pncounterEqual), maxRounds
}

func drainDeltaNetwork(c *delta.Cluster[*lattice.PNCounter], net *lossyQueue[delta.AntiEntropyMessage[*lattice.PNCounter]]) {
	for {
		msg, ok := net.receive()
		if !ok {
			return
		}
		c.Deliver(msg)
	}
}

// runCausal drives Algorithm 2 (causal mode): same replica set and workload,
// but delivery order per sender is enforced.
func runCausal(n int, lossRate float64, maxRounds int, logger luxlog.Logger) (bool, int) {
	net := newLossyQueue[delta.CausalMessage[*lattice.PNCounter]](lossRate)
	cluster := delta.NewCausalCluster[*lattice.PNCounter](n, pncounterBottom, net.send)

	for i := 0; i < n; i++ {
		cluster.Replica(i).SetLogger(logger)
		idx := i
		cluster.Mutate(idx, func(_ *lattice.PNCounter) *lattice.PNCounter {
			c := lattice.NewPNCounter()
			c.Increment(fmt.Sprintf("causal_%d", idx), uint64(idx+1))
			return c
		})
	}

	for round := 1; round <= maxRounds; round++ {
		cluster.FullSyncRound()
		drainCausalNetwork(cluster, net)
		net.retransmitLost()
		drainCausalNetwork(cluster, net)

		if cluster.IsConverged(pncounterEqual) {
			return true, round
		}
	}
	return cluster.IsConverged(pncounterEqual), maxRounds
}

func drainCausalNetwork(c *delta.CausalCluster[*lattice.PNCounter], net *lossyQueue[delta.CausalMessage[*lattice.PNCounter]]) {
	for {
		msg, ok := net.receive()
		if !ok {
			return
		}
		c.Deliver(msg)
	}
}

// runDAGDemo exercises the Merkle-DAG gossip/sync/compaction path: one
// replica's genesis-only store announces its head to n-1 peers, a fresh
// peer pulls the genesis node over the sync protocol, and a compactor
// takes a snapshot directly via CreateSnapshot.
func runDAGDemo(n int, logger luxlog.Logger) {
	fmt.Printf("\n=== DAG + gossip + compaction demo ===\n")

	store, genesisCID := dag.NewStoreWithGenesis("demo")
	store.SetLogger(logger)

	broadcaster := gossip.NewBroadcaster("demo_0")
	broadcaster.SetLogger(logger)
	broadcaster.SetVersion(&version.Application{Name: "crdtstore", Major: 1, Minor: 0, Patch: 0})
	for i := 1; i < n; i++ {
		broadcaster.AddPeer(fmt.Sprintf("demo_%d", i))
	}
	broadcaster.Broadcast([]dag.Hash{genesisCID})

	sent := 0
	var onWire []byte
	for broadcaster.HasPendingEvents() {
		ev, _ := broadcaster.PollEvent()
		if ev.Kind == gossip.EventSend {
			sent++
			// Frame the outgoing announcement as a real protobuf payload,
			// the way a network transport would before putting it on a
			// socket; round-tripped below to prove the framing is lossless.
			encoded, err := wire.EncodeBroadcastMessage(ev.Message)
			if err != nil {
				fmt.Fprintf(os.Stderr, "wire encode failed: %v\n", err)
				return
			}
			onWire = encoded
		}
	}
	fmt.Printf("broadcaster fanned out genesis head to %d peer(s)\n", sent)

	if onWire != nil {
		decoded, err := wire.DecodeBroadcastMessage(onWire)
		if err != nil {
			fmt.Fprintf(os.Stderr, "wire decode failed: %v\n", err)
			return
		}
		fmt.Printf("wire round-trip: %d bytes, origin=%s heads=%d\n", len(onWire), decoded.Origin, len(decoded.Heads))
	}

	// A peer that's missing the genesis node pulls it via the sync
	// protocol, with the request/response themselves framed over the wire.
	peerStore := dag.NewStore()
	peerSyncer := sync.NewSyncer(peerStore)
	request := peerSyncer.CreateRequest([]dag.Hash{genesisCID})
	requestBytes, err := wire.EncodeSyncRequest(request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire encode sync request failed: %v\n", err)
		return
	}
	decodedRequest, err := wire.DecodeSyncRequest(requestBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire decode sync request failed: %v\n", err)
		return
	}

	responder := sync.NewSyncer(store)
	response := responder.HandleRequest(decodedRequest)
	responseBytes, err := wire.EncodeSyncResponse(response)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire encode sync response failed: %v\n", err)
		return
	}
	decodedResponse, err := wire.DecodeSyncResponse(responseBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wire decode sync response failed: %v\n", err)
		return
	}

	stored, err := peerSyncer.ApplyResponse(decodedResponse)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sync apply failed: %v\n", err)
		return
	}
	fmt.Printf("peer synced %d node(s) over the wire\n", len(stored))

	compactor := compaction.NewCompactor("demo_0")
	compactor.SetLogger(logger)
	vv := compaction.VersionVectorFromEntries(map[string]uint64{"demo_0": 1})
	compactor.UpdateLocalFrontier(vv, []dag.Hash{genesisCID})

	demoState := lattice.NewPNCounter()
	demoState.Increment("demo_0", 1)

	id, err := compactor.CreateSnapshot(nil, func() ([]byte, error) {
		return codec.Codec.Marshal(codec.CurrentVersion, demoState)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot failed: %v\n", err)
		return
	}
	fmt.Printf("took snapshot %s, dag size %d\n", id.Short(), store.Len())
}
