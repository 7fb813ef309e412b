package delta

import "strconv"

// AntiEntropyMessageKind distinguishes the two message shapes Algorithm 1
// exchanges between replicas.
type AntiEntropyMessageKind int

const (
	MessageDelta AntiEntropyMessageKind = iota
	MessageAck
)

// AntiEntropyMessage is a convergence-mode anti-entropy message: either a
// delta being pushed from one replica to another, or an ack of a delta
// sequence number flowing back the other way.
type AntiEntropyMessage[D any] struct {
	Kind  AntiEntropyMessageKind
	From  string
	To    string
	Delta D
	Seq   SeqNo
}

// Cluster coordinates a fixed set of DeltaReplicas over a pluggable
// transport, implementing Algorithm 1 end to end: mutate, prepare a
// delta-group for a peer, send it, receive+apply on the other side, and ack
// back. The transport itself (ordering, loss, duplication) is supplied by
// the caller — production code wires a real network, tests wire a
// NetworkSimulator.
type Cluster[D Lattice[D]] struct {
	replicas []*DeltaReplica[D]
	send     func(AntiEntropyMessage[D])
}

// NewCluster creates n replicas named replica_0..replica_{n-1}, each peered
// with every other, and returns a Cluster driven by send for outbound
// messages. bufferSize bounds each replica's outgoing delta buffer.
func NewCluster[D Lattice[D]](n, bufferSize int, bottom Bottom[D], send func(AntiEntropyMessage[D])) *Cluster[D] {
	replicas := make([]*DeltaReplica[D], n)
	for i := 0; i < n; i++ {
		id := replicaName(i)
		r := NewDeltaReplica[D](id, bufferSize, bottom)
		replicas[i] = r
	}
	for i, r := range replicas {
		for j := range replicas {
			if i != j {
				r.RegisterPeer(replicaName(j))
			}
		}
	}
	return &Cluster[D]{replicas: replicas, send: send}
}

func replicaName(i int) string {
	return "replica_" + strconv.Itoa(i)
}

// Replica returns replica idx.
func (c *Cluster[D]) Replica(idx int) *DeltaReplica[D] {
	return c.replicas[idx]
}

// Len returns the number of replicas in the cluster.
func (c *Cluster[D]) Len() int {
	return len(c.replicas)
}

// Mutate applies mutator on replica idx, exactly as DeltaReplica.Mutate.
func (c *Cluster[D]) Mutate(idx int, mutator func(state D) D) D {
	return c.replicas[idx].Mutate(mutator)
}

// InitiateSync sends any pending delta-group from fromIdx to toIdx over the
// configured transport.
func (c *Cluster[D]) InitiateSync(fromIdx, toIdx int) {
	from := c.replicas[fromIdx]
	toID := c.replicas[toIdx].ID
	delta, seq, ok := from.PrepareSync(toID)
	if !ok {
		return
	}
	c.send(AntiEntropyMessage[D]{
		Kind:  MessageDelta,
		From:  from.ID,
		To:    toID,
		Delta: delta,
		Seq:   seq,
	})
}

// Broadcast sends fromIdx's pending deltas to every other replica.
func (c *Cluster[D]) Broadcast(fromIdx int) {
	for to := range c.replicas {
		if to != fromIdx {
			c.InitiateSync(fromIdx, to)
		}
	}
}

// FullSyncRound has every replica initiate a sync to every other replica.
// The transport is responsible for actually delivering what InitiateSync
// sends; callers typically drain a NetworkSimulator afterward.
func (c *Cluster[D]) FullSyncRound() {
	for from := range c.replicas {
		c.Broadcast(from)
	}
}

// Deliver applies one received message to the cluster: a Delta is joined
// into its recipient's state and acked back to the sender; an Ack updates
// the sender-side buffer bookkeeping. The caller is responsible for pulling
// msg off whatever transport it used (e.g. NetworkSimulator.Receive).
func (c *Cluster[D]) Deliver(msg AntiEntropyMessage[D]) {
	switch msg.Kind {
	case MessageDelta:
		for _, r := range c.replicas {
			if r.ID == msg.To {
				r.ReceiveDelta(msg.Delta)
				c.send(AntiEntropyMessage[D]{
					Kind: MessageAck,
					From: r.ID,
					To:   msg.From,
					Seq:  msg.Seq,
				})
				break
			}
		}
	case MessageAck:
		for _, r := range c.replicas {
			if r.ID == msg.To {
				r.ProcessAck(msg.From, msg.Seq)
				break
			}
		}
	}
}

// IsConverged reports whether every replica's full state is equal,
// according to equal. Fewer than two replicas trivially converges.
func (c *Cluster[D]) IsConverged(equal func(a, b D) bool) bool {
	if len(c.replicas) < 2 {
		return true
	}
	first := c.replicas[0].State()
	for _, r := range c.replicas[1:] {
		if !equal(first, r.State()) {
			return false
		}
	}
	return true
}
