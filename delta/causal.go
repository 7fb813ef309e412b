package delta

import (
	"strconv"

	"github.com/luxfi/crdtstore/log"
)

// DurableState is the portion of a CausalReplica that must be persisted to
// stable storage before the replica acknowledges a mutation or a received
// interval: the full CRDT state and the durable sequence counter. Volatile
// state (peer buffers, acks) is never persisted and is rebuilt after a
// crash as peers detect the gap and resend.
type DurableState[D Lattice[D]] struct {
	ReplicaID string
	State     D
	Counter   SeqNo
}

// NewDurableState returns the empty durable state for a fresh replica.
func NewDurableState[D Lattice[D]](replicaID string, bottom Bottom[D]) DurableState[D] {
	return DurableState[D]{ReplicaID: replicaID, State: bottom()}
}

// PeerDeltaBuffer accumulates the deltas owed to one specific peer between
// sends, tracking the sequence range they cover so the receiver can tell
// whether the interval is causally ready.
type PeerDeltaBuffer[D Lattice[D]] struct {
	delta      D
	hasPending bool
	fromSeq    SeqNo
	toSeq      SeqNo
}

// NewPeerDeltaBuffer returns an empty buffer.
func NewPeerDeltaBuffer[D Lattice[D]]() *PeerDeltaBuffer[D] {
	return &PeerDeltaBuffer[D]{}
}

// Push folds delta into the buffer (joining with anything already pending)
// and advances the buffer's upper sequence bound to seq.
func (b *PeerDeltaBuffer[D]) Push(delta D, seq SeqNo) {
	if b.hasPending {
		b.delta = b.delta.Join(delta)
	} else {
		b.delta = delta
		b.hasPending = true
	}
	b.toSeq = seq
}

// HasPending reports whether the buffer holds an unsent delta.
func (b *PeerDeltaBuffer[D]) HasPending() bool {
	return b.hasPending
}

// Take returns the buffered delta and its sequence range, clearing the
// buffer and advancing its lower bound to where this interval left off.
func (b *PeerDeltaBuffer[D]) Take() (D, SeqNo, SeqNo, bool) {
	if !b.hasPending {
		var zero D
		return zero, 0, 0, false
	}
	delta, from, to := b.delta, b.fromSeq, b.toSeq
	b.fromSeq = to
	b.hasPending = false
	var zero D
	b.delta = zero
	return delta, from, to, true
}

// Clear discards any pending delta, e.g. on receiving an ack for it.
func (b *PeerDeltaBuffer[D]) Clear() {
	var zero D
	b.delta = zero
	b.hasPending = false
	b.fromSeq = b.toSeq
}

// ResetFrom reinitializes the buffer to start tracking from seq, e.g. after
// a peer reconnects and its prior interval history is no longer relevant.
func (b *PeerDeltaBuffer[D]) ResetFrom(seq SeqNo) {
	var zero D
	b.delta = zero
	b.hasPending = false
	b.fromSeq = seq
	b.toSeq = seq
}

// VolatileState is the part of a CausalReplica's bookkeeping that is lost
// on crash: per-peer outgoing buffers and per-peer received-sequence acks.
type VolatileState[D Lattice[D]] struct {
	deltaBuffers map[string]*PeerDeltaBuffer[D]
	peerAcks     map[string]SeqNo
}

// NewVolatileState returns empty volatile state.
func NewVolatileState[D Lattice[D]]() *VolatileState[D] {
	return &VolatileState[D]{
		deltaBuffers: make(map[string]*PeerDeltaBuffer[D]),
		peerAcks:     make(map[string]SeqNo),
	}
}

func (v *VolatileState[D]) registerPeer(peerID string) {
	if _, ok := v.deltaBuffers[peerID]; !ok {
		v.deltaBuffers[peerID] = NewPeerDeltaBuffer[D]()
	}
	if _, ok := v.peerAcks[peerID]; !ok {
		v.peerAcks[peerID] = 0
	}
}

func (v *VolatileState[D]) peerAck(peerID string) SeqNo {
	return v.peerAcks[peerID]
}

func (v *VolatileState[D]) updatePeerAck(peerID string, seq SeqNo) {
	if cur, ok := v.peerAcks[peerID]; !ok || seq > cur {
		v.peerAcks[peerID] = seq
	}
}

// DeltaInterval is a causal-mode anti-entropy message: a joined delta-group
// together with the sequence range it covers. A receiver only applies it
// once from_seq matches the last sequence it has acked from the sender,
// guaranteeing deltas are delivered in causal order.
type DeltaInterval[D any] struct {
	From    string
	To      string
	Delta   D
	FromSeq SeqNo
	ToSeq   SeqNo
}

// IntervalAck acknowledges a DeltaInterval up to AckedSeq.
type IntervalAck struct {
	From     string
	To       string
	AckedSeq SeqNo
}

// CausalMessageKind distinguishes CausalMessage's four shapes.
type CausalMessageKind int

const (
	CausalMessageDeltaInterval CausalMessageKind = iota
	CausalMessageAck
	CausalMessageSnapshotRequest
	CausalMessageSnapshot
)

// CausalMessage is any message the causal anti-entropy protocol exchanges:
// a delta-interval, an ack, a bootstrap snapshot request, or the snapshot
// response itself. Which fields are meaningful depends on Kind.
type CausalMessage[D any] struct {
	Kind     CausalMessageKind
	From     string
	To       string
	Interval DeltaInterval[D] // CausalMessageDeltaInterval
	Ack      IntervalAck      // CausalMessageAck
	State    D                // CausalMessageSnapshot
	Seq      SeqNo            // CausalMessageSnapshot
}

// CausalReplica implements Algorithm 2, the causal-consistency extension of
// Algorithm 1: deltas destined for a given peer are only applied once every
// earlier interval from that peer has been applied, so a receiver never
// observes an effect before its cause. Durable state (CRDT state + sequence
// counter) survives a crash; volatile per-peer buffers and acks do not, and
// are rebuilt as peers detect the gap and resend.
type CausalReplica[D Lattice[D]] struct {
	durable  DurableState[D]
	volatile *VolatileState[D]
	pending  map[string][]DeltaInterval[D]
	bottom   Bottom[D]
	logger   log.Logger

	// snapshotRequests names peers a full-state snapshot has been
	// requested from, drained by the caller (CausalCluster.Deliver) and
	// turned into outgoing CausalMessageSnapshotRequest messages.
	snapshotRequests []string
}

// NewCausalReplica returns a fresh replica with empty state.
func NewCausalReplica[D Lattice[D]](id string, bottom Bottom[D]) *CausalReplica[D] {
	return &CausalReplica[D]{
		durable:  NewDurableState[D](id, bottom),
		volatile: NewVolatileState[D](),
		pending:  make(map[string][]DeltaInterval[D]),
		bottom:   bottom,
		logger:   log.NoOp(),
	}
}

// RestoreCausalReplica rebuilds a replica from previously persisted durable
// state after a crash; volatile state starts fresh.
func RestoreCausalReplica[D Lattice[D]](durable DurableState[D], bottom Bottom[D]) *CausalReplica[D] {
	return &CausalReplica[D]{
		durable:  durable,
		volatile: NewVolatileState[D](),
		pending:  make(map[string][]DeltaInterval[D]),
		bottom:   bottom,
		logger:   log.NoOp(),
	}
}

// SetLogger replaces the replica's logger.
func (r *CausalReplica[D]) SetLogger(logger log.Logger) {
	r.logger = logger.With("replica", r.durable.ReplicaID)
}

// ID returns the replica's id.
func (r *CausalReplica[D]) ID() string {
	return r.durable.ReplicaID
}

// State returns the replica's current CRDT state.
func (r *CausalReplica[D]) State() D {
	return r.durable.State
}

// Counter returns the replica's durable sequence counter.
func (r *CausalReplica[D]) Counter() SeqNo {
	return r.durable.Counter
}

// DurableState returns the portion of the replica that must be persisted.
func (r *CausalReplica[D]) DurableState() DurableState[D] {
	return r.durable
}

// RegisterPeer starts causal anti-entropy tracking for peerID.
func (r *CausalReplica[D]) RegisterPeer(peerID string) {
	r.volatile.registerPeer(peerID)
	if _, ok := r.pending[peerID]; !ok {
		r.pending[peerID] = nil
	}
}

// Mutate applies a local mutation: increments the durable counter, computes
// the delta via mutator, joins it into state, and appends it to every
// peer's outgoing buffer.
func (r *CausalReplica[D]) Mutate(mutator func(state D) D) D {
	r.durable.Counter++
	seq := r.durable.Counter

	delta := mutator(r.durable.State)
	r.durable.State.JoinAssign(delta)

	for _, buf := range r.volatile.deltaBuffers {
		buf.Push(delta, seq)
	}

	return delta
}

// PrepareInterval returns the pending delta-interval for peerID, if any.
func (r *CausalReplica[D]) PrepareInterval(peerID string) (DeltaInterval[D], bool) {
	buf, ok := r.volatile.deltaBuffers[peerID]
	if !ok {
		var zero DeltaInterval[D]
		return zero, false
	}
	delta, fromSeq, toSeq, ok := buf.Take()
	if !ok {
		var zero DeltaInterval[D]
		return zero, false
	}
	return DeltaInterval[D]{
		From:    r.durable.ReplicaID,
		To:      peerID,
		Delta:   delta,
		FromSeq: fromSeq,
		ToSeq:   toSeq,
	}, true
}

func (r *CausalReplica[D]) isCausallyReady(interval DeltaInterval[D]) bool {
	return interval.FromSeq == r.volatile.peerAck(interval.From)
}

// ReceiveInterval processes an interval from a peer. If it's causally
// ready (its FromSeq matches the last sequence acked from that sender), it
// is applied immediately, any now-ready pending intervals from the same
// sender are applied too, and an ack is returned with true. Otherwise the
// interval is buffered in sequence order and false is returned.
func (r *CausalReplica[D]) ReceiveInterval(interval DeltaInterval[D]) (IntervalAck, bool) {
	if _, ok := r.volatile.peerAcks[interval.From]; !ok {
		r.RegisterPeer(interval.From)
	}

	if !r.isCausallyReady(interval) {
		// A peer ack reset to 0 means we just recovered from a crash with
		// no causal history for this sender. A sender whose own buffer
		// never reset will never again produce a FromSeq == 0 interval,
		// so resending alone can't close this gap; only a full-state
		// snapshot can.
		if r.volatile.peerAck(interval.From) == 0 && interval.FromSeq != 0 {
			r.logger.Warn("durable gap from peer after crash, requesting snapshot", "from", interval.From, "from_seq", interval.FromSeq)
			r.requestSnapshotFrom(interval.From)
		} else {
			r.logger.Warn("buffering out-of-order interval", "from", interval.From, "from_seq", interval.FromSeq, "expected", r.volatile.peerAck(interval.From))
		}
		pending := r.pending[interval.From]
		pos := len(pending)
		for i, p := range pending {
			if p.FromSeq > interval.FromSeq {
				pos = i
				break
			}
		}
		pending = append(pending, DeltaInterval[D]{})
		copy(pending[pos+1:], pending[pos:])
		pending[pos] = interval
		r.pending[interval.From] = pending
		return IntervalAck{}, false
	}

	r.durable.State.JoinAssign(interval.Delta)
	r.volatile.updatePeerAck(interval.From, interval.ToSeq)

	ack := IntervalAck{From: r.durable.ReplicaID, To: interval.From, AckedSeq: interval.ToSeq}

	r.tryApplyPending(interval.From)

	return ack, true
}

// tryApplyPending applies every pending interval from peerID that has
// become causally ready after the most recent apply.
func (r *CausalReplica[D]) tryApplyPending(peerID string) {
	for {
		pending := r.pending[peerID]
		if len(pending) == 0 {
			return
		}
		next := pending[0]
		if next.FromSeq != r.volatile.peerAck(peerID) {
			return
		}
		r.pending[peerID] = pending[1:]
		r.durable.State.JoinAssign(next.Delta)
		r.volatile.updatePeerAck(peerID, next.ToSeq)
	}
}

// requestSnapshotFrom records that a full-state snapshot is needed from
// peerID, deduplicating against requests already pending.
func (r *CausalReplica[D]) requestSnapshotFrom(peerID string) {
	for _, p := range r.snapshotRequests {
		if p == peerID {
			return
		}
	}
	r.snapshotRequests = append(r.snapshotRequests, peerID)
}

// DrainSnapshotRequests pops and returns every peer a snapshot has been
// requested from since the last drain.
func (r *CausalReplica[D]) DrainSnapshotRequests() []string {
	reqs := r.snapshotRequests
	r.snapshotRequests = nil
	return reqs
}

// ReceiveAck clears the outgoing buffer for the peer that sent ack, since
// everything in it has now been delivered.
func (r *CausalReplica[D]) ReceiveAck(ack IntervalAck) {
	if buf, ok := r.volatile.deltaBuffers[ack.From]; ok {
		buf.Clear()
	}
}

// Snapshot returns a full-state snapshot for bootstrapping a new replica,
// along with the durable counter it was taken at.
func (r *CausalReplica[D]) Snapshot() (D, SeqNo) {
	return r.durable.State, r.durable.Counter
}

// ApplySnapshot merges a bootstrap snapshot from another replica into local
// state and records that replica's sequence as acked.
func (r *CausalReplica[D]) ApplySnapshot(state D, seq SeqNo, from string) {
	r.durable.State.JoinAssign(state)
	r.volatile.updatePeerAck(from, seq)
}

// Peers returns every peer ID this replica is tracking acks for.
func (r *CausalReplica[D]) Peers() []string {
	out := make([]string, 0, len(r.volatile.peerAcks))
	for p := range r.volatile.peerAcks {
		out = append(out, p)
	}
	return out
}

// HasPendingDeltas reports whether any peer's outgoing buffer holds an
// unsent delta.
func (r *CausalReplica[D]) HasPendingDeltas() bool {
	for _, buf := range r.volatile.deltaBuffers {
		if buf.HasPending() {
			return true
		}
	}
	return false
}

// PendingCount returns the total number of out-of-order intervals
// currently buffered across all senders.
func (r *CausalReplica[D]) PendingCount() int {
	total := 0
	for _, p := range r.pending {
		total += len(p)
	}
	return total
}

// DurableStorage persists and restores a CausalReplica's durable state
// across crashes.
type DurableStorage[D Lattice[D]] interface {
	Persist(state DurableState[D]) error
	Load(replicaID string) (DurableState[D], bool, error)
	Sync() error
}

// MemoryStorage is an in-memory DurableStorage, useful for tests and for
// bootstrapping before a real storage backend is wired in.
type MemoryStorage[D Lattice[D]] struct {
	states map[string]DurableState[D]
}

// NewMemoryStorage returns empty in-memory storage.
func NewMemoryStorage[D Lattice[D]]() *MemoryStorage[D] {
	return &MemoryStorage[D]{states: make(map[string]DurableState[D])}
}

// Persist stores state, keyed by its replica id.
func (m *MemoryStorage[D]) Persist(state DurableState[D]) error {
	m.states[state.ReplicaID] = state
	return nil
}

// Load returns the persisted state for replicaID, if any.
func (m *MemoryStorage[D]) Load(replicaID string) (DurableState[D], bool, error) {
	s, ok := m.states[replicaID]
	return s, ok, nil
}

// Sync is a no-op: MemoryStorage has nothing to flush.
func (m *MemoryStorage[D]) Sync() error {
	return nil
}

// CausalCluster coordinates a fixed set of CausalReplicas over a pluggable
// transport, mirroring Cluster's role for Algorithm 1 but enforcing causal
// delivery order per Algorithm 2. The transport is supplied by the caller;
// production code wires a real network, tests wire a CausalNetworkSimulator.
type CausalCluster[D Lattice[D]] struct {
	replicas []*CausalReplica[D]
	send     func(CausalMessage[D])
}

// NewCausalCluster creates n replicas named causal_0..causal_{n-1}, each
// peered with every other, driven by send for outbound messages.
func NewCausalCluster[D Lattice[D]](n int, bottom Bottom[D], send func(CausalMessage[D])) *CausalCluster[D] {
	replicas := make([]*CausalReplica[D], n)
	for i := 0; i < n; i++ {
		replicas[i] = NewCausalReplica[D](causalReplicaName(i), bottom)
	}
	for i, r := range replicas {
		for j := range replicas {
			if i != j {
				r.RegisterPeer(causalReplicaName(j))
			}
		}
	}
	return &CausalCluster[D]{replicas: replicas, send: send}
}

func causalReplicaName(i int) string {
	return "causal_" + strconv.Itoa(i)
}

// Replica returns replica idx.
func (c *CausalCluster[D]) Replica(idx int) *CausalReplica[D] {
	return c.replicas[idx]
}

// Len returns the number of replicas in the cluster.
func (c *CausalCluster[D]) Len() int {
	return len(c.replicas)
}

// Mutate applies mutator on replica idx.
func (c *CausalCluster[D]) Mutate(idx int, mutator func(state D) D) D {
	return c.replicas[idx].Mutate(mutator)
}

// BroadcastIntervals sends every pending delta-interval from replica
// fromIdx to its peers over the configured transport.
func (c *CausalCluster[D]) BroadcastIntervals(fromIdx int) {
	replica := c.replicas[fromIdx]
	for _, peerID := range replica.Peers() {
		if interval, ok := replica.PrepareInterval(peerID); ok {
			c.send(CausalMessage[D]{Kind: CausalMessageDeltaInterval, From: interval.From, To: interval.To, Interval: interval})
		}
	}
}

// Deliver applies one received message: a delta-interval is handed to its
// recipient and, if causally ready, acked back to the sender; an ack
// clears the sender-side buffer; a snapshot request/response bootstraps a
// new replica. The caller pulls msg off whatever transport it used.
func (c *CausalCluster[D]) Deliver(msg CausalMessage[D]) {
	switch msg.Kind {
	case CausalMessageDeltaInterval:
		for _, r := range c.replicas {
			if r.ID() == msg.Interval.To {
				if ack, ok := r.ReceiveInterval(msg.Interval); ok {
					c.send(CausalMessage[D]{Kind: CausalMessageAck, From: ack.From, To: ack.To, Ack: ack})
				}
				for _, peer := range r.DrainSnapshotRequests() {
					c.send(CausalMessage[D]{Kind: CausalMessageSnapshotRequest, From: r.ID(), To: peer})
				}
				break
			}
		}
	case CausalMessageAck:
		for _, r := range c.replicas {
			if r.ID() == msg.Ack.To {
				r.ReceiveAck(msg.Ack)
				break
			}
		}
	case CausalMessageSnapshotRequest:
		for _, r := range c.replicas {
			if r.ID() == msg.To {
				state, seq := r.Snapshot()
				c.send(CausalMessage[D]{Kind: CausalMessageSnapshot, From: msg.To, To: msg.From, State: state, Seq: seq})
				break
			}
		}
	case CausalMessageSnapshot:
		for _, r := range c.replicas {
			if r.ID() == msg.To {
				r.ApplySnapshot(msg.State, msg.Seq, msg.From)
				break
			}
		}
	}
}

// FullSyncRound has every replica broadcast its pending intervals. The
// transport is responsible for actually delivering what was sent.
func (c *CausalCluster[D]) FullSyncRound() {
	for i := range c.replicas {
		c.BroadcastIntervals(i)
	}
}

// IsConverged reports whether every replica's state is equal, according to
// equal. Fewer than two replicas trivially converges.
func (c *CausalCluster[D]) IsConverged(equal func(a, b D) bool) bool {
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

// TotalPending returns the total number of out-of-order intervals buffered
// across every replica.
func (c *CausalCluster[D]) TotalPending() int {
	total := 0
	for _, r := range c.replicas {
		total += r.PendingCount()
	}
	return total
}

// CrashAndRecover simulates a crash of replica idx: its durable state is
// preserved but volatile buffers and acks are lost, requiring peers to
// resend. Peer registration is rebuilt immediately since the cluster
// already knows its membership.
func (c *CausalCluster[D]) CrashAndRecover(idx int) {
	durable := c.replicas[idx].DurableState()
	recovered := RestoreCausalReplica[D](durable, c.replicas[idx].bottom)
	for j := range c.replicas {
		if j != idx {
			recovered.RegisterPeer(causalReplicaName(j))
		}
	}
	c.replicas[idx] = recovered
}
