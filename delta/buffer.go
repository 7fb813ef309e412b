package delta

import (
	"sync"

	"github.com/luxfi/crdtstore/log"
	"github.com/luxfi/crdtstore/metrics"
)

// SeqNo is a per-replica delta sequence number, strictly increasing from 1.
type SeqNo uint64

// TaggedDelta pairs a delta with the sequence number it was assigned when
// buffered, so a peer's ack can be compared against it.
type TaggedDelta[D any] struct {
	Seq   SeqNo
	Delta D
}

// DeltaBuffer holds outgoing deltas awaiting acknowledgment from peers,
// implementing Algorithm 1's buffering discipline: every local mutation's
// delta is appended, and once the buffer exceeds maxBufferSize the two
// oldest entries are joined together rather than dropped, so no delta is
// ever lost to compaction.
type DeltaBuffer[D Lattice[D]] struct {
	mu            sync.Mutex
	bottom        Bottom[D]
	currentSeq    SeqNo
	deltas        []TaggedDelta[D]
	maxBufferSize int
}

// NewDeltaBuffer returns an empty buffer. bottom must return the identity
// element of D (used to seed delta-group folds).
func NewDeltaBuffer[D Lattice[D]](maxBufferSize int, bottom Bottom[D]) *DeltaBuffer[D] {
	return &DeltaBuffer[D]{
		bottom:        bottom,
		maxBufferSize: maxBufferSize,
	}
}

// Push appends delta with a freshly minted sequence number, compacting the
// two oldest buffered entries if this push exceeds maxBufferSize.
func (b *DeltaBuffer[D]) Push(delta D) SeqNo {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.currentSeq++
	b.deltas = append(b.deltas, TaggedDelta[D]{Seq: b.currentSeq, Delta: delta})

	if len(b.deltas) > b.maxBufferSize {
		b.compactOldest()
	}
	return b.currentSeq
}

// compactOldest joins the two oldest buffered deltas into one, keeping the
// causal history compressed without losing any of it. Caller holds b.mu.
func (b *DeltaBuffer[D]) compactOldest() {
	if len(b.deltas) < 2 {
		return
	}
	oldest := b.deltas[0]
	b.deltas[1].Delta = oldest.Delta.Join(b.deltas[1].Delta)
	b.deltas = b.deltas[1:]
}

// DeltaGroupSince folds every buffered delta with sequence > ackedSeq into a
// single joined delta, or returns false if there is nothing to send.
func (b *DeltaBuffer[D]) DeltaGroupSince(ackedSeq SeqNo) (D, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	group := b.bottom()
	found := false
	for _, td := range b.deltas {
		if td.Seq > ackedSeq {
			group = group.Join(td.Delta)
			found = true
		}
	}
	return group, found
}

// Ack discards buffered deltas with sequence <= ackedSeq and returns how
// many were removed.
func (b *DeltaBuffer[D]) Ack(ackedSeq SeqNo) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.deltas[:0]
	removed := 0
	for _, td := range b.deltas {
		if td.Seq > ackedSeq {
			kept = append(kept, td)
		} else {
			removed++
		}
	}
	b.deltas = kept
	return removed
}

// CurrentSeq returns the sequence number of the most recently pushed delta.
func (b *DeltaBuffer[D]) CurrentSeq() SeqNo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentSeq
}

// Len returns the number of deltas currently buffered.
func (b *DeltaBuffer[D]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deltas)
}

// AckTracker records, per peer, the highest sequence number that peer has
// acknowledged, so a buffer knows what's safe to garbage-collect.
type AckTracker struct {
	mu    sync.Mutex
	acked map[string]SeqNo
}

// NewAckTracker returns an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{acked: make(map[string]SeqNo)}
}

// RegisterPeer starts tracking peerID at ack 0, if not already tracked.
func (t *AckTracker) RegisterPeer(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.acked[peerID]; !ok {
		t.acked[peerID] = 0
	}
}

// UpdateAck raises peerID's ack to seq if seq is higher than what's stored.
// Unregistered peers are silently ignored.
func (t *AckTracker) UpdateAck(peerID string, seq SeqNo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.acked[peerID]; ok && seq > cur {
		t.acked[peerID] = seq
	}
}

// GetAck returns peerID's last known ack, or 0 if unregistered.
func (t *AckTracker) GetAck(peerID string) SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acked[peerID]
}

// MinAcked returns the lowest ack across all registered peers, i.e. the
// highest sequence number safe to garbage-collect. Returns 0 if no peers
// are registered.
func (t *AckTracker) MinAcked() SeqNo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var min SeqNo
	first := true
	for _, v := range t.acked {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}

// Peers returns every registered peer ID.
func (t *AckTracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.acked))
	for p := range t.acked {
		out = append(out, p)
	}
	return out
}

// DeltaReplica ties a CRDT state together with its outgoing delta buffer and
// peer ack tracker, implementing Algorithm 1 (δ-CRDT anti-entropy,
// convergence mode): every local mutation computes a delta, joins it into
// the state, and buffers it; every received delta is joined into the state
// idempotently; acks drive buffer garbage collection.
type DeltaReplica[D Lattice[D]] struct {
	mu      sync.RWMutex
	ID      string
	state   D
	buffer  *DeltaBuffer[D]
	acks    *AckTracker
	logger  log.Logger
	metrics metrics.Recorder
}

// NewDeltaReplica returns a replica starting from bottom() with the given
// outgoing buffer capacity.
func NewDeltaReplica[D Lattice[D]](id string, bufferSize int, bottom Bottom[D]) *DeltaReplica[D] {
	return &DeltaReplica[D]{
		ID:      id,
		state:   bottom(),
		buffer:  NewDeltaBuffer[D](bufferSize, bottom),
		acks:    NewAckTracker(),
		logger:  log.NoOp(),
		metrics: metrics.NoOp(),
	}
}

// SetLogger replaces the replica's logger.
func (r *DeltaReplica[D]) SetLogger(logger log.Logger) {
	r.logger = logger.With("replica", r.ID)
}

// SetMetrics replaces the replica's metrics recorder.
func (r *DeltaReplica[D]) SetMetrics(m metrics.Recorder) {
	r.metrics = m
}

// State returns the current full CRDT state.
func (r *DeltaReplica[D]) State() D {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Buffer returns the replica's outgoing delta buffer.
func (r *DeltaReplica[D]) Buffer() *DeltaBuffer[D] {
	return r.buffer
}

// RegisterPeer starts anti-entropy tracking for peerID.
func (r *DeltaReplica[D]) RegisterPeer(peerID string) {
	r.acks.RegisterPeer(peerID)
}

// CurrentSeq returns the replica's current outgoing sequence number.
func (r *DeltaReplica[D]) CurrentSeq() SeqNo {
	return r.buffer.CurrentSeq()
}

// Mutate applies a delta-mutator: computes d = mutator(X), joins it into the
// state, buffers it, and returns d.
func (r *DeltaReplica[D]) Mutate(mutator func(state D) D) D {
	r.mu.Lock()
	defer r.mu.Unlock()

	delta := mutator(r.state)
	r.state.JoinAssign(delta)
	seq := r.buffer.Push(delta)
	r.logger.Debug("local mutation buffered", "seq", seq)
	r.metrics.MutationApplied(r.ID)
	r.metrics.BufferSize(r.ID, r.buffer.Len())
	return delta
}

// PrepareSync returns the delta-group to send to peerID and the replica's
// current sequence number, or false if there is nothing new to send.
func (r *DeltaReplica[D]) PrepareSync(peerID string) (D, SeqNo, bool) {
	acked := r.acks.GetAck(peerID)
	group, ok := r.buffer.DeltaGroupSince(acked)
	return group, r.buffer.CurrentSeq(), ok
}

// ReceiveDelta idempotently joins a delta received from a peer into state.
func (r *DeltaReplica[D]) ReceiveDelta(delta D) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.JoinAssign(delta)
	r.logger.Debug("received delta applied")
	r.metrics.DeltaReceived(r.ID)
}

// ProcessAck records peerID's ack and garbage-collects any buffered delta
// every registered peer has now acknowledged.
func (r *DeltaReplica[D]) ProcessAck(peerID string, seq SeqNo) {
	r.acks.UpdateAck(peerID, seq)
	r.buffer.Ack(r.acks.MinAcked())
	r.metrics.BufferSize(r.ID, r.buffer.Len())
}
