// Package gossip disseminates DAG head announcements between replicas: a
// fanout broadcast with deduplication and a decrementing hop budget,
// triggering the pull-based sync protocol in package sync on receipt.
package gossip

import (
	"encoding/binary"
	"sort"

	"github.com/luxfi/crdtstore/dag"
	"github.com/luxfi/crdtstore/log"
	"github.com/luxfi/crdtstore/metrics"
	"github.com/luxfi/crdtstore/utils/set"
	"github.com/luxfi/version"
)

// Config tunes a Broadcaster's fanout, dedup buffer, and hop budget.
type Config struct {
	Fanout      int
	BufferSize  int
	Deduplicate bool
	TTL         uint8
}

// DefaultConfig returns the broadcaster's default tuning.
func DefaultConfig() Config {
	return Config{Fanout: 3, BufferSize: 1000, Deduplicate: true, TTL: 6}
}

// Message announces a replica's current heads, carrying a content-derived
// id for deduplication, a hop budget that's decremented on every forward,
// and the sender's build version for compatibility checks on receipt.
type Message struct {
	ID         dag.Hash
	Origin     string
	Heads      []dag.Hash
	TTL        uint8
	Timestamp  uint64
	AppVersion *version.Application
}

// NewMessage builds a message, deriving its id from origin, heads, and
// timestamp so identical announcements collide to the same id regardless
// of which replica forwards them.
func NewMessage(origin string, heads []dag.Hash, ttl uint8, timestamp uint64) Message {
	h := dag.NewHasher()
	h.Update([]byte(origin))
	for _, head := range heads {
		h.Update(head[:])
	}
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], timestamp)
	h.Update(tsBuf[:])

	return Message{ID: h.Finalize(), Origin: origin, Heads: heads, TTL: ttl, Timestamp: timestamp}
}

// Forward returns a copy of m with its TTL decremented, and false if m has
// no hops left to give.
func (m Message) Forward() (Message, bool) {
	if m.TTL == 0 {
		return Message{}, false
	}
	fwd := m
	fwd.TTL--
	return fwd, true
}

// IsAlive reports whether m still has hops remaining.
func (m Message) IsAlive() bool {
	return m.TTL > 0
}

// DropReason explains why Broadcaster discarded an incoming message
// instead of acting on it.
type DropReason int

const (
	DropDuplicate DropReason = iota
	DropExpiredTTL
	DropIncompatibleVersion
)

// EventKind distinguishes the variants of Event.
type EventKind int

const (
	EventSend EventKind = iota
	EventHeadsReceived
	EventDropped
)

// Event is something the Broadcaster wants its caller to act on: send a
// message to a peer, surface newly learned heads, or note a drop.
type Event struct {
	Kind       EventKind
	Peer       string // EventSend
	Message    Message // EventSend
	From       string // EventHeadsReceived
	Heads      []dag.Hash // EventHeadsReceived
	MessageID  dag.Hash // EventDropped
	DropReason DropReason // EventDropped
}

// Stats summarizes a Broadcaster's state.
type Stats struct {
	PeerCount     int
	SeenMessages  int
	PendingEvents int
	Timestamp     uint64
}

// Broadcaster disseminates head announcements to a fixed fanout of known
// peers, deduplicating by message id and forwarding to up to a fanout of
// peers other than the one it heard from and the message's origin, until
// TTL expires.
//
// Peer selection is deterministic (lexicographically first N peers), not
// randomized: this keeps replay across test runs and simulators
// reproducible. A production deployment wanting randomized fanout should
// shuffle the peer set before constructing a Broadcaster, or wrap
// selectPeers at a higher layer.
type Broadcaster struct {
	replicaID string
	config    Config

	peers []string // kept sorted; see addPeer

	seen      set.Set[dag.Hash]
	seenOrder []dag.Hash

	timestamp uint64

	pendingEvents []Event

	peerHeads map[string]set.Set[dag.Hash]

	appVersion *version.Application

	logger  log.Logger
	metrics metrics.Recorder
}

// NewBroadcaster returns a broadcaster for replicaID with default tuning.
func NewBroadcaster(replicaID string) *Broadcaster {
	return NewBroadcasterWithConfig(replicaID, DefaultConfig())
}

// NewBroadcasterWithConfig returns a broadcaster for replicaID with custom
// tuning.
func NewBroadcasterWithConfig(replicaID string, config Config) *Broadcaster {
	return &Broadcaster{
		replicaID:  replicaID,
		config:     config,
		seen:       set.NewSet[dag.Hash](0),
		peerHeads:  make(map[string]set.Set[dag.Hash]),
		appVersion: version.DefaultVersion(),
		logger:     log.NoOp(),
		metrics:    metrics.NoOp(),
	}
}

// SetLogger replaces the broadcaster's logger.
func (b *Broadcaster) SetLogger(logger log.Logger) {
	b.logger = logger.With("replica", b.replicaID)
}

// SetMetrics replaces the broadcaster's metrics recorder.
func (b *Broadcaster) SetMetrics(m metrics.Recorder) {
	b.metrics = m
}

// SetVersion replaces the build version stamped onto outgoing messages and
// checked against incoming ones.
func (b *Broadcaster) SetVersion(v *version.Application) {
	b.appVersion = v
}

// ReplicaID returns the broadcaster's own replica id.
func (b *Broadcaster) ReplicaID() string {
	return b.replicaID
}

// AddPeer registers peer as a gossip target, keeping the peer list sorted
// so fanout selection stays deterministic.
func (b *Broadcaster) AddPeer(peer string) {
	for _, p := range b.peers {
		if p == peer {
			return
		}
	}
	b.peers = append(b.peers, peer)
	sort.Strings(b.peers)
}

// RemovePeer drops peer from the known set.
func (b *Broadcaster) RemovePeer(peer string) {
	for i, p := range b.peers {
		if p == peer {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			break
		}
	}
	delete(b.peerHeads, peer)
}

// Peers returns the known peers, in sorted order.
func (b *Broadcaster) Peers() []string {
	out := make([]string, len(b.peers))
	copy(out, b.peers)
	return out
}

// Broadcast announces heads to the configured fanout of peers, queuing an
// EventSend per target.
func (b *Broadcaster) Broadcast(heads []dag.Hash) {
	b.timestamp++

	message := NewMessage(b.replicaID, heads, b.config.TTL, b.timestamp)
	message.AppVersion = b.appVersion
	b.markSeen(message.ID)

	for _, peer := range b.selectPeers(b.config.Fanout) {
		b.pendingEvents = append(b.pendingEvents, Event{Kind: EventSend, Peer: peer, Message: message})
		b.metrics.BroadcastSent()
	}
}

// Receive processes a message arriving from peer from: deduplicates it,
// drops it if its TTL has already expired, records the heads it carries,
// and forwards it on (with a decremented TTL) to the fanout of peers
// excluding from and the message's own origin.
func (b *Broadcaster) Receive(from string, message Message) {
	if b.config.Deduplicate {
		if b.seen.Contains(message.ID) {
			b.logger.Warn("dropping duplicate broadcast", "from", from, "origin", message.Origin)
			b.pendingEvents = append(b.pendingEvents, Event{Kind: EventDropped, MessageID: message.ID, DropReason: DropDuplicate})
			b.metrics.BroadcastDropped("duplicate")
			return
		}
	}

	if !message.IsAlive() {
		b.logger.Warn("dropping expired broadcast", "from", from, "origin", message.Origin)
		b.pendingEvents = append(b.pendingEvents, Event{Kind: EventDropped, MessageID: message.ID, DropReason: DropExpiredTTL})
		b.metrics.BroadcastDropped("expired_ttl")
		return
	}

	if message.AppVersion != nil && b.appVersion != nil && !message.AppVersion.Compatible(b.appVersion) {
		b.logger.Warn("dropping incompatible broadcast", "from", from, "origin", message.Origin, "version", message.AppVersion.String())
		b.pendingEvents = append(b.pendingEvents, Event{Kind: EventDropped, MessageID: message.ID, DropReason: DropIncompatibleVersion})
		b.metrics.BroadcastDropped("incompatible_version")
		return
	}

	b.markSeen(message.ID)

	known, ok := b.peerHeads[from]
	if !ok {
		known = set.NewSet[dag.Hash](len(message.Heads))
		b.peerHeads[from] = known
	}
	known.Add(message.Heads...)

	b.pendingEvents = append(b.pendingEvents, Event{Kind: EventHeadsReceived, From: from, Heads: message.Heads})

	if forwarded, ok := message.Forward(); ok {
		for _, peer := range b.selectPeersExcluding(b.config.Fanout, from, message.Origin) {
			b.pendingEvents = append(b.pendingEvents, Event{Kind: EventSend, Peer: peer, Message: forwarded})
			b.metrics.BroadcastSent()
		}
	}
}

// PollEvent pops the next pending event, if any.
func (b *Broadcaster) PollEvent() (Event, bool) {
	if len(b.pendingEvents) == 0 {
		return Event{}, false
	}
	ev := b.pendingEvents[0]
	b.pendingEvents = b.pendingEvents[1:]
	return ev, true
}

// HasPendingEvents reports whether any event is queued.
func (b *Broadcaster) HasPendingEvents() bool {
	return len(b.pendingEvents) > 0
}

// DrainEvents pops and returns every pending event.
func (b *Broadcaster) DrainEvents() []Event {
	events := b.pendingEvents
	b.pendingEvents = nil
	return events
}

// pushEvent re-queues an event, used by callers (like a test network) that
// pull events out, act on some, and need to put the rest back.
func (b *Broadcaster) pushEvent(ev Event) {
	b.pendingEvents = append(b.pendingEvents, ev)
}

func (b *Broadcaster) markSeen(id dag.Hash) {
	if b.seen.Contains(id) {
		return
	}
	b.seen.Add(id)
	b.seenOrder = append(b.seenOrder, id)

	for len(b.seenOrder) > b.config.BufferSize {
		old := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		b.seen.Remove(old)
	}
}

func (b *Broadcaster) selectPeers(n int) []string {
	if n > len(b.peers) {
		n = len(b.peers)
	}
	out := make([]string, n)
	copy(out, b.peers[:n])
	return out
}

func (b *Broadcaster) selectPeersExcluding(n int, exclude ...string) []string {
	excluded := set.Of(exclude...)

	var out []string
	for _, p := range b.peers {
		if len(out) >= n {
			break
		}
		if excluded.Contains(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Stats reports the broadcaster's current state.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		PeerCount:     len(b.peers),
		SeenMessages:  b.seen.Len(),
		PendingEvents: len(b.pendingEvents),
		Timestamp:     b.timestamp,
	}
}
