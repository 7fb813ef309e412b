package compaction

import (
	"math"

	"github.com/luxfi/crdtstore/dag"
)

// FrontierUpdate announces a peer's current version vector and DAG heads,
// the message StabilityMonitor.UpdatePeerFrontier consumes.
type FrontierUpdate struct {
	PeerID        string
	VersionVector *VersionVector
	Heads         []dag.Hash
	Timestamp     uint64
}

// StateKind distinguishes StabilityState's variants.
type StateKind int

const (
	StatePending StateKind = iota
	StatePartial
	StateStable
	StateUnknown
)

// StabilityState reports how broadly a version vector has been delivered.
// DeliveredTo/PendingFor are populated only for StatePartial.
type StabilityState struct {
	Kind        StateKind
	DeliveredTo map[string]struct{}
	PendingFor  map[string]struct{}
}

// Config tunes StabilityMonitor's quorum and staleness rules.
type Config struct {
	MinPeersForStability int
	MaxFrontierAge       uint64
	RequireAllPeers      bool
	QuorumFraction       float64
}

// DefaultConfig returns the monitor's default tuning: require every
// tracked peer to have delivered an update before calling it stable.
func DefaultConfig() Config {
	return Config{
		MinPeersForStability: 1,
		MaxFrontierAge:       10000,
		RequireAllPeers:      true,
		QuorumFraction:       0.67,
	}
}

// Stats summarizes a StabilityMonitor's current state.
type Stats struct {
	PeerCount          int
	LocalOperations    uint64
	StableOperations   uint64
	UnstableOperations uint64
	HasQuorum          bool
}

// Monitor tracks which updates have reached every known peer, computing a
// stable frontier (the pointwise-min version vector across local state and
// every tracked peer) that's safe to compact away.
//
// With zero tracked peers, the stable frontier equals the local frontier:
// a freshly-started replica can snapshot and prune its own history without
// waiting to discover peers first.
type Monitor struct {
	replicaID string

	peerFrontiers map[string]*VersionVector
	peerHeads     map[string][]dag.Hash
	lastUpdate    map[string]uint64

	localFrontier *VersionVector
	localHeads    []dag.Hash

	stableFrontier *VersionVector

	config Config
}

// NewMonitor returns a monitor for replicaID with default tuning.
func NewMonitor(replicaID string) *Monitor {
	return NewMonitorWithConfig(replicaID, DefaultConfig())
}

// NewMonitorWithConfig returns a monitor for replicaID with custom tuning.
func NewMonitorWithConfig(replicaID string, config Config) *Monitor {
	return &Monitor{
		replicaID:      replicaID,
		peerFrontiers:  make(map[string]*VersionVector),
		peerHeads:      make(map[string][]dag.Hash),
		lastUpdate:     make(map[string]uint64),
		localFrontier:  NewVersionVector(),
		stableFrontier: NewVersionVector(),
		config:         config,
	}
}

// ReplicaID returns the monitor's own replica id.
func (m *Monitor) ReplicaID() string {
	return m.replicaID
}

// UpdateLocalFrontier records our own progress and recomputes stability.
func (m *Monitor) UpdateLocalFrontier(vv *VersionVector, heads []dag.Hash) {
	m.localFrontier = vv
	m.localHeads = heads
	m.recomputeStableFrontier()
}

// UpdatePeerFrontier records a peer's reported progress and recomputes
// stability.
func (m *Monitor) UpdatePeerFrontier(update FrontierUpdate) {
	m.peerFrontiers[update.PeerID] = update.VersionVector
	m.peerHeads[update.PeerID] = update.Heads
	m.lastUpdate[update.PeerID] = update.Timestamp
	m.recomputeStableFrontier()
}

// RemovePeer stops tracking peerID.
func (m *Monitor) RemovePeer(peerID string) {
	delete(m.peerFrontiers, peerID)
	delete(m.peerHeads, peerID)
	delete(m.lastUpdate, peerID)
	m.recomputeStableFrontier()
}

// TrackedPeers returns the peer IDs currently tracked.
func (m *Monitor) TrackedPeers() []string {
	out := make([]string, 0, len(m.peerFrontiers))
	for p := range m.peerFrontiers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of tracked peers.
func (m *Monitor) PeerCount() int {
	return len(m.peerFrontiers)
}

// PeerFrontier returns a peer's last-reported version vector.
func (m *Monitor) PeerFrontier(peerID string) (*VersionVector, bool) {
	vv, ok := m.peerFrontiers[peerID]
	return vv, ok
}

// StableFrontier returns the frontier safe to compact up to.
func (m *Monitor) StableFrontier() *VersionVector {
	return m.stableFrontier
}

// LocalFrontier returns our own current frontier.
func (m *Monitor) LocalFrontier() *VersionVector {
	return m.localFrontier
}

// IsOperationStable reports whether a specific (replicaID, sequence)
// operation has reached every tracked peer.
func (m *Monitor) IsOperationStable(replicaID string, sequence uint64) bool {
	return m.stableFrontier.Contains(replicaID, sequence)
}

// IsStable reports whether vv is entirely dominated by the stable
// frontier.
func (m *Monitor) IsStable(vv *VersionVector) bool {
	return m.stableFrontier.Dominates(vv)
}

// StabilityState reports how far vv has propagated: Unknown with no
// tracked peers, Stable if every tracked party (including ourselves) has
// already seen it, Pending if none have, Partial otherwise.
func (m *Monitor) StabilityState(vv *VersionVector) StabilityState {
	if len(m.peerFrontiers) == 0 {
		return StabilityState{Kind: StateUnknown}
	}

	if m.stableFrontier.Dominates(vv) {
		return StabilityState{Kind: StateStable}
	}

	deliveredTo := make(map[string]struct{})
	pendingFor := make(map[string]struct{})

	if m.localFrontier.Dominates(vv) {
		deliveredTo[m.replicaID] = struct{}{}
	} else {
		pendingFor[m.replicaID] = struct{}{}
	}

	for peerID, frontier := range m.peerFrontiers {
		if frontier.Dominates(vv) {
			deliveredTo[peerID] = struct{}{}
		} else {
			pendingFor[peerID] = struct{}{}
		}
	}

	switch {
	case len(pendingFor) == 0:
		return StabilityState{Kind: StateStable}
	case len(deliveredTo) == 0:
		return StabilityState{Kind: StatePending}
	default:
		return StabilityState{Kind: StatePartial, DeliveredTo: deliveredTo, PendingFor: pendingFor}
	}
}

// HasQuorum reports whether enough peers (including ourselves) are
// tracked for the stable frontier to be meaningful.
func (m *Monitor) HasQuorum() bool {
	totalPeers := len(m.peerFrontiers) + 1

	if totalPeers < m.config.MinPeersForStability {
		return false
	}

	if m.config.RequireAllPeers {
		return true
	}

	required := int(math.Ceil(float64(totalPeers) * m.config.QuorumFraction))
	return totalPeers >= required
}

// StalePeers returns peers whose last frontier update is older than the
// configured max age, as of currentTime.
func (m *Monitor) StalePeers(currentTime uint64) []string {
	var stale []string
	for peerID, updateTime := range m.lastUpdate {
		age := uint64(0)
		if currentTime > updateTime {
			age = currentTime - updateTime
		}
		if age > m.config.MaxFrontierAge {
			stale = append(stale, peerID)
		}
	}
	return stale
}

// GCStalePeers removes every stale peer as of currentTime.
func (m *Monitor) GCStalePeers(currentTime uint64) {
	for _, peerID := range m.StalePeers(currentTime) {
		m.RemovePeer(peerID)
	}
}

func (m *Monitor) recomputeStableFrontier() {
	if len(m.peerFrontiers) == 0 {
		m.stableFrontier = m.localFrontier.Clone()
		return
	}

	stable := m.localFrontier.Clone()
	for _, frontier := range m.peerFrontiers {
		stable = stable.MinWith(frontier)
	}
	m.stableFrontier = stable
}

// Stats reports the monitor's current progress summary.
func (m *Monitor) Stats() Stats {
	local := m.localFrontier.TotalOperations()
	stable := m.stableFrontier.TotalOperations()
	unstable := uint64(0)
	if local > stable {
		unstable = local - stable
	}

	return Stats{
		PeerCount:          len(m.peerFrontiers),
		LocalOperations:    local,
		StableOperations:   stable,
		UnstableOperations: unstable,
		HasQuorum:          m.HasQuorum(),
	}
}

// CreateFrontierUpdate builds the message to broadcast so peers can learn
// our current progress.
func (m *Monitor) CreateFrontierUpdate(timestamp uint64) FrontierUpdate {
	return FrontierUpdate{
		PeerID:        m.replicaID,
		VersionVector: m.localFrontier.Clone(),
		Heads:         append([]dag.Hash(nil), m.localHeads...),
		Timestamp:     timestamp,
	}
}
