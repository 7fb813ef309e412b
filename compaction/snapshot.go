package compaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/luxfi/crdtstore/dag"
	"github.com/luxfi/crdtstore/utils/wrappers"
)

// SnapshotVersion is the current on-disk snapshot format version.
const SnapshotVersion uint8 = 1

// SnapshotErrorKind distinguishes snapshot failure modes.
type SnapshotErrorKind int

const (
	ErrSnapshotNotFound SnapshotErrorKind = iota
	ErrSnapshotInvalidData
	ErrSnapshotSerialization
	ErrSnapshotVersionMismatch
)

// SnapshotError is returned by snapshot encode/decode operations.
type SnapshotError struct {
	Kind     SnapshotErrorKind
	Detail   string
	Expected uint8
	Actual   uint8
}

func (e *SnapshotError) Error() string {
	switch e.Kind {
	case ErrSnapshotNotFound:
		return fmt.Sprintf("snapshot not found: %s", e.Detail)
	case ErrSnapshotInvalidData:
		return fmt.Sprintf("invalid snapshot data: %s", e.Detail)
	case ErrSnapshotSerialization:
		return fmt.Sprintf("snapshot serialization error: %s", e.Detail)
	case ErrSnapshotVersionMismatch:
		return fmt.Sprintf("snapshot version mismatch: expected %d, got %d", e.Expected, e.Actual)
	default:
		return "snapshot: unknown error"
	}
}

// snapshotWire is Snapshot's JSON-serializable form; Snapshot itself keeps
// VersionVector behind its non-exported map, so encoding goes through its
// flattened entry list instead.
type snapshotWire struct {
	Version          uint8             `json:"version"`
	ID               dag.Hash          `json:"id"`
	VersionVector    []VectorEntry     `json:"version_vector"`
	SupersededRoots  []dag.Hash        `json:"superseded_roots"`
	StateData        []byte            `json:"state_data"`
	CreatedAt        uint64            `json:"created_at"`
	Creator          string            `json:"creator"`
	Metadata         map[string]string `json:"metadata"`
}

// Snapshot is a full-state capture of a CRDT at a stable point in causal
// history, along with the DAG roots it supersedes and can be pruned in
// favor of once the snapshot is itself stable.
type Snapshot struct {
	Version         uint8
	ID              dag.Hash
	VersionVector   *VersionVector
	SupersededRoots []dag.Hash
	StateData       []byte
	CreatedAt       uint64
	Creator         string
	Metadata        map[string]string
}

// NewSnapshot builds a snapshot, deriving its id from the version, state
// data, version vector, timestamp, and creator.
func NewSnapshot(vv *VersionVector, supersededRoots []dag.Hash, stateData []byte, creator string, createdAt uint64) Snapshot {
	p := wrappers.NewPacker(1 + len(stateData) + 8 + len(creator))
	p.PackByte(SnapshotVersion)
	p.PackBytes(stateData)
	for _, entry := range vv.ToEntries() {
		p.PackBytes([]byte(entry.ReplicaID))
		p.PackUint64(entry.Sequence)
	}
	p.PackUint64(createdAt)
	p.PackBytes([]byte(creator))

	h := dag.NewHasher()
	h.Update(p.Bytes)

	return Snapshot{
		Version:         SnapshotVersion,
		ID:              h.Finalize(),
		VersionVector:   vv,
		SupersededRoots: supersededRoots,
		StateData:       stateData,
		CreatedAt:       createdAt,
		Creator:         creator,
		Metadata:        make(map[string]string),
	}
}

// WithMetadata attaches a metadata key/value and returns the snapshot for
// chaining.
func (s Snapshot) WithMetadata(key, value string) Snapshot {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[key] = value
	return s
}

// ToMerkleNode serializes s as JSON and wraps it in a snapshot-payload
// MerkleNode parented on the roots it supersedes.
func (s Snapshot) ToMerkleNode() (dag.MerkleNode, error) {
	data, err := json.Marshal(s.toWire())
	if err != nil {
		return dag.MerkleNode{}, &SnapshotError{Kind: ErrSnapshotSerialization, Detail: err.Error()}
	}

	node := dag.NewNodeBuilder().
		WithParents(s.SupersededRoots).
		WithPayload(dag.SnapshotPayload(data)).
		WithTimestamp(s.CreatedAt).
		WithCreator(s.Creator).
		Build()
	return node, nil
}

// SnapshotFromMerkleNode decodes a Snapshot from a snapshot-payload node.
func SnapshotFromMerkleNode(node dag.MerkleNode) (Snapshot, error) {
	if !node.Payload.IsSnapshot() {
		return Snapshot{}, &SnapshotError{Kind: ErrSnapshotInvalidData, Detail: "node does not contain snapshot payload"}
	}

	var wire snapshotWire
	if err := json.Unmarshal(node.Payload.Data, &wire); err != nil {
		return Snapshot{}, &SnapshotError{Kind: ErrSnapshotSerialization, Detail: err.Error()}
	}

	if wire.Version != SnapshotVersion {
		return Snapshot{}, &SnapshotError{Kind: ErrSnapshotVersionMismatch, Expected: SnapshotVersion, Actual: wire.Version}
	}

	return Snapshot{
		Version:         wire.Version,
		ID:              wire.ID,
		VersionVector:   VersionVectorFromEntryList(wire.VersionVector),
		SupersededRoots: wire.SupersededRoots,
		StateData:       wire.StateData,
		CreatedAt:       wire.CreatedAt,
		Creator:         wire.Creator,
		Metadata:        wire.Metadata,
	}, nil
}

func (s Snapshot) toWire() snapshotWire {
	return snapshotWire{
		Version:         s.Version,
		ID:              s.ID,
		VersionVector:   s.VersionVector.ToEntries(),
		SupersededRoots: s.SupersededRoots,
		StateData:       s.StateData,
		CreatedAt:       s.CreatedAt,
		Creator:         s.Creator,
		Metadata:        s.Metadata,
	}
}

// Covers reports whether s's version vector dominates vv, i.e. whether s
// alone is enough state to reconstruct everything up to vv.
func (s Snapshot) Covers(vv *VersionVector) bool {
	return s.VersionVector.Dominates(vv)
}

// Size returns the snapshot's serialized state size in bytes.
func (s Snapshot) Size() int {
	return len(s.StateData)
}

// SnapshotConfig tunes when SnapshotManager.ShouldSnapshot fires and how
// many snapshots are retained.
type SnapshotConfig struct {
	MinOperationsBetween uint64
	MaxTimeBetween       uint64
	MaxSnapshots         int
	AutoSnapshot         bool
}

// DefaultSnapshotConfig returns the manager's default tuning.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		MinOperationsBetween: 1000,
		MaxTimeBetween:       10000,
		MaxSnapshots:         10,
		AutoSnapshot:         true,
	}
}

// SnapshotStats summarizes a SnapshotManager's retained snapshots.
type SnapshotStats struct {
	Count           int
	TotalSize       int
	OldestTimestamp *uint64
	NewestTimestamp *uint64
}

// SnapshotManager stores snapshots, tracks the dominance-latest one, and
// decides when a new snapshot is due.
type SnapshotManager struct {
	snapshots map[dag.Hash]Snapshot
	byCreator map[string][]dag.Hash
	latest    *dag.Hash
	config    SnapshotConfig
}

// NewSnapshotManager returns an empty manager with default tuning.
func NewSnapshotManager() *SnapshotManager {
	return NewSnapshotManagerWithConfig(DefaultSnapshotConfig())
}

// NewSnapshotManagerWithConfig returns an empty manager with custom tuning.
func NewSnapshotManagerWithConfig(config SnapshotConfig) *SnapshotManager {
	return &SnapshotManager{
		snapshots: make(map[dag.Hash]Snapshot),
		byCreator: make(map[string][]dag.Hash),
		config:    config,
	}
}

// Config returns the manager's tuning.
func (m *SnapshotManager) Config() SnapshotConfig {
	return m.config
}

// Store records snapshot, updates the latest-by-dominance pointer, and
// enforces the retention limit.
func (m *SnapshotManager) Store(snapshot Snapshot) dag.Hash {
	id := snapshot.ID

	m.byCreator[snapshot.Creator] = append(m.byCreator[snapshot.Creator], id)

	if m.latest != nil {
		if latest, ok := m.snapshots[*m.latest]; ok && snapshot.VersionVector.Dominates(latest.VersionVector) {
			latestID := id
			m.latest = &latestID
		}
	} else {
		latestID := id
		m.latest = &latestID
	}

	m.snapshots[id] = snapshot
	m.gcOldSnapshots()

	return id
}

// Get returns a stored snapshot by id.
func (m *SnapshotManager) Get(id dag.Hash) (Snapshot, bool) {
	s, ok := m.snapshots[id]
	return s, ok
}

// Latest returns the dominance-latest stored snapshot.
func (m *SnapshotManager) Latest() (Snapshot, bool) {
	if m.latest == nil {
		return Snapshot{}, false
	}
	s, ok := m.snapshots[*m.latest]
	return s, ok
}

// LatestID returns the id of the dominance-latest snapshot, if any.
func (m *SnapshotManager) LatestID() (dag.Hash, bool) {
	if m.latest == nil {
		return dag.Hash{}, false
	}
	return *m.latest, true
}

// ByCreator returns every snapshot from a given creator.
func (m *SnapshotManager) ByCreator(creator string) []Snapshot {
	ids := m.byCreator[creator]
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.snapshots[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FindCovering returns the stored snapshot that covers vv with the most
// total operations (the most advanced covering snapshot), if any covers
// it at all.
func (m *SnapshotManager) FindCovering(vv *VersionVector) (Snapshot, bool) {
	var best Snapshot
	found := false
	for _, s := range m.snapshots {
		if !s.Covers(vv) {
			continue
		}
		if !found || s.VersionVector.TotalOperations() > best.VersionVector.TotalOperations() {
			best = s
			found = true
		}
	}
	return best, found
}

// ShouldSnapshot reports whether enough operations or enough logical time
// has passed since the latest snapshot to justify taking a new one.
func (m *SnapshotManager) ShouldSnapshot(currentVV *VersionVector, currentTime uint64) bool {
	if !m.config.AutoSnapshot {
		return false
	}

	latest, ok := m.Latest()
	if !ok {
		return true
	}

	opsSince := currentVV.TotalOperations() - latest.VersionVector.TotalOperations()
	timeSince := uint64(0)
	if currentTime > latest.CreatedAt {
		timeSince = currentTime - latest.CreatedAt
	}

	return opsSince >= m.config.MinOperationsBetween || timeSince >= m.config.MaxTimeBetween
}

// gcOldSnapshots evicts the oldest non-latest snapshot until the
// retention limit is satisfied.
func (m *SnapshotManager) gcOldSnapshots() {
	for len(m.snapshots) > m.config.MaxSnapshots {
		var oldestID dag.Hash
		var oldestTime uint64
		found := false

		ids := make([]dag.Hash, 0, len(m.snapshots))
		for id := range m.snapshots {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

		for _, id := range ids {
			if m.latest != nil && id == *m.latest {
				continue
			}
			s := m.snapshots[id]
			if !found || s.CreatedAt < oldestTime {
				oldestID = id
				oldestTime = s.CreatedAt
				found = true
			}
		}

		if !found {
			return
		}

		snapshot := m.snapshots[oldestID]
		delete(m.snapshots, oldestID)
		if creatorSnapshots, ok := m.byCreator[snapshot.Creator]; ok {
			filtered := creatorSnapshots[:0]
			for _, sid := range creatorSnapshots {
				if sid != oldestID {
					filtered = append(filtered, sid)
				}
			}
			m.byCreator[snapshot.Creator] = filtered
		}
	}
}

// Stats reports aggregate statistics about the manager's stored
// snapshots.
func (m *SnapshotManager) Stats() SnapshotStats {
	stats := SnapshotStats{Count: len(m.snapshots)}

	for _, s := range m.snapshots {
		stats.TotalSize += s.Size()
		ts := s.CreatedAt
		if stats.OldestTimestamp == nil || ts < *stats.OldestTimestamp {
			stats.OldestTimestamp = &ts
		}
		if stats.NewestTimestamp == nil || ts > *stats.NewestTimestamp {
			stats.NewestTimestamp = &ts
		}
	}

	return stats
}
