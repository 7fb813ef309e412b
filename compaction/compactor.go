package compaction

import (
	"fmt"

	"github.com/luxfi/crdtstore/dag"
	"github.com/luxfi/crdtstore/log"
	"github.com/luxfi/crdtstore/metrics"
)

// CompactionErrorKind distinguishes Compactor failure modes.
type CompactionErrorKind int

const (
	ErrNoStableSnapshot CompactionErrorKind = iota
	ErrStabilityNotMet
	ErrPruningFailed
	ErrSnapshotFailed
	ErrCompactionSerialization
	ErrCompactionVerification
)

// CompactionError is returned by Compactor operations.
type CompactionError struct {
	Kind   CompactionErrorKind
	Detail string
}

func (e *CompactionError) Error() string {
	switch e.Kind {
	case ErrNoStableSnapshot:
		return "no stable snapshot available for compaction"
	case ErrStabilityNotMet:
		return fmt.Sprintf("stability requirements not met: %s", e.Detail)
	case ErrPruningFailed:
		return fmt.Sprintf("pruning failed: %s", e.Detail)
	case ErrSnapshotFailed:
		return fmt.Sprintf("snapshot creation failed: %s", e.Detail)
	case ErrCompactionSerialization:
		return fmt.Sprintf("state serialization failed: %s", e.Detail)
	case ErrCompactionVerification:
		return fmt.Sprintf("verification failed: %s", e.Detail)
	default:
		return "compaction: unknown error"
	}
}

// CompactionConfig bundles the tuning for every stage a Compactor
// orchestrates.
type CompactionConfig struct {
	Snapshot              SnapshotConfig
	Pruning               PruningPolicy
	Stability             Config
	AutoCompact           bool
	MinOpsForCompaction   uint64
	VerifyAfterCompaction bool
}

// DefaultCompactionConfig returns the compactor's default tuning.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Snapshot:              DefaultSnapshotConfig(),
		Pruning:               DefaultPruningPolicy(),
		Stability:             DefaultConfig(),
		AutoCompact:           true,
		MinOpsForCompaction:   500,
		VerifyAfterCompaction: true,
	}
}

// CompactionStats tracks lifetime compaction activity.
type CompactionStats struct {
	SnapshotsCreated   uint64
	NodesPruned        uint64
	LastCompaction     *uint64
	OpsSinceCompaction uint64
	CurrentDAGSize     int
	SnapshotCount      int
}

// CompactionResult reports what a single Compact call did.
type CompactionResult struct {
	SnapshotCreated *dag.Hash
	NodesPruned     int
	PruningResult   *PruningResult
}

// StateSerializer produces the bytes a snapshot should capture.
type StateSerializer func() ([]byte, error)

// Compactor orchestrates snapshotting, stability tracking, and pruning so a
// replica's DAG and metadata don't grow without bound.
type Compactor struct {
	replicaID   string
	config      CompactionConfig
	snapshots   *SnapshotManager
	stability   *Monitor
	pruner      *Pruner
	stats       CompactionStats
	currentTime uint64
	logger      log.Logger
	metrics     metrics.Recorder
}

// SetLogger replaces the compactor's logger.
func (c *Compactor) SetLogger(logger log.Logger) {
	c.logger = logger.With("replica", c.replicaID)
}

// SetMetrics replaces the compactor's metrics recorder.
func (c *Compactor) SetMetrics(m metrics.Recorder) {
	c.metrics = m
}

// NewCompactor returns a compactor for replicaID with default tuning.
func NewCompactor(replicaID string) *Compactor {
	return NewCompactorWithConfig(replicaID, DefaultCompactionConfig())
}

// NewCompactorWithConfig returns a compactor for replicaID with custom
// tuning.
func NewCompactorWithConfig(replicaID string, config CompactionConfig) *Compactor {
	return &Compactor{
		replicaID: replicaID,
		config:    config,
		snapshots: NewSnapshotManagerWithConfig(config.Snapshot),
		stability: NewMonitorWithConfig(replicaID, config.Stability),
		pruner:    NewPrunerWithPolicy(config.Pruning),
		logger:    log.NoOp(),
		metrics:   metrics.NoOp(),
	}
}

// ReplicaID returns the compactor's replica id.
func (c *Compactor) ReplicaID() string {
	return c.replicaID
}

// Config returns the compactor's tuning.
func (c *Compactor) Config() CompactionConfig {
	return c.config
}

// Snapshots returns the compactor's snapshot manager.
func (c *Compactor) Snapshots() *SnapshotManager {
	return c.snapshots
}

// Stability returns the compactor's stability monitor.
func (c *Compactor) Stability() *Monitor {
	return c.stability
}

// Pruner returns the compactor's pruner.
func (c *Compactor) Pruner() *Pruner {
	return c.pruner
}

// Stats returns the compactor's lifetime statistics.
func (c *Compactor) Stats() CompactionStats {
	return c.stats
}

// SetTime updates the compactor's notion of the current logical time.
func (c *Compactor) SetTime(t uint64) {
	c.currentTime = t
}

// UpdateLocalFrontier should be called after every local state change.
func (c *Compactor) UpdateLocalFrontier(vv *VersionVector, heads []dag.Hash) {
	c.stability.UpdateLocalFrontier(vv, heads)
}

// ProcessPeerUpdate records a frontier update received from a peer.
func (c *Compactor) ProcessPeerUpdate(update FrontierUpdate) {
	c.stability.UpdatePeerFrontier(update)
}

// CreateFrontierUpdate builds the frontier update to broadcast to peers.
func (c *Compactor) CreateFrontierUpdate() FrontierUpdate {
	return c.stability.CreateFrontierUpdate(c.currentTime)
}

// ShouldSnapshot reports whether the snapshot manager's tuning calls for a
// new snapshot given the current local frontier and time.
func (c *Compactor) ShouldSnapshot() bool {
	return c.snapshots.ShouldSnapshot(c.stability.LocalFrontier(), c.currentTime)
}

// CreateSnapshot serializes the current state via serialize and stores the
// resulting snapshot.
func (c *Compactor) CreateSnapshot(supersededRoots []dag.Hash, serialize StateSerializer) (dag.Hash, error) {
	stateData, err := serialize()
	if err != nil {
		return dag.Hash{}, &CompactionError{Kind: ErrCompactionSerialization, Detail: err.Error()}
	}

	snapshot := NewSnapshot(c.stability.LocalFrontier(), supersededRoots, stateData, c.replicaID, c.currentTime)

	id := c.snapshots.Store(snapshot)
	c.stats.SnapshotsCreated++
	c.stats.SnapshotCount = c.snapshots.Stats().Count
	c.metrics.SnapshotCreated()

	return id, nil
}

// ShouldCompact reports whether a full compaction pass (snapshot + prune)
// is due: enough operations have accumulated, enough snapshots already
// exist to make pruning worthwhile, and the latest snapshot is stable.
func (c *Compactor) ShouldCompact(store *dag.Store) bool {
	if !c.config.AutoCompact {
		return false
	}

	if c.stability.LocalFrontier().TotalOperations() < c.config.MinOpsForCompaction {
		return false
	}

	if c.snapshots.Stats().Count < c.config.Pruning.MinSnapshotsBeforePrune {
		return false
	}

	latest, ok := c.snapshots.Latest()
	if !ok {
		return false
	}
	return c.stability.IsStable(latest.VersionVector)
}

// Compact takes a snapshot if due and prunes the store against the latest
// stable snapshot, verifying connectivity afterward if configured.
func (c *Compactor) Compact(store *dag.Store, serialize StateSerializer) (CompactionResult, error) {
	var result CompactionResult

	if c.ShouldSnapshot() {
		superseded := store.Heads()
		snapshotID, err := c.CreateSnapshot(superseded, serialize)
		if err != nil {
			return result, err
		}
		result.SnapshotCreated = &snapshotID
	}

	if latest, ok := c.snapshots.Latest(); ok && c.stability.IsStable(latest.VersionVector) {
		pruneResult := c.pruner.ExecutePrune(store, latest, c.currentTime)
		result.NodesPruned = pruneResult.NodesPruned
		result.PruningResult = &pruneResult
		c.stats.NodesPruned += uint64(pruneResult.NodesPruned)
		c.metrics.NodesPruned(pruneResult.NodesPruned)
	}

	if c.config.VerifyAfterCompaction {
		if err := VerifyConnectivity(store); err != nil {
			c.logger.Error("post-compaction connectivity check failed", "error", err.Error())
			return result, &CompactionError{Kind: ErrCompactionVerification, Detail: err.Error()}
		}
	}

	now := c.currentTime
	c.stats.LastCompaction = &now
	c.stats.CurrentDAGSize = store.Len()

	c.logger.Info("compaction complete", "nodes_pruned", result.NodesPruned, "dag_size", c.stats.CurrentDAGSize)

	return result, nil
}

// Tick performs periodic maintenance: evicting stale peer frontiers and
// running a full compaction pass if one is due.
func (c *Compactor) Tick(store *dag.Store, serialize StateSerializer, t uint64) (*CompactionResult, error) {
	c.currentTime = t

	c.stability.GCStalePeers(t)

	if !c.ShouldCompact(store) {
		return nil, nil
	}

	result, err := c.Compact(store, serialize)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// BootstrapFromSnapshot adopts snapshot as a new replica's starting state,
// returning the captured state bytes and version vector.
func (c *Compactor) BootstrapFromSnapshot(snapshot Snapshot) ([]byte, *VersionVector) {
	stateData := snapshot.StateData
	vv := snapshot.VersionVector

	c.snapshots.Store(snapshot)

	return stateData, vv
}

// GetBootstrapSnapshot returns the best snapshot for bootstrapping a new
// replica, if one exists.
func (c *Compactor) GetBootstrapSnapshot() (Snapshot, bool) {
	return c.snapshots.Latest()
}
