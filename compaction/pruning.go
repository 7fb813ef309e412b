package compaction

import (
	"fmt"

	"github.com/luxfi/crdtstore/dag"
)

// PruningPolicy controls which nodes a Pruner considers safe to remove.
type PruningPolicy struct {
	MinSnapshotsBeforePrune int
	MinNodeAge              uint64
	MaxNodesPerPrune        int
	RequireStability        bool
	PreserveGenesisPath     bool
	PreserveDepth           int
}

// DefaultPruningPolicy returns the pruner's default policy.
func DefaultPruningPolicy() PruningPolicy {
	return PruningPolicy{
		MinSnapshotsBeforePrune: 2,
		MinNodeAge:              5000,
		MaxNodesPerPrune:        1000,
		RequireStability:        true,
		PreserveGenesisPath:     true,
		PreserveDepth:           10,
	}
}

// PruningResult reports what a pruning pass did.
type PruningResult struct {
	NodesPruned  int
	PrunedCIDs   []dag.Hash
	SnapshotRoot *dag.Hash
	Skipped      []SkippedNode
	Completed    bool
}

// SkippedNode names a node Pruner.ExecutePrune left in place, and why.
type SkippedNode struct {
	CID    dag.Hash
	Reason string
}

// EmptyPruningResult returns a result reporting nothing was pruned.
func EmptyPruningResult() PruningResult {
	return PruningResult{Completed: true}
}

// Pruner decides which DAG nodes a stable snapshot has subsumed and removes
// them from a store.
type Pruner struct {
	policy         PruningPolicy
	preserved      map[dag.Hash]struct{}
	stableFrontier *VersionVector
}

// NewPruner returns a pruner with the default policy.
func NewPruner() *Pruner {
	return NewPrunerWithPolicy(DefaultPruningPolicy())
}

// NewPrunerWithPolicy returns a pruner with a custom policy.
func NewPrunerWithPolicy(policy PruningPolicy) *Pruner {
	return &Pruner{
		policy:    policy,
		preserved: make(map[dag.Hash]struct{}),
	}
}

// Policy returns the pruner's current policy.
func (p *Pruner) Policy() PruningPolicy {
	return p.policy
}

// SetStableFrontier records the frontier pruning decisions should respect.
func (p *Pruner) SetStableFrontier(frontier *VersionVector) {
	p.stableFrontier = frontier
}

// Preserve marks cid as never prunable.
func (p *Pruner) Preserve(cid dag.Hash) {
	p.preserved[cid] = struct{}{}
}

// ClearPreserved forgets every explicitly preserved CID.
func (p *Pruner) ClearPreserved() {
	p.preserved = make(map[dag.Hash]struct{})
}

// IdentifyPrunable returns the nodes that would be removed by ExecutePrune,
// without modifying store. A node is prunable when it's an ancestor of the
// snapshot's superseded roots, isn't a head or within PreserveDepth of one,
// isn't on the preserved genesis path, and is at least MinNodeAge old.
func (p *Pruner) IdentifyPrunable(store *dag.Store, snapshot Snapshot, currentTime uint64) []dag.Hash {
	var prunable []dag.Hash

	allNodes := store.TopologicalOrder()

	snapshotAncestors := make(map[dag.Hash]struct{})
	for _, root := range snapshot.SupersededRoots {
		snapshotAncestors[root] = struct{}{}
		for a := range store.Ancestors(root) {
			snapshotAncestors[a] = struct{}{}
		}
	}

	preserved := make(map[dag.Hash]struct{}, len(p.preserved))
	for cid := range p.preserved {
		preserved[cid] = struct{}{}
	}

	heads := store.Heads()
	for _, head := range heads {
		preserved[head] = struct{}{}
	}
	for _, head := range heads {
		for a := range p.ancestorsWithinDepth(store, head, p.policy.PreserveDepth) {
			preserved[a] = struct{}{}
		}
	}

	for _, root := range snapshot.SupersededRoots {
		preserved[root] = struct{}{}
	}

	if p.policy.PreserveGenesisPath {
		for _, cid := range p.findGenesisPath(store) {
			preserved[cid] = struct{}{}
		}
	}

	for _, cid := range allNodes {
		if len(prunable) >= p.policy.MaxNodesPerPrune {
			break
		}
		if _, ok := preserved[cid]; ok {
			continue
		}
		if _, ok := snapshotAncestors[cid]; !ok {
			continue
		}
		if node, ok := store.Get(cid); ok {
			age := uint64(0)
			if currentTime > node.Timestamp {
				age = currentTime - node.Timestamp
			}
			if age < p.policy.MinNodeAge {
				continue
			}
		}
		prunable = append(prunable, cid)
	}

	return prunable
}

// ExecutePrune removes every node IdentifyPrunable names from store.
func (p *Pruner) ExecutePrune(store *dag.Store, snapshot Snapshot, currentTime uint64) PruningResult {
	prunable := p.IdentifyPrunable(store, snapshot, currentTime)
	if len(prunable) == 0 {
		return EmptyPruningResult()
	}

	snapshotRoot := snapshot.ID
	result := PruningResult{SnapshotRoot: &snapshotRoot, Completed: true}

	removed, err := store.RemoveBatch(prunable)
	result.NodesPruned = len(removed)
	result.PrunedCIDs = removed

	if err != nil {
		result.Completed = false
		removedSet := make(map[dag.Hash]struct{}, len(removed))
		for _, cid := range removed {
			removedSet[cid] = struct{}{}
		}
		for _, cid := range prunable {
			if _, ok := removedSet[cid]; !ok {
				result.Skipped = append(result.Skipped, SkippedNode{CID: cid, Reason: err.Error()})
			}
		}
	}

	return result
}

// ShouldPrune reports whether a pruning pass is worth running: the snapshot
// must already be stable (if the policy requires it) and the store must
// hold more than PreserveDepth+1 nodes.
func (p *Pruner) ShouldPrune(store *dag.Store, snapshot Snapshot, monitor *Monitor) bool {
	if p.policy.RequireStability {
		if monitor == nil || !monitor.IsStable(snapshot.VersionVector) {
			return false
		}
	}

	return store.Len() > p.policy.PreserveDepth+1
}

func (p *Pruner) ancestorsWithinDepth(store *dag.Store, cid dag.Hash, depth int) map[dag.Hash]struct{} {
	result := make(map[dag.Hash]struct{})
	frontier := []dag.Hash{cid}
	currentDepth := 0

	for currentDepth < depth && len(frontier) > 0 {
		var next []dag.Hash
		for _, nodeCID := range frontier {
			node, ok := store.Get(nodeCID)
			if !ok {
				continue
			}
			for _, parent := range node.Parents {
				if _, seen := result[parent]; !seen {
					result[parent] = struct{}{}
					next = append(next, parent)
				}
			}
		}
		frontier = next
		currentDepth++
	}

	return result
}

func (p *Pruner) findGenesisPath(store *dag.Store) []dag.Hash {
	heads := store.Heads()
	if len(heads) == 0 {
		return nil
	}

	var path []dag.Hash
	current := heads[0]

	for {
		node, ok := store.Get(current)
		if !ok {
			break
		}
		path = append(path, current)
		if len(node.Parents) == 0 {
			break
		}
		current = node.Parents[0]
	}

	return path
}

// VerifyNoResurrection checks that no remaining node in store references a
// pruned parent, i.e. that pruning didn't leave a causal gap among the
// surviving nodes.
func VerifyNoResurrection(store *dag.Store, pruned []dag.Hash) error {
	prunedSet := make(map[dag.Hash]struct{}, len(pruned))
	for _, cid := range pruned {
		prunedSet[cid] = struct{}{}
	}

	for _, cid := range store.TopologicalOrder() {
		node, ok := store.Get(cid)
		if !ok {
			continue
		}
		for _, parent := range node.Parents {
			if _, parentPruned := prunedSet[parent]; parentPruned {
				if _, selfPruned := prunedSet[cid]; !selfPruned {
					return fmt.Errorf("node %s references pruned parent %s", cid.Short(), parent.Short())
				}
			}
		}
	}

	return nil
}

// VerifyConnectivity checks that every head's recorded ancestors are still
// present in store.
func VerifyConnectivity(store *dag.Store) error {
	heads := store.Heads()
	if len(heads) == 0 {
		return fmt.Errorf("no heads in store")
	}

	for _, head := range heads {
		for ancestor := range store.Ancestors(head) {
			if !store.Contains(ancestor) {
				return fmt.Errorf("head %s references missing ancestor %s", head.Short(), ancestor.Short())
			}
		}
	}

	return nil
}
