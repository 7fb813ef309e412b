package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/crdtstore/log"
	"github.com/luxfi/crdtstore/metrics"
	"github.com/luxfi/crdtstore/utils/wrappers"
)

// Error is a sentinel-carrying error for DAG store operations.
type Error struct {
	Kind   ErrorKind
	Hash   Hash
	Hashes []Hash
}

// ErrorKind distinguishes the DAG store failure modes.
type ErrorKind int

const (
	// ErrNotFound means the requested CID isn't in the store.
	ErrNotFound ErrorKind = iota
	// ErrVerificationFailed means a node's CID didn't match its recomputed hash.
	ErrVerificationFailed
	// ErrMissingParents means one or more of a node's parents aren't stored yet.
	ErrMissingParents
	// ErrDuplicate means the node already exists (not actually returned by Put,
	// which treats re-insertion as an idempotent success, but kept for callers
	// that want to distinguish the case explicitly).
	ErrDuplicate
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrNotFound:
		return fmt.Sprintf("node not found: %s", e.Hash.Short())
	case ErrVerificationFailed:
		return fmt.Sprintf("verification failed for: %s", e.Hash.Short())
	case ErrMissingParents:
		shorts := make([]string, len(e.Hashes))
		for i, h := range e.Hashes {
			shorts[i] = h.Short()
		}
		return fmt.Sprintf("missing parents: %v", shorts)
	case ErrDuplicate:
		return fmt.Sprintf("duplicate node: %s", e.Hash.Short())
	default:
		return "dag: unknown error"
	}
}

// Stats summarizes the shape of a DAG store's contents.
type Stats struct {
	TotalNodes   int
	HeadCount    int
	MissingCount int
	MaxDepth     int
	AvgBranching float64
}

// Store is content-addressed storage for MerkleNodes. It tracks heads
// (nodes with no known children), a parent-to-children index, and the set
// of hashes referenced as parents but not yet present, so sync can ask for
// exactly what's missing.
type Store struct {
	mu            sync.RWMutex
	nodes         map[Hash]MerkleNode
	heads         map[Hash]struct{}
	childrenIndex map[Hash]map[Hash]struct{}
	missing       map[Hash]struct{}
	logger        log.Logger
	metrics       metrics.Recorder
}

// NewStore returns an empty DAG store.
func NewStore() *Store {
	return &Store{
		nodes:         make(map[Hash]MerkleNode),
		heads:         make(map[Hash]struct{}),
		childrenIndex: make(map[Hash]map[Hash]struct{}),
		missing:       make(map[Hash]struct{}),
		logger:        log.NoOp(),
		metrics:       metrics.NoOp(),
	}
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger log.Logger) {
	s.logger = logger
}

// SetMetrics replaces the store's metrics recorder.
func (s *Store) SetMetrics(m metrics.Recorder) {
	s.metrics = m
}

// NewStoreWithGenesis returns a store seeded with a genesis node for
// creator, along with that node's CID.
func NewStoreWithGenesis(creator string) (*Store, Hash) {
	store := NewStore()
	genesis := Genesis(creator)
	cid, err := store.Put(genesis)
	if err != nil {
		panic("genesis node should always verify: " + err.Error())
	}
	return store, cid
}

// Get returns the node for cid, if present.
func (s *Store) Get(cid Hash) (MerkleNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[cid]
	return n, ok
}

// Contains reports whether cid is stored.
func (s *Store) Contains(cid Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[cid]
	return ok
}

// Len returns the number of stored nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// IsEmpty reports whether the store holds no nodes.
func (s *Store) IsEmpty() bool {
	return s.Len() == 0
}

// Put verifies node's CID, checks that every parent is already present
// (unless node is a genesis node), and stores it. Re-inserting an
// already-present node is a no-op success. Put returns ErrMissingParents
// rather than storing a node with a causal gap; use PutUnchecked during
// sync, where parents may legitimately arrive out of order.
func (s *Store) Put(node MerkleNode) (Hash, error) {
	if !node.Verify() {
		return Hash{}, &Error{Kind: ErrVerificationFailed, Hash: node.CID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.CID]; ok {
		return node.CID, nil
	}

	if !node.IsGenesis() {
		var missing []Hash
		for _, p := range node.Parents {
			if _, ok := s.nodes[p]; !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			s.logger.Warn("rejecting node with missing parents", "cid", node.CID.Short(), "missing", len(missing))
			return Hash{}, &Error{Kind: ErrMissingParents, Hashes: missing}
		}
	}

	cid := node.CID
	s.updateHeadsLocked(node)
	s.updateChildrenIndexLocked(node)
	delete(s.missing, cid)
	s.nodes[cid] = node

	s.logger.Debug("node stored", "cid", cid.Short())
	s.metrics.DAGNodeInserted()
	s.metrics.DAGHeads(len(s.heads))

	return cid, nil
}

// PutUnchecked stores node without requiring its parents to already be
// present, recording any absent parent in the missing set instead of
// rejecting the node. Used when nodes may arrive out of causal order, as
// during a sync response.
func (s *Store) PutUnchecked(node MerkleNode) (Hash, error) {
	if !node.Verify() {
		return Hash{}, &Error{Kind: ErrVerificationFailed, Hash: node.CID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[node.CID]; ok {
		return node.CID, nil
	}

	cid := node.CID

	for _, p := range node.Parents {
		if _, ok := s.nodes[p]; !ok {
			s.missing[p] = struct{}{}
		}
	}

	s.updateChildrenIndexLocked(node)

	// Only a genuine leaf (no children recorded yet) becomes a head; a node
	// whose children already arrived keeps its place off the heads set.
	if _, hasChildren := s.childrenIndex[cid]; !hasChildren {
		s.heads[cid] = struct{}{}
	}
	for _, p := range node.Parents {
		delete(s.heads, p)
	}

	delete(s.missing, cid)
	s.nodes[cid] = node

	s.metrics.DAGNodeInserted()
	s.metrics.DAGHeads(len(s.heads))

	return cid, nil
}

func (s *Store) updateHeadsLocked(node MerkleNode) {
	s.heads[node.CID] = struct{}{}
	for _, p := range node.Parents {
		delete(s.heads, p)
	}
}

func (s *Store) updateChildrenIndexLocked(node MerkleNode) {
	for _, p := range node.Parents {
		children, ok := s.childrenIndex[p]
		if !ok {
			children = make(map[Hash]struct{})
			s.childrenIndex[p] = children
		}
		children[node.CID] = struct{}{}
	}
}

// Remove deletes cid from the store along with its bookkeeping entries.
// It does not verify that cid is safe to remove (no remaining node depends
// on it) -- that judgment belongs to the caller, e.g. a Pruner that has
// already confirmed nothing live references it.
func (s *Store) Remove(cid Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[cid]
	if !ok {
		return &Error{Kind: ErrNotFound, Hash: cid}
	}

	for _, p := range node.Parents {
		if children, ok := s.childrenIndex[p]; ok {
			delete(children, cid)
			if len(children) == 0 {
				delete(s.childrenIndex, p)
			}
		}
	}

	delete(s.nodes, cid)
	delete(s.heads, cid)
	delete(s.childrenIndex, cid)

	return nil
}

// RemoveBatch removes every cid in cids, continuing past individual
// failures. It returns the CIDs actually removed and, if any removal
// failed, a combined error describing every failure.
func (s *Store) RemoveBatch(cids []Hash) ([]Hash, error) {
	var errs wrappers.Errs
	var removed []Hash
	for _, cid := range cids {
		if err := s.Remove(cid); err != nil {
			errs.Add(fmt.Errorf("%s: %w", cid.Short(), err))
			continue
		}
		removed = append(removed, cid)
	}
	return removed, errs.Err()
}

// Heads returns the current heads, sorted for determinism.
func (s *Store) Heads() []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedHashes(s.heads)
}

// Children returns the immediate children of cid.
func (s *Store) Children(cid Hash) []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedHashes(s.childrenIndex[cid])
}

// Ancestors returns the transitive closure of cid's parents via BFS.
func (s *Store) Ancestors(cid Hash) map[Hash]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[Hash]struct{})
	var queue []Hash
	if node, ok := s.nodes[cid]; ok {
		queue = append(queue, node.Parents...)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := result[current]; seen {
			continue
		}
		result[current] = struct{}{}
		if node, ok := s.nodes[current]; ok {
			queue = append(queue, node.Parents...)
		}
	}

	return result
}

// TopologicalOrder returns every stored node in an order where a node
// always follows every present parent, via Kahn's algorithm. A parent
// referenced but not yet stored doesn't count toward in-degree.
func (s *Store) TopologicalOrder() []Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inDegree := make(map[Hash]int, len(s.nodes))
	var queue []Hash

	for cid, node := range s.nodes {
		degree := 0
		for _, p := range node.Parents {
			if _, ok := s.nodes[p]; ok {
				degree++
			}
		}
		inDegree[cid] = degree
		if degree == 0 {
			queue = append(queue, cid)
		}
	}
	sort.Slice(queue, func(i, j int) bool { return hashLess(queue[i], queue[j]) })

	var result []Hash
	for len(queue) > 0 {
		cid := queue[0]
		queue = queue[1:]
		result = append(result, cid)

		var unblocked []Hash
		for child := range s.childrenIndex[cid] {
			inDegree[child]--
			if inDegree[child] == 0 {
				unblocked = append(unblocked, child)
			}
		}
		sort.Slice(unblocked, func(i, j int) bool { return hashLess(unblocked[i], unblocked[j]) })
		queue = append(queue, unblocked...)
	}

	return result
}

// MissingNodes returns the set of hashes referenced as parents but not yet
// stored.
func (s *Store) MissingNodes() map[Hash]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Hash]struct{}, len(s.missing))
	for h := range s.missing {
		out[h] = struct{}{}
	}
	return out
}

// Stats reports structural statistics about the stored DAG.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		TotalNodes:   len(s.nodes),
		HeadCount:    len(s.heads),
		MissingCount: len(s.missing),
		MaxDepth:     s.computeMaxDepthLocked(),
		AvgBranching: s.computeBranchingLocked(),
	}
}

func (s *Store) computeMaxDepthLocked() int {
	depths := make(map[Hash]int, len(s.nodes))
	for _, cid := range s.topologicalOrderLocked() {
		node := s.nodes[cid]
		parentDepth := 0
		for _, p := range node.Parents {
			if d, ok := depths[p]; ok && d > parentDepth {
				parentDepth = d
			}
		}
		depths[cid] = parentDepth + 1
	}
	max := 0
	for _, d := range depths {
		if d > max {
			max = d
		}
	}
	return max
}

func (s *Store) computeBranchingLocked() float64 {
	if len(s.childrenIndex) == 0 {
		return 0.0
	}
	total := 0
	for _, children := range s.childrenIndex {
		total += len(children)
	}
	return float64(total) / float64(len(s.childrenIndex))
}

// topologicalOrderLocked is TopologicalOrder's body without its own
// locking, for reuse by callers already holding the read lock.
func (s *Store) topologicalOrderLocked() []Hash {
	inDegree := make(map[Hash]int, len(s.nodes))
	var queue []Hash

	for cid, node := range s.nodes {
		degree := 0
		for _, p := range node.Parents {
			if _, ok := s.nodes[p]; ok {
				degree++
			}
		}
		inDegree[cid] = degree
		if degree == 0 {
			queue = append(queue, cid)
		}
	}

	var result []Hash
	for len(queue) > 0 {
		cid := queue[0]
		queue = queue[1:]
		result = append(result, cid)
		for child := range s.childrenIndex[cid] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	return result
}

func hashLess(a, b Hash) bool {
	for i := 0; i < len(a); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func sortedHashes(set map[Hash]struct{}) []Hash {
	out := make([]Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return hashLess(out[i], out[j]) })
	return out
}
