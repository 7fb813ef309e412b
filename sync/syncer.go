// Package sync implements gap-repair reconciliation between replicas: head
// comparison, recursive missing-ancestor discovery, and applying a peer's
// response back into a local DAG store.
package sync

import (
	"fmt"

	"github.com/luxfi/crdtstore/dag"
)

// ErrorKind distinguishes syncer failure modes.
type ErrorKind int

const (
	// ErrVerificationFailed means a received node's CID didn't match its
	// recomputed hash.
	ErrVerificationFailed ErrorKind = iota
	// ErrStore wraps an underlying dag.Store error.
	ErrStore
)

// Error is returned by syncer operations.
type Error struct {
	Kind  ErrorKind
	Hash  dag.Hash
	Cause error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrVerificationFailed:
		return fmt.Sprintf("sync: verification failed: %s", e.Hash.Short())
	case ErrStore:
		return fmt.Sprintf("sync: store error: %v", e.Cause)
	default:
		return "sync: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Request asks a peer for specific nodes, optionally telling the peer our
// own heads so it can proactively include nodes we're missing.
type Request struct {
	Want  []dag.Hash
	Have  []dag.Hash
	Limit int // 0 means "use the syncer's configured batch size"
}

// WantRequest builds a request for specific CIDs.
func WantRequest(cids []dag.Hash) Request {
	return Request{Want: cids}
}

// WithHeads attaches our current heads to the request.
func (r Request) WithHeads(heads []dag.Hash) Request {
	r.Have = heads
	return r
}

// WithLimit caps the response size.
func (r Request) WithLimit(limit int) Request {
	r.Limit = limit
	return r
}

// Response carries nodes back to the requester, plus any CIDs that
// couldn't fit under the limit and the responder's current heads.
type Response struct {
	Nodes []dag.MerkleNode
	More  []dag.Hash
	Heads []dag.Hash
}

// EmptyResponse returns a response with no nodes.
func EmptyResponse() Response {
	return Response{}
}

// WithNodes builds a response carrying the given nodes.
func WithNodes(nodes []dag.MerkleNode) Response {
	return Response{Nodes: nodes}
}

// Config tunes a Syncer's traversal and batching behavior.
type Config struct {
	MaxDepth    int
	BatchSize   int
	VerifyNodes bool
}

// DefaultConfig returns the syncer's default tuning.
func DefaultConfig() Config {
	return Config{MaxDepth: 1000, BatchSize: 100, VerifyNodes: true}
}

// Status summarizes a Syncer's reconciliation state.
type Status struct {
	LocalHeads   int
	MissingNodes int
	TotalNodes   int
}

// Syncer reconciles a local dag.Store against peers via a pull-based
// protocol: compare heads, identify missing nodes, fetch them, and retry
// nodes whose parents haven't arrived yet.
type Syncer struct {
	store  *dag.Store
	config Config
}

// NewSyncer returns a syncer over store with default tuning.
func NewSyncer(store *dag.Store) *Syncer {
	return &Syncer{store: store, config: DefaultConfig()}
}

// NewSyncerWithConfig returns a syncer over store with custom tuning.
func NewSyncerWithConfig(store *dag.Store, config Config) *Syncer {
	return &Syncer{store: store, config: config}
}

// Store returns the underlying DAG store.
func (s *Syncer) Store() *dag.Store {
	return s.store
}

// Heads returns the local store's current heads.
func (s *Syncer) Heads() []dag.Hash {
	return s.store.Heads()
}

// Need returns which of cids the local store doesn't already have.
func (s *Syncer) Need(cids []dag.Hash) []dag.Hash {
	var need []dag.Hash
	for _, cid := range cids {
		if !s.store.Contains(cid) {
			need = append(need, cid)
		}
	}
	return need
}

// CreateRequest builds a request asking a peer for whatever of their
// heads we don't already have, attaching our own heads so the peer can
// proactively include nodes we're missing.
func (s *Syncer) CreateRequest(peerHeads []dag.Hash) Request {
	return WantRequest(s.Need(peerHeads)).
		WithHeads(s.Heads()).
		WithLimit(s.config.BatchSize)
}

// HandleRequest answers an incoming request: it returns the explicitly
// wanted nodes, then (space permitting) proactively walks the local
// store in topological order adding any node the peer doesn't have and
// whose parents are already included or known to the peer.
func (s *Syncer) HandleRequest(request Request) Response {
	var nodes []dag.MerkleNode
	var more []dag.Hash
	limit := request.Limit
	if limit == 0 {
		limit = s.config.BatchSize
	}

	for _, cid := range request.Want {
		if node, ok := s.store.Get(cid); ok {
			if len(nodes) < limit {
				nodes = append(nodes, node)
			} else {
				more = append(more, cid)
			}
		}
	}

	if len(request.Have) > 0 && len(nodes) < limit {
		peerHas := s.collectKnown(request.Have)

		included := func(cid dag.Hash) bool {
			for _, n := range nodes {
				if n.CID == cid {
					return true
				}
			}
			return false
		}

		for _, cid := range s.store.TopologicalOrder() {
			if _, known := peerHas[cid]; known {
				continue
			}
			node, ok := s.store.Get(cid)
			if !ok {
				continue
			}
			if len(nodes) >= limit {
				more = append(more, cid)
				continue
			}
			if included(cid) {
				continue
			}

			hasParents := true
			for _, p := range node.Parents {
				if _, ok := peerHas[p]; ok {
					continue
				}
				if included(p) {
					continue
				}
				hasParents = false
				break
			}
			if hasParents {
				nodes = append(nodes, node)
			}
		}
	}

	return Response{Nodes: nodes, More: more, Heads: s.Heads()}
}

// ApplyResponse stores every node in response, retrying nodes whose
// parents haven't been stored yet (they may arrive later in the same
// batch, out of causal order). Gives up after twice as many attempts as
// the response has nodes rather than looping forever on a node whose
// parent never shows up. Returns the CIDs successfully stored or already
// present.
func (s *Syncer) ApplyResponse(response Response) ([]dag.Hash, error) {
	var stored []dag.Hash
	pending := append([]dag.MerkleNode(nil), response.Nodes...)
	attempts := 0
	maxAttempts := len(pending) * 2

	for len(pending) > 0 {
		node := pending[0]
		pending = pending[1:]
		attempts++
		if attempts > maxAttempts {
			break
		}

		if s.store.Contains(node.CID) {
			stored = append(stored, node.CID)
			continue
		}

		if s.config.VerifyNodes && !node.Verify() {
			return nil, &Error{Kind: ErrVerificationFailed, Hash: node.CID}
		}

		cid, err := s.store.Put(node)
		if err == nil {
			stored = append(stored, cid)
			continue
		}
		if dagErr, ok := err.(*dag.Error); ok && dagErr.Kind == dag.ErrMissingParents {
			pending = append(pending, node)
			continue
		}
		return nil, &Error{Kind: ErrStore, Cause: err}
	}

	return stored, nil
}

// ApplyNodesUnchecked stores nodes without requiring their parents be
// present already, for use when nodes may legitimately arrive out of
// order.
func (s *Syncer) ApplyNodesUnchecked(nodes []dag.MerkleNode) ([]dag.Hash, error) {
	var stored []dag.Hash
	for _, node := range nodes {
		if s.config.VerifyNodes && !node.Verify() {
			return nil, &Error{Kind: ErrVerificationFailed, Hash: node.CID}
		}
		cid, err := s.store.PutUnchecked(node)
		if err != nil {
			return nil, &Error{Kind: ErrStore, Cause: err}
		}
		stored = append(stored, cid)
	}
	return stored, nil
}

// collectKnown returns every CID reachable by walking backwards from
// heads (heads included).
func (s *Syncer) collectKnown(heads []dag.Hash) map[dag.Hash]struct{} {
	known := make(map[dag.Hash]struct{})
	queue := append([]dag.Hash(nil), heads...)

	for len(queue) > 0 {
		cid := queue[0]
		queue = queue[1:]
		if _, seen := known[cid]; seen {
			continue
		}
		known[cid] = struct{}{}
		if node, ok := s.store.Get(cid); ok {
			queue = append(queue, node.Parents...)
		}
	}

	return known
}

// FindMissingAncestors walks backwards from cids, depth-bounded by the
// syncer's configured max depth, and returns every hash referenced but
// not present locally.
func (s *Syncer) FindMissingAncestors(cids []dag.Hash) []dag.Hash {
	var missing []dag.Hash
	visited := make(map[dag.Hash]struct{})

	type item struct {
		hash  dag.Hash
		depth int
	}
	queue := make([]item, len(cids))
	for i, cid := range cids {
		queue[i] = item{hash: cid}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth > s.config.MaxDepth {
			continue
		}
		if _, seen := visited[cur.hash]; seen {
			continue
		}
		visited[cur.hash] = struct{}{}

		if !s.store.Contains(cur.hash) {
			missing = append(missing, cur.hash)
			continue
		}
		node, ok := s.store.Get(cur.hash)
		if !ok {
			continue
		}
		for _, p := range node.Parents {
			if _, seen := visited[p]; !seen {
				queue = append(queue, item{hash: p, depth: cur.depth + 1})
			}
		}
	}

	return missing
}

// IsSyncedWith reports whether the local store has every one of
// peerHeads and carries no missing-parent gaps of its own.
func (s *Syncer) IsSyncedWith(peerHeads []dag.Hash) bool {
	for _, head := range peerHeads {
		if !s.store.Contains(head) {
			return false
		}
	}
	return len(s.store.MissingNodes()) == 0
}

// SyncStatus reports the local store's reconciliation state.
func (s *Syncer) SyncStatus() Status {
	return Status{
		LocalHeads:   len(s.Heads()),
		MissingNodes: len(s.store.MissingNodes()),
		TotalNodes:   s.store.Len(),
	}
}
