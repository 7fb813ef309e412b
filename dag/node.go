package dag

import (
	"sort"

	"github.com/luxfi/crdtstore/utils/wrappers"
)

// PayloadKind tags which variant a Payload carries.
type PayloadKind uint8

const (
	PayloadGenesis PayloadKind = iota
	PayloadDelta
	PayloadSnapshot
)

// Payload is the content a MerkleNode carries: nothing for a genesis node, a
// serialized delta-group for an ordinary node, or a serialized full-state
// snapshot for a compaction node.
type Payload struct {
	Kind PayloadKind
	Data []byte
}

// GenesisPayload returns the payload for a root node.
func GenesisPayload() Payload { return Payload{Kind: PayloadGenesis} }

// DeltaPayload wraps a serialized delta-group.
func DeltaPayload(data []byte) Payload { return Payload{Kind: PayloadDelta, Data: data} }

// SnapshotPayload wraps a serialized snapshot.
func SnapshotPayload(data []byte) Payload { return Payload{Kind: PayloadSnapshot, Data: data} }

// IsGenesis reports whether p is a genesis payload.
func (p Payload) IsGenesis() bool { return p.Kind == PayloadGenesis }

// IsDelta reports whether p carries a delta-group.
func (p Payload) IsDelta() bool { return p.Kind == PayloadDelta }

// IsSnapshot reports whether p carries a snapshot.
func (p Payload) IsSnapshot() bool { return p.Kind == PayloadSnapshot }

// MerkleNode is a single causal event in the DAG: its CID is the SHA-256
// hash of its own contents, so any mutation of a node's fields after
// construction is detectable by Verify.
type MerkleNode struct {
	CID       Hash
	Parents   []Hash
	Payload   Payload
	Timestamp uint64
	Creator   string
}

// IsGenesis reports whether n is a root node: no parents and a genesis
// payload.
func (n *MerkleNode) IsGenesis() bool {
	return len(n.Parents) == 0 && n.Payload.IsGenesis()
}

// HasParent reports whether cid is one of n's direct parents.
func (n *MerkleNode) HasParent(cid Hash) bool {
	for _, p := range n.Parents {
		if p == cid {
			return true
		}
	}
	return false
}

// ParentCount returns n's branching factor.
func (n *MerkleNode) ParentCount() int {
	return len(n.Parents)
}

// Verify recomputes n's CID from its current fields and reports whether it
// still matches the stored CID.
func (n *MerkleNode) Verify() bool {
	return computeCID(n.Parents, n.Payload, n.Timestamp, n.Creator) == n.CID
}

// computeCID hashes, in order: the parent count, the sorted parent CIDs (a
// copy — the node's own parent order is never mutated), the payload type
// byte and data, the timestamp, and the creator, so the CID is stable
// regardless of the order parents were supplied in.
func computeCID(parents []Hash, payload Payload, timestamp uint64, creator string) Hash {
	sorted := make([]Hash, len(parents))
	copy(sorted, parents)
	sort.Slice(sorted, func(i, j int) bool {
		for b := 0; b < len(sorted[i]); b++ {
			if sorted[i][b] != sorted[j][b] {
				return sorted[i][b] < sorted[j][b]
			}
		}
		return false
	})

	p := wrappers.NewPacker(16 + 32*len(sorted) + 1 + len(payload.Data) + 8 + len(creator))
	p.PackUint64(uint64(len(parents)))
	for _, par := range sorted {
		p.PackBytes(par[:])
	}
	p.PackByte(byte(payload.Kind))
	p.PackBytes(payload.Data)
	p.PackUint64(timestamp)
	p.PackBytes([]byte(creator))

	h := NewHasher()
	h.Update(p.Bytes)
	return h.Finalize()
}

// NodeBuilder constructs a MerkleNode field by field and computes its CID
// on Build.
type NodeBuilder struct {
	parents   []Hash
	payload   *Payload
	timestamp uint64
	creator   string
}

// NewNodeBuilder returns an empty builder.
func NewNodeBuilder() *NodeBuilder {
	return &NodeBuilder{}
}

// WithParents sets the full parent list.
func (b *NodeBuilder) WithParents(parents []Hash) *NodeBuilder {
	b.parents = parents
	return b
}

// WithParent appends a single parent.
func (b *NodeBuilder) WithParent(parent Hash) *NodeBuilder {
	b.parents = append(b.parents, parent)
	return b
}

// WithPayload sets the payload.
func (b *NodeBuilder) WithPayload(payload Payload) *NodeBuilder {
	b.payload = &payload
	return b
}

// WithTimestamp sets the logical timestamp.
func (b *NodeBuilder) WithTimestamp(timestamp uint64) *NodeBuilder {
	b.timestamp = timestamp
	return b
}

// WithCreator sets the creating replica's ID.
func (b *NodeBuilder) WithCreator(creator string) *NodeBuilder {
	b.creator = creator
	return b
}

// Build computes the node's CID from its accumulated fields and returns the
// finished node. A payload defaults to Genesis if none was set.
func (b *NodeBuilder) Build() MerkleNode {
	payload := GenesisPayload()
	if b.payload != nil {
		payload = *b.payload
	}
	cid := computeCID(b.parents, payload, b.timestamp, b.creator)
	return MerkleNode{
		CID:       cid,
		Parents:   b.parents,
		Payload:   payload,
		Timestamp: b.timestamp,
		Creator:   b.creator,
	}
}

// Genesis builds the root node for creator.
func Genesis(creator string) MerkleNode {
	return NewNodeBuilder().
		WithPayload(GenesisPayload()).
		WithTimestamp(0).
		WithCreator(creator).
		Build()
}
