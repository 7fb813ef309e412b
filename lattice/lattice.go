// Package lattice implements the state-based CRDT types: join-semilattice
// data structures that converge under repeated, commutative, idempotent
// merge regardless of delivery order.
package lattice

// Dot identifies a single causal event: the sequence-th operation issued by
// replica ReplicaID. Every dot-tagged CRDT in this package (ORSet, MVRegister,
// CRDTMap) uses this uniform shape rather than a content-addressed tag, so
// that dots can be compared and ordered without hashing.
type Dot struct {
	ReplicaID string
	Sequence  uint64
}

// Less orders dots first by replica, then by sequence. Joins never depend
// on dot ordering.
func (d Dot) Less(other Dot) bool {
	if d.ReplicaID != other.ReplicaID {
		return d.ReplicaID < other.ReplicaID
	}
	return d.Sequence < other.Sequence
}
