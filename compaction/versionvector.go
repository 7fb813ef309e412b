// Package compaction tracks which prefix of each replica's history is
// stable across the cluster and turns that into snapshots, pruning the
// DAG nodes a snapshot subsumes.
package compaction

import "sort"

// VectorEntry is one replica's highest-seen sequence number, the
// flattened form used when serializing a VersionVector.
type VectorEntry struct {
	ReplicaID string `json:"replica_id"`
	Sequence  uint64 `json:"sequence"`
}

// VersionVector summarizes causal history compactly by tracking only the
// highest contiguous sequence number seen from each replica, rather than
// every individual dot.
type VersionVector struct {
	entries map[string]uint64
}

// NewVersionVector returns an empty version vector.
func NewVersionVector() *VersionVector {
	return &VersionVector{entries: make(map[string]uint64)}
}

// VersionVectorFromEntries builds a version vector from replica->sequence
// pairs.
func VersionVectorFromEntries(entries map[string]uint64) *VersionVector {
	vv := NewVersionVector()
	for r, seq := range entries {
		vv.entries[r] = seq
	}
	return vv
}

// Get returns the highest sequence seen from replicaID, or 0 if untracked.
func (vv *VersionVector) Get(replicaID string) uint64 {
	return vv.entries[replicaID]
}

// Set records sequence for replicaID. A sequence of 0 is a no-op: the
// vector only ever stores positive progress.
func (vv *VersionVector) Set(replicaID string, sequence uint64) {
	if sequence > 0 {
		vv.entries[replicaID] = sequence
	}
}

// Increment bumps replicaID's sequence by one and returns the new value.
func (vv *VersionVector) Increment(replicaID string) uint64 {
	vv.entries[replicaID]++
	return vv.entries[replicaID]
}

// Dominates reports whether vv has seen at least as much as other from
// every replica other tracks.
func (vv *VersionVector) Dominates(other *VersionVector) bool {
	for replicaID, seq := range other.entries {
		if vv.Get(replicaID) < seq {
			return false
		}
	}
	return true
}

// StrictlyDominates reports whether vv dominates other and the two differ.
func (vv *VersionVector) StrictlyDominates(other *VersionVector) bool {
	return vv.Dominates(other) && !vv.Equal(other)
}

// Equal reports whether vv and other track identical entries.
func (vv *VersionVector) Equal(other *VersionVector) bool {
	if len(vv.entries) != len(other.entries) {
		return false
	}
	for r, seq := range vv.entries {
		if other.entries[r] != seq {
			return false
		}
	}
	return true
}

// IsConcurrentWith reports whether neither vector dominates the other.
func (vv *VersionVector) IsConcurrentWith(other *VersionVector) bool {
	return !vv.Dominates(other) && !other.Dominates(vv)
}

// Merge folds other into vv component-wise (pointwise max), in place.
func (vv *VersionVector) Merge(other *VersionVector) {
	for replicaID, seq := range other.entries {
		if cur := vv.entries[replicaID]; seq > cur {
			vv.entries[replicaID] = seq
		}
	}
}

// MergedWith returns a new vector that is vv merged with other, leaving
// both inputs unchanged.
func (vv *VersionVector) MergedWith(other *VersionVector) *VersionVector {
	result := vv.Clone()
	result.Merge(other)
	return result
}

// MinWith returns, per replica, the smaller of vv's and other's sequence
// -- the point every replica tracked by either vector has definitely seen.
func (vv *VersionVector) MinWith(other *VersionVector) *VersionVector {
	result := NewVersionVector()

	all := make(map[string]struct{}, len(vv.entries)+len(other.entries))
	for r := range vv.entries {
		all[r] = struct{}{}
	}
	for r := range other.entries {
		all[r] = struct{}{}
	}

	for replicaID := range all {
		selfSeq := vv.Get(replicaID)
		otherSeq := other.Get(replicaID)
		min := selfSeq
		if otherSeq < min {
			min = otherSeq
		}
		result.Set(replicaID, min)
	}

	return result
}

// Clone returns a deep copy of vv.
func (vv *VersionVector) Clone() *VersionVector {
	out := NewVersionVector()
	for r, seq := range vv.entries {
		out.entries[r] = seq
	}
	return out
}

// Replicas returns the tracked replica IDs, sorted.
func (vv *VersionVector) Replicas() []string {
	out := make([]string, 0, len(vv.entries))
	for r := range vv.entries {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of replicas tracked.
func (vv *VersionVector) Len() int {
	return len(vv.entries)
}

// IsEmpty reports whether vv tracks no replicas.
func (vv *VersionVector) IsEmpty() bool {
	return len(vv.entries) == 0
}

// TotalOperations returns the sum of every tracked sequence number.
func (vv *VersionVector) TotalOperations() uint64 {
	var total uint64
	for _, seq := range vv.entries {
		total += seq
	}
	return total
}

// ToEntries flattens vv into a sorted-by-replica slice, for serialization.
func (vv *VersionVector) ToEntries() []VectorEntry {
	replicas := vv.Replicas()
	out := make([]VectorEntry, len(replicas))
	for i, r := range replicas {
		out[i] = VectorEntry{ReplicaID: r, Sequence: vv.entries[r]}
	}
	return out
}

// VersionVectorFromEntryList rebuilds a version vector from its flattened
// form.
func VersionVectorFromEntryList(entries []VectorEntry) *VersionVector {
	vv := NewVersionVector()
	for _, e := range entries {
		vv.entries[e.ReplicaID] = e.Sequence
	}
	return vv
}

// Contains reports whether vv has seen at least sequence operations from
// replicaID.
func (vv *VersionVector) Contains(replicaID string, sequence uint64) bool {
	return vv.Get(replicaID) >= sequence
}

// Range is an inclusive span [Start, End] of sequence numbers from one
// replica that vv has but other doesn't.
type Range struct {
	ReplicaID string
	Start     uint64
	End       uint64
}

// Diff returns, per replica, the sequence range vv has seen that other
// hasn't.
func (vv *VersionVector) Diff(other *VersionVector) []Range {
	var diffs []Range
	for _, replicaID := range vv.Replicas() {
		selfSeq := vv.entries[replicaID]
		otherSeq := other.Get(replicaID)
		if selfSeq > otherSeq {
			diffs = append(diffs, Range{ReplicaID: replicaID, Start: otherSeq + 1, End: selfSeq})
		}
	}
	return diffs
}
