// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package dag adapts the teacher's Vertex lifecycle (Verify/Accept/Reject)
// to drive puts into a crdtstore/dag.Store from an external acceptance
// signal. The core DAG store is content-addressed and has no notion of
// "pending" nodes; callers that sit above a consensus or policy layer
// (batching writes, gating them on some external approval) need a small
// unit that tracks a not-yet-committed MerkleNode until it is told to
// commit or discard it. That is all this package does.
package dag

import (
	"context"
	"fmt"
	"sync"

	"github.com/luxfi/crdtstore/dag"
	"github.com/luxfi/ids"
)

// Vertex wraps a built but not-yet-stored MerkleNode with an accept/reject
// lifecycle. It carries no payload interpretation of its own: the node's
// Payload is whatever the caller built (delta bytes, a snapshot, genesis).
type Vertex struct {
	mu       sync.RWMutex
	node     dag.MerkleNode
	id       ids.ID
	accepted bool
	rejected bool
}

// NewVertex wraps node, deriving id from its CID so external consensus or
// policy layers can key on an ids.ID rather than a dag.Hash.
func NewVertex(node dag.MerkleNode) *Vertex {
	return &Vertex{
		id:   ids.ID(node.CID),
		node: node,
	}
}

// ID returns the vertex's identity, derived from the wrapped node's CID.
func (v *Vertex) ID() ids.ID {
	return v.id
}

// CID returns the wrapped node's content identifier.
func (v *Vertex) CID() dag.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.node.CID
}

// Parents returns the CIDs of the wrapped node's direct parents.
func (v *Vertex) Parents() []dag.Hash {
	v.mu.RLock()
	defer v.mu.RUnlock()
	parents := make([]dag.Hash, len(v.node.Parents))
	copy(parents, v.node.Parents)
	return parents
}

// Node returns the wrapped MerkleNode.
func (v *Vertex) Node() dag.MerkleNode {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.node
}

// Verify recomputes the wrapped node's CID and reports whether it still
// matches. A vertex that fails Verify must not be Accept-ed.
func (v *Vertex) Verify(_ context.Context) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if !v.node.Verify() {
		return fmt.Errorf("dag: vertex %s failed CID verification", v.id)
	}
	return nil
}

// Accept commits the wrapped node into store and marks the vertex
// accepted. Accept is idempotent: a store.Put of an already-present CID
// succeeds without error, and Accept on an already-accepted vertex is a
// no-op.
func (v *Vertex) Accept(_ context.Context, store *dag.Store) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.rejected {
		return fmt.Errorf("dag: vertex %s already rejected", v.id)
	}
	if v.accepted {
		return nil
	}
	if _, err := store.Put(v.node); err != nil {
		return err
	}
	v.accepted = true
	return nil
}

// Reject marks the vertex rejected without ever inserting it into the
// store. A rejected vertex can never be Accept-ed afterward.
func (v *Vertex) Reject(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.accepted {
		return fmt.Errorf("dag: vertex %s already accepted", v.id)
	}
	v.rejected = true
	return nil
}

// IsAccepted reports whether the vertex has been committed to a store.
func (v *Vertex) IsAccepted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.accepted
}

// IsRejected reports whether the vertex was discarded without commit.
func (v *Vertex) IsRejected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rejected
}

// IsPending reports whether the vertex has neither been accepted nor
// rejected yet.
func (v *Vertex) IsPending() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return !v.accepted && !v.rejected
}
