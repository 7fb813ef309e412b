// Package delta implements delta-state CRDT replication: buffering,
// acknowledgment tracking and the convergence-mode and causal-mode
// anti-entropy protocols built on top of the lattice package's join
// semantics.
package delta

// Lattice is the constraint every delta-replicated type must satisfy: a
// join-semilattice with a mutable in-place join. Every concrete type in the
// lattice package satisfies this directly for its own pointer type, e.g.
// *lattice.GSet[T] satisfies Lattice[*lattice.GSet[T]].
type Lattice[D any] interface {
	Join(other D) D
	JoinAssign(other D)
}

// Bottom returns the identity element for D. Concrete lattice types don't
// expose a zero-arg constructor through the Lattice interface itself (Go
// generics can't express "new(D)" for an arbitrary pointer-shaped D), so
// callers supply a bottom-producing factory wherever Algorithm 1/2 need
// D::bottom(), rather than this package inventing one via reflection.
type Bottom[D any] func() D
